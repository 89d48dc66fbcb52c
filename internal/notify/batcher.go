package notify

import (
	"github.com/google/uuid"

	"filebrowser-cdc/internal/models"
)

// Transport limits of the notification protocol
const (
	DefaultEntriesPerGroup = 15
	DefaultGroupsPerUnit   = 10
	DefaultCharsPerUnit    = 6000
)

// Limits bounds the shape of delivery units. Values above the defaults are
// clamped: the defaults are what the webhook accepts.
type Limits struct {
	EntriesPerGroup int // K2: file lines per summary
	GroupsPerUnit   int // K1: summaries per message
	CharsPerUnit    int // rendered title, description and footer text per message

	// MaxGroupsPerType caps the summaries of one change type; 0 means
	// unlimited. Entries beyond the cap are counted in the last group's
	// TruncatedCount instead of being listed.
	MaxGroupsPerType int
}

// DefaultLimits returns the protocol limits
func DefaultLimits() Limits {
	return Limits{
		EntriesPerGroup: DefaultEntriesPerGroup,
		GroupsPerUnit:   DefaultGroupsPerUnit,
		CharsPerUnit:    DefaultCharsPerUnit,
	}
}

func (l Limits) normalize() Limits {
	if l.EntriesPerGroup <= 0 || l.EntriesPerGroup > DefaultEntriesPerGroup {
		l.EntriesPerGroup = DefaultEntriesPerGroup
	}
	if l.GroupsPerUnit <= 0 || l.GroupsPerUnit > DefaultGroupsPerUnit {
		l.GroupsPerUnit = DefaultGroupsPerUnit
	}
	if l.CharsPerUnit <= 0 || l.CharsPerUnit > DefaultCharsPerUnit {
		l.CharsPerUnit = DefaultCharsPerUnit
	}
	if l.MaxGroupsPerType < 0 {
		l.MaxGroupsPerType = 0
	}
	return l
}

// Batch partitions a change set into independently deliverable units. Groups
// follow the display order New, Modified, Deleted; no entry is dropped. A unit
// is closed when it holds GroupsPerUnit groups or when the next group would
// push its rendered text past CharsPerUnit.
func Batch(cs *models.ChangeSet, limits Limits) []*models.DeliveryUnit {
	if cs.Empty() {
		return nil
	}
	limits = limits.normalize()

	var groups []*models.Group
	for _, t := range models.DisplayOrder {
		groups = append(groups, paginate(t, cs.ByType(t), limits)...)
	}

	var units []*models.DeliveryUnit
	var current *models.DeliveryUnit
	chars := 0
	for _, g := range groups {
		size := groupChars(g)
		if current == nil || len(current.Groups) == limits.GroupsPerUnit || chars+size > limits.CharsPerUnit {
			current = &models.DeliveryUnit{ID: uuid.NewString()}
			units = append(units, current)
			chars = 0
		}
		current.Groups = append(current.Groups, g)
		chars += size
	}
	return units
}

func paginate(t models.ChangeType, changes []models.Change, limits Limits) []*models.Group {
	if len(changes) == 0 {
		return nil
	}

	pages := (len(changes) + limits.EntriesPerGroup - 1) / limits.EntriesPerGroup
	listed := len(changes)
	if limits.MaxGroupsPerType > 0 && pages > limits.MaxGroupsPerType {
		pages = limits.MaxGroupsPerType
		listed = pages * limits.EntriesPerGroup
	}

	groups := make([]*models.Group, 0, pages)
	for i := 0; i < pages; i++ {
		start := i * limits.EntriesPerGroup
		end := min(start+limits.EntriesPerGroup, listed)
		groups = append(groups, &models.Group{
			ChangeType: t,
			Entries:    refs(changes[start:end]),
			Page:       i + 1,
			Pages:      pages,
		})
	}

	if listed < len(changes) {
		last := groups[len(groups)-1]
		last.Omitted = refs(changes[listed:])
		last.TruncatedCount = len(last.Omitted)
	}
	return groups
}

func refs(changes []models.Change) []models.FileRef {
	out := make([]models.FileRef, len(changes))
	for i, c := range changes {
		out[i] = models.FileRef{Path: c.Path, Size: c.Size, ModifiedAt: c.ModifiedAt}
	}
	return out
}
