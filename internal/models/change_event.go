package models

import (
	"fmt"
	"sort"
	"time"
)

// ChangeType classifies a path after reconciliation
type ChangeType string

const (
	ChangeNew      ChangeType = "new"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// DisplayOrder is the order in which change types are grouped for notification
var DisplayOrder = []ChangeType{ChangeNew, ChangeModified, ChangeDeleted}

// ParseChangeType converts a stored change type back into a ChangeType
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(s) {
	case ChangeNew, ChangeModified, ChangeDeleted:
		return ChangeType(s), nil
	default:
		return "", fmt.Errorf("unknown change type %q", s)
	}
}

// Change is a single classified path
type Change struct {
	Type       ChangeType `json:"type"`
	Path       string     `json:"path"`
	Size       int64      `json:"size"`
	ModifiedAt time.Time  `json:"modified_at"`
}

// ChangeSet is the result of one reconciliation cycle
type ChangeSet struct {
	New       []Change `json:"new"`
	Modified  []Change `json:"modified"`
	Deleted   []Change `json:"deleted"`
	Unchanged int      `json:"unchanged"`

	// FirstRun is set when the store was empty before the cycle. Notifications
	// are suppressed and Seeded holds the number of rows persisted.
	FirstRun bool `json:"first_run"`
	Seeded   int  `json:"seeded"`

	// Purged counts rows dropped without notification (filtered paths and
	// vanished directories).
	Purged int `json:"purged"`
}

// Empty reports whether the set has nothing to notify
func (cs *ChangeSet) Empty() bool {
	return cs == nil || cs.Total() == 0
}

// Total returns the number of notifiable changes
func (cs *ChangeSet) Total() int {
	if cs == nil {
		return 0
	}
	return len(cs.New) + len(cs.Modified) + len(cs.Deleted)
}

// ByType returns the changes for a single change type
func (cs *ChangeSet) ByType(t ChangeType) []Change {
	if cs == nil {
		return nil
	}
	switch t {
	case ChangeNew:
		return cs.New
	case ChangeModified:
		return cs.Modified
	case ChangeDeleted:
		return cs.Deleted
	}
	return nil
}

// Sort orders every sequence lexicographically by path
func (cs *ChangeSet) Sort() {
	for _, changes := range [][]Change{cs.New, cs.Modified, cs.Deleted} {
		sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	}
}
