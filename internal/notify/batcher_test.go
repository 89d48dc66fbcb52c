package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filebrowser-cdc/internal/models"
)

func changes(t models.ChangeType, n int) []models.Change {
	out := make([]models.Change, n)
	for i := range out {
		out[i] = models.Change{
			Type:       t,
			Path:       fmt.Sprintf("/%s/file-%03d.txt", t, i),
			Size:       int64(i + 1),
			ModifiedAt: time.Unix(int64(1700000000+i), 0),
		}
	}
	return out
}

func allPaths(units []*models.DeliveryUnit) []string {
	var out []string
	for _, u := range units {
		for _, g := range u.Groups {
			for _, e := range g.Entries {
				out = append(out, e.Path)
			}
			for _, e := range g.Omitted {
				out = append(out, e.Path)
			}
		}
	}
	return out
}

func TestBatch_Empty(t *testing.T) {
	assert.Nil(t, Batch(nil, DefaultLimits()))
	assert.Nil(t, Batch(&models.ChangeSet{Unchanged: 10}, DefaultLimits()))
}

func TestBatch_TwoHundredNew(t *testing.T) {
	cs := &models.ChangeSet{New: changes(models.ChangeNew, 200)}

	units := Batch(cs, DefaultLimits())

	// 200 entries -> 14 groups of at most 15 -> 2 messages (10 + 4)
	require.Len(t, units, 2)
	assert.Len(t, units[0].Groups, 10)
	assert.Len(t, units[1].Groups, 4)

	for _, u := range units {
		assert.NotEmpty(t, u.ID)
		assert.LessOrEqual(t, len(u.Groups), DefaultGroupsPerUnit)
		for _, g := range u.Groups {
			assert.LessOrEqual(t, len(g.Entries), DefaultEntriesPerGroup)
			assert.Equal(t, 14, g.Pages)
			assert.Zero(t, g.TruncatedCount)
		}
	}
	assert.Len(t, units[1].Groups[3].Entries, 5)
	assert.NotEqual(t, units[0].ID, units[1].ID)

	got := allPaths(units)
	require.Len(t, got, 200)
	for i, c := range cs.New {
		assert.Equal(t, c.Path, got[i])
	}
}

func TestBatch_DisplayOrderAndPacking(t *testing.T) {
	cs := &models.ChangeSet{
		New:      changes(models.ChangeNew, 16),
		Modified: changes(models.ChangeModified, 3),
		Deleted:  changes(models.ChangeDeleted, 31),
	}

	units := Batch(cs, DefaultLimits())

	require.Len(t, units, 1)
	var types []models.ChangeType
	for _, g := range units[0].Groups {
		types = append(types, g.ChangeType)
	}
	assert.Equal(t, []models.ChangeType{
		models.ChangeNew, models.ChangeNew,
		models.ChangeModified,
		models.ChangeDeleted, models.ChangeDeleted, models.ChangeDeleted,
	}, types)
	assert.Equal(t, 50, units[0].Count())
}

func TestBatch_OverflowGroupsSpillIntoMoreUnits(t *testing.T) {
	cs := &models.ChangeSet{
		New:      changes(models.ChangeNew, 9*15),
		Modified: changes(models.ChangeModified, 2*15),
	}

	units := Batch(cs, DefaultLimits())

	require.Len(t, units, 2)
	assert.Len(t, units[0].Groups, 10)
	assert.Equal(t, models.ChangeModified, units[0].Groups[9].ChangeType)
	assert.Len(t, units[1].Groups, 1)
	assert.Equal(t, models.ChangeModified, units[1].Groups[0].ChangeType)
	assert.Len(t, allPaths(units), 165)
}

func TestBatch_TruncationKeepsEveryEntryAccounted(t *testing.T) {
	cs := &models.ChangeSet{
		New:     changes(models.ChangeNew, 200),
		Deleted: changes(models.ChangeDeleted, 4),
	}
	limits := DefaultLimits()
	limits.MaxGroupsPerType = 3

	units := Batch(cs, limits)

	require.Len(t, units, 1)
	groups := units[0].Groups
	require.Len(t, groups, 4)

	last := groups[2]
	assert.Equal(t, models.ChangeNew, last.ChangeType)
	assert.Len(t, last.Entries, 15)
	assert.Equal(t, 200-45, last.TruncatedCount)
	assert.Len(t, last.Omitted, last.TruncatedCount)
	assert.Equal(t, 3, last.Pages)

	assert.Zero(t, groups[3].TruncatedCount)
	assert.Len(t, allPaths(units), 204)

	records := units[0].Records("cycle-1", time.Unix(0, 0))
	assert.Len(t, records, 204)
}

func TestBatch_CustomLimits(t *testing.T) {
	cs := &models.ChangeSet{Modified: changes(models.ChangeModified, 7)}

	units := Batch(cs, Limits{EntriesPerGroup: 2, GroupsPerUnit: 3})

	require.Len(t, units, 2)
	assert.Len(t, units[0].Groups, 3)
	assert.Len(t, units[1].Groups, 1)
	assert.Len(t, units[1].Groups[0].Entries, 1)
}

func TestBatch_Deterministic(t *testing.T) {
	cs := &models.ChangeSet{
		New:      changes(models.ChangeNew, 40),
		Modified: changes(models.ChangeModified, 17),
		Deleted:  changes(models.ChangeDeleted, 5),
	}
	want := allPaths(Batch(cs, DefaultLimits()))
	for i := 0; i < 3; i++ {
		assert.Equal(t, want, allPaths(Batch(cs, DefaultLimits())))
	}
}

func longPathChanges(t models.ChangeType, n int) []models.Change {
	out := make([]models.Change, n)
	for i := range out {
		out[i] = models.Change{
			Type:       t,
			Path:       fmt.Sprintf("/media/library/television/Some Long Series Name (2019)/Season 02/episode-%03d.mkv", i),
			Size:       int64(1<<30 + i),
			ModifiedAt: time.Unix(int64(1700000000+i), 0),
		}
	}
	return out
}

func TestBatch_UnitsStayWithinCharacterBudget(t *testing.T) {
	cs := &models.ChangeSet{New: longPathChanges(models.ChangeNew, 150)}

	units := Batch(cs, DefaultLimits())

	require.Greater(t, len(units), 1, "ten full groups of long paths do not fit one message")
	d := newTestDiscord(t, "http://unused.invalid", 0)
	for _, u := range units {
		total := 0
		for _, e := range d.render(u).Embeds {
			total += embedChars(e)
		}
		assert.LessOrEqual(t, total, DefaultCharsPerUnit)
		assert.LessOrEqual(t, len(u.Groups), DefaultGroupsPerUnit)
	}
	assert.Len(t, allPaths(units), 150)

	got := allPaths(units)
	for i, c := range cs.New {
		assert.Equal(t, c.Path, got[i])
	}
}

func TestBatch_CustomCharacterBudget(t *testing.T) {
	cs := &models.ChangeSet{Deleted: changes(models.ChangeDeleted, 30)}
	one := groupChars(paginate(models.ChangeDeleted, cs.Deleted, DefaultLimits())[0])

	units := Batch(cs, Limits{CharsPerUnit: one})

	require.Len(t, units, 2)
	assert.Len(t, units[0].Groups, 1)
	assert.Len(t, units[1].Groups, 1)
}

func TestBatch_LimitsAboveTransportMaximumAreClamped(t *testing.T) {
	cs := &models.ChangeSet{Modified: changes(models.ChangeModified, 500)}

	units := Batch(cs, Limits{EntriesPerGroup: 50, GroupsPerUnit: 25, CharsPerUnit: 100000})

	for _, u := range units {
		assert.LessOrEqual(t, len(u.Groups), DefaultGroupsPerUnit)
		for _, g := range u.Groups {
			assert.LessOrEqual(t, len(g.Entries), DefaultEntriesPerGroup)
		}
	}
	assert.Len(t, units[0].Groups[0].Entries, DefaultEntriesPerGroup)
	assert.Len(t, allPaths(units), 500)
}
