package models

import "time"

// FileRef is a single line of a notification group
type FileRef struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Group is one summary of a single change type ("embed")
type Group struct {
	ChangeType     ChangeType `json:"change_type"`
	Entries        []FileRef  `json:"entries"`
	TruncatedCount int        `json:"truncated_count"`
	Page           int        `json:"page"`
	Pages          int        `json:"pages"`

	// Omitted holds the entries summarised by TruncatedCount
	Omitted []FileRef `json:"-"`
}

// TotalSize sums the listed entries
func (g *Group) TotalSize() int64 {
	var total int64
	for _, e := range g.Entries {
		total += e.Size
	}
	return total
}

// DeliveryUnit is one independently deliverable message
type DeliveryUnit struct {
	ID     string   `json:"id"`
	Groups []*Group `json:"groups"`
}

// Count returns the number of changes covered by the unit, truncated ones included
func (u *DeliveryUnit) Count() int {
	n := 0
	for _, g := range u.Groups {
		n += len(g.Entries) + len(g.Omitted)
	}
	return n
}

// Records builds the ledger rows to write once the unit has been delivered
func (u *DeliveryUnit) Records(cycleID string, at time.Time) []NotificationRecord {
	records := make([]NotificationRecord, 0, u.Count())
	for _, g := range u.Groups {
		for _, refs := range [][]FileRef{g.Entries, g.Omitted} {
			for _, ref := range refs {
				records = append(records, NotificationRecord{
					CycleID:    cycleID,
					Path:       ref.Path,
					ChangeType: g.ChangeType,
					NotifiedAt: at,
				})
			}
		}
	}
	return records
}

// NotificationRecord is one row of the append-only notification ledger
type NotificationRecord struct {
	CycleID    string
	Path       string
	ChangeType ChangeType
	NotifiedAt time.Time
}
