package models

import "time"

// RawEntry is one record of a fetched listing
type RawEntry struct {
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
	IsDirectory bool      `json:"is_directory"`
}

// TrackedEntry is the persisted state of a path
type TrackedEntry struct {
	Path          string
	Size          int64
	ModifiedAt    time.Time
	IsDirectory   bool
	FirstSeenAt   time.Time
	LastCheckedAt time.Time
}

// Snapshot is the full set of tracked entries keyed by path
type Snapshot map[string]*TrackedEntry

// Files returns the number of non-directory entries
func (s Snapshot) Files() int {
	n := 0
	for _, e := range s {
		if !e.IsDirectory {
			n++
		}
	}
	return n
}

// Mutations is the set of row changes produced by one reconciliation. It is
// applied to the store as a single transaction.
type Mutations struct {
	Upserts []*TrackedEntry
	Deletes []string
}

// Empty reports whether there is nothing to write
func (m *Mutations) Empty() bool {
	return m == nil || (len(m.Upserts) == 0 && len(m.Deletes) == 0)
}
