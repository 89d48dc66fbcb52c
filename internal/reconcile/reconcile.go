package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"filebrowser-cdc/internal/models"
)

// Filter decides which scanned entries are tracked
type Filter interface {
	Keep(entry models.RawEntry) bool
}

// Snapshot is the persistent store the engine reads and mutates
type Snapshot interface {
	Load(ctx context.Context) (models.Snapshot, error)
	Apply(ctx context.Context, m *models.Mutations) error
}

// Plan is the outcome of a diff: what to report and what to write
type Plan struct {
	Changes   *models.ChangeSet
	Mutations *models.Mutations
}

// Diff classifies the current scan against the previous snapshot. It performs
// no I/O and does not modify previous.
//
// Modification is detected by exact equality of the source-reported
// timestamp. Size changes alone do not make an entry Modified.
func Diff(scan []models.RawEntry, previous models.Snapshot, filter Filter, now time.Time) *Plan {
	cs := &models.ChangeSet{}
	m := &models.Mutations{}
	firstRun := len(previous) == 0

	current := make(map[string]models.RawEntry, len(scan))
	excluded := make(map[string]struct{})
	for _, e := range scan {
		if filter != nil && !filter.Keep(e) {
			excluded[e.Path] = struct{}{}
			continue
		}
		current[e.Path] = e
	}

	// map order is random; emit mutations in path order so commits are reproducible
	paths := make([]string, 0, len(current))
	for p := range current {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		e := current[path]
		prev, tracked := previous[path]

		if !tracked {
			m.Upserts = append(m.Upserts, &models.TrackedEntry{
				Path:          path,
				Size:          e.Size,
				ModifiedAt:    e.ModifiedAt,
				IsDirectory:   e.IsDirectory,
				FirstSeenAt:   now,
				LastCheckedAt: now,
			})
			if e.IsDirectory {
				continue
			}
			if firstRun {
				cs.Seeded++
				continue
			}
			cs.New = append(cs.New, change(models.ChangeNew, e))
			continue
		}

		next := *prev
		next.IsDirectory = e.IsDirectory
		next.LastCheckedAt = now

		switch {
		case e.IsDirectory && !prev.IsDirectory:
			// a file was replaced by a directory of the same name
			next.Size = e.Size
			next.ModifiedAt = e.ModifiedAt
			cs.Deleted = append(cs.Deleted, deleted(prev))
		case e.IsDirectory:
			next.Size = e.Size
			next.ModifiedAt = e.ModifiedAt
		case prev.IsDirectory:
			next.Size = e.Size
			next.ModifiedAt = e.ModifiedAt
			cs.New = append(cs.New, change(models.ChangeNew, e))
		case !e.ModifiedAt.Equal(prev.ModifiedAt):
			next.Size = e.Size
			next.ModifiedAt = e.ModifiedAt
			cs.Modified = append(cs.Modified, change(models.ChangeModified, e))
		default:
			cs.Unchanged++
		}
		m.Upserts = append(m.Upserts, &next)
	}

	gone := make([]string, 0)
	for path := range previous {
		if _, ok := current[path]; !ok {
			gone = append(gone, path)
		}
	}
	sort.Strings(gone)

	for _, path := range gone {
		prev := previous[path]
		m.Deletes = append(m.Deletes, path)

		_, filtered := excluded[path]
		if prev.IsDirectory || filtered {
			cs.Purged++
			continue
		}
		cs.Deleted = append(cs.Deleted, deleted(prev))
	}

	if firstRun {
		cs.FirstRun = true
	}
	cs.Sort()

	return &Plan{Changes: cs, Mutations: m}
}

func change(t models.ChangeType, e models.RawEntry) models.Change {
	return models.Change{Type: t, Path: e.Path, Size: e.Size, ModifiedAt: e.ModifiedAt}
}

func deleted(prev *models.TrackedEntry) models.Change {
	return models.Change{Type: models.ChangeDeleted, Path: prev.Path, Size: prev.Size, ModifiedAt: prev.ModifiedAt}
}

// Engine runs Diff against a store and commits the result
type Engine struct {
	store  Snapshot
	filter Filter
	now    func() time.Time
	logger *logrus.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the cycle time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine with exclusive use of store
func NewEngine(store Snapshot, filter Filter, logger *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		filter: filter,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile diffs scan against the stored snapshot and commits every mutation
// in one transaction. On error nothing is committed and no ChangeSet is
// returned. The commit is not interrupted by cancellation of ctx.
func (e *Engine) Reconcile(ctx context.Context, scan []models.RawEntry) (*models.ChangeSet, error) {
	previous, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	plan := Diff(scan, previous, e.filter, e.now())

	if err := e.store.Apply(context.WithoutCancel(ctx), plan.Mutations); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
	}

	cs := plan.Changes
	if cs.FirstRun {
		e.logger.Debugf("First run: seeded %d files (%d rows), notifications suppressed", cs.Seeded, len(plan.Mutations.Upserts))
	}
	e.logger.WithFields(logrus.Fields{
		"new":       len(cs.New),
		"modified":  len(cs.Modified),
		"deleted":   len(cs.Deleted),
		"unchanged": cs.Unchanged,
		"purged":    cs.Purged,
	}).Info("Reconciled snapshot")

	return cs, nil
}
