package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filebrowser-cdc/internal/models"
	"filebrowser-cdc/internal/store"
)

var (
	t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(30 * time.Minute)
	t2 = t1.Add(30 * time.Minute)
)

func raw(path string, modUnix int64) models.RawEntry {
	return models.RawEntry{
		Path:       path,
		Name:       filepath.Base(path),
		Size:       modUnix % 1000,
		ModifiedAt: time.Unix(modUnix, 0).UTC(),
	}
}

func rawDir(path string, modUnix int64) models.RawEntry {
	e := raw(path, modUnix)
	e.IsDirectory = true
	e.Size = 0
	return e
}

func tracked(path string, modUnix int64) *models.TrackedEntry {
	return &models.TrackedEntry{
		Path:          path,
		Size:          modUnix % 1000,
		ModifiedAt:    time.Unix(modUnix, 0).UTC(),
		FirstSeenAt:   t0,
		LastCheckedAt: t0,
	}
}

func trackedDir(path string, modUnix int64) *models.TrackedEntry {
	e := tracked(path, modUnix)
	e.IsDirectory = true
	return e
}

func paths(changes []models.Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Path)
	}
	return out
}

type suffixFilter string

func (s suffixFilter) Keep(e models.RawEntry) bool { return !strings.HasSuffix(e.Path, string(s)) }

func TestDiff_TableDriven(t *testing.T) {
	cases := []struct {
		name     string
		scan     []models.RawEntry
		previous models.Snapshot
		filter   Filter
		expect   func(t *testing.T, p *Plan)
	}{
		{
			name:     "new file",
			scan:     []models.RawEntry{raw("/a.txt", 100), raw("/b.txt", 100)},
			previous: models.Snapshot{"/a.txt": tracked("/a.txt", 100)},
			expect: func(t *testing.T, p *Plan) {
				assert.Equal(t, []string{"/b.txt"}, paths(p.Changes.New))
				assert.Empty(t, p.Changes.Modified)
				assert.Empty(t, p.Changes.Deleted)
				assert.Equal(t, 1, p.Changes.Unchanged)
				assert.False(t, p.Changes.FirstRun)
			},
		},
		{
			name:     "modified file",
			scan:     []models.RawEntry{raw("/a.txt", 200)},
			previous: models.Snapshot{"/a.txt": tracked("/a.txt", 100)},
			expect: func(t *testing.T, p *Plan) {
				assert.Equal(t, []string{"/a.txt"}, paths(p.Changes.Modified))
				require.Len(t, p.Mutations.Upserts, 1)
				assert.True(t, p.Mutations.Upserts[0].ModifiedAt.Equal(time.Unix(200, 0)))
				assert.True(t, p.Mutations.Upserts[0].FirstSeenAt.Equal(t0))
			},
		},
		{
			name:     "deleted file",
			scan:     []models.RawEntry{raw("/a.txt", 100)},
			previous: models.Snapshot{"/a.txt": tracked("/a.txt", 100), "/b.txt": tracked("/b.txt", 100)},
			expect: func(t *testing.T, p *Plan) {
				assert.Equal(t, []string{"/b.txt"}, paths(p.Changes.Deleted))
				assert.Equal(t, []string{"/b.txt"}, p.Mutations.Deletes)
				assert.Empty(t, p.Changes.New)
			},
		},
		{
			name:     "older timestamp still counts as modified",
			scan:     []models.RawEntry{raw("/a.txt", 50)},
			previous: models.Snapshot{"/a.txt": tracked("/a.txt", 100)},
			expect: func(t *testing.T, p *Plan) {
				assert.Equal(t, []string{"/a.txt"}, paths(p.Changes.Modified))
			},
		},
		{
			name: "size change without timestamp change is unchanged",
			scan: []models.RawEntry{{Path: "/a.txt", Size: 9999, ModifiedAt: time.Unix(100, 0)}},
			previous: models.Snapshot{
				"/a.txt": tracked("/a.txt", 100),
			},
			expect: func(t *testing.T, p *Plan) {
				assert.True(t, p.Changes.Empty())
				assert.Equal(t, 1, p.Changes.Unchanged)
				require.Len(t, p.Mutations.Upserts, 1)
				assert.Equal(t, int64(100), p.Mutations.Upserts[0].Size)
				assert.True(t, p.Mutations.Upserts[0].LastCheckedAt.Equal(t1))
			},
		},
		{
			name: "one nanosecond is a modification",
			scan: []models.RawEntry{{Path: "/a.txt", ModifiedAt: time.Unix(100, 1)}},
			previous: models.Snapshot{
				"/a.txt": tracked("/a.txt", 100),
			},
			expect: func(t *testing.T, p *Plan) {
				assert.Equal(t, []string{"/a.txt"}, paths(p.Changes.Modified))
			},
		},
		{
			name: "same instant in another zone is unchanged",
			scan: []models.RawEntry{{Path: "/a.txt", ModifiedAt: time.Unix(100, 0).In(time.FixedZone("CET", 3600))}},
			previous: models.Snapshot{
				"/a.txt": tracked("/a.txt", 100),
			},
			expect: func(t *testing.T, p *Plan) {
				assert.True(t, p.Changes.Empty())
			},
		},
		{
			name:     "directories never notify",
			scan:     []models.RawEntry{rawDir("/docs", 500), rawDir("/new-dir", 1), raw("/docs/a.txt", 100)},
			previous: models.Snapshot{"/docs": trackedDir("/docs", 100), "/old-dir": trackedDir("/old-dir", 1), "/docs/a.txt": tracked("/docs/a.txt", 100)},
			expect: func(t *testing.T, p *Plan) {
				assert.True(t, p.Changes.Empty())
				assert.Equal(t, 1, p.Changes.Purged)
				assert.Equal(t, []string{"/old-dir"}, p.Mutations.Deletes)
				assert.Len(t, p.Mutations.Upserts, 3)
			},
		},
		{
			name:     "filtered entries are never written",
			scan:     []models.RawEntry{raw("/a.txt", 100), raw("/upload.tmp", 100)},
			previous: models.Snapshot{"/a.txt": tracked("/a.txt", 100)},
			filter:   suffixFilter(".tmp"),
			expect: func(t *testing.T, p *Plan) {
				assert.True(t, p.Changes.Empty())
				for _, u := range p.Mutations.Upserts {
					assert.NotEqual(t, "/upload.tmp", u.Path)
				}
			},
		},
		{
			name:     "newly filtered tracked entry is purged without notification",
			scan:     []models.RawEntry{raw("/a.txt", 100), raw("/b.tmp", 100)},
			previous: models.Snapshot{"/a.txt": tracked("/a.txt", 100), "/b.tmp": tracked("/b.tmp", 100)},
			filter:   suffixFilter(".tmp"),
			expect: func(t *testing.T, p *Plan) {
				assert.Empty(t, p.Changes.Deleted)
				assert.Equal(t, 1, p.Changes.Purged)
				assert.Equal(t, []string{"/b.tmp"}, p.Mutations.Deletes)
			},
		},
		{
			name:     "file replaced by directory",
			scan:     []models.RawEntry{rawDir("/thing", 300)},
			previous: models.Snapshot{"/thing": tracked("/thing", 100), "/other": tracked("/other", 1)},
			expect: func(t *testing.T, p *Plan) {
				assert.Equal(t, []string{"/other", "/thing"}, paths(p.Changes.Deleted))
				require.Len(t, p.Mutations.Upserts, 1)
				assert.True(t, p.Mutations.Upserts[0].IsDirectory)
			},
		},
		{
			name:     "directory replaced by file",
			scan:     []models.RawEntry{raw("/thing", 300)},
			previous: models.Snapshot{"/thing": trackedDir("/thing", 100)},
			expect: func(t *testing.T, p *Plan) {
				assert.Equal(t, []string{"/thing"}, paths(p.Changes.New))
				require.Len(t, p.Mutations.Upserts, 1)
				assert.False(t, p.Mutations.Upserts[0].IsDirectory)
			},
		},
		{
			name: "output sorted by path",
			scan: []models.RawEntry{
				raw("/z.txt", 1), raw("/b/a.txt", 1), raw("/a.txt", 1), raw("/B.txt", 1),
				raw("/m.txt", 2),
			},
			previous: models.Snapshot{
				"/m.txt":   tracked("/m.txt", 1),
				"/y.txt":   tracked("/y.txt", 1),
				"/c.txt":   tracked("/c.txt", 1),
				"/c/d.txt": tracked("/c/d.txt", 1),
			},
			expect: func(t *testing.T, p *Plan) {
				assert.Equal(t, []string{"/B.txt", "/a.txt", "/b/a.txt", "/z.txt"}, paths(p.Changes.New))
				assert.Equal(t, []string{"/c.txt", "/c/d.txt", "/y.txt"}, paths(p.Changes.Deleted))
				assert.Equal(t, []string{"/m.txt"}, paths(p.Changes.Modified))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.expect(t, Diff(tc.scan, tc.previous, tc.filter, t1))
		})
	}
}

func TestDiff_FirstRunSuppression(t *testing.T) {
	scan := []models.RawEntry{raw("/a.txt", 1), raw("/b.txt", 2), raw("/c/d.txt", 3), rawDir("/c", 4)}

	p := Diff(scan, models.Snapshot{}, nil, t1)

	assert.True(t, p.Changes.FirstRun)
	assert.True(t, p.Changes.Empty())
	assert.Equal(t, 3, p.Changes.Seeded)
	require.Len(t, p.Mutations.Upserts, 4)
	for _, u := range p.Mutations.Upserts {
		assert.True(t, u.FirstSeenAt.Equal(t1))
		assert.True(t, u.LastCheckedAt.Equal(t1))
	}
}

func TestDiff_DoesNotMutatePrevious(t *testing.T) {
	previous := models.Snapshot{"/a.txt": tracked("/a.txt", 100)}
	Diff([]models.RawEntry{raw("/a.txt", 200)}, previous, nil, t1)

	assert.True(t, previous["/a.txt"].ModifiedAt.Equal(time.Unix(100, 0)))
	assert.True(t, previous["/a.txt"].LastCheckedAt.Equal(t0))
}

func TestDiff_Deterministic(t *testing.T) {
	scan := make([]models.RawEntry, 0, 50)
	previous := models.Snapshot{}
	for i := 0; i < 50; i++ {
		p := "/dir/" + string(rune('a'+i%26)) + strings.Repeat("x", i)
		scan = append(scan, raw(p, int64(i)))
		if i%3 == 0 {
			previous[p] = tracked(p, int64(i+1))
		}
		if i%5 == 0 {
			gone := p + ".gone"
			previous[gone] = tracked(gone, 1)
		}
	}

	first := Diff(scan, previous, nil, t1)
	for i := 0; i < 5; i++ {
		again := Diff(scan, previous, nil, t1)
		assert.Equal(t, first.Changes, again.Changes)
		assert.Equal(t, first.Mutations, again.Mutations)
	}
}

func newEngine(t *testing.T, clock *time.Time, filter Filter) (*Engine, *store.Store) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: filepath.Join(t.TempDir(), "tracker.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, filter, logger, WithClock(func() time.Time { return *clock })), s
}

func TestEngine_FirstRunPersistsEverything(t *testing.T) {
	now := t0
	engine, s := newEngine(t, &now, nil)
	ctx := context.Background()

	cs, err := engine.Reconcile(ctx, []models.RawEntry{raw("/a.txt", 1), raw("/b.txt", 2), raw("/c.txt", 3)})
	require.NoError(t, err)
	assert.True(t, cs.FirstRun)
	assert.True(t, cs.Empty())

	snapshot, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 3)
	for _, e := range snapshot {
		assert.True(t, e.FirstSeenAt.Equal(e.LastCheckedAt))
	}
}

func TestEngine_IdempotentReruns(t *testing.T) {
	now := t0
	engine, s := newEngine(t, &now, nil)
	ctx := context.Background()
	scan := []models.RawEntry{raw("/a.txt", 1), raw("/b.txt", 2), rawDir("/d", 3)}

	_, err := engine.Reconcile(ctx, scan)
	require.NoError(t, err)

	now = t1
	cs, err := engine.Reconcile(ctx, scan)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
	assert.False(t, cs.FirstRun)
	assert.Equal(t, 2, cs.Unchanged)

	now = t2
	cs, err = engine.Reconcile(ctx, scan)
	require.NoError(t, err)
	assert.True(t, cs.Empty())

	a, err := s.Get(ctx, "/a.txt")
	require.NoError(t, err)
	assert.True(t, a.FirstSeenAt.Equal(t0), "first seen must not move")
	assert.True(t, a.LastCheckedAt.Equal(t2), "last checked follows the cycle")
}

func TestEngine_DetectsChangesAcrossCycles(t *testing.T) {
	now := t0
	engine, s := newEngine(t, &now, suffixFilter(".tmp"))
	ctx := context.Background()

	_, err := engine.Reconcile(ctx, []models.RawEntry{raw("/a.txt", 100), raw("/b.txt", 100)})
	require.NoError(t, err)

	now = t1
	cs, err := engine.Reconcile(ctx, []models.RawEntry{raw("/a.txt", 200), raw("/c.txt", 100), raw("/d.tmp", 100)})
	require.NoError(t, err)
	assert.Equal(t, []string{"/c.txt"}, paths(cs.New))
	assert.Equal(t, []string{"/a.txt"}, paths(cs.Modified))
	assert.Equal(t, []string{"/b.txt"}, paths(cs.Deleted))

	a, err := s.Get(ctx, "/a.txt")
	require.NoError(t, err)
	assert.True(t, a.ModifiedAt.Equal(time.Unix(200, 0)))

	b, err := s.Get(ctx, "/b.txt")
	require.NoError(t, err)
	assert.Nil(t, b)

	tmp, err := s.Get(ctx, "/d.tmp")
	require.NoError(t, err)
	assert.Nil(t, tmp, "filtered entries are never stored")
}

type failingStore struct {
	snapshot models.Snapshot
	applyErr error
	applied  int
}

func (f *failingStore) Load(context.Context) (models.Snapshot, error) { return f.snapshot, nil }

func (f *failingStore) Apply(context.Context, *models.Mutations) error {
	f.applied++
	return f.applyErr
}

func TestEngine_CommitFailureReturnsNoChanges(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fs := &failingStore{
		snapshot: models.Snapshot{"/a.txt": tracked("/a.txt", 1)},
		applyErr: errors.Join(models.ErrStoreCommit, errors.New("disk full")),
	}
	engine := NewEngine(fs, nil, logger)

	cs, err := engine.Reconcile(context.Background(), []models.RawEntry{raw("/b.txt", 1)})
	assert.Nil(t, cs)
	assert.ErrorIs(t, err, models.ErrStoreCommit)
	assert.Equal(t, 1, fs.applied)
}

func TestEngine_CommitSurvivesCancelledContext(t *testing.T) {
	now := t0
	engine, s := newEngine(t, &now, nil)

	_, err := engine.Reconcile(context.Background(), []models.RawEntry{raw("/a.txt", 1)})
	require.NoError(t, err)

	// Load happens first with the live context, so cancel from inside the clock
	ctx, cancel := context.WithCancel(context.Background())
	engine.now = func() time.Time {
		cancel()
		return t1
	}
	cs, err := engine.Reconcile(ctx, []models.RawEntry{raw("/a.txt", 1), raw("/b.txt", 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"/b.txt"}, paths(cs.New))

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
