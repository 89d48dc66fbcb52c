package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"filebrowser-cdc/internal/models"
)

// Config selects and locates the backend
type Config struct {
	Driver string // sqlite (default) or mysql
	Path   string // sqlite database file
	DSN    string // mysql data source name
}

// dbTrackedEntry mirrors a tracked_entries row. Times are unix nanoseconds so
// that equality survives the round trip exactly.
type dbTrackedEntry struct {
	Path          string `db:"path"`
	Size          int64  `db:"size"`
	ModifiedAt    int64  `db:"modified_at"`
	IsDirectory   bool   `db:"is_directory"`
	FirstSeenAt   int64  `db:"first_seen_at"`
	LastCheckedAt int64  `db:"last_checked_at"`
}

type dbNotification struct {
	CycleID    string `db:"cycle_id"`
	Path       string `db:"path"`
	ChangeType string `db:"change_type"`
	NotifiedAt int64  `db:"notified_at"`
}

// Store persists tracked entries and the notification ledger
type Store struct {
	db      *sqlx.DB
	dialect dialect
	path    string
	logger  *logrus.Logger
}

// Open connects to the configured backend and creates the schema
func Open(cfg Config, logger *logrus.Logger) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var dsn string
	switch d.name {
	case DriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("sqlite path cannot be empty")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.Path)
	case DriverMySQL:
		if cfg.DSN == "" {
			return nil, errors.New("mysql dsn cannot be empty")
		}
		dsn = cfg.DSN
	}

	db, err := sqlx.Connect(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s store: %w", d.name, err)
	}

	if d.name == DriverSQLite {
		// one writer; the cycle owns the store exclusively
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(sqlitePragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragmas: %w", err)
		}
		logger.Debugf("Using sqlite driver %s", sqliteDriverID)
	} else {
		db.SetMaxOpenConns(2)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize store schema: %w", err)
		}
	}

	logger.Infof("Opened %s snapshot store", d.name)

	return &Store{
		db:      db,
		dialect: d,
		path:    cfg.Path,
		logger:  logger,
	}, nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver returns the backend name
func (s *Store) Driver() string {
	return s.dialect.name
}

// Load reads the whole snapshot
func (s *Store) Load(ctx context.Context) (models.Snapshot, error) {
	var rows []dbTrackedEntry
	err := s.db.SelectContext(ctx, &rows,
		"SELECT path, size, modified_at, is_directory, first_seen_at, last_checked_at FROM tracked_entries")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load snapshot: %w", models.ErrStoreCommit, err)
	}

	snapshot := make(models.Snapshot, len(rows))
	for i := range rows {
		e := fromRow(&rows[i])
		snapshot[e.Path] = e
	}
	return snapshot, nil
}

// Get returns the entry for path, or nil when the path is not tracked
func (s *Store) Get(ctx context.Context, path string) (*models.TrackedEntry, error) {
	var row dbTrackedEntry
	err := s.db.GetContext(ctx, &row,
		"SELECT path, size, modified_at, is_directory, first_seen_at, last_checked_at FROM tracked_entries WHERE path = ?", path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query path %s: %w", path, err)
	}
	return fromRow(&row), nil
}

// Count returns the number of tracked entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM tracked_entries"); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

// Apply writes all mutations in a single transaction. Either every row of the
// cycle is committed or none is.
func (s *Store) Apply(ctx context.Context, m *models.Mutations) (err error) {
	if m.Empty() {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", models.ErrStoreCommit, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Errorf("Failed to roll back snapshot transaction: %v", rbErr)
			}
		}
	}()

	if len(m.Upserts) > 0 {
		stmt, err := tx.PrepareNamedContext(ctx, s.dialect.upsertEntry)
		if err != nil {
			return fmt.Errorf("%w: failed to prepare upsert: %w", models.ErrStoreCommit, err)
		}
		defer stmt.Close()

		for _, e := range m.Upserts {
			if _, err := stmt.ExecContext(ctx, toRow(e)); err != nil {
				return fmt.Errorf("%w: failed to upsert %s: %w", models.ErrStoreCommit, e.Path, err)
			}
		}
	}

	if len(m.Deletes) > 0 {
		stmt, err := tx.PreparexContext(ctx, "DELETE FROM tracked_entries WHERE path = ?")
		if err != nil {
			return fmt.Errorf("%w: failed to prepare delete: %w", models.ErrStoreCommit, err)
		}
		defer stmt.Close()

		for _, path := range m.Deletes {
			if _, err := stmt.ExecContext(ctx, path); err != nil {
				return fmt.Errorf("%w: failed to delete %s: %w", models.ErrStoreCommit, path, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit snapshot: %w", models.ErrStoreCommit, err)
	}

	s.logger.Debugf("Committed snapshot: %d upserts, %d deletes", len(m.Upserts), len(m.Deletes))
	return nil
}

// RecordNotifications appends ledger rows. A record already present for the
// same cycle, change type and path is ignored. Returns the number of new rows.
func (s *Store) RecordNotifications(ctx context.Context, records []models.NotificationRecord) (n int, err error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareNamedContext(ctx, s.dialect.recordNotice)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		res, err := stmt.ExecContext(ctx, dbNotification{
			CycleID:    r.CycleID,
			Path:       r.Path,
			ChangeType: string(r.ChangeType),
			NotifiedAt: toNanos(r.NotifiedAt),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to record notification for %s: %w", r.Path, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			n += int(affected)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit notifications: %w", err)
	}
	return n, nil
}

// Notifications returns the ledger rows for path, oldest first
func (s *Store) Notifications(ctx context.Context, path string) ([]models.NotificationRecord, error) {
	var rows []dbNotification
	err := s.db.SelectContext(ctx, &rows,
		"SELECT cycle_id, path, change_type, notified_at FROM notifications WHERE path = ? ORDER BY id", path)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications for %s: %w", path, err)
	}

	records := make([]models.NotificationRecord, 0, len(rows))
	for _, row := range rows {
		changeType, err := models.ParseChangeType(row.ChangeType)
		if err != nil {
			s.logger.Warnf("Skipping ledger row for %s: %v", row.Path, err)
			continue
		}
		records = append(records, models.NotificationRecord{
			CycleID:    row.CycleID,
			Path:       row.Path,
			ChangeType: changeType,
			NotifiedAt: fromNanos(row.NotifiedAt),
		})
	}
	return records, nil
}

func toRow(e *models.TrackedEntry) dbTrackedEntry {
	return dbTrackedEntry{
		Path:          e.Path,
		Size:          e.Size,
		ModifiedAt:    toNanos(e.ModifiedAt),
		IsDirectory:   e.IsDirectory,
		FirstSeenAt:   toNanos(e.FirstSeenAt),
		LastCheckedAt: toNanos(e.LastCheckedAt),
	}
}

func fromRow(r *dbTrackedEntry) *models.TrackedEntry {
	return &models.TrackedEntry{
		Path:          r.Path,
		Size:          r.Size,
		ModifiedAt:    fromNanos(r.ModifiedAt),
		IsDirectory:   r.IsDirectory,
		FirstSeenAt:   fromNanos(r.FirstSeenAt),
		LastCheckedAt: fromNanos(r.LastCheckedAt),
	}
}

// The zero time is outside the range of UnixNano, so it maps to 0 and back.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
