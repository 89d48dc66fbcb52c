package store

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// dialect holds the statements that differ between backends
type dialect struct {
	name         string
	driver       string
	schema       []string
	upsertEntry  string
	recordNotice string
}

const sqlitePragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
`

var sqliteDialect = dialect{
	name:   DriverSQLite,
	driver: sqliteDriverName,
	schema: []string{`
CREATE TABLE IF NOT EXISTS tracked_entries (
    path TEXT PRIMARY KEY CHECK (path <> ''),
    size INTEGER NOT NULL DEFAULT 0,
    modified_at INTEGER NOT NULL, -- unix nanoseconds as reported by the source
    is_directory BOOLEAN NOT NULL DEFAULT 0,
    first_seen_at INTEGER NOT NULL,
    last_checked_at INTEGER NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS notifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL,
    path TEXT NOT NULL,
    change_type TEXT NOT NULL,
    notified_at INTEGER NOT NULL,
    UNIQUE (cycle_id, change_type, path)
);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_path ON notifications(path);`,
	},
	upsertEntry: `
INSERT INTO tracked_entries (path, size, modified_at, is_directory, first_seen_at, last_checked_at)
VALUES (:path, :size, :modified_at, :is_directory, :first_seen_at, :last_checked_at)
ON CONFLICT(path) DO UPDATE SET
    size = excluded.size,
    modified_at = excluded.modified_at,
    is_directory = excluded.is_directory,
    last_checked_at = excluded.last_checked_at`,
	recordNotice: `
INSERT OR IGNORE INTO notifications (cycle_id, path, change_type, notified_at)
VALUES (:cycle_id, :path, :change_type, :notified_at)`,
}

// MySQL caps index keys at 3072 bytes, so paths are limited to 768 utf8mb4
// characters and the ledger's unique key uses a prefix of the path.
var mysqlDialect = dialect{
	name:   DriverMySQL,
	driver: "mysql",
	schema: []string{`
CREATE TABLE IF NOT EXISTS tracked_entries (
    path VARCHAR(768) NOT NULL PRIMARY KEY,
    size BIGINT NOT NULL DEFAULT 0,
    modified_at BIGINT NOT NULL,
    is_directory BOOLEAN NOT NULL DEFAULT FALSE,
    first_seen_at BIGINT NOT NULL,
    last_checked_at BIGINT NOT NULL,
    CHECK (path <> '')
) DEFAULT CHARSET=utf8mb4`, `
CREATE TABLE IF NOT EXISTS notifications (
    id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    cycle_id CHAR(36) NOT NULL,
    path VARCHAR(2048) NOT NULL,
    change_type VARCHAR(16) NOT NULL,
    notified_at BIGINT NOT NULL,
    UNIQUE KEY uq_notifications_cycle (cycle_id, change_type, path(700)),
    KEY idx_notifications_path (path(255))
) DEFAULT CHARSET=utf8mb4`,
	},
	upsertEntry: `
INSERT INTO tracked_entries (path, size, modified_at, is_directory, first_seen_at, last_checked_at)
VALUES (:path, :size, :modified_at, :is_directory, :first_seen_at, :last_checked_at)
ON DUPLICATE KEY UPDATE
    size = VALUES(size),
    modified_at = VALUES(modified_at),
    is_directory = VALUES(is_directory),
    last_checked_at = VALUES(last_checked_at)`,
	recordNotice: `
INSERT IGNORE INTO notifications (cycle_id, path, change_type, notified_at)
VALUES (:cycle_id, :path, :change_type, :notified_at)`,
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "", DriverSQLite:
		return sqliteDialect, nil
	case DriverMySQL:
		return mysqlDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported store driver %q", driver)
	}
}
