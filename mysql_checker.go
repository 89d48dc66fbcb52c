package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// privileges the snapshot store needs on its database
var storePrivileges = []string{"SELECT", "INSERT", "UPDATE", "DELETE", "CREATE"}

// MySQLChecker validates MySQL connection and required permissions
type MySQLChecker struct {
	dsn      string
	database string
	logger   *logrus.Logger
}

// NewMySQLChecker creates a new MySQL checker
func NewMySQLChecker(cfg MySQLConfig, logger *logrus.Logger) *MySQLChecker {
	return &MySQLChecker{
		dsn:      cfg.DSN(),
		database: cfg.Database,
		logger:   logger,
	}
}

// CheckConnectionAndPermissions verifies the store database is reachable and
// that the current user may create and modify its tables
func (c *MySQLChecker) CheckConnectionAndPermissions(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "mysql", c.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c.logger.Info("Successfully connected to MySQL server")

	var grants []string
	if err := db.SelectContext(ctx, &grants, "SHOW GRANTS FOR CURRENT_USER()"); err != nil {
		// MySQL 5.6
		if err := db.SelectContext(ctx, &grants, "SHOW GRANTS"); err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}

	if missing := missingPrivileges(grants, c.database); len(missing) > 0 {
		return fmt.Errorf("missing required permissions on %s: %s. Current grants: %s",
			c.database, strings.Join(missing, ", "), strings.Join(grants, "; "))
	}

	c.logger.Info("All required permissions verified")

	var version string
	if err := db.GetContext(ctx, &version, "SELECT VERSION()"); err != nil {
		c.logger.Warn("Could not determine MySQL version")
	} else {
		c.logger.Infof("MySQL version: %s", version)
	}

	return nil
}

// missingPrivileges returns the store privileges not covered by grants that
// apply to database, either directly or through *.*
func missingPrivileges(grants []string, database string) []string {
	target := strings.ToUpper(database)
	held := make(map[string]bool)

	for _, grant := range grants {
		upper := strings.ToUpper(strings.TrimSpace(grant))
		on := strings.Index(upper, " ON ")
		if !strings.HasPrefix(upper, "GRANT ") || on < 0 {
			continue
		}

		fields := strings.Fields(upper[on+len(" ON "):])
		if len(fields) == 0 {
			continue
		}
		scope := strings.NewReplacer("`", "", `\`, "").Replace(fields[0])
		if scope != "*.*" && scope != target+".*" {
			continue
		}

		for _, priv := range strings.Split(upper[len("GRANT "):on], ",") {
			held[strings.TrimSpace(priv)] = true
		}
	}

	if held["ALL PRIVILEGES"] || held["ALL"] {
		return nil
	}

	var missing []string
	for _, priv := range storePrivileges {
		if !held[priv] {
			missing = append(missing, priv)
		}
	}
	return missing
}
