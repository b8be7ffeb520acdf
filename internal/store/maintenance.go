package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Stats aggregates link and inbound counts.
func (s *Store) Stats(ctx context.Context) (Summary, error) {
	summary := Summary{
		ByTestStatus:   make(map[TestStatus]int),
		InboundsByRole: make(map[InboundRole]int),
	}

	row := s.db.QueryRowContext(ctx, `
        SELECT
            COUNT(1),
            COALESCE(SUM(CASE WHEN is_invalid = 0 AND protocol_unsupported = 0
                              AND (config_json IS NULL OR TRIM(config_json) = '') THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(is_invalid), 0),
            COALESCE(SUM(protocol_unsupported), 0),
            COALESCE(SUM(CASE WHEN dedup_checked = 0 AND is_invalid = 0
                              AND config_json IS NOT NULL AND TRIM(config_json) <> '' THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN dedup_checked = 1 AND is_duplicate = 0 THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(is_duplicate), 0),
            COALESCE(SUM(is_alive), 0)
        FROM links`)
	if err := row.Scan(&summary.Links, &summary.PendingConversion, &summary.Invalid, &summary.Unsupported,
		&summary.DedupPending, &summary.Primaries, &summary.Duplicates, &summary.Alive); err != nil {
		return Summary{}, fmt.Errorf("link stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT test_status, COUNT(1) FROM links GROUP BY test_status`)
	if err != nil {
		return Summary{}, fmt.Errorf("status stats: %w", err)
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return Summary{}, err
		}
		summary.ByTestStatus[TestStatus(status)] = count
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return Summary{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT role, COUNT(1) FROM inbound GROUP BY role`)
	if err != nil {
		return Summary{}, fmt.Errorf("inbound stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role  string
			count int
		)
		if err := rows.Scan(&role, &count); err != nil {
			return Summary{}, err
		}
		summary.InboundsByRole[InboundRole(role)] = count
	}
	return summary, rows.Err()
}

var expectedTables = []string{"links", "inbound", "schema_migrations"}

// CheckHealth returns diagnostic information about the database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping database: %w", err)
	}
	health.DatabaseReadable = true

	present := make(map[string]struct{})
	rows, err := s.db.QueryContext(connCtx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("list tables: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			health.Error = err.Error()
			return health, fmt.Errorf("scan table name: %w", err)
		}
		present[name] = struct{}{}
	}
	rows.Close()
	for _, table := range expectedTables {
		if _, ok := present[table]; !ok {
			health.MissingTables = append(health.MissingTables, table)
		}
	}

	if _, ok := present["schema_migrations"]; ok {
		versions, err := s.db.QueryContext(connCtx, `SELECT version FROM schema_migrations ORDER BY version`)
		if err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("list migrations: %w", err)
		}
		for versions.Next() {
			var version string
			if err := versions.Scan(&version); err != nil {
				versions.Close()
				return health, err
			}
			health.AppliedVersions = append(health.AppliedVersions, version)
		}
		versions.Close()
	}

	var fk int
	if err := s.db.QueryRowContext(connCtx, "PRAGMA foreign_keys").Scan(&fk); err == nil {
		health.ForeignKeys = fk == 1
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}
