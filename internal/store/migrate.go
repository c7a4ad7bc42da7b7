package store

import (
	"context"
	"fmt"
	"strings"
)

// migration is one ordered schema change. The baseline schema (schema.go)
// is version 0; migrations apply on top of whatever baseline the database
// was created with, so they must be idempotent-safe against columns that
// already exist in fresh databases.
type migration struct {
	version int
	name    string
	sqlite  string
	mysql   string
}

var migrations = []migration{
	{
		version: 1,
		name:    "wal_original_method_column",
		sqlite:  `ALTER TABLE wal_writes ADD COLUMN original_method TEXT NOT NULL DEFAULT ''`,
		mysql:   `ALTER TABLE wal_writes ADD COLUMN original_method VARCHAR(16) NOT NULL DEFAULT ''`,
	},
	{
		version: 2,
		name:    "txlog_timing_gap_column",
		sqlite:  `ALTER TABLE transaction_log ADD COLUMN is_timing_gap_failure INTEGER NOT NULL DEFAULT 0`,
		mysql:   `ALTER TABLE transaction_log ADD COLUMN is_timing_gap_failure TINYINT NOT NULL DEFAULT 0`,
	},
}

func (s *Store) runMigrations(ctx context.Context) error {
	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		stmt := m.sqlite
		if s.dialect == DialectMySQL {
			stmt = m.mysql
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// Fresh databases already carry migrated columns in the
			// baseline schema; record and continue.
			if !isDuplicateColumnErr(err) {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func isDuplicateColumnErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "duplicate column name")
}
