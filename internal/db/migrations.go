package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cases (
	case_id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	target TEXT NOT NULL,
	target_kind TEXT NOT NULL DEFAULT 'unknown',
	status TEXT NOT NULL CHECK(status IN ('queued','processing','synthesizing','completed','error')),
	requested_tools_json TEXT NOT NULL DEFAULT '[]',
	tool_options_json TEXT NOT NULL DEFAULT '{}',
	report TEXT NOT NULL DEFAULT '',
	synthesized INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS tool_outcomes (
	case_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	seq INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('success','error','timeout')),
	results_json TEXT,
	raw_output TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	PRIMARY KEY(case_id, tool_name),
	FOREIGN KEY(case_id) REFERENCES cases(case_id) ON DELETE CASCADE,
	CHECK((status = 'success') = (results_json IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS activity_logs (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id TEXT NOT NULL,
	tool_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	step TEXT NOT NULL,
	details_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	FOREIGN KEY(case_id) REFERENCES cases(case_id) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS activity_logs;
DROP TABLE IF EXISTS tool_outcomes;
DROP TABLE IF EXISTS cases;
DELETE FROM schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS cases_created_at ON cases(created_at DESC);
CREATE INDEX IF NOT EXISTS cases_status_updated_at ON cases(status, updated_at);
CREATE INDEX IF NOT EXISTS activity_logs_case_created ON activity_logs(case_id, created_at);
`,
		DownSQL: `
DROP INDEX IF EXISTS activity_logs_case_created;
DROP INDEX IF EXISTS cases_status_updated_at;
DROP INDEX IF EXISTS cases_created_at;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
