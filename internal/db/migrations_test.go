package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func openTempDB(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "loom-test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, ctx
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	store, ctx := openTempDB(t)
	for i := 0; i < 2; i++ {
		if err := ApplyMigrations(ctx, store.DB()); err != nil {
			t.Fatalf("apply #%d: %v", i+1, err)
		}
	}
	var count int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("expected %d recorded migrations, got %d", len(migrations), count)
	}
}

func TestRollbackAllDropsTables(t *testing.T) {
	store, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := RollbackAll(ctx, store.DB()); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	for _, table := range []string{"cases", "tool_outcomes", "activity_logs"} {
		var name string
		err := store.DB().QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err == nil {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("re-apply after rollback: %v", err)
	}
}

func TestUnfinishedLookupUsesStatusIndex(t *testing.T) {
	store, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	rows, err := store.DB().QueryContext(ctx, `EXPLAIN QUERY PLAN SELECT case_id FROM cases WHERE status IN ('queued','processing') ORDER BY updated_at`)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	defer rows.Close()
	var plan string
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			t.Fatalf("scan plan: %v", err)
		}
		plan += detail + "\n"
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("plan rows: %v", err)
	}
	if !strings.Contains(plan, "cases_status_updated_at") {
		t.Fatalf("expected status index in plan, got:\n%s", plan)
	}
}
