package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/origincreativegroup/Loom/internal/db"
	"github.com/origincreativegroup/Loom/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "loom-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedCase persists a case with the given status and one outcome per tool.
func SeedCase(t *testing.T, store *db.Store, ctx context.Context, caseID string, status model.CaseStatus, tools ...string) model.Case {
	t.Helper()
	now := time.Now().UTC()
	c := model.Case{
		CaseID:         caseID,
		Title:          "seed " + caseID,
		Target:         "example.com",
		TargetKind:     model.TargetDomain,
		RequestedTools: tools,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status.Terminal() {
		for _, name := range tools {
			c.Outcomes = append(c.Outcomes, model.ToolOutcome{
				ToolName:   name,
				Status:     model.OutcomeSuccess,
				Results:    []model.Record{{"type": "seed", "tool": name}},
				StartedAt:  now,
				FinishedAt: now,
			})
		}
		c.CompletedAt = &now
		if status == model.CaseCompleted {
			c.Report = "# Seeded report"
			c.Synthesized = true
		}
	}
	if err := store.SaveCase(ctx, c); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return c
}
