package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/origincreativegroup/Loom/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrNoCase   = errors.New("case not persisted")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveCase upserts the case row and replaces its stored outcomes with
// c.Outcomes in a single transaction.
func (s *Store) SaveCase(ctx context.Context, c model.Case) error {
	if strings.TrimSpace(c.CaseID) == "" {
		return fmt.Errorf("save case: empty case id")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	tools, err := json.Marshal(nonNilStrings(c.RequestedTools))
	if err != nil {
		return fmt.Errorf("marshal requested tools: %w", err)
	}
	opts := c.ToolOptions
	if opts == nil {
		opts = map[string]map[string]any{}
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("marshal tool options: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save case: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
INSERT INTO cases(case_id, title, description, target, target_kind, status, requested_tools_json, tool_options_json, report, synthesized, message, created_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(case_id) DO UPDATE SET
	title=excluded.title,
	description=excluded.description,
	target=excluded.target,
	target_kind=excluded.target_kind,
	status=excluded.status,
	requested_tools_json=excluded.requested_tools_json,
	tool_options_json=excluded.tool_options_json,
	report=excluded.report,
	synthesized=excluded.synthesized,
	message=excluded.message,
	updated_at=excluded.updated_at,
	completed_at=excluded.completed_at
`, c.CaseID, c.Title, c.Description, c.Target, string(c.TargetKind), string(c.Status), string(tools), string(optsJSON),
		c.Report, boolToInt(c.Synthesized), c.Message, ts(c.CreatedAt), ts(c.UpdatedAt), nullableTS(c.CompletedAt))
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_outcomes WHERE case_id = ?`, c.CaseID); err != nil {
		return fmt.Errorf("clear outcomes: %w", err)
	}
	for i, out := range c.Outcomes {
		if err := insertOutcome(ctx, tx, c.CaseID, i, out); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save case: %w", err)
	}
	return nil
}

// SaveToolOutcome upserts a single outcome. seq is the completion position.
func (s *Store) SaveToolOutcome(ctx context.Context, caseID string, seq int, out model.ToolOutcome) error {
	err := insertOutcome(ctx, s.db, caseID, seq, out)
	if isForeignKeyErr(err) {
		return fmt.Errorf("save outcome %s/%s: %w", caseID, out.ToolName, ErrNoCase)
	}
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOutcome(ctx context.Context, ex execer, caseID string, seq int, out model.ToolOutcome) error {
	var results any
	if out.Status == model.OutcomeSuccess {
		records := out.Results
		if records == nil {
			records = []model.Record{}
		}
		raw, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("marshal results for %s: %w", out.ToolName, err)
		}
		results = string(raw)
	}
	_, err := ex.ExecContext(ctx, `
INSERT INTO tool_outcomes(case_id, tool_name, seq, status, results_json, raw_output, error_message, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(case_id, tool_name) DO UPDATE SET
	seq=excluded.seq,
	status=excluded.status,
	results_json=excluded.results_json,
	raw_output=excluded.raw_output,
	error_message=excluded.error_message,
	started_at=excluded.started_at,
	finished_at=excluded.finished_at
`, caseID, out.ToolName, seq, string(out.Status), results, out.RawOutput, out.ErrorMessage, ts(out.StartedAt), ts(out.FinishedAt))
	if err != nil {
		return fmt.Errorf("upsert outcome %s/%s: %w", caseID, out.ToolName, err)
	}
	return nil
}

const caseColumns = `case_id, title, description, target, target_kind, status, requested_tools_json, tool_options_json, report, synthesized, message, created_at, updated_at, completed_at`

func (s *Store) GetCase(ctx context.Context, caseID string) (model.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Case{}, ErrNotFound
	}
	if err != nil {
		return model.Case{}, err
	}
	outcomes, err := s.listOutcomes(ctx, caseID)
	if err != nil {
		return model.Case{}, err
	}
	c.Outcomes = outcomes
	return c, nil
}

// ListCases returns case summaries, newest first. limit <= 0 means no limit.
func (s *Store) ListCases(ctx context.Context, limit int) ([]model.CaseSummary, error) {
	query := `SELECT ` + caseColumns + ` FROM cases ORDER BY created_at DESC, case_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	out := []model.CaseSummary{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c.Summary())
	}
	return out, rows.Err()
}

// ListUnfinished returns every case that has not reached a terminal status,
// oldest first, with outcomes loaded.
func (s *Store) ListUnfinished(ctx context.Context) ([]model.Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases
WHERE status IN ('queued','processing','synthesizing')
ORDER BY created_at, case_id`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished cases: %w", err)
	}
	var cases []model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cases = append(cases, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range cases {
		outcomes, err := s.listOutcomes(ctx, cases[i].CaseID)
		if err != nil {
			return nil, err
		}
		cases[i].Outcomes = outcomes
	}
	return cases, nil
}

func (s *Store) GetToolOutcome(ctx context.Context, caseID, toolName string) (model.ToolOutcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT tool_name, status, results_json, raw_output, error_message, started_at, finished_at
FROM tool_outcomes WHERE case_id = ? AND tool_name = ?`, caseID, toolName)
	out, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ToolOutcome{}, ErrNotFound
	}
	return out, err
}

func (s *Store) listOutcomes(ctx context.Context, caseID string) ([]model.ToolOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_name, status, results_json, raw_output, error_message, started_at, finished_at
FROM tool_outcomes WHERE case_id = ? ORDER BY seq, tool_name`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()
	var out []model.ToolOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) AppendLog(ctx context.Context, entry model.ActivityLog) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	details := strings.TrimSpace(entry.DetailsJSON)
	if details == "" {
		details = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO activity_logs(case_id, tool_name, status, step, details_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, entry.CaseID, entry.ToolName, entry.Status, entry.Step, details, ts(entry.CreatedAt))
	if err != nil {
		if isForeignKeyErr(err) {
			return 0, fmt.Errorf("append log for %s: %w", entry.CaseID, ErrNoCase)
		}
		return 0, fmt.Errorf("append log: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) ListLogs(ctx context.Context, caseID string) ([]model.ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT log_id, case_id, tool_name, status, step, details_json, created_at
FROM activity_logs WHERE case_id = ? ORDER BY created_at, log_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	out := []model.ActivityLog{}
	for rows.Next() {
		var (
			entry   model.ActivityLog
			created string
		)
		if err := rows.Scan(&entry.ID, &entry.CaseID, &entry.ToolName, &entry.Status, &entry.Step, &entry.DetailsJSON, &created); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if entry.CreatedAt, err = parseTS(created); err != nil {
			return nil, fmt.Errorf("parse log created_at: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanCase(row scanner) (model.Case, error) {
	var (
		c                    model.Case
		targetKind, status   string
		toolsJSON, optsJSON  string
		synthesized          int
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	if err := row.Scan(&c.CaseID, &c.Title, &c.Description, &c.Target, &targetKind, &status, &toolsJSON, &optsJSON,
		&c.Report, &synthesized, &c.Message, &createdAt, &updatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Case{}, err
		}
		return model.Case{}, fmt.Errorf("scan case: %w", err)
	}
	c.TargetKind = model.TargetKind(targetKind)
	c.Status = model.CaseStatus(status)
	c.Synthesized = synthesized != 0
	if err := json.Unmarshal([]byte(toolsJSON), &c.RequestedTools); err != nil {
		return model.Case{}, fmt.Errorf("decode requested tools: %w", err)
	}
	if err := json.Unmarshal([]byte(optsJSON), &c.ToolOptions); err != nil {
		return model.Case{}, fmt.Errorf("decode tool options: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Case{}, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Case{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAt.Valid {
		v, err := parseTS(completedAt.String)
		if err != nil {
			return model.Case{}, fmt.Errorf("parse completed_at: %w", err)
		}
		c.CompletedAt = &v
	}
	return c, nil
}

func scanOutcome(row scanner) (model.ToolOutcome, error) {
	var (
		out               model.ToolOutcome
		status            string
		results           sql.NullString
		started, finished string
	)
	if err := row.Scan(&out.ToolName, &status, &results, &out.RawOutput, &out.ErrorMessage, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ToolOutcome{}, err
		}
		return model.ToolOutcome{}, fmt.Errorf("scan outcome: %w", err)
	}
	out.Status = model.OutcomeStatus(status)
	if results.Valid {
		out.Results = []model.Record{}
		if err := json.Unmarshal([]byte(results.String), &out.Results); err != nil {
			return model.ToolOutcome{}, fmt.Errorf("decode results for %s: %w", out.ToolName, err)
		}
	}
	var err error
	if out.StartedAt, err = parseTS(started); err != nil {
		return model.ToolOutcome{}, fmt.Errorf("parse started_at: %w", err)
	}
	if out.FinishedAt, err = parseTS(finished); err != nil {
		return model.ToolOutcome{}, fmt.Errorf("parse finished_at: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") || strings.Contains(msg, "constraint failed: FOREIGN KEY")
}
