// Package couch mirrors case documents into a CouchDB database.
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/origincreativegroup/Loom/internal/config"
	"github.com/origincreativegroup/Loom/internal/model"
	"github.com/origincreativegroup/Loom/internal/security"
)

var ErrDisabled = errors.New("couchdb mirror disabled")

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("couchdb status %d: %s", e.Code, e.Body)
}

// Mirror writes whole-case documents keyed by case id. A nil *Mirror is a
// valid disabled mirror.
type Mirror struct {
	base     string
	db       string
	user     string
	password string
	attempts int
	backoff  time.Duration
	http     *http.Client
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New returns nil when cfg has no URL.
func New(cfg config.CouchConfig, httpClient *http.Client, logger zerolog.Logger) *Mirror {
	if !cfg.Enabled() {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &Mirror{
		base:     strings.TrimRight(cfg.URL, "/"),
		db:       cfg.DB,
		user:     cfg.User,
		password: cfg.Password,
		attempts: attempts,
		backoff:  cfg.Backoff,
		http:     httpClient,
		log:      logger.With().Str("component", "couchdb").Logger(),
		sleep:    sleepWithContext,
	}
}

func (m *Mirror) Enabled() bool {
	return m != nil
}

// Target returns the database URL with credentials masked, for display.
func (m *Mirror) Target() string {
	if m == nil {
		return ""
	}
	return security.RedactURL(m.base) + "/" + m.db
}

type OutcomeDocument struct {
	Tool       string         `json:"tool"`
	Status     string         `json:"status"`
	Results    []model.Record `json:"results,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
}

type Document struct {
	ID             string            `json:"_id"`
	Rev            string            `json:"_rev,omitempty"`
	Type           string            `json:"type"`
	CaseID         string            `json:"case_id"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Target         string            `json:"target"`
	TargetKind     string            `json:"target_kind"`
	Status         string            `json:"status"`
	RequestedTools []string          `json:"requested_tools"`
	ToolResults    []OutcomeDocument `json:"tool_results"`
	Report         string            `json:"report,omitempty"`
	Synthesized    bool              `json:"synthesized"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
	CompletedAt    string            `json:"completed_at,omitempty"`
}

func DocumentFor(c model.Case) Document {
	doc := Document{
		ID:             c.CaseID,
		Type:           "osint_case",
		CaseID:         c.CaseID,
		Title:          c.Title,
		Description:    c.Description,
		Target:         c.Target,
		TargetKind:     string(c.TargetKind),
		Status:         string(c.Status),
		RequestedTools: append([]string{}, c.RequestedTools...),
		ToolResults:    make([]OutcomeDocument, 0, len(c.Outcomes)),
		Report:         c.Report,
		Synthesized:    c.Synthesized,
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if c.CompletedAt != nil {
		doc.CompletedAt = c.CompletedAt.UTC().Format(time.RFC3339)
	}
	for _, o := range c.Outcomes {
		doc.ToolResults = append(doc.ToolResults, OutcomeDocument{
			Tool:       o.ToolName,
			Status:     string(o.Status),
			Results:    o.Results,
			Error:      o.ErrorMessage,
			StartedAt:  o.StartedAt.UTC().Format(time.RFC3339),
			FinishedAt: o.FinishedAt.UTC().Format(time.RFC3339),
		})
	}
	return doc
}

// SaveCase writes the case document, retrying with exponential backoff. A
// revision conflict refreshes _rev and counts as one attempt.
func (m *Mirror) SaveCase(ctx context.Context, c model.Case) error {
	if m == nil {
		return ErrDisabled
	}
	doc := DocumentFor(c)
	backoff := m.backoff
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		err := m.put(ctx, doc)
		if err == nil {
			m.log.Debug().Str("case_id", c.CaseID).Int("attempt", attempt).Msg("case mirrored")
			return nil
		}
		lastErr = err
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict {
			rev, revErr := m.revision(ctx, doc.ID)
			if revErr == nil {
				doc.Rev = rev
				continue
			}
			lastErr = revErr
		}
		m.log.Warn().Err(lastErr).Str("case_id", c.CaseID).Int("attempt", attempt).Int("max_attempts", m.attempts).Msg("couchdb save failed")
		if attempt < m.attempts {
			if err := m.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("mirror case %s after %d attempts: %w", c.CaseID, m.attempts, lastErr)
}

// Ping checks that the database exists and credentials are accepted.
func (m *Mirror) Ping(ctx context.Context) error {
	if m == nil {
		return ErrDisabled
	}
	_, err := m.do(ctx, http.MethodGet, m.dbURL(), nil)
	return err
}

func (m *Mirror) put(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = m.do(ctx, http.MethodPut, m.docURL(doc.ID), body)
	return err
}

func (m *Mirror) revision(ctx context.Context, id string) (string, error) {
	raw, err := m.do(ctx, http.MethodGet, m.docURL(id), nil)
	if err != nil {
		return "", err
	}
	var head struct {
		Rev string `json:"_rev"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("decode revision: %w", err)
	}
	if head.Rev == "" {
		return "", fmt.Errorf("document %s has no _rev", id)
	}
	return head.Rev, nil
}

func (m *Mirror) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build couchdb request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.user != "" {
		req.SetBasicAuth(m.user, m.password)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("couchdb %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read couchdb response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

func (m *Mirror) dbURL() string {
	return m.base + "/" + url.PathEscape(m.db)
}

func (m *Mirror) docURL(id string) string {
	return m.dbURL() + "/" + url.PathEscape(id)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
