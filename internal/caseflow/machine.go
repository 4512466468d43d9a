package caseflow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/origincreativegroup/Loom/internal/model"
	"github.com/origincreativegroup/Loom/internal/target"
)

var (
	ErrInvalidTransition = errors.New("invalid case transition")
	ErrDuplicateOutcome  = errors.New("duplicate tool outcome")
	ErrUnexpectedTool    = errors.New("outcome for tool that was not requested")
)

var allowed = map[model.CaseStatus][]model.CaseStatus{
	model.CaseQueued:       {model.CaseProcessing, model.CaseError},
	model.CaseProcessing:   {model.CaseSynthesizing, model.CaseError},
	model.CaseSynthesizing: {model.CaseCompleted, model.CaseError},
}

func CanTransition(from, to model.CaseStatus) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

type NewCase struct {
	Title       string
	Description string
	Target      string
	Tools       []string
	ToolOptions map[string]map[string]any
}

// Machine owns one case. Only the goroutine driving the investigation
// mutates it; any goroutine may take a Snapshot.
type Machine struct {
	mu  sync.RWMutex
	c   model.Case
	now func() time.Time
}

func New(req NewCase, now func() time.Time) *Machine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ts := now()
	return &Machine{
		now: now,
		c: model.Case{
			CaseID:         uuid.NewString(),
			Title:          strings.TrimSpace(req.Title),
			Description:    strings.TrimSpace(req.Description),
			Target:         strings.TrimSpace(req.Target),
			TargetKind:     target.Classify(req.Target),
			RequestedTools: append([]string(nil), req.Tools...),
			ToolOptions:    req.ToolOptions,
			Status:         model.CaseQueued,
			Message:        "Investigation queued",
			CreatedAt:      ts,
			UpdatedAt:      ts,
		},
	}
}

// Restore wraps an existing case, e.g. one loaded from the store.
func Restore(c model.Case, now func() time.Time) *Machine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{c: c.Clone(), now: now}
}

func (m *Machine) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.c.CaseID
}

func (m *Machine) Snapshot() model.Case {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.c.Clone()
}

func (m *Machine) Status() model.CaseStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.c.Status
}

// Start moves a queued case into processing.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(model.CaseProcessing); err != nil {
		return err
	}
	m.c.Message = fmt.Sprintf("Running %d tool(s)", len(m.c.RequestedTools))
	return nil
}

// RecordOutcome appends an outcome while the case is processing.
func (m *Machine) RecordOutcome(out model.ToolOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c.Status != model.CaseProcessing {
		return fmt.Errorf("%w: record outcome while %s", ErrInvalidTransition, m.c.Status)
	}
	if !contains(m.c.RequestedTools, out.ToolName) {
		return fmt.Errorf("%w: %s", ErrUnexpectedTool, out.ToolName)
	}
	if _, ok := m.c.Outcome(out.ToolName); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOutcome, out.ToolName)
	}
	m.c.Outcomes = append(m.c.Outcomes, out)
	m.c.UpdatedAt = m.now()
	m.c.Message = fmt.Sprintf("%d of %d tool(s) finished", len(m.c.Outcomes), len(m.c.RequestedTools))
	return nil
}

// FinishExecution closes the processing phase. With at least one successful
// outcome the case moves to synthesizing; otherwise it ends in error with an
// explanatory report.
func (m *Machine) FinishExecution() (model.CaseStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c.Status != model.CaseProcessing {
		return m.c.Status, fmt.Errorf("%w: finish execution while %s", ErrInvalidTransition, m.c.Status)
	}
	m.fillMissing("not executed")
	if countSuccess(m.c.Outcomes) == 0 {
		m.failLocked("All tools failed; nothing to synthesize")
		return m.c.Status, nil
	}
	if err := m.transition(model.CaseSynthesizing); err != nil {
		return m.c.Status, err
	}
	m.c.Message = "Synthesizing report"
	return m.c.Status, nil
}

// Complete stores the synthesized report and ends the case.
func (m *Machine) Complete(report string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(report) == "" {
		return fmt.Errorf("%w: empty report", ErrInvalidTransition)
	}
	if err := m.transition(model.CaseCompleted); err != nil {
		return err
	}
	m.c.Report = report
	m.c.Synthesized = true
	m.c.Message = "Investigation complete"
	completed := m.c.UpdatedAt
	m.c.CompletedAt = &completed
	return nil
}

// Fail ends a non-terminal case in error. Tools that never reported get an
// error outcome so the terminal case still accounts for every request.
func (m *Machine) Fail(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c.Status.Terminal() {
		return fmt.Errorf("%w: fail while %s", ErrInvalidTransition, m.c.Status)
	}
	m.fillMissing(reason)
	m.failLocked(reason)
	return nil
}

func (m *Machine) failLocked(reason string) {
	m.c.Status = model.CaseError
	m.c.UpdatedAt = m.now()
	m.c.Message = reason
	m.c.Synthesized = false
	m.c.Report = ExplanatoryReport(m.c, reason)
	completed := m.c.UpdatedAt
	m.c.CompletedAt = &completed
}

func (m *Machine) transition(to model.CaseStatus) error {
	if !CanTransition(m.c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.c.Status, to)
	}
	m.c.Status = to
	m.c.UpdatedAt = m.now()
	return nil
}

func (m *Machine) fillMissing(reason string) {
	ts := m.now()
	for _, name := range m.c.RequestedTools {
		if _, ok := m.c.Outcome(name); ok {
			continue
		}
		m.c.Outcomes = append(m.c.Outcomes, model.ToolOutcome{
			ToolName:     name,
			Status:       model.OutcomeError,
			ErrorMessage: reason,
			StartedAt:    ts,
			FinishedAt:   ts,
		})
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func countSuccess(outcomes []model.ToolOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Succeeded() {
			n++
		}
	}
	return n
}
