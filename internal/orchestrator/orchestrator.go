// Package orchestrator drives investigation cases from submission to a
// terminal status and answers queries about them.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/origincreativegroup/Loom/internal/caseflow"
	"github.com/origincreativegroup/Loom/internal/coordinator"
	"github.com/origincreativegroup/Loom/internal/db"
	"github.com/origincreativegroup/Loom/internal/model"
)

var (
	ErrNotFound        = db.ErrNotFound
	ErrInvalidRequest  = errors.New("invalid investigation request")
	ErrReportNotReady  = errors.New("report not ready")
	ErrAlreadyTerminal = errors.New("case already finished")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")

	errCancelled   = errors.New("investigation cancelled")
	errShutdown    = errors.New("daemon shutting down")
	errInterrupted = errors.New("interrupted by restart")
)

const persistTimeout = 10 * time.Second

type Store interface {
	SaveCase(ctx context.Context, c model.Case) error
	SaveToolOutcome(ctx context.Context, caseID string, seq int, out model.ToolOutcome) error
	GetCase(ctx context.Context, caseID string) (model.Case, error)
	ListCases(ctx context.Context, limit int) ([]model.CaseSummary, error)
	ListUnfinished(ctx context.Context) ([]model.Case, error)
	GetToolOutcome(ctx context.Context, caseID, toolName string) (model.ToolOutcome, error)
	AppendLog(ctx context.Context, entry model.ActivityLog) (int64, error)
	ListLogs(ctx context.Context, caseID string) ([]model.ActivityLog, error)
}

// Mirror receives a copy of every terminal case. Failures are logged only.
type Mirror interface {
	SaveCase(ctx context.Context, c model.Case) error
}

type Executor interface {
	Run(ctx context.Context, req coordinator.Request) []model.ToolOutcome
}

type Synthesizer interface {
	Synthesize(ctx context.Context, c model.Case) (string, error)
}

type Options struct {
	ToolTimeout      time.Duration
	SynthesisTimeout time.Duration
	MirrorTimeout    time.Duration
	// MaxUnsaved caps how many finished cases are held in memory while the
	// store rejects them. The oldest is dropped first.
	MaxUnsaved int
	Now        func() time.Time
}

type Orchestrator struct {
	store  Store
	mirror Mirror
	exec   Executor
	synth  Synthesizer
	log    zerolog.Logger
	opts   Options

	base context.Context
	stop context.CancelCauseFunc

	mu      sync.RWMutex
	active  map[string]*run
	unsaved []string
	closed  bool
	runs   sync.WaitGroup
	side   sync.WaitGroup
}

type run struct {
	machine *caseflow.Machine
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

// New wires an orchestrator. mirror may be nil.
func New(store Store, mirror Mirror, exec Executor, synth Synthesizer, logger zerolog.Logger, opts Options) *Orchestrator {
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 300 * time.Second
	}
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = 300 * time.Second
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = time.Minute
	}
	if opts.MaxUnsaved <= 0 {
		opts.MaxUnsaved = 256
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		store:  store,
		mirror: mirror,
		exec:   exec,
		synth:  synth,
		log:    logger.With().Str("component", "orchestrator").Logger(),
		opts:   opts,
		base:   base,
		stop:   stop,
		active: map[string]*run{},
	}
}

// Submit creates a queued case and starts its investigation in the
// background. Every call creates a new case.
func (o *Orchestrator) Submit(ctx context.Context, req caseflow.NewCase) (model.Case, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Target = strings.TrimSpace(req.Target)
	req.Tools = coordinator.Distinct(req.Tools)
	req.ToolOptions = normalizeOptions(req.ToolOptions)
	switch {
	case req.Title == "":
		return model.Case{}, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	case req.Target == "":
		return model.Case{}, fmt.Errorf("%w: target is required", ErrInvalidRequest)
	case len(req.Tools) == 0:
		return model.Case{}, fmt.Errorf("%w: at least one tool is required", ErrInvalidRequest)
	}

	m := caseflow.New(req, o.opts.Now)
	runCtx, cancel := context.WithCancelCause(o.base)
	r := &run{machine: m, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel(errShutdown)
		return model.Case{}, ErrShuttingDown
	}
	o.active[m.ID()] = r
	o.runs.Add(1)
	o.mu.Unlock()

	snap := m.Snapshot()
	o.saveCase(ctx, snap)
	o.appendLog(ctx, snap.CaseID, model.StepCaseCreated, "", string(snap.Status), map[string]any{
		"target":      snap.Target,
		"target_kind": snap.TargetKind,
		"tools":       snap.RequestedTools,
	})
	o.log.Info().Str("case_id", snap.CaseID).Str("target_kind", string(snap.TargetKind)).Strs("tools", snap.RequestedTools).Msg("case submitted")

	go o.investigate(runCtx, r)
	return snap, nil
}

func (o *Orchestrator) investigate(ctx context.Context, r *run) {
	defer o.runs.Done()
	defer close(r.done)
	defer r.cancel(nil)

	m := r.machine
	id := m.ID()
	logger := o.log.With().Str("case_id", id).Logger()

	if err := m.Start(); err != nil {
		logger.Error().Err(err).Msg("start case")
		o.finish(ctx, r, err.Error())
		return
	}
	snap := m.Snapshot()
	o.saveCase(ctx, snap)
	o.appendLog(ctx, id, model.StepExecutingTools, "", string(snap.Status), map[string]any{"tools": snap.RequestedTools})

	seq := 0
	o.exec.Run(ctx, coordinator.Request{
		Target:  snap.Target,
		Tools:   snap.RequestedTools,
		Options: snap.ToolOptions,
		Timeout: o.opts.ToolTimeout,
		OnOutcome: func(out model.ToolOutcome) {
			if err := m.RecordOutcome(out); err != nil {
				logger.Error().Err(err).Str("tool", out.ToolName).Msg("record outcome")
				return
			}
			o.saveOutcome(ctx, id, seq, out)
			seq++
			details := map[string]any{"results_count": len(out.Results), "duration_ms": out.Duration().Milliseconds()}
			if out.ErrorMessage != "" {
				details["error"] = out.ErrorMessage
			}
			o.appendLog(ctx, id, model.StepToolCompleted, out.ToolName, string(out.Status), details)
		},
	})

	if ctx.Err() != nil {
		o.finish(ctx, r, cause(ctx))
		return
	}
	status, err := m.FinishExecution()
	if err != nil {
		logger.Error().Err(err).Msg("finish execution")
		o.finish(ctx, r, err.Error())
		return
	}
	if status == model.CaseError {
		o.finish(ctx, r, "")
		return
	}

	snap = m.Snapshot()
	o.saveCase(ctx, snap)
	o.appendLog(ctx, id, model.StepSynthesizingReport, "", string(snap.Status), map[string]any{"successful_tools": successful(snap.Outcomes)})

	synthCtx, cancel := context.WithTimeout(ctx, o.opts.SynthesisTimeout)
	report, err := o.synth.Synthesize(synthCtx, snap)
	cancel()
	switch {
	case ctx.Err() != nil:
		o.finish(ctx, r, cause(ctx))
	case err != nil:
		logger.Warn().Err(err).Msg("synthesis failed")
		o.finish(ctx, r, "synthesis failed: "+err.Error())
	default:
		if err := m.Complete(report); err != nil {
			o.finish(ctx, r, err.Error())
			return
		}
		o.finish(ctx, r, "")
	}
}

// finish fails the case with reason when it is not already terminal, then
// persists and mirrors it.
func (o *Orchestrator) finish(ctx context.Context, r *run, reason string) {
	m := r.machine
	if !m.Status().Terminal() {
		if reason == "" {
			reason = "investigation aborted"
		}
		if err := m.Fail(reason); err != nil {
			o.log.Error().Err(err).Str("case_id", m.ID()).Msg("fail case")
		}
	}
	snap := m.Snapshot()
	saved := o.saveCase(ctx, snap)

	step := model.StepPipelineFinished
	if snap.Status == model.CaseError {
		step = model.StepPipelineFailed
	}
	progress := caseflow.ProgressOf(snap)
	o.appendLog(ctx, snap.CaseID, step, "", string(snap.Status), map[string]any{
		"message":         snap.Message,
		"tools_completed": progress.ToolsCompleted,
		"tools_failed":    progress.ToolsFailed,
	})
	o.mirrorCase(snap)

	o.log.Info().
		Str("case_id", snap.CaseID).
		Str("status", string(snap.Status)).
		Int("tools_completed", len(progress.ToolsCompleted)).
		Int("tools_failed", len(progress.ToolsFailed)).
		Msg("case finished")

	if !saved {
		o.keepUnsaved(snap.CaseID)
		return
	}
	o.mu.Lock()
	delete(o.active, snap.CaseID)
	o.mu.Unlock()
	o.retryUnsaved(ctx)
}

// keepUnsaved holds a finished case in memory until a later save succeeds.
func (o *Orchestrator) keepUnsaved(caseID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unsaved = append(o.unsaved, caseID)
	for len(o.unsaved) > o.opts.MaxUnsaved {
		oldest := o.unsaved[0]
		o.unsaved = o.unsaved[1:]
		delete(o.active, oldest)
		o.log.Error().Str("case_id", oldest).Msg("dropped unsaved case from memory")
	}
}

// retryUnsaved stores finished cases whose last save failed and releases
// them from memory. It stops at the first failure.
func (o *Orchestrator) retryUnsaved(ctx context.Context) {
	o.mu.RLock()
	pending := slices.Clone(o.unsaved)
	o.mu.RUnlock()
	for _, id := range pending {
		r, ok := o.lookup(id)
		if ok && !o.saveCase(ctx, r.machine.Snapshot()) {
			return
		}
		o.mu.Lock()
		delete(o.active, id)
		o.unsaved = slices.DeleteFunc(o.unsaved, func(v string) bool { return v == id })
		o.mu.Unlock()
	}
}

func (o *Orchestrator) Get(ctx context.Context, caseID string) (model.Case, error) {
	if r, ok := o.lookup(caseID); ok {
		return r.machine.Snapshot(), nil
	}
	return o.store.GetCase(ctx, caseID)
}

// List returns summaries of stored and in-flight cases, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]model.CaseSummary, error) {
	stored, err := o.store.ListCases(ctx, limit)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(stored))
	for i, s := range stored {
		byID[s.CaseID] = i
	}
	o.mu.RLock()
	for id, r := range o.active {
		sum := r.machine.Snapshot().Summary()
		if i, ok := byID[id]; ok {
			stored[i] = sum
			continue
		}
		stored = append(stored, sum)
	}
	o.mu.RUnlock()
	sort.SliceStable(stored, func(i, j int) bool {
		if !stored[i].CreatedAt.Equal(stored[j].CreatedAt) {
			return stored[i].CreatedAt.After(stored[j].CreatedAt)
		}
		return stored[i].CaseID < stored[j].CaseID
	})
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	return stored, nil
}

func (o *Orchestrator) Progress(ctx context.Context, caseID string) (caseflow.Progress, error) {
	c, err := o.Get(ctx, caseID)
	if err != nil {
		return caseflow.Progress{}, err
	}
	return caseflow.ProgressOf(c), nil
}

// Report returns the case's report. For errored cases this is the
// explanatory report and synthesized is false.
func (o *Orchestrator) Report(ctx context.Context, caseID string) (report string, synthesized bool, err error) {
	c, err := o.Get(ctx, caseID)
	if err != nil {
		return "", false, err
	}
	if !c.Status.Terminal() || strings.TrimSpace(c.Report) == "" {
		return "", false, ErrReportNotReady
	}
	return c.Report, c.Synthesized, nil
}

func (o *Orchestrator) ToolOutcome(ctx context.Context, caseID, toolName string) (model.ToolOutcome, error) {
	toolName = strings.ToLower(strings.TrimSpace(toolName))
	if r, ok := o.lookup(caseID); ok {
		if out, found := r.machine.Snapshot().Outcome(toolName); found {
			return out, nil
		}
		return model.ToolOutcome{}, ErrNotFound
	}
	if _, err := o.store.GetCase(ctx, caseID); err != nil {
		return model.ToolOutcome{}, err
	}
	return o.store.GetToolOutcome(ctx, caseID, toolName)
}

func (o *Orchestrator) Logs(ctx context.Context, caseID string) ([]model.ActivityLog, error) {
	if _, err := o.Get(ctx, caseID); err != nil {
		return nil, err
	}
	return o.store.ListLogs(ctx, caseID)
}

// Cancel asks a running investigation to stop and waits until the case is
// terminal or ctx ends.
func (o *Orchestrator) Cancel(ctx context.Context, caseID string) (model.Case, error) {
	r, ok := o.lookup(caseID)
	if !ok {
		c, err := o.store.GetCase(ctx, caseID)
		if err != nil {
			return model.Case{}, err
		}
		return c, ErrAlreadyTerminal
	}
	if r.machine.Status().Terminal() {
		return r.machine.Snapshot(), ErrAlreadyTerminal
	}
	r.cancel(errCancelled)
	o.log.Info().Str("case_id", caseID).Msg("cancel requested")
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.machine.Snapshot(), ctx.Err()
	}
	return r.machine.Snapshot(), nil
}

// Wait blocks until the case is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, caseID string) (model.Case, error) {
	if r, ok := o.lookup(caseID); ok {
		select {
		case <-r.done:
			return r.machine.Snapshot(), nil
		case <-ctx.Done():
			return model.Case{}, ctx.Err()
		}
	}
	return o.store.GetCase(ctx, caseID)
}

// Recover fails every case the store still shows as in flight. It runs once
// at startup, before any new case is submitted.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	unfinished, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished cases: %w", err)
	}
	for _, c := range unfinished {
		m := caseflow.Restore(c, o.opts.Now)
		if err := m.Fail(errInterrupted.Error()); err != nil {
			o.log.Error().Err(err).Str("case_id", c.CaseID).Msg("recover case")
			continue
		}
		snap := m.Snapshot()
		o.saveCase(ctx, snap)
		o.appendLog(ctx, snap.CaseID, model.StepPipelineFailed, "", string(snap.Status), map[string]any{"message": snap.Message})
		o.mirrorCase(snap)
		o.log.Warn().Str("case_id", c.CaseID).Str("was", string(c.Status)).Msg("case interrupted by restart")
	}
	return len(unfinished), nil
}

// Shutdown refuses new cases, cancels running ones and waits for them and
// any pending mirror writes to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop(errShutdown)

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		o.side.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.retryUnsaved(ctx)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// ActiveCount reports how many cases are held in memory.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

func (o *Orchestrator) lookup(caseID string) (*run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.active[caseID]
	return r, ok
}

func (o *Orchestrator) saveCase(ctx context.Context, c model.Case) bool {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.SaveCase(pctx, c); err != nil {
		o.log.Error().Err(err).Str("case_id", c.CaseID).Str("status", string(c.Status)).Msg("save case")
		return false
	}
	return true
}

func (o *Orchestrator) saveOutcome(ctx context.Context, caseID string, seq int, out model.ToolOutcome) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.SaveToolOutcome(pctx, caseID, seq, out); err != nil {
		o.log.Error().Err(err).Str("case_id", caseID).Str("tool", out.ToolName).Msg("save tool outcome")
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, caseID, step, toolName, status string, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := o.store.AppendLog(pctx, model.ActivityLog{
		CaseID:      caseID,
		ToolName:    toolName,
		Status:      status,
		Step:        step,
		DetailsJSON: string(raw),
		CreatedAt:   o.opts.Now(),
	}); err != nil {
		o.log.Warn().Err(err).Str("case_id", caseID).Str("step", step).Msg("append activity log")
	}
}

func (o *Orchestrator) mirrorCase(c model.Case) {
	if o.mirror == nil {
		return
	}
	o.side.Add(1)
	go func() {
		defer o.side.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.MirrorTimeout)
		defer cancel()
		if err := o.mirror.SaveCase(ctx, c); err != nil {
			o.log.Warn().Err(err).Str("case_id", c.CaseID).Msg("mirror case")
		}
	}()
}

func cause(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err.Error()
	}
	return errCancelled.Error()
}

func normalizeOptions(in map[string]map[string]any) map[string]map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]map[string]any, len(in))
	for name, opts := range in {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		out[key] = opts
	}
	return out
}

func successful(outcomes []model.ToolOutcome) []string {
	names := []string{}
	for _, o := range outcomes {
		if o.Succeeded() {
			names = append(names, o.ToolName)
		}
	}
	return names
}
