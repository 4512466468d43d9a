package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/origincreativegroup/Loom/internal/model"
	"github.com/origincreativegroup/Loom/internal/tool"
)

const defaultGrace = 5 * time.Second

type Resolver interface {
	Resolve(name string) (tool.Adapter, bool)
}

type Request struct {
	Target  string
	Tools   []string
	Options map[string]map[string]any
	Timeout time.Duration
	// OnOutcome is called once per outcome, in completion order, from the
	// goroutine that called Run.
	OnOutcome func(model.ToolOutcome)
}

// Coordinator fans a target out to many tools at once and joins on all of
// them. A failing or slow tool never affects its siblings.
type Coordinator struct {
	tools  Resolver
	remote *semaphore.Weighted
	grace  time.Duration
	logger zerolog.Logger
}

func New(tools Resolver, remoteLimit int, logger zerolog.Logger) *Coordinator {
	if remoteLimit < 1 {
		remoteLimit = 1
	}
	return &Coordinator{
		tools:  tools,
		remote: semaphore.NewWeighted(int64(remoteLimit)),
		grace:  defaultGrace,
		logger: logger,
	}
}

// WithGrace sets how long Run waits past a tool's deadline for the adapter
// to return before recording the timeout itself.
func (c *Coordinator) WithGrace(d time.Duration) *Coordinator {
	c.grace = d
	return c
}

// Run executes every distinct tool in req concurrently and returns one
// outcome per distinct name in completion order. Unknown names produce an
// error outcome without invoking anything.
func (c *Coordinator) Run(ctx context.Context, req Request) []model.ToolOutcome {
	names := Distinct(req.Tools)
	results := make(chan model.ToolOutcome, len(names))

	var g errgroup.Group
	for _, name := range names {
		adapter, ok := c.tools.Resolve(name)
		if !ok {
			now := time.Now().UTC()
			results <- model.ToolOutcome{
				ToolName:     name,
				Status:       model.OutcomeError,
				ErrorMessage: tool.ErrUnknownTool.Error(),
				StartedAt:    now,
				FinishedAt:   now,
			}
			continue
		}
		opts := tool.MergeOptions(adapter.Descriptor().DefaultOptions, req.Options[name])
		g.Go(func() error {
			results <- c.execute(ctx, name, adapter, req.Target, opts, req.Timeout)
			return nil
		})
	}

	outcomes := make([]model.ToolOutcome, 0, len(names))
	for range names {
		out := <-results
		outcomes = append(outcomes, out)
		c.logger.Debug().
			Str("tool", out.ToolName).
			Str("status", string(out.Status)).
			Dur("duration", out.Duration()).
			Msg("tool finished")
		if req.OnOutcome != nil {
			req.OnOutcome(out)
		}
	}
	_ = g.Wait()
	return outcomes
}

func (c *Coordinator) execute(ctx context.Context, name string, adapter tool.Adapter, target string, opts tool.Options, timeout time.Duration) model.ToolOutcome {
	desc := adapter.Descriptor()
	queuedAt := time.Now().UTC()
	if desc.Kind.Remote() {
		if err := c.remote.Acquire(ctx, 1); err != nil {
			return interrupted(ctx, name, queuedAt)
		}
		defer c.remote.Release(1)
	}

	toolCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan model.ToolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Str("tool", name).Interface("panic", r).Msg("adapter panicked")
				done <- model.ToolOutcome{
					ToolName:     name,
					Status:       model.OutcomeError,
					ErrorMessage: fmt.Sprintf("adapter panic: %v", r),
					StartedAt:    queuedAt,
					FinishedAt:   time.Now().UTC(),
				}
			}
		}()
		done <- adapter.Execute(toolCtx, target, opts)
	}()

	select {
	case out := <-done:
		return normalize(name, queuedAt, out)
	case <-toolCtx.Done():
	}

	// The adapter was told to stop; give it a bounded chance to release its
	// resources. Whatever it reports now ran past the deadline, so only its
	// own timeout outcome is kept.
	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case out := <-done:
		if out.Status == model.OutcomeTimeout {
			return normalize(name, queuedAt, out)
		}
		return interrupted(toolCtx, name, queuedAt)
	case <-timer.C:
		c.logger.Warn().Str("tool", name).Msg("adapter ignored its deadline; abandoning")
		return interrupted(toolCtx, name, queuedAt)
	}
}

func interrupted(ctx context.Context, name string, startedAt time.Time) model.ToolOutcome {
	out := model.ToolOutcome{
		ToolName:   name,
		Status:     model.OutcomeError,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		out.Status = model.OutcomeTimeout
		out.ErrorMessage = fmt.Sprintf("timed out after %s", out.FinishedAt.Sub(startedAt).Round(time.Millisecond))
		return out
	}
	out.ErrorMessage = "cancelled"
	return out
}

// normalize enforces the outcome invariants regardless of what an adapter
// returned: the requested name, timestamps, and results only on success.
func normalize(name string, startedAt time.Time, out model.ToolOutcome) model.ToolOutcome {
	out.ToolName = name
	if out.StartedAt.IsZero() {
		out.StartedAt = startedAt
	}
	if out.FinishedAt.IsZero() || out.FinishedAt.Before(out.StartedAt) {
		out.FinishedAt = time.Now().UTC()
	}
	switch out.Status {
	case model.OutcomeSuccess:
		if out.Results == nil {
			out.Results = []model.Record{}
		}
		out.ErrorMessage = ""
	case model.OutcomeError, model.OutcomeTimeout:
		out.Results = nil
		if strings.TrimSpace(out.ErrorMessage) == "" {
			out.ErrorMessage = string(out.Status)
		}
	default:
		out.Status = model.OutcomeError
		out.Results = nil
		out.ErrorMessage = "adapter returned no status"
	}
	return out
}

// Distinct trims names and drops empties and repeats, keeping first-seen order.
func Distinct(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		v := strings.ToLower(strings.TrimSpace(n))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
