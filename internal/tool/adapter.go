package tool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/origincreativegroup/Loom/internal/model"
	"github.com/origincreativegroup/Loom/internal/security"
)

var ErrUnknownTool = errors.New("unknown tool")

// Adapter runs one tool against one target. Execute never returns a Go
// error: every failure is folded into the returned outcome, and the
// deadline carried by ctx is always honoured.
type Adapter interface {
	Descriptor() model.ToolDescriptor
	Execute(ctx context.Context, target string, opts Options) model.ToolOutcome
}

// ParseFunc turns raw tool output for target into normalized records.
type ParseFunc func(target, output string) ([]model.Record, error)

// Options are per-invocation tool settings. Values arrive from YAML or JSON,
// so numeric accessors accept any numeric representation.
type Options map[string]any

// MergeOptions layers overrides on top of defaults into a fresh map.
func MergeOptions(defaults, overrides map[string]any) Options {
	out := make(Options, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func (o Options) String(key, fallback string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return fallback
	}
	switch tv := v.(type) {
	case string:
		if strings.TrimSpace(tv) == "" {
			return fallback
		}
		return tv
	case []any:
		parts := make([]string, 0, len(tv))
		for _, item := range tv {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(tv)
	}
}

func (o Options) Int(key string, fallback int) int {
	v, ok := o[key]
	if !ok || v == nil {
		return fallback
	}
	switch tv := v.(type) {
	case int:
		return tv
	case int64:
		return int(tv)
	case float64:
		return int(tv)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(tv))
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}

// PositiveInt is Int for counts and limits: zero and negative values fall
// back to the default.
func (o Options) PositiveInt(key string, fallback int) int {
	if n := o.Int(key, fallback); n > 0 {
		return n
	}
	return fallback
}

func (o Options) StringSlice(key string) []string {
	raw := o.String(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func begin(name string) model.ToolOutcome {
	return model.ToolOutcome{ToolName: name, StartedAt: time.Now().UTC()}
}

func succeed(out model.ToolOutcome, raw string, records []model.Record) model.ToolOutcome {
	out.Status = model.OutcomeSuccess
	if records == nil {
		records = []model.Record{}
	}
	out.Results = security.RedactRecords(records)
	out.RawOutput = security.Redact(raw)
	out.FinishedAt = time.Now().UTC()
	return out
}

// fail classifies err against the state of ctx: an expired deadline is a
// timeout, a cancelled context is reported as cancelled, anything else is
// an ordinary tool error.
func fail(ctx context.Context, out model.ToolOutcome, err error) model.ToolOutcome {
	out.FinishedAt = time.Now().UTC()
	out.Results = nil
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.Status = model.OutcomeTimeout
		out.ErrorMessage = fmt.Sprintf("timed out after %s", out.FinishedAt.Sub(out.StartedAt).Round(time.Millisecond))
	case errors.Is(ctx.Err(), context.Canceled):
		out.Status = model.OutcomeError
		out.ErrorMessage = "cancelled"
	default:
		out.Status = model.OutcomeError
		msg := "unknown failure"
		if err != nil {
			msg = err.Error()
		}
		out.ErrorMessage = security.Redact(msg)
	}
	return out
}

// tail keeps the last n bytes of s for diagnostics.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func rejectFlagLike(target string) error {
	v := strings.TrimSpace(target)
	if v == "" {
		return fmt.Errorf("target is empty")
	}
	if strings.HasPrefix(v, "-") {
		return fmt.Errorf("target must not start with '-'")
	}
	return nil
}
