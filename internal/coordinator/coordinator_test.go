package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origincreativegroup/Loom/internal/model"
	"github.com/origincreativegroup/Loom/internal/tool"
)

// scriptedAdapter sleeps for delay (honouring ctx) and then succeeds or fails.
type scriptedAdapter struct {
	name       string
	kind       model.ToolKind
	delay      time.Duration
	err        error
	ignoreCtx  bool
	panicMsg   string
	calls      atomic.Int32
	inFlight   *atomic.Int32
	maxFlight  *atomic.Int32
	gotOptions tool.Options
	mu         sync.Mutex
}

func (a *scriptedAdapter) Descriptor() model.ToolDescriptor {
	kind := a.kind
	if kind == "" {
		kind = model.KindLocalProcess
	}
	return model.ToolDescriptor{Name: a.name, Kind: kind, DefaultOptions: map[string]any{"depth": 1, "mode": "fast"}}
}

func (a *scriptedAdapter) Execute(ctx context.Context, target string, opts tool.Options) model.ToolOutcome {
	a.calls.Add(1)
	a.mu.Lock()
	a.gotOptions = opts
	a.mu.Unlock()
	if a.inFlight != nil {
		n := a.inFlight.Add(1)
		defer a.inFlight.Add(-1)
		for {
			cur := a.maxFlight.Load()
			if n <= cur || a.maxFlight.CompareAndSwap(cur, n) {
				break
			}
		}
	}
	if a.panicMsg != "" {
		panic(a.panicMsg)
	}
	start := time.Now().UTC()
	if a.ignoreCtx {
		time.Sleep(a.delay)
	} else {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			status := model.OutcomeError
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				status = model.OutcomeTimeout
			}
			return model.ToolOutcome{ToolName: a.name, Status: status, ErrorMessage: ctx.Err().Error(), StartedAt: start, FinishedAt: time.Now().UTC()}
		}
	}
	if a.err != nil {
		return model.ToolOutcome{ToolName: a.name, Status: model.OutcomeError, ErrorMessage: a.err.Error(), StartedAt: start, FinishedAt: time.Now().UTC()}
	}
	return model.ToolOutcome{
		ToolName:   a.name,
		Status:     model.OutcomeSuccess,
		Results:    []model.Record{{"type": "finding", "target": target}},
		StartedAt:  start,
		FinishedAt: time.Now().UTC(),
	}
}

type mapResolver map[string]tool.Adapter

func (m mapResolver) Resolve(name string) (tool.Adapter, bool) {
	a, ok := m[name]
	return a, ok
}

func newCoordinator(adapters ...*scriptedAdapter) *Coordinator {
	res := mapResolver{}
	for _, a := range adapters {
		res[a.name] = a
	}
	return New(res, 4, zerolog.Nop())
}

func byName(outcomes []model.ToolOutcome) map[string]model.ToolOutcome {
	out := map[string]model.ToolOutcome{}
	for _, o := range outcomes {
		out[o.ToolName] = o
	}
	return out
}

func TestRunIsolatesFailures(t *testing.T) {
	a := &scriptedAdapter{name: "a"}
	b := &scriptedAdapter{name: "b", err: errors.New("exit status 1")}
	c := &scriptedAdapter{name: "c"}
	coord := newCoordinator(a, b, c)

	outcomes := coord.Run(context.Background(), Request{Target: "example.com", Tools: []string{"a", "b", "c"}, Timeout: time.Second})
	require.Len(t, outcomes, 3)
	got := byName(outcomes)
	assert.Equal(t, model.OutcomeSuccess, got["a"].Status)
	assert.Equal(t, model.OutcomeError, got["b"].Status)
	assert.Equal(t, "exit status 1", got["b"].ErrorMessage)
	assert.Nil(t, got["b"].Results)
	assert.Equal(t, model.OutcomeSuccess, got["c"].Status)
}

func TestRunTimesOutSlowToolWithoutAffectingSiblings(t *testing.T) {
	fast := &scriptedAdapter{name: "fast", delay: 10 * time.Millisecond}
	slow := &scriptedAdapter{name: "slow", delay: 5 * time.Second}
	coord := newCoordinator(fast, slow)

	start := time.Now()
	outcomes := coord.Run(context.Background(), Request{Target: "t", Tools: []string{"slow", "fast"}, Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	require.Len(t, outcomes, 2)
	assert.Equal(t, "fast", outcomes[0].ToolName, "completion order")
	assert.Equal(t, model.OutcomeSuccess, outcomes[0].Status)
	assert.Equal(t, model.OutcomeTimeout, outcomes[1].Status)
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestRunIsConcurrent(t *testing.T) {
	var adapters []*scriptedAdapter
	var names []string
	for _, n := range []string{"t1", "t2", "t3", "t4", "t5"} {
		adapters = append(adapters, &scriptedAdapter{name: n, delay: 200 * time.Millisecond})
		names = append(names, n)
	}
	coord := newCoordinator(adapters...)

	start := time.Now()
	outcomes := coord.Run(context.Background(), Request{Target: "t", Tools: names, Timeout: 5 * time.Second})
	elapsed := time.Since(start)
	require.Len(t, outcomes, 5)
	assert.Less(t, elapsed, 700*time.Millisecond, "tools should run in parallel, took %s", elapsed)
}

func TestRunUnknownToolIsErrorOutcome(t *testing.T) {
	a := &scriptedAdapter{name: "a"}
	coord := newCoordinator(a)

	outcomes := coord.Run(context.Background(), Request{Target: "t", Tools: []string{"a", "nmap"}, Timeout: time.Second})
	got := byName(outcomes)
	require.Len(t, got, 2)
	assert.Equal(t, model.OutcomeSuccess, got["a"].Status)
	assert.Equal(t, model.OutcomeError, got["nmap"].Status)
	assert.Equal(t, tool.ErrUnknownTool.Error(), got["nmap"].ErrorMessage)
}

func TestRunCollapsesDuplicateNames(t *testing.T) {
	a := &scriptedAdapter{name: "a"}
	coord := newCoordinator(a)

	outcomes := coord.Run(context.Background(), Request{Target: "t", Tools: []string{"a", " A ", "a"}, Timeout: time.Second})
	require.Len(t, outcomes, 1)
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestRunCallsOnOutcomeInCompletionOrder(t *testing.T) {
	first := &scriptedAdapter{name: "first", delay: 10 * time.Millisecond}
	second := &scriptedAdapter{name: "second", delay: 120 * time.Millisecond}
	coord := newCoordinator(first, second)

	var seen []string
	outcomes := coord.Run(context.Background(), Request{
		Target:    "t",
		Tools:     []string{"second", "first"},
		Timeout:   time.Second,
		OnOutcome: func(o model.ToolOutcome) { seen = append(seen, o.ToolName) },
	})
	assert.Equal(t, []string{"first", "second"}, seen)
	assert.Equal(t, "first", outcomes[0].ToolName)
}

func TestRunMergesDefaultAndRequestOptions(t *testing.T) {
	a := &scriptedAdapter{name: "a"}
	coord := newCoordinator(a)

	coord.Run(context.Background(), Request{
		Target:  "t",
		Tools:   []string{"a"},
		Options: map[string]map[string]any{"a": {"depth": 3}},
		Timeout: time.Second,
	})
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, 3, a.gotOptions.Int("depth", 0))
	assert.Equal(t, "fast", a.gotOptions.String("mode", ""))
}

func TestRunCapsRemoteConcurrency(t *testing.T) {
	var inFlight, maxFlight atomic.Int32
	var adapters []*scriptedAdapter
	var names []string
	for _, n := range []string{"r1", "r2", "r3", "r4", "r5", "r6"} {
		adapters = append(adapters, &scriptedAdapter{name: n, kind: model.KindRemoteHTTP, delay: 50 * time.Millisecond, inFlight: &inFlight, maxFlight: &maxFlight})
		names = append(names, n)
	}
	res := mapResolver{}
	for _, a := range adapters {
		res[a.name] = a
	}
	coord := New(res, 2, zerolog.Nop())

	outcomes := coord.Run(context.Background(), Request{Target: "t", Tools: names, Timeout: time.Second})
	require.Len(t, outcomes, 6)
	for _, o := range outcomes {
		assert.Equal(t, model.OutcomeSuccess, o.Status)
	}
	assert.LessOrEqual(t, maxFlight.Load(), int32(2))
}

func TestRunRecoversAdapterPanic(t *testing.T) {
	bad := &scriptedAdapter{name: "bad", panicMsg: "boom"}
	good := &scriptedAdapter{name: "good"}
	coord := newCoordinator(bad, good)

	got := byName(coord.Run(context.Background(), Request{Target: "t", Tools: []string{"bad", "good"}, Timeout: time.Second}))
	assert.Equal(t, model.OutcomeError, got["bad"].Status)
	assert.Contains(t, got["bad"].ErrorMessage, "boom")
	assert.Equal(t, model.OutcomeSuccess, got["good"].Status)
}

func TestRunAbandonsAdapterThatIgnoresDeadline(t *testing.T) {
	stubborn := &scriptedAdapter{name: "stubborn", delay: 3 * time.Second, ignoreCtx: true}
	coord := newCoordinator(stubborn).WithGrace(50 * time.Millisecond)

	start := time.Now()
	outcomes := coord.Run(context.Background(), Request{Target: "t", Tools: []string{"stubborn"}, Timeout: 50 * time.Millisecond})
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeTimeout, outcomes[0].Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunLateSuccessAfterDeadlineIsTimeout(t *testing.T) {
	late := &scriptedAdapter{name: "late", delay: 300 * time.Millisecond, ignoreCtx: true}
	coord := newCoordinator(late)

	start := time.Now()
	outcomes := coord.Run(context.Background(), Request{Target: "t", Tools: []string{"late"}, Timeout: 50 * time.Millisecond})
	require.Len(t, outcomes, 1)
	out := outcomes[0]
	assert.Equal(t, model.OutcomeTimeout, out.Status)
	assert.Contains(t, out.ErrorMessage, "timed out")
	assert.Nil(t, out.Results)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunLateSuccessAfterCancelIsError(t *testing.T) {
	late := &scriptedAdapter{name: "late", delay: 200 * time.Millisecond, ignoreCtx: true}
	coord := newCoordinator(late)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	outcomes := coord.Run(ctx, Request{Target: "t", Tools: []string{"late"}, Timeout: 10 * time.Second})
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.OutcomeError, outcomes[0].Status)
	assert.Equal(t, "cancelled", outcomes[0].ErrorMessage)
	assert.Nil(t, outcomes[0].Results)
}

func TestRunCancellation(t *testing.T) {
	a := &scriptedAdapter{name: "a", delay: 5 * time.Second}
	b := &scriptedAdapter{name: "b", delay: 5 * time.Second}
	coord := newCoordinator(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	outcomes := coord.Run(ctx, Request{Target: "t", Tools: []string{"a", "b"}, Timeout: 10 * time.Second})
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, model.OutcomeError, o.Status)
	}
}

func TestDistinct(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Distinct([]string{"a", "", " B", "a", "b"}))
}
