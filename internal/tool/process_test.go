package tool

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origincreativegroup/Loom/internal/config"
	"github.com/origincreativegroup/Loom/internal/model"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []runnerCall
	results []runnerResult
	block   bool
}

type runnerCall struct {
	name string
	args []string
}

type runnerResult struct {
	res RunResult
	err error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runnerCall{name: name, args: append([]string(nil), args...)})
	block := f.block && !(len(args) > 0 && args[0] == "rm")
	var r runnerResult
	if len(f.results) > 0 {
		r = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return RunResult{}, ctx.Err()
	}
	return r.res, r.err
}

func (f *fakeRunner) snapshot() []runnerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runnerCall(nil), f.calls...)
}

func TestProcessAdapterSuccess(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{{res: RunResult{Stdout: []byte("Registrar: Example Inc\nDomain Name: EXAMPLE.COM\n% comment\n")}}}}
	a := NewProcessAdapter(model.ToolDescriptor{Name: "whois"}, "whois", whoisArgs, parseWhois, r)

	out := a.Execute(context.Background(), "example.com", nil)
	require.Equal(t, model.OutcomeSuccess, out.Status, out.ErrorMessage)
	assert.Equal(t, "whois", out.ToolName)
	assert.Len(t, out.Results, 2)
	assert.Empty(t, out.ErrorMessage)
	assert.False(t, out.FinishedAt.Before(out.StartedAt))
	assert.Equal(t, model.KindLocalProcess, a.Descriptor().Kind)

	calls := r.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "whois", calls[0].name)
	assert.Equal(t, []string{"example.com"}, calls[0].args)
}

func TestProcessAdapterNonZeroExitIsError(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{{err: &ExitError{Code: 2, Stderr: "connect: network unreachable"}}}}
	a := NewProcessAdapter(model.ToolDescriptor{Name: "whois"}, "whois", whoisArgs, parseWhois, r)

	out := a.Execute(context.Background(), "example.com", nil)
	assert.Equal(t, model.OutcomeError, out.Status)
	assert.Nil(t, out.Results)
	assert.Contains(t, out.ErrorMessage, "exit status 2")
	assert.Contains(t, out.ErrorMessage, "network unreachable")
}

func TestProcessAdapterRejectsFlagTarget(t *testing.T) {
	r := &fakeRunner{}
	a := NewProcessAdapter(model.ToolDescriptor{Name: "whois"}, "whois", whoisArgs, parseWhois, r)

	out := a.Execute(context.Background(), "--help", nil)
	assert.Equal(t, model.OutcomeError, out.Status)
	assert.Empty(t, r.snapshot())
}

func TestContainerAdapterBuildsDockerRun(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{{res: RunResult{Stdout: []byte("[+] GitHub: https://github.com/jdoe\n")}}}}
	a := NewContainerAdapter(model.ToolDescriptor{Name: "sherlock"}, config.DockerConfig{Binary: "docker", Network: "osint"}, "sherlock/sherlock:latest", sherlockArgs, parseSherlock, r)

	out := a.Execute(context.Background(), "jdoe", Options{"timeout": 30})
	require.Equal(t, model.OutcomeSuccess, out.Status, out.ErrorMessage)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "GitHub", out.Results[0]["platform"])

	calls := r.snapshot()
	require.Len(t, calls, 1)
	args := calls[0].args
	assert.Equal(t, "docker", calls[0].name)
	assert.Equal(t, []string{"run", "--rm", "--name"}, args[:3])
	assert.True(t, strings.HasPrefix(args[3], "loom-sherlock-"))
	assert.Equal(t, "--network=osint", args[4])
	assert.Equal(t, "sherlock/sherlock:latest", args[5])
	assert.Equal(t, []string{"--print-found", "--no-color", "--timeout", "30", "jdoe"}, args[6:])
}

func TestContainerAdapterTimeoutRemovesContainer(t *testing.T) {
	r := &fakeRunner{block: true}
	a := NewContainerAdapter(model.ToolDescriptor{Name: "theharvester"}, config.DockerConfig{Binary: "docker"}, "theharvester:latest", harvesterArgs, parseHarvester, r)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := a.Execute(ctx, "example.com", nil)
	assert.Equal(t, model.OutcomeTimeout, out.Status)
	assert.Contains(t, out.ErrorMessage, "timed out")

	require.Eventually(t, func() bool {
		calls := r.snapshot()
		return len(calls) == 2 && calls[1].args[0] == "rm"
	}, time.Second, 10*time.Millisecond)
	calls := r.snapshot()
	assert.Equal(t, calls[0].args[3], calls[1].args[2])
}

func TestCancelledRunIsReportedAsCancelled(t *testing.T) {
	r := &fakeRunner{block: true}
	a := NewProcessAdapter(model.ToolDescriptor{Name: "whois"}, "whois", whoisArgs, parseWhois, r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	out := a.Execute(ctx, "example.com", nil)
	assert.Equal(t, model.OutcomeError, out.Status)
	assert.Equal(t, "cancelled", out.ErrorMessage)
}

func TestOptionsAccessors(t *testing.T) {
	opts := MergeOptions(map[string]any{"limit": 10, "sources": "a"}, map[string]any{"limit": float64(25), "list": []any{"x", "y"}})
	assert.Equal(t, 25, opts.Int("limit", 0))
	assert.Equal(t, "a", opts.String("sources", ""))
	assert.Equal(t, "x,y", opts.String("list", ""))
	assert.Equal(t, []string{"x", "y"}, opts.StringSlice("list"))
	assert.Equal(t, 7, opts.Int("missing", 7))
	assert.Equal(t, 3, Options{"n": "3"}.Int("n", 0))
	assert.Equal(t, 15, Options{"n": -1}.PositiveInt("n", 15))
	assert.Equal(t, 15, Options{"n": 0}.PositiveInt("n", 15))
	assert.Equal(t, 4, Options{"n": float64(4)}.PositiveInt("n", 15))
}

func TestContainerArgsClampNegativeLimits(t *testing.T) {
	args, err := harvesterArgs("example.com", Options{"limit": -3})
	require.NoError(t, err)
	assert.Equal(t, []string{"-d", "example.com", "-b", "google,bing,duckduckgo", "-l", "500"}, args)

	args, err = sherlockArgs("jdoe", Options{"timeout": float64(-1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"--print-found", "--no-color", "--timeout", "60", "jdoe"}, args)
}
