package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/origincreativegroup/Loom/internal/appclient"
)

const defaultServer = "http://127.0.0.1:8787"

type Runner struct {
	client      *http.Client
	out         io.Writer
	errOut      io.Writer
	getenv      func(string) string
	interactive func() bool

	server  string
	apiKey  string
	jsonOut bool
	timeout time.Duration
}

// usageError marks failures caused by bad arguments; Run maps them to exit code 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func NewRunner(out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(&http.Client{}, out, errOut)
}

func NewRunnerWithClient(client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		client: client,
		out:    out,
		errOut: errOut,
		getenv: os.Getenv,
		interactive: func() bool {
			return term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Loom OSINT investigation console",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})

	server := r.getenv("LOOM_SERVER")
	if server == "" {
		server = defaultServer
	}
	pf := root.PersistentFlags()
	pf.StringVar(&r.server, "server", server, "Loom daemon address")
	pf.StringVar(&r.apiKey, "api-key", r.getenv("OSINT_API_KEY"), "API key sent as X-API-Key")
	pf.BoolVar(&r.jsonOut, "json", false, "output JSON")
	pf.DurationVar(&r.timeout, "timeout", 10*time.Second, "timeout for unary requests")

	root.AddCommand(
		r.investigateCommand(),
		r.casesCommand(),
		r.showCommand(),
		r.statusCommand(),
		r.reportCommand(),
		r.watchCommand(),
		r.cancelCommand(),
		r.toolOutputCommand(),
		r.logsCommand(),
		r.toolsCommand(),
		r.healthCommand(),
		r.configCommand(),
		r.chatCommand(),
	)
	return root
}

func (r *Runner) api() *appclient.Client {
	return appclient.NewWithClient(r.server, r.apiKey, r.client).WithUnaryTimeout(r.timeout)
}

func (r *Runner) handleErr(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		_, _ = fmt.Fprintf(r.errOut, "usage error: %s\n", ue.msg)
		return 2
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s", usage)
		}
		for _, a := range args {
			if strings.TrimSpace(a) == "" {
				return usagef("%s", usage)
			}
		}
		return nil
	}
}

// parseToolOptions turns "tool.key=value" pairs into per-tool option maps.
// Integer and boolean values are converted; everything else stays a string.
func parseToolOptions(pairs []string) (map[string]map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string]map[string]any{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		tool, opt, dotted := strings.Cut(key, ".")
		tool = strings.TrimSpace(tool)
		opt = strings.TrimSpace(opt)
		if !ok || !dotted || tool == "" || opt == "" {
			return nil, usagef("invalid --option %q (want tool.key=value)", pair)
		}
		if out[tool] == nil {
			out[tool] = map[string]any{}
		}
		out[tool][opt] = optionValue(value)
	}
	return out, nil
}

func optionValue(raw string) any {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
