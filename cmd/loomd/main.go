package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/origincreativegroup/Loom/internal/assistant"
	"github.com/origincreativegroup/Loom/internal/config"
	"github.com/origincreativegroup/Loom/internal/coordinator"
	"github.com/origincreativegroup/Loom/internal/couch"
	"github.com/origincreativegroup/Loom/internal/daemon"
	"github.com/origincreativegroup/Loom/internal/db"
	"github.com/origincreativegroup/Loom/internal/doctor"
	"github.com/origincreativegroup/Loom/internal/llm"
	"github.com/origincreativegroup/Loom/internal/mcpserver"
	"github.com/origincreativegroup/Loom/internal/orchestrator"
	"github.com/origincreativegroup/Loom/internal/synth"
	"github.com/origincreativegroup/Loom/internal/tool"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

type options struct {
	configPath string
	envFile    string
	listen     string
	dbPath     string
	jsonOut    bool
	dryRun     bool
	force      bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve", "mcp", "doctor", "init":
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\nusage: loomd [serve|mcp|doctor|init] [flags]\n", cmd)
		return 2
	}

	opts, err := parseFlags(cmd, args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if cmd == "init" {
		return runInit(opts, stdout, stderr)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	switch cmd {
	case "doctor":
		return runDoctor(ctx, cfg, opts, stdout, stderr)
	case "mcp":
		// stdout carries the MCP protocol.
		logger := newLogger(cfg.LogLevel, stderr, false)
		if err := runMCP(ctx, cfg, logger); err != nil {
			logger.Error().Err(err).Msg("mcp server stopped")
			return 1
		}
		return 0
	default:
		logger := newLogger(cfg.LogLevel, stderr, isTerminal(stderr))
		if err := runServe(ctx, cfg, logger); err != nil {
			logger.Error().Err(err).Msg("daemon stopped")
			return 1
		}
		return 0
	}
}

func parseFlags(cmd string, args []string, stderr io.Writer) (options, error) {
	opts := options{}
	fs := flag.NewFlagSet("loomd "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	defaultConfig := os.Getenv("LOOM_CONFIG")
	if defaultConfig == "" {
		defaultConfig = doctor.DefaultConfigPath()
	}
	fs.StringVar(&opts.configPath, "config", defaultConfig, "YAML config path")
	switch cmd {
	case "init":
		fs.BoolVar(&opts.dryRun, "dry-run", false, "report what would be written")
		fs.BoolVar(&opts.force, "force", false, "replace an existing config (a backup is kept)")
	default:
		fs.StringVar(&opts.envFile, "env", ".env", ".env file loaded before the config")
		fs.StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides config)")
		fs.StringVar(&opts.dbPath, "db", "", "SQLite path (overrides config)")
		if cmd == "doctor" {
			fs.BoolVar(&opts.jsonOut, "json", false, "output JSON")
		}
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// loadConfig applies, in order: defaults, the YAML file, the environment
// (including the .env file) and finally command-line flags.
func loadConfig(opts options) (config.Config, error) {
	if opts.envFile != "" {
		if _, err := os.Stat(opts.envFile); err == nil {
			if err := godotenv.Load(opts.envFile); err != nil {
				return config.Config{}, fmt.Errorf("load %s: %w", opts.envFile, err)
			}
		}
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	return cfg, cfg.Validate()
}

func newLogger(level string, w io.Writer, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := w
	if console {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "loomd").Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type app struct {
	cfg      config.Config
	store    *db.Store
	registry *tool.Registry
	llm      llm.Client
	mirror   *couch.Mirror
	orch     *orchestrator.Orchestrator
	log      zerolog.Logger
}

func buildApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}
	registry, err := tool.BuildRegistry(cfg, tool.Deps{})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	llmClient, err := llm.New(cfg.LLM, &http.Client{})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: store, registry: registry, llm: llmClient, log: logger}
	var mirror orchestrator.Mirror
	if m := couch.New(cfg.Couch, nil, logger); m != nil {
		a.mirror = m
		mirror = m
		logger.Info().Str("target", m.Target()).Msg("couchdb mirror enabled")
	}

	coord := coordinator.New(registry, cfg.RemoteConcurrency, logger)
	engine := synth.New(llmClient, synth.Limits{
		MaxRecords: cfg.Synthesis.MaxRecordsPerTool,
		MaxBytes:   cfg.Synthesis.MaxBytesPerTool,
	})
	a.orch = orchestrator.New(store, mirror, coord, engine, logger, orchestrator.Options{
		ToolTimeout:      cfg.ToolTimeout,
		SynthesisTimeout: cfg.LLM.Timeout,
	})

	recovered, err := a.orch.Recover(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("recover unfinished cases")
	} else if recovered > 0 {
		logger.Warn().Int("cases", recovered).Msg("marked interrupted cases as failed")
	}
	logger.Info().
		Strs("tools", registry.Names()).
		Str("llm_provider", string(llmClient.Provider())).
		Str("llm_model", llmClient.Model()).
		Str("db", cfg.DBPath).
		Msg("loom ready")
	return a, nil
}

// close stops running investigations, then closes the store.
func (a *app) close() {
	grace := a.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.orch.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("orchestrator shutdown")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close store")
	}
}

func (a *app) probes() map[string]daemon.Probe {
	probes := map[string]daemon.Probe{
		"llm":     a.llm.Ping,
		"store":   a.store.Ping,
		"couchdb": nil,
	}
	if a.mirror != nil {
		probes["couchdb"] = a.mirror.Ping
	}
	return probes
}

func runServe(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := daemon.NewServer(cfg, daemon.Deps{
		Cases:     a.orch,
		Tools:     a.registry,
		Assistant: assistant.New(a.llm, a.registry),
		Probes:    a.probes(),
		Logger:    logger,
	})
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("shutting down")
	return nil
}

func runMCP(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	s := mcpserver.New(a.orch, a.registry)
	stdio := server.NewStdioServer(s)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runDoctor(ctx context.Context, cfg config.Config, opts options, stdout, stderr io.Writer) int {
	var ping func(context.Context) error
	if client, err := llm.New(cfg.LLM, &http.Client{}); err == nil {
		ping = client.Ping
	} else {
		_, _ = fmt.Fprintf(stderr, "warning: %v\n", err)
	}
	res := doctor.Doctor(ctx, cfg, doctor.Options{LLMPing: ping})
	if opts.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	} else {
		for _, c := range res.Checks {
			line := fmt.Sprintf("%-5s %-16s %s", c.Status, c.Name, c.Message)
			if c.Path != "" {
				line += " (" + c.Path + ")"
			}
			_, _ = fmt.Fprintln(stdout, line)
		}
	}
	if !res.OK {
		return 1
	}
	return 0
}

func runInit(opts options, stdout, stderr io.Writer) int {
	res, err := doctor.Install(doctor.InstallOptions{Path: opts.configPath, DryRun: opts.dryRun, Force: opts.force})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	verb := "wrote"
	if res.DryRun {
		verb = "would write"
	}
	for _, p := range res.FilesWritten {
		_, _ = fmt.Fprintf(stdout, "%s %s\n", verb, p)
	}
	for _, p := range res.Backups {
		_, _ = fmt.Fprintf(stdout, "backup %s\n", p)
	}
	for _, w := range res.Warnings {
		_, _ = fmt.Fprintf(stderr, "warning: %s\n", w)
	}
	return 0
}
