package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen            string          `yaml:"listen"`
	DBPath            string          `yaml:"db_path"`
	APIKey            string          `yaml:"api_key"`
	LogLevel          string          `yaml:"log_level"`
	ToolTimeout       time.Duration   `yaml:"tool_timeout"`
	RemoteConcurrency int             `yaml:"remote_concurrency"`
	ShutdownGrace     time.Duration   `yaml:"shutdown_grace"`
	HealthCacheTTL    time.Duration   `yaml:"health_cache_ttl"`
	WatchInterval     time.Duration   `yaml:"watch_interval"`
	LLM               LLMConfig       `yaml:"llm"`
	Synthesis         SynthesisConfig `yaml:"synthesis"`
	Couch             CouchConfig     `yaml:"couchdb"`
	Docker            DockerConfig    `yaml:"docker"`
	Tools             ToolsConfig     `yaml:"tools"`
}

type LLMConfig struct {
	Provider string        `yaml:"provider"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SynthesisConfig struct {
	MaxRecordsPerTool int `yaml:"max_records_per_tool"`
	MaxBytesPerTool   int `yaml:"max_bytes_per_tool"`
}

// CouchConfig configures the optional document mirror. An empty URL disables it.
type CouchConfig struct {
	URL      string        `yaml:"url"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	DB       string        `yaml:"db"`
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

func (c CouchConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

type DockerConfig struct {
	Binary  string `yaml:"binary"`
	Network string `yaml:"network"`
}

type ToolsConfig struct {
	SearXNG    HTTPToolConfig      `yaml:"searxng"`
	SpiderFoot HTTPToolConfig      `yaml:"spiderfoot"`
	IntelOwl   HTTPToolConfig      `yaml:"intelowl"`
	ReconNG    ShellToolConfig     `yaml:"recon-ng"`
	Harvester  ContainerToolConfig `yaml:"theharvester"`
	Sherlock   ContainerToolConfig `yaml:"sherlock"`
	Whois      ProcessToolConfig   `yaml:"whois"`
}

type HTTPToolConfig struct {
	Enabled      bool           `yaml:"enabled"`
	URL          string         `yaml:"url"`
	APIKey       string         `yaml:"api_key"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	Options      map[string]any `yaml:"options"`
}

type ShellToolConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	User           string         `yaml:"user"`
	KeyPath        string         `yaml:"key_path"`
	KnownHostsPath string         `yaml:"known_hosts_path"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	Options        map[string]any `yaml:"options"`
}

type ContainerToolConfig struct {
	Enabled bool           `yaml:"enabled"`
	Image   string         `yaml:"image"`
	Options map[string]any `yaml:"options"`
}

type ProcessToolConfig struct {
	Enabled bool           `yaml:"enabled"`
	Binary  string         `yaml:"binary"`
	Options map[string]any `yaml:"options"`
}

func DefaultConfig() Config {
	return Config{
		Listen:            "127.0.0.1:8787",
		DBPath:            defaultDBPath(),
		LogLevel:          "info",
		ToolTimeout:       300 * time.Second,
		RemoteConcurrency: 4,
		ShutdownGrace:     10 * time.Second,
		HealthCacheTTL:    30 * time.Second,
		WatchInterval:     time.Second,
		LLM: LLMConfig{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "llama3.2:3b",
			Timeout:  300 * time.Second,
		},
		Synthesis: SynthesisConfig{
			MaxRecordsPerTool: 50,
			MaxBytesPerTool:   8 * 1024,
		},
		Couch: CouchConfig{
			DB:       "osint_cases",
			Attempts: 3,
			Backoff:  time.Second,
		},
		Docker: DockerConfig{
			Binary:  "docker",
			Network: "bridge",
		},
		Tools: ToolsConfig{
			SearXNG: HTTPToolConfig{
				Enabled: true,
				URL:     "http://localhost:8080",
				Options: map[string]any{"num_results": 15},
			},
			SpiderFoot: HTTPToolConfig{
				Enabled:      true,
				URL:          "http://localhost:5001",
				PollInterval: 5 * time.Second,
				Options:      map[string]any{"usecase": "passive"},
			},
			IntelOwl: HTTPToolConfig{
				Enabled:      true,
				URL:          "http://localhost:80",
				PollInterval: 5 * time.Second,
				Options:      map[string]any{"tlp": "CLEAR"},
			},
			ReconNG: ShellToolConfig{
				Enabled:        true,
				Host:           "localhost",
				Port:           22,
				User:           "tc",
				KeyPath:        defaultKeyPath(),
				ConnectTimeout: 10 * time.Second,
				Options:        map[string]any{"module": "recon/domains-hosts/hackertarget"},
			},
			Harvester: ContainerToolConfig{
				Enabled: true,
				Image:   "theharvester:latest",
				Options: map[string]any{"sources": "google,bing,duckduckgo", "limit": 500},
			},
			Sherlock: ContainerToolConfig{
				Enabled: true,
				Image:   "sherlock/sherlock:latest",
				Options: map[string]any{"timeout": 60},
			},
			Whois: ProcessToolConfig{
				Enabled: false,
				Binary:  "whois",
			},
		},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load builds a config from defaults, then the YAML file at path (if it
// exists), then environment variables. ${VAR} references in the file are
// expanded before parsing.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(expandEnvString(string(data))), &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any of the recognised environment variables
// that are set to a non-empty value.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	if dir := strings.TrimSpace(getenv("LOOM_DATA_DIR")); dir != "" {
		cfg.DBPath = filepath.Join(dir, "loom.db")
	}
	set(&cfg.Listen, "LOOM_LISTEN")
	set(&cfg.DBPath, "LOOM_DB_PATH")
	set(&cfg.LogLevel, "LOOM_LOG_LEVEL")
	set(&cfg.APIKey, "OSINT_API_KEY")

	set(&cfg.LLM.Provider, "LLM_PROVIDER")
	set(&cfg.LLM.BaseURL, "OLLAMA_URL")
	set(&cfg.LLM.Model, "OLLAMA_MODEL")
	set(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	if cfg.LLM.Provider == "openai" {
		set(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
		set(&cfg.LLM.Model, "OPENAI_MODEL")
	}

	set(&cfg.Tools.SearXNG.URL, "SEARXNG_URL")
	set(&cfg.Tools.SpiderFoot.URL, "SPIDERFOOT_URL")
	set(&cfg.Tools.SpiderFoot.APIKey, "SPIDERFOOT_API_KEY")
	set(&cfg.Tools.IntelOwl.URL, "INTELOWL_URL")
	set(&cfg.Tools.IntelOwl.APIKey, "INTELOWL_API_KEY")
	set(&cfg.Tools.ReconNG.Host, "PICORE_SSH_HOST")
	set(&cfg.Tools.ReconNG.User, "PICORE_SSH_USER")
	set(&cfg.Tools.ReconNG.KeyPath, "PICORE_SSH_KEY")

	set(&cfg.Couch.URL, "COUCHDB_URL")
	set(&cfg.Couch.User, "COUCHDB_USER")
	set(&cfg.Couch.Password, "COUCHDB_PASS")
	set(&cfg.Couch.DB, "COUCHDB_DB")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("config: tool_timeout must be positive")
	}
	if c.RemoteConcurrency < 1 {
		return fmt.Errorf("config: remote_concurrency must be at least 1")
	}
	switch c.LLM.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("config: unsupported llm provider %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("config: llm timeout must be positive")
	}
	if c.Synthesis.MaxRecordsPerTool < 1 || c.Synthesis.MaxBytesPerTool < 1 {
		return fmt.Errorf("config: synthesis limits must be positive")
	}
	return nil
}

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "loom.db"
	}
	return filepath.Join(home, ".local", "state", "loom", "loom.db")
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "id_ed25519")
}
