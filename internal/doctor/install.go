package doctor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type InstallOptions struct {
	Path   string
	DryRun bool
	Force  bool
}

type InstallResult struct {
	DryRun       bool     `json:"dry_run"`
	FilesWritten []string `json:"files_written,omitempty"`
	Backups      []string `json:"backups,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// DefaultConfigPath is where loomd looks for its config when -config is not given.
func DefaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "loom", "config.yaml")
	}
	return "loom.yaml"
}

// Install writes the starter config. An existing file is kept unless Force
// is set, in which case it is backed up first.
func Install(opts InstallOptions) (InstallResult, error) {
	path := opts.Path
	if path == "" {
		path = DefaultConfigPath()
	}
	res := InstallResult{DryRun: opts.DryRun}
	existing, err := readOptional(path)
	if err != nil {
		return InstallResult{}, err
	}
	if len(existing) > 0 && !opts.Force {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s already exists; use -force to replace it", path))
		return res, nil
	}
	if err := writeManagedFile(path, starterConfig, 0o600, opts.DryRun, &res); err != nil {
		return InstallResult{}, err
	}
	return res, nil
}

func writeManagedFile(path, content string, perm os.FileMode, dryRun bool, res *InstallResult) error {
	existing, err := readOptional(path)
	if err != nil {
		return err
	}
	if bytes.Equal(existing, []byte(content)) {
		return nil
	}
	if dryRun {
		res.FilesWritten = append(res.FilesWritten, path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if len(existing) > 0 {
		backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().UTC().UnixNano())
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return fmt.Errorf("write backup %s: %w", backupPath, err)
		}
		res.Backups = append(res.Backups, backupPath)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(tmpPath, []byte(content), perm); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file %s: %w", path, err)
	}
	res.FilesWritten = append(res.FilesWritten, path)
	return nil
}

func readOptional(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("read file %s: %w", path, err)
}

const starterConfig = `# Loom daemon configuration. ${VAR} references are expanded from the
# environment; variables such as SEARXNG_URL also override these values.
listen: 127.0.0.1:8787
log_level: info
tool_timeout: 300s
remote_concurrency: 4
shutdown_grace: 10s
health_cache_ttl: 30s

llm:
  provider: ollama
  base_url: http://localhost:11434
  model: llama3.2:3b
  timeout: 300s

synthesis:
  max_records_per_tool: 50
  max_bytes_per_tool: 8192

couchdb:
  url: ""
  db: osint_cases

docker:
  binary: docker
  network: bridge

tools:
  searxng:
    enabled: true
    url: http://localhost:8080
    options:
      num_results: 15
  spiderfoot:
    enabled: true
    url: http://localhost:5001
    poll_interval: 5s
    options:
      usecase: passive
  intelowl:
    enabled: true
    url: http://localhost:80
    api_key: ${INTELOWL_API_KEY}
    poll_interval: 5s
  recon-ng:
    enabled: true
    host: localhost
    port: 22
    user: tc
    connect_timeout: 10s
    options:
      module: recon/domains-hosts/hackertarget
  theharvester:
    enabled: true
    image: theharvester:latest
    options:
      sources: google,bing,duckduckgo
      limit: 500
  sherlock:
    enabled: true
    image: sherlock/sherlock:latest
  whois:
    enabled: false
    binary: whois
`
