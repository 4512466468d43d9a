// Package doctor checks that the host can run the configured tools and
// writes a starter configuration file.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/origincreativegroup/Loom/internal/config"
	"github.com/origincreativegroup/Loom/internal/security"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Options struct {
	// LookPath resolves binaries; exec.LookPath when nil.
	LookPath func(file string) (string, error)
	// LLMPing probes the model endpoint. Nil skips the check.
	LLMPing     func(ctx context.Context) error
	PingTimeout time.Duration
}

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

func Doctor(ctx context.Context, cfg config.Config, opts Options) Result {
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == StatusWarn {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == StatusFail {
			out.OK = false
		}
	}

	add(checkDataDir(cfg.DBPath))
	add(checkAPIKey(cfg.Listen, cfg.APIKey))

	t := cfg.Tools
	if t.Harvester.Enabled || t.Sherlock.Enabled {
		add(checkBinary("docker", cfg.Docker.Binary, opts.LookPath))
	}
	if t.Whois.Enabled {
		bin := t.Whois.Binary
		if bin == "" {
			bin = "whois"
		}
		add(checkBinary("whois", bin, opts.LookPath))
	}
	if t.ReconNG.Enabled {
		add(checkSSHKey(t.ReconNG.KeyPath))
		add(checkKnownHosts(t.ReconNG.KnownHostsPath))
	}
	for _, h := range []struct {
		name string
		cfg  config.HTTPToolConfig
	}{
		{"searxng", t.SearXNG},
		{"spiderfoot", t.SpiderFoot},
		{"intelowl", t.IntelOwl},
	} {
		if h.cfg.Enabled {
			add(checkURL(h.name+"_url", h.cfg.URL))
		}
	}
	if cfg.Couch.Enabled() {
		add(checkURL("couchdb_url", cfg.Couch.URL))
	}

	add(checkURL("llm_url", cfg.LLM.BaseURL))
	if opts.LLMPing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		err := opts.LLMPing(pingCtx)
		cancel()
		if err != nil {
			add(Check{Name: "llm_reachable", Status: StatusWarn, Message: fmt.Sprintf("%s unreachable: %v", cfg.LLM.Provider, err)})
		} else {
			add(Check{Name: "llm_reachable", Status: StatusPass, Message: fmt.Sprintf("%s %s reachable", cfg.LLM.Provider, cfg.LLM.Model)})
		}
	}
	return out
}

func checkBinary(name, binary string, lookPath func(string) (string, error)) Check {
	path, err := lookPath(binary)
	if err != nil {
		return Check{Name: name, Status: StatusFail, Message: fmt.Sprintf("%s not found in PATH", binary)}
	}
	return Check{Name: name, Status: StatusPass, Message: "found", Path: path}
}

func checkSSHKey(path string) Check {
	if strings.TrimSpace(path) == "" {
		return Check{Name: "ssh_key", Status: StatusFail, Message: "key_path not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "ssh_key", Status: StatusFail, Message: "file not found", Path: path}
		}
		return Check{Name: "ssh_key", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return Check{Name: "ssh_key", Status: StatusWarn, Message: fmt.Sprintf("permissions %o are too open", info.Mode().Perm()), Path: path}
	}
	return Check{Name: "ssh_key", Status: StatusPass, Message: "present", Path: path}
}

func checkKnownHosts(path string) Check {
	if strings.TrimSpace(path) == "" {
		return Check{Name: "ssh_known_hosts", Status: StatusWarn, Message: "host key verification disabled"}
	}
	if _, err := os.Stat(path); err != nil {
		return Check{Name: "ssh_known_hosts", Status: StatusFail, Message: "file not found", Path: path}
	}
	return Check{Name: "ssh_known_hosts", Status: StatusPass, Message: "present", Path: path}
}

func checkURL(name, raw string) Check {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Check{Name: name, Status: StatusFail, Message: fmt.Sprintf("invalid URL %q", security.RedactURL(raw))}
	}
	return Check{Name: name, Status: StatusPass, Message: security.RedactURL(raw)}
}

func checkDataDir(dbPath string) Check {
	dir := filepath.Dir(dbPath)
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return Check{Name: "data_dir", Status: StatusFail, Message: "not a directory", Path: dir}
	case err == nil:
		return Check{Name: "data_dir", Status: StatusPass, Message: "exists", Path: dir}
	case os.IsNotExist(err):
		return Check{Name: "data_dir", Status: StatusWarn, Message: "will be created on first start", Path: dir}
	default:
		return Check{Name: "data_dir", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: dir}
	}
}

func checkAPIKey(listen, apiKey string) Check {
	if apiKey != "" {
		return Check{Name: "api_key", Status: StatusPass, Message: "required on every request"}
	}
	host, _, err := net.SplitHostPort(listen)
	if err == nil {
		if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
			return Check{Name: "api_key", Status: StatusPass, Message: "not set; listening on loopback only"}
		}
	}
	return Check{Name: "api_key", Status: StatusWarn, Message: fmt.Sprintf("not set while listening on %s", listen)}
}
