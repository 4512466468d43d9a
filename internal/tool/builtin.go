package tool

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/origincreativegroup/Loom/internal/config"
	"github.com/origincreativegroup/Loom/internal/model"
)

// Deps overrides the transports used by the built-in adapters. Zero values
// select the real implementations.
type Deps struct {
	Runner     Runner
	Dialer     ShellDialer
	HTTPClient *http.Client
}

// BuildRegistry registers every built-in tool that is enabled in cfg.
func BuildRegistry(cfg config.Config, deps Deps) (*Registry, error) {
	if deps.Runner == nil {
		deps.Runner = OSRunner{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	tools := cfg.Tools
	var adapters []Adapter

	if tools.SearXNG.Enabled {
		adapters = append(adapters, NewHTTPAdapter(
			descriptor(SearXNGName, "Metasearch across public search engines via SearXNG", tools.SearXNG.Options),
			NewAPIClient(tools.SearXNG.URL, nil, deps.HTTPClient, tools.SearXNG.PollInterval),
			searchSearXNG,
		))
	}
	if tools.SpiderFoot.Enabled {
		header := http.Header{}
		if tools.SpiderFoot.APIKey != "" {
			header.Set("X-API-Key", tools.SpiderFoot.APIKey)
		}
		adapters = append(adapters, NewHTTPAdapter(
			descriptor(SpiderFootName, "Automated OSINT scan through the SpiderFoot API", tools.SpiderFoot.Options),
			NewAPIClient(tools.SpiderFoot.URL, header, deps.HTTPClient, tools.SpiderFoot.PollInterval),
			runSpiderFoot,
		))
	}
	if tools.IntelOwl.Enabled {
		header := http.Header{}
		if tools.IntelOwl.APIKey != "" {
			header.Set("Authorization", "Token "+tools.IntelOwl.APIKey)
		}
		adapters = append(adapters, NewHTTPAdapter(
			descriptor(IntelOwlName, "Threat-intelligence analyzers through the IntelOwl API", tools.IntelOwl.Options),
			NewAPIClient(tools.IntelOwl.URL, header, deps.HTTPClient, tools.IntelOwl.PollInterval),
			runIntelOwl,
		))
	}
	if tools.ReconNG.Enabled {
		dialer := deps.Dialer
		if dialer == nil {
			port := tools.ReconNG.Port
			if port == 0 {
				port = 22
			}
			dialer = SSHDialer{
				Addr:           net.JoinHostPort(tools.ReconNG.Host, strconv.Itoa(port)),
				User:           tools.ReconNG.User,
				KeyPath:        tools.ReconNG.KeyPath,
				KnownHostsPath: tools.ReconNG.KnownHostsPath,
				Timeout:        tools.ReconNG.ConnectTimeout,
			}
		}
		adapters = append(adapters, NewShellAdapter(
			descriptor(ReconNGName, "Subdomain discovery with recon-ng on the remote recon host", tools.ReconNG.Options),
			dialer, reconNGCommand, parseReconNGHosts,
		))
	}
	if tools.Harvester.Enabled {
		adapters = append(adapters, NewContainerAdapter(
			descriptor(HarvesterName, "E-mail and host harvesting with theHarvester", tools.Harvester.Options),
			cfg.Docker, tools.Harvester.Image, harvesterArgs, parseHarvester, deps.Runner,
		))
	}
	if tools.Sherlock.Enabled {
		adapters = append(adapters, NewContainerAdapter(
			descriptor(SherlockName, "Username search across social platforms with Sherlock", tools.Sherlock.Options),
			cfg.Docker, tools.Sherlock.Image, sherlockArgs, parseSherlock, deps.Runner,
		))
	}
	if tools.Whois.Enabled {
		binary := tools.Whois.Binary
		if binary == "" {
			binary = "whois"
		}
		adapters = append(adapters, NewProcessAdapter(
			descriptor(WhoisName, "Registration records from the local whois client", tools.Whois.Options),
			binary, whoisArgs, parseWhois, deps.Runner,
		))
	}

	reg, err := NewRegistry(adapters...)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}
	return reg, nil
}

func descriptor(name, description string, defaults map[string]any) model.ToolDescriptor {
	opts := make(map[string]any, len(defaults))
	for k, v := range defaults {
		opts[k] = v
	}
	return model.ToolDescriptor{Name: name, Description: description, DefaultOptions: opts}
}
