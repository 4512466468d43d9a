package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origincreativegroup/Loom/internal/config"
	"github.com/origincreativegroup/Loom/internal/model"
)

type stubAdapter struct {
	desc model.ToolDescriptor
}

func (s stubAdapter) Descriptor() model.ToolDescriptor { return s.desc }

func (s stubAdapter) Execute(context.Context, string, Options) model.ToolOutcome {
	return model.ToolOutcome{ToolName: s.desc.Name, Status: model.OutcomeSuccess}
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	a := stubAdapter{desc: model.ToolDescriptor{Name: "dup", Kind: model.KindLocalProcess}}
	_, err := NewRegistry(a, a)
	require.Error(t, err)
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.Error(t, reg.Register(stubAdapter{desc: model.ToolDescriptor{Name: "x", Kind: "ftp"}}))
	require.Error(t, reg.Register(nil))
}

func TestRegistryResolveNormalizesName(t *testing.T) {
	reg, err := NewRegistry(stubAdapter{desc: model.ToolDescriptor{Name: "searxng", Kind: model.KindRemoteHTTP}})
	require.NoError(t, err)
	_, ok := reg.Resolve(" SearXNG ")
	assert.True(t, ok)
	_, ok = reg.Resolve("nmap")
	assert.False(t, ok)
}

func TestBuildRegistryDefaults(t *testing.T) {
	reg, err := BuildRegistry(config.DefaultConfig(), Deps{Runner: &fakeRunner{}, Dialer: &fakeDialer{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"intelowl", "recon-ng", "searxng", "sherlock", "spiderfoot", "theharvester"}, reg.Names())

	kinds := map[string]model.ToolKind{}
	for _, d := range reg.Descriptors() {
		kinds[d.Name] = d.Kind
		assert.NotEmpty(t, d.Description)
	}
	assert.Equal(t, model.KindRemoteHTTP, kinds["searxng"])
	assert.Equal(t, model.KindRemoteShell, kinds["recon-ng"])
	assert.Equal(t, model.KindLocalContainer, kinds["sherlock"])
}

func TestBuildRegistryHonoursEnabledFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tools.SpiderFoot.Enabled = false
	cfg.Tools.IntelOwl.Enabled = false
	cfg.Tools.ReconNG.Enabled = false
	cfg.Tools.Whois.Enabled = true
	reg, err := BuildRegistry(cfg, Deps{Runner: &fakeRunner{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"searxng", "sherlock", "theharvester", "whois"}, reg.Names())

	descs := reg.Descriptors()
	descs[0].DefaultOptions["num_results"] = 999
	again := reg.Descriptors()
	assert.Equal(t, 15, again[0].DefaultOptions["num_results"])
}
