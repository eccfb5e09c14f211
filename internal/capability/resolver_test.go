package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/logging"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r := NewResolver(logging.NewNop())
	r.stat = func(string) error { return nil }
	return r
}

func TestDefaultToolsPerPhase(t *testing.T) {
	r := newTestResolver(t)

	planning := r.Resolve(nil, PhasePlanning, nil)
	assert.NotContains(t, planning.Tools, "Write")
	assert.NotContains(t, planning.Tools, "Bash")
	assert.Contains(t, planning.Tools, "Read")

	review := r.Resolve(nil, PhaseReview, nil)
	assert.Equal(t, planning.Tools, review.Tools)

	implement := r.Resolve(nil, PhaseImplement, nil)
	assert.Contains(t, implement.Tools, "Write")
	assert.Contains(t, implement.Tools, "Edit")
	assert.Contains(t, implement.Tools, "Bash")
}

func TestPhaseToolsReplaceDefaults(t *testing.T) {
	r := newTestResolver(t)
	preset := &config.CapabilityPreset{
		Phases: map[string]*config.CapabilityBlock{
			"implement": {Tools: []string{"Read", "Edit"}},
		},
	}

	opts := r.Resolve(preset, PhaseImplement, nil)
	assert.Equal(t, []string{"Read", "Edit"}, opts.Tools)
}

func TestAllowedToolsUnionDeduplicated(t *testing.T) {
	r := newTestResolver(t)
	preset := &config.CapabilityPreset{
		Shared: &config.CapabilityBlock{AllowedTools: []string{"Bash(go test:*)", "Read"}},
		Phases: map[string]*config.CapabilityBlock{
			"testing": {AllowedTools: []string{"Read", "Bash(golangci-lint:*)"}},
		},
	}

	opts := r.Resolve(preset, PhaseTesting, nil)
	assert.Equal(t, []string{"Bash(go test:*)", "Read", "Bash(golangci-lint:*)"}, opts.AllowedTools)
}

func TestMapsMergePhaseWins(t *testing.T) {
	r := newTestResolver(t)
	preset := &config.CapabilityPreset{
		Shared: &config.CapabilityBlock{
			Plugins:    map[string]string{"lint": "/shared/lint", "fmt": "/shared/fmt"},
			MCPServers: map[string]string{"docs": "http://shared"},
		},
		Phases: map[string]*config.CapabilityBlock{
			"implement": {
				Plugins: map[string]string{"lint": "/phase/lint"},
			},
		},
	}

	opts := r.Resolve(preset, PhaseImplement, nil)
	assert.Equal(t, "/phase/lint", opts.Plugins["lint"])
	assert.Equal(t, "/shared/fmt", opts.Plugins["fmt"])
	assert.Equal(t, "http://shared", opts.MCPServers["docs"])
}

func TestSingularFieldsPhaseWins(t *testing.T) {
	r := newTestResolver(t)
	preset := &config.CapabilityPreset{
		Shared: &config.CapabilityBlock{Model: "shared-model", SystemPrompt: "shared prompt"},
		Phases: map[string]*config.CapabilityBlock{
			"review": {Model: "review-model"},
		},
	}

	opts := r.Resolve(preset, PhaseReview, nil)
	assert.Equal(t, "review-model", opts.Model)
	assert.Equal(t, "shared prompt", opts.SystemPrompt)
}

func TestOverrideDisablesUnknownTool(t *testing.T) {
	r := newTestResolver(t)

	// The disabled tool was never in any list; it still lands on the
	// deny-list.
	opts := r.Resolve(nil, PhaseImplement, []config.CapabilityOverride{
		{Phase: "implement", Disable: "WebSearch", Kind: "tool"},
	})
	assert.Contains(t, opts.DisallowedTools, "WebSearch")
}

func TestOverridePhaseScoping(t *testing.T) {
	r := newTestResolver(t)
	overrides := []config.CapabilityOverride{
		{Phase: "review", Disable: "WebFetch", Kind: "tool"},
		{Phase: "both", Disable: "Bash", Kind: "tool"},
		{Phase: "polish", Disable: "Edit", Kind: "tool"},
	}

	review := r.Resolve(nil, PhaseReview, overrides)
	assert.Contains(t, review.DisallowedTools, "WebFetch")
	assert.NotContains(t, review.DisallowedTools, "Bash")

	implement := r.Resolve(nil, PhaseImplement, overrides)
	assert.Contains(t, implement.DisallowedTools, "Bash")
	assert.NotContains(t, implement.DisallowedTools, "Edit")

	testingOpts := r.Resolve(nil, PhaseTesting, overrides)
	assert.Contains(t, testingOpts.DisallowedTools, "Bash")
	assert.Contains(t, testingOpts.DisallowedTools, "Edit")
}

func TestOverrideRemovesPluginAndServer(t *testing.T) {
	r := newTestResolver(t)
	preset := &config.CapabilityPreset{
		Shared: &config.CapabilityBlock{
			Plugins:    map[string]string{"lint": "/p/lint"},
			Agents:     map[string]string{"helper": "helper.md"},
			MCPServers: map[string]string{"docs": "http://docs"},
		},
	}
	overrides := []config.CapabilityOverride{
		{Phase: "implement", Disable: "lint", Kind: "plugin"},
		{Phase: "implement", Disable: "helper", Kind: "agent"},
		{Phase: "implement", Disable: "docs", Kind: "mcp_server"},
	}

	opts := r.Resolve(preset, PhaseImplement, overrides)
	assert.Empty(t, opts.Plugins)
	assert.Empty(t, opts.Agents)
	assert.Empty(t, opts.MCPServers)
}

func TestPresetOverridesApply(t *testing.T) {
	r := newTestResolver(t)
	preset := &config.CapabilityPreset{
		Overrides: []config.CapabilityOverride{
			{Phase: "testing", Disable: "WebFetch", Kind: "tool"},
		},
	}

	opts := r.Resolve(preset, PhaseTesting, nil)
	assert.Contains(t, opts.DisallowedTools, "WebFetch")
}

func TestInvalidPluginPathSkippedWithWarning(t *testing.T) {
	r := NewResolver(logging.NewNop())
	r.stat = func(path string) error {
		if path == "/missing" {
			return errors.New("no such file")
		}
		return nil
	}
	preset := &config.CapabilityPreset{
		Shared: &config.CapabilityBlock{
			Plugins: map[string]string{"good": "/ok", "bad": "/missing"},
		},
	}

	opts := r.Resolve(preset, PhaseImplement, nil)
	assert.Equal(t, map[string]string{"good": "/ok"}, opts.Plugins)
}

func TestResolveDeterministic(t *testing.T) {
	r := newTestResolver(t)
	preset := &config.CapabilityPreset{
		Shared: &config.CapabilityBlock{
			AllowedTools: []string{"Read", "Grep"},
			Plugins:      map[string]string{"lint": "/p"},
		},
		Phases: map[string]*config.CapabilityBlock{
			"testing": {AllowedTools: []string{"Bash(go test:*)"}},
		},
	}
	overrides := []config.CapabilityOverride{{Phase: "both", Disable: "WebFetch"}}

	first := r.Resolve(preset, PhaseTesting, overrides)
	second := r.Resolve(preset, PhaseTesting, overrides)
	require.Equal(t, first, second)
}

func TestPhaseValid(t *testing.T) {
	assert.True(t, PhaseImplement.Valid())
	assert.False(t, Phase("polish").Valid())
}
