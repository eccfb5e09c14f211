// Package capability merges shared, per-phase and override capability
// configuration into the options handed to an agent invocation.
//
// Resolution is deterministic and side-effect-free apart from plugin path
// validation, which skips missing plugins with a warning instead of failing.
package capability

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/logging"
)

// Phase identifies an orchestration phase for capability purposes.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseImplement Phase = "implement"
	PhaseTesting   Phase = "testing"
	PhaseReview    Phase = "review"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhaseImplement, PhaseTesting, PhaseReview:
		return true
	}
	return false
}

// Default tool sets per phase. Planning and review are read-only; implement
// and testing may mutate the worktree.
var (
	readOnlyTools  = []string{"Read", "Grep", "Glob", "WebFetch"}
	readWriteTools = []string{"Read", "Grep", "Glob", "WebFetch", "Write", "Edit", "Bash"}
)

// DefaultTools returns the built-in tool list for a phase.
func DefaultTools(phase Phase) []string {
	switch phase {
	case PhaseImplement, PhaseTesting:
		return append([]string(nil), readWriteTools...)
	default:
		return append([]string(nil), readOnlyTools...)
	}
}

// ResolvedOptions is the final capability surface for one agent invocation.
type ResolvedOptions struct {
	Tools           []string
	AllowedTools    []string
	DisallowedTools []string
	Plugins         map[string]string
	Agents          map[string]string
	MCPServers      map[string]string
	Model           string
	SystemPrompt    string
}

// Resolver merges capability configuration. The stat hook exists so tests
// can control plugin path validation.
type Resolver struct {
	logger *logging.Logger
	stat   func(string) error
}

// NewResolver creates a Resolver that validates plugin paths on disk.
func NewResolver(logger *logging.Logger) *Resolver {
	return &Resolver{
		logger: logger.Named("capability"),
		stat: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

// Resolve computes the options for one phase.
//
// Merge order: phase block over shared block over phase defaults. A phase
// block's Tools fully replaces the default list; AllowedTools and
// DisallowedTools are the deduplicated union of shared and phase; map fields
// merge with phase entries winning on key collision; singular fields take the
// phase value when set, else the shared value. Session overrides apply last
// and can only restrict.
func (r *Resolver) Resolve(preset *config.CapabilityPreset, phase Phase, overrides []config.CapabilityOverride) ResolvedOptions {
	var shared, block *config.CapabilityBlock
	if preset != nil {
		shared = preset.Shared
		block = preset.Phases[string(phase)]
	}

	opts := ResolvedOptions{
		Tools:      DefaultTools(phase),
		Plugins:    map[string]string{},
		Agents:     map[string]string{},
		MCPServers: map[string]string{},
	}

	if block != nil && len(block.Tools) > 0 {
		opts.Tools = dedupe(block.Tools)
	} else if shared != nil && len(shared.Tools) > 0 {
		opts.Tools = dedupe(shared.Tools)
	}

	opts.AllowedTools = dedupe(concat(listOf(shared, allowed), listOf(block, allowed)))
	opts.DisallowedTools = dedupe(concat(listOf(shared, disallowed), listOf(block, disallowed)))

	mergeMap(opts.Plugins, mapOf(shared, plugins), mapOf(block, plugins))
	mergeMap(opts.Agents, mapOf(shared, agents), mapOf(block, agents))
	mergeMap(opts.MCPServers, mapOf(shared, servers), mapOf(block, servers))

	opts.Model = pick(fieldOf(block, model), fieldOf(shared, model))
	opts.SystemPrompt = pick(fieldOf(block, systemPrompt), fieldOf(shared, systemPrompt))

	if preset != nil {
		r.applyOverrides(&opts, preset.Overrides, phase)
	}
	r.applyOverrides(&opts, overrides, phase)
	r.validatePlugins(&opts)

	return opts
}

// applyOverrides restricts opts per the overrides scoped to this phase.
// An override can extend the deny-list or remove a previously enabled
// plugin, agent or server; it can never enable anything.
func (r *Resolver) applyOverrides(opts *ResolvedOptions, overrides []config.CapabilityOverride, phase Phase) {
	for _, o := range overrides {
		if o.Disable == "" || !overrideMatches(o.Phase, phase) {
			continue
		}
		switch o.Kind {
		case "", "tool":
			opts.DisallowedTools = dedupe(append(opts.DisallowedTools, o.Disable))
		case "plugin":
			delete(opts.Plugins, o.Disable)
		case "agent":
			delete(opts.Agents, o.Disable)
		case "mcp_server":
			delete(opts.MCPServers, o.Disable)
		default:
			r.logger.Warn(context.Background(), "ignoring override with unknown kind",
				zap.String("kind", o.Kind), zap.String("disable", o.Disable))
		}
	}
}

// overrideMatches reports whether an override's phase tag applies to phase.
// "both" covers implement and testing; "polish" is the testing loop's
// historical tag and maps onto testing.
func overrideMatches(tag string, phase Phase) bool {
	switch tag {
	case "", "both":
		return phase == PhaseImplement || phase == PhaseTesting
	case "polish":
		return phase == PhaseTesting
	default:
		return tag == string(phase)
	}
}

// validatePlugins drops plugins whose path does not resolve. This is the
// only fallible step; failures skip the plugin and warn.
func (r *Resolver) validatePlugins(opts *ResolvedOptions) {
	for name, path := range opts.Plugins {
		if err := r.stat(path); err != nil {
			r.logger.Warn(context.Background(), "skipping plugin with unresolvable path",
				zap.String("plugin", name), zap.String("path", path), zap.Error(err))
			delete(opts.Plugins, name)
		}
	}
}

// Field selectors keep the merge code table-driven without reflection.
type listField int

const (
	allowed listField = iota
	disallowed
)

type mapField int

const (
	plugins mapField = iota
	agents
	servers
)

type strField int

const (
	model strField = iota
	systemPrompt
)

func listOf(b *config.CapabilityBlock, f listField) []string {
	if b == nil {
		return nil
	}
	switch f {
	case allowed:
		return b.AllowedTools
	case disallowed:
		return b.DisallowedTools
	}
	panic(fmt.Sprintf("unknown list field %d", f))
}

func mapOf(b *config.CapabilityBlock, f mapField) map[string]string {
	if b == nil {
		return nil
	}
	switch f {
	case plugins:
		return b.Plugins
	case agents:
		return b.Agents
	case servers:
		return b.MCPServers
	}
	panic(fmt.Sprintf("unknown map field %d", f))
}

func fieldOf(b *config.CapabilityBlock, f strField) string {
	if b == nil {
		return ""
	}
	switch f {
	case model:
		return b.Model
	case systemPrompt:
		return b.SystemPrompt
	}
	panic(fmt.Sprintf("unknown field %d", f))
}

func pick(first, second string) string {
	if first != "" {
		return first
	}
	return second
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// mergeMap copies shared then phase entries into dst; phase wins on key
// collision.
func mergeMap(dst map[string]string, shared, phase map[string]string) {
	for k, v := range shared {
		dst[k] = v
	}
	for k, v := range phase {
		dst[k] = v
	}
}
