// Package planner produces an implementation plan for a mission through a
// read-only exploratory agent dialogue.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/refinery/internal/agent"
	"github.com/fyrsmithlabs/refinery/internal/capability"
	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/logging"
)

// Plan is the bullet-list planning schema.
type Plan struct {
	Summary       string   `json:"summary"`
	Approach      []string `json:"approach"`
	FilesToModify []string `json:"files_to_modify"`
	FilesToCreate []string `json:"files_to_create"`
	Risks         []string `json:"risks"`
}

// InvokeFunc runs one agent invocation. Matches agent.Runner.Invoke.
type InvokeFunc func(ctx context.Context, req agent.Request, emit agent.EmitFunc) (agent.InvokeResult, error)

// Planner generates and refines plans.
type Planner struct {
	invoke    InvokeFunc
	resolver  *capability.Resolver
	preset    *config.CapabilityPreset
	overrides []config.CapabilityOverride
	maxTurns  int
	logger    *logging.Logger

	// agentSession carries the underlying conversation across Refine calls.
	agentSession string
}

// New creates a Planner. overrides are the session-level capability
// restrictions; planning-scoped entries apply to every invocation.
func New(invoke InvokeFunc, resolver *capability.Resolver, preset *config.CapabilityPreset, overrides []config.CapabilityOverride, maxTurns int, logger *logging.Logger) *Planner {
	return &Planner{
		invoke:    invoke,
		resolver:  resolver,
		preset:    preset,
		overrides: overrides,
		maxTurns:  maxTurns,
		logger:    logger.Named("planner"),
	}
}

const planPrompt = `You are planning an implementation, not implementing it.
Explore the repository read-only and produce a plan for this mission:

%s

Respond with a single fenced json block:
` + "```json" + `
{"summary": "...", "approach": ["..."], "files_to_modify": ["..."], "files_to_create": ["..."], "risks": ["..."]}
` + "```"

// Generate explores the repository and returns a plan for the mission.
// Streamed tool activity surfaces through emit.
func (p *Planner) Generate(ctx context.Context, mission, dir string, emit agent.EmitFunc) (*Plan, error) {
	opts := p.resolver.Resolve(p.preset, capability.PhasePlanning, p.overrides)
	res, err := p.invoke(ctx, agent.Request{
		Prompt:   fmt.Sprintf(planPrompt, mission),
		Dir:      dir,
		Options:  opts,
		MaxTurns: p.maxTurns,
	}, emit)
	if err != nil {
		return nil, fmt.Errorf("generating plan: %w", err)
	}
	p.agentSession = res.SessionID
	return parsePlan(res.Text), nil
}

// Refine re-enters the planning conversation with user feedback and returns
// the revised plan.
func (p *Planner) Refine(ctx context.Context, plan *Plan, feedback, dir string, emit agent.EmitFunc) (*Plan, error) {
	opts := p.resolver.Resolve(p.preset, capability.PhasePlanning, p.overrides)
	prompt := fmt.Sprintf("Revise the plan based on this feedback:\n\n%s\n\nRespond with the full revised plan in the same fenced json format.", feedback)

	res, err := p.invoke(ctx, agent.Request{
		Prompt:    prompt,
		Dir:       dir,
		Options:   opts,
		MaxTurns:  p.maxTurns,
		SessionID: p.agentSession,
		Resume:    p.agentSession != "",
	}, emit)
	if err != nil {
		return nil, fmt.Errorf("refining plan: %w", err)
	}
	p.agentSession = res.SessionID
	return parsePlan(res.Text), nil
}

// parsePlan extracts the fenced json block from agent output. A missing or
// malformed block degrades to a plan whose summary is the raw text, so a
// chatty agent never crashes planning.
func parsePlan(text string) *Plan {
	if block, ok := fencedBlock(text, "json"); ok {
		var plan Plan
		if err := json.Unmarshal([]byte(block), &plan); err == nil && plan.Summary != "" {
			return &plan
		}
	}
	summary := strings.TrimSpace(text)
	return &Plan{
		Summary:  summary,
		Approach: []string{summary},
	}
}

// fencedBlock returns the contents of the first ```lang fenced block.
func fencedBlock(text, lang string) (string, bool) {
	marker := "```" + lang
	start := strings.Index(text, marker)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(marker):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// Render formats a plan for console display and agent context.
func (p *Plan) Render() string {
	var b strings.Builder
	b.WriteString("Plan: " + p.Summary + "\n")
	writeSection(&b, "Approach", p.Approach)
	writeSection(&b, "Files to modify", p.FilesToModify)
	writeSection(&b, "Files to create", p.FilesToCreate)
	writeSection(&b, "Risks", p.Risks)
	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(title + ":\n")
	for _, item := range items {
		b.WriteString("  - " + item + "\n")
	}
}
