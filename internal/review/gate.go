// Package review runs the multi-reviewer gate over a session's cumulative
// changes and aggregates the verdicts.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/refinery/internal/agent"
	"github.com/fyrsmithlabs/refinery/internal/capability"
	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/session"
)

// Verdict is one reviewer's (or the gate's aggregate) judgement.
type Verdict string

const (
	VerdictApproved     Verdict = "approved"
	VerdictRejected     Verdict = "rejected"
	VerdictNeedsChanges Verdict = "needs_changes"
)

// RedirectTarget names the phase needs_changes work is sent back to.
type RedirectTarget string

const (
	RedirectImplement RedirectTarget = "implement"
	RedirectTesting   RedirectTarget = "testing"
)

// Threshold configures how many approvals approve the gate. Rejection is
// always absolute: any rejected reviewer rejects the session.
type Threshold string

const (
	ThresholdAll      Threshold = "all"
	ThresholdAny      Threshold = "any"
	ThresholdMajority Threshold = "majority"
)

// Role is one reviewer persona.
type Role struct {
	Name   string
	Prompt string
}

// DefaultRoles are the four standard reviewer personas, in the stable order
// used for dispatch and feedback assembly.
func DefaultRoles() []Role {
	return []Role{
		{
			Name:   "architecture",
			Prompt: "Review the change for architectural soundness: module boundaries, coupling, and whether the approach fits the existing design.",
		},
		{
			Name:   "quality",
			Prompt: "Review the change for code quality: naming, clarity, error handling, and avoidable complexity.",
		},
		{
			Name:   "tests",
			Prompt: "Review the change for test coverage: are the new behaviors tested, are edge cases covered, do the tests assert anything meaningful.",
		},
		{
			Name:   "requirements",
			Prompt: "Review the change against the stated mission: is the requested work actually done, fully and without unrequested scope.",
		},
	}
}

// Result is one reviewer's parsed response.
type Result struct {
	Role     string
	Verdict  Verdict
	Feedback string
	Concerns []string
	Redirect RedirectTarget
}

// Outcome is the gate's aggregate.
type Outcome struct {
	Verdict  Verdict
	Redirect RedirectTarget
	Feedback string
	Results  []Result
}

// Context is everything a reviewer sees.
type Context struct {
	Mission      string
	ChangedFiles []string
	Diff         string
	Dir          string
	Iteration    int
}

// InvokeFunc runs one agent invocation. Matches agent.Runner.Invoke.
type InvokeFunc func(ctx context.Context, req agent.Request, emit agent.EmitFunc) (agent.InvokeResult, error)

// EmitFunc receives gate lifecycle events.
type EmitFunc func(session.Event)

// Gate dispatches reviewers concurrently and aggregates their verdicts.
type Gate struct {
	invoke    InvokeFunc
	resolver  *capability.Resolver
	preset    *config.CapabilityPreset
	overrides []config.CapabilityOverride
	roles     []Role
	threshold Threshold
	maxTurns  int
	logger    *logging.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithRoles replaces the default reviewer roles.
func WithRoles(roles []Role) Option {
	return func(g *Gate) { g.roles = roles }
}

// WithThreshold sets the approval threshold.
func WithThreshold(t Threshold) Option {
	return func(g *Gate) { g.threshold = t }
}

// NewGate creates a Gate with the default four roles and all-approve
// threshold. overrides are the session-level capability restrictions;
// review-scoped entries apply to every reviewer.
func NewGate(invoke InvokeFunc, resolver *capability.Resolver, preset *config.CapabilityPreset, overrides []config.CapabilityOverride, maxTurns int, logger *logging.Logger, opts ...Option) *Gate {
	g := &Gate{
		invoke:    invoke,
		resolver:  resolver,
		preset:    preset,
		overrides: overrides,
		roles:     DefaultRoles(),
		threshold: ThresholdAll,
		maxTurns:  maxTurns,
		logger:    logger.Named("review"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run dispatches every reviewer concurrently against the read-only worktree
// and waits for all of them before aggregating. A reviewer error synthesizes
// a rejected result; no reviewer is ever left pending.
func (g *Gate) Run(ctx context.Context, rc Context, emit EmitFunc) (Outcome, error) {
	names := make([]string, len(g.roles))
	for i, role := range g.roles {
		names[i] = role.Name
	}
	emit(session.ReviewStartEvent{Iteration: rc.Iteration, Reviewers: names})

	opts := g.resolver.Resolve(g.preset, capability.PhaseReview, g.overrides)
	results := make([]Result, len(g.roles))

	// No shared cancel: one failed reviewer must not stop the others, and
	// aggregation waits for the full barrier.
	var eg errgroup.Group
	for i, role := range g.roles {
		i, role := i, role
		eg.Go(func() error {
			results[i] = g.runReviewer(ctx, role, rc, opts)
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range results {
		emit(session.ReviewResultEvent{
			Iteration: rc.Iteration,
			Reviewer:  r.Role,
			Verdict:   string(r.Verdict),
			Feedback:  r.Feedback,
			Concerns:  r.Concerns,
		})
	}

	outcome := Aggregate(results, g.threshold)
	if outcome.Verdict == VerdictNeedsChanges {
		emit(session.ReviewRedirectEvent{
			Iteration: rc.Iteration,
			Target:    string(outcome.Redirect),
			Feedback:  outcome.Feedback,
		})
	}
	emit(session.ReviewCompleteEvent{Iteration: rc.Iteration, Verdict: string(outcome.Verdict)})
	return outcome, nil
}

func (g *Gate) runReviewer(ctx context.Context, role Role, rc Context, opts capability.ResolvedOptions) Result {
	res, err := g.invoke(ctx, agent.Request{
		Prompt:   reviewPrompt(role, rc),
		Dir:      rc.Dir,
		Options:  opts,
		MaxTurns: g.maxTurns,
	}, nil)
	if err != nil {
		g.logger.Warn(ctx, "reviewer failed, synthesizing rejection",
			zap.String("reviewer", role.Name), zap.Error(err))
		return Result{
			Role:     role.Name,
			Verdict:  VerdictRejected,
			Feedback: fmt.Sprintf("reviewer error: %v", err),
		}
	}
	parsed := parseResult(res.Text)
	parsed.Role = role.Name
	return parsed
}

const verdictFormat = "```json" + `
{"verdict": "approved|rejected|needs_changes", "feedback": "...", "concerns": ["..."], "redirect": "implement|testing"}
` + "```"

func reviewPrompt(role Role, rc Context) string {
	var b strings.Builder
	b.WriteString(role.Prompt)
	b.WriteString("\n\nMission:\n")
	b.WriteString(rc.Mission)
	if len(rc.ChangedFiles) > 0 {
		b.WriteString("\n\nChanged files:\n")
		for _, f := range rc.ChangedFiles {
			b.WriteString("  - " + f + "\n")
		}
	}
	if rc.Diff != "" {
		b.WriteString("\nDiff:\n")
		b.WriteString(rc.Diff)
	}
	b.WriteString("\n\nRespond with a single fenced json block:\n")
	b.WriteString(verdictFormat)
	return b.String()
}

// wireResult is the fenced-block schema reviewers respond with.
type wireResult struct {
	Verdict  string   `json:"verdict"`
	Feedback string   `json:"feedback"`
	Concerns []string `json:"concerns"`
	Redirect string   `json:"redirect"`
}

// parseResult extracts a verdict from free-form reviewer output. A missing
// or malformed fenced block falls back to keyword inference, defaulting to
// needs_changes, so an off-script reviewer never crashes the gate.
func parseResult(text string) Result {
	if block, ok := fencedBlock(text, "json"); ok {
		var wire wireResult
		if err := json.Unmarshal([]byte(block), &wire); err == nil {
			if v, ok := parseVerdict(wire.Verdict); ok {
				return Result{
					Verdict:  v,
					Feedback: wire.Feedback,
					Concerns: wire.Concerns,
					Redirect: parseRedirect(wire.Redirect),
				}
			}
		}
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, string(VerdictRejected)):
		return Result{Verdict: VerdictRejected, Feedback: strings.TrimSpace(text)}
	case strings.Contains(lower, string(VerdictApproved)):
		return Result{Verdict: VerdictApproved}
	default:
		return Result{Verdict: VerdictNeedsChanges, Feedback: strings.TrimSpace(text)}
	}
}

func parseVerdict(s string) (Verdict, bool) {
	switch Verdict(strings.ToLower(strings.TrimSpace(s))) {
	case VerdictApproved:
		return VerdictApproved, true
	case VerdictRejected:
		return VerdictRejected, true
	case VerdictNeedsChanges:
		return VerdictNeedsChanges, true
	}
	return "", false
}

func parseRedirect(s string) RedirectTarget {
	if RedirectTarget(strings.ToLower(strings.TrimSpace(s))) == RedirectImplement {
		return RedirectImplement
	}
	return RedirectTesting
}

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

// Aggregate folds reviewer results into the gate verdict.
//
// Any rejection rejects outright. Approval requires the configured threshold
// of approvals with no non-approving reviewer outstanding under "all", or
// the plain count thresholds under "any"/"majority". Everything else is
// needs_changes, redirected to implement if any needs_changes reviewer asked
// for it, else testing.
func Aggregate(results []Result, threshold Threshold) Outcome {
	outcome := Outcome{Results: results}

	approvals := 0
	redirect := RedirectTesting
	for _, r := range results {
		switch r.Verdict {
		case VerdictRejected:
			outcome.Verdict = VerdictRejected
			outcome.Feedback = combineFeedback(results)
			return outcome
		case VerdictApproved:
			approvals++
		case VerdictNeedsChanges:
			if r.Redirect == RedirectImplement {
				redirect = RedirectImplement
			}
		}
	}

	if approved(approvals, len(results), threshold) {
		outcome.Verdict = VerdictApproved
		return outcome
	}

	outcome.Verdict = VerdictNeedsChanges
	outcome.Redirect = redirect
	outcome.Feedback = combineFeedback(results)
	return outcome
}

func approved(approvals, total int, threshold Threshold) bool {
	if total == 0 {
		return true
	}
	switch threshold {
	case ThresholdAny:
		return approvals > 0
	case ThresholdMajority:
		return approvals*2 > total
	default:
		return approvals == total
	}
}

// combineFeedback concatenates every non-approving reviewer's feedback and
// concerns, labeled by role. Results arrive in dispatch order, which is the
// configured role order, so the output is deterministic.
func combineFeedback(results []Result) string {
	var b strings.Builder
	for _, r := range results {
		if r.Verdict == VerdictApproved {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", r.Role, strings.TrimSpace(r.Feedback))
		for _, c := range r.Concerns {
			fmt.Fprintf(&b, "[%s] concern: %s\n", r.Role, c)
		}
	}
	return strings.TrimSpace(b.String())
}
