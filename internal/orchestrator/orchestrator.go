// Package orchestrator drives a session through its phases: optional
// planning and implementation, the scoring-driven testing loop, and the
// review gate. All dependencies are injected; the orchestrator owns no
// global state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/agent"
	"github.com/fyrsmithlabs/refinery/internal/capability"
	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/executor"
	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/planner"
	"github.com/fyrsmithlabs/refinery/internal/review"
	"github.com/fyrsmithlabs/refinery/internal/scoring"
	"github.com/fyrsmithlabs/refinery/internal/session"
	"github.com/fyrsmithlabs/refinery/internal/worktree"
)

// Worktrees is the isolation surface the orchestrator needs.
type Worktrees interface {
	Preflight(projectPath string) error
	Create(ctx context.Context, projectPath, baseBranch string) (*worktree.Config, error)
	CreateFromBranch(ctx context.Context, projectPath, branch string) (*worktree.Config, error)
	Cleanup(ctx context.Context, cfg *worktree.Config, keepBranch bool) error
	Head(ctx context.Context, cfg *worktree.Config) (string, error)
	HasChanges(ctx context.Context, cfg *worktree.Config) (bool, error)
	Commit(ctx context.Context, cfg *worktree.Config, message string) (string, error)
	Rollback(ctx context.Context, cfg *worktree.Config) error
	Diff(ctx context.Context, cfg *worktree.Config, base string) (string, error)
	CommittedFiles(ctx context.Context, cfg *worktree.Config, base string) ([]string, error)
}

// Scorer measures one working directory.
type Scorer interface {
	Score(ctx context.Context) (float64, []scoring.Result, error)
}

// PlanService generates and refines plans.
type PlanService interface {
	Generate(ctx context.Context, mission, dir string, emit agent.EmitFunc) (*planner.Plan, error)
	Refine(ctx context.Context, plan *planner.Plan, feedback, dir string, emit agent.EmitFunc) (*planner.Plan, error)
}

// GateService runs the review gate.
type GateService interface {
	Run(ctx context.Context, rc review.Context, emit review.EmitFunc) (review.Outcome, error)
}

// CommandRunner runs shell commands (test command execution).
type CommandRunner interface {
	Run(ctx context.Context, cmd executor.Command) (executor.Result, error)
}

// InvokeFunc runs one logical agent invocation.
type InvokeFunc func(ctx context.Context, req agent.Request, emit agent.EmitFunc) (agent.InvokeResult, error)

// ApproveFunc decides whether a plan may proceed. Returning false with
// feedback asks for a refinement; false without feedback cancels.
type ApproveFunc func(ctx context.Context, plan *planner.Plan) (approved bool, feedback string, err error)

// Deps are the orchestrator's injected collaborators. NewScorer, NewPlanner
// and NewGate are factories because scorers bind to a working directory and
// planner/gate bind to a preset's capability blocks.
type Deps struct {
	Store      session.Store
	Broker     *session.Broker
	Worktrees  Worktrees
	Resolver   *capability.Resolver
	Invoke     InvokeFunc
	Runner     CommandRunner
	NewScorer  func(metrics []scoring.Metric, dir string) Scorer
	NewPlanner func(preset *config.CapabilityPreset, overrides []config.CapabilityOverride) PlanService
	NewGate    func(preset *config.CapabilityPreset, overrides []config.CapabilityOverride) GateService
	Logger     *logging.Logger
	Metrics    *Metrics
}

// RunConfig is one session's parameters.
type RunConfig struct {
	// SessionID pre-assigns the session id; empty means generate one.
	SessionID   string
	ProjectPath string
	Mission     string
	Preset      config.Preset
	Session     config.SessionConfig
	Overrides   []config.CapabilityOverride
	Approve     ApproveFunc
}

// Orchestrator runs sessions.
type Orchestrator struct {
	deps Deps
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	deps.Logger = deps.Logger.Named("orchestrator")
	return &Orchestrator{deps: deps}
}

// run is the mutable state of one session in flight.
type run struct {
	cfg       RunConfig
	sess      *session.Session
	wt        *worktree.Config
	workDir   string
	baseRef   string
	plan      *planner.Plan
	feedback  string
	score     float64
	results   []scoring.Result
	commits   []session.CommitRecord
	failed    []scoring.FailedAttempt
	iteration int
	started   time.Time
	logger    *logging.Logger

	// resumeBranch carries a kept session branch across retry attempts.
	resumeBranch string
	baselined    bool
}

// Run executes one session end to end and returns its terminal state. The
// returned error is non-nil only for structural failures; exhaustion and
// rejection are normal terminal outcomes.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (*session.Session, error) {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	ctx = logging.WithSessionID(ctx, id)
	r := &run{
		cfg:     cfg,
		started: time.Now(),
		workDir: cfg.ProjectPath,
		logger:  o.deps.Logger,
		sess: &session.Session{
			ID:          id,
			Mission:     cfg.Mission,
			ProjectPath: cfg.ProjectPath,
			Status:      session.StatusPending,
		},
	}

	if err := o.deps.Store.CreateSession(ctx, r.sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	o.deps.Metrics.SessionsStarted.Inc()

	reason, err := o.execute(ctx, r)
	for attempt := 1; err != nil && attempt <= cfg.Session.RetryCount; attempt++ {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			break
		}
		r.logger.Warn(ctx, "session attempt failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		o.emit(ctx, r, session.ErrorEvent{
			Message: fmt.Sprintf("attempt %d failed, retrying: %v", attempt, err),
		})
		o.prepareRetry(ctx, r)
		reason, err = o.execute(ctx, r)
	}
	if err != nil {
		o.emit(ctx, r, session.ErrorEvent{Message: err.Error()})
		reason = StopError
		if errors.Is(err, context.Canceled) {
			reason = StopCancelled
		}
	}
	o.finish(ctx, r, reason)
	return r.sess, err
}

// prepareRetry tears down the failed attempt's worktree, keeping the branch
// when commits landed so the next attempt resumes it, and injects the
// configured retry feedback into the agent context.
func (o *Orchestrator) prepareRetry(ctx context.Context, r *run) {
	if r.wt != nil {
		keep := len(r.commits) > 0
		if err := o.deps.Worktrees.Cleanup(ctx, r.wt, keep); err != nil {
			r.logger.Warn(ctx, "retry worktree cleanup failed", zap.Error(err))
		}
		if keep {
			r.resumeBranch = r.wt.Branch
		}
		r.wt = nil
		r.workDir = r.cfg.ProjectPath
	}
	if fb := r.cfg.Session.RetryFeedback; fb != "" {
		r.feedback = fb
	}
}

// execute walks the phases. Structural failures return an error; everything
// else resolves into a stop reason.
func (o *Orchestrator) execute(ctx context.Context, r *run) (StopReason, error) {
	if err := r.cfg.Preset.RequireMetrics(); err != nil {
		return StopError, err
	}
	if err := o.deps.Worktrees.Preflight(r.cfg.ProjectPath); err != nil {
		return StopError, err
	}

	if r.cfg.Session.Isolation {
		var wt *worktree.Config
		var err error
		if r.resumeBranch != "" {
			wt, err = o.deps.Worktrees.CreateFromBranch(ctx, r.cfg.ProjectPath, r.resumeBranch)
		} else {
			wt, err = o.deps.Worktrees.Create(ctx, r.cfg.ProjectPath, "")
		}
		if err != nil {
			return StopError, fmt.Errorf("creating worktree: %w", err)
		}
		r.wt = wt
		r.workDir = wt.Path
		r.sess.Branch = wt.Branch
		o.updateSession(ctx, r)
		o.emit(ctx, r, session.WorktreeCreatedEvent{Path: wt.Path, Branch: wt.Branch})

		if base, err := o.deps.Worktrees.Head(ctx, wt); err == nil {
			r.baseRef = base
		} else {
			r.logger.Warn(ctx, "could not capture base ref", zap.Error(err))
		}
	}

	if err := o.baseline(ctx, r); err != nil {
		return StopError, err
	}

	if r.cfg.Mission != "" && r.cfg.Session.PlanningEnabled {
		if reason, done, err := o.planning(ctx, r); done || err != nil {
			return reason, err
		}
	}
	if r.cfg.Mission != "" {
		if err := o.implement(ctx, r); err != nil {
			return StopError, err
		}
	}

	reason := o.testingLoop(ctx, r)
	if reason.Fatal() || r.cfg.Mission == "" {
		return reason, nil
	}
	return o.reviewLoop(ctx, r, reason)
}

// baseline establishes the initial composite score.
func (o *Orchestrator) baseline(ctx context.Context, r *run) error {
	scorer := o.deps.NewScorer(metricsFromPreset(r.cfg.Preset), r.workDir)
	score, results, err := scorer.Score(ctx)
	if err != nil {
		return fmt.Errorf("establishing baseline: %w", err)
	}
	r.score = score
	r.results = results
	if !r.baselined {
		r.sess.InitialScore = score
		r.baselined = true
	}
	o.updateSession(ctx, r)
	o.emit(ctx, r, session.InitEvent{Score: score, Metrics: toMetricScores(results)})
	r.logger.Info(ctx, "baseline established", zap.Float64("score", score))
	return nil
}

// planning generates a plan and, when an approval hook is configured, holds
// the session until the plan is approved, refined, or abandoned.
func (o *Orchestrator) planning(ctx context.Context, r *run) (StopReason, bool, error) {
	o.transition(ctx, r, PhasePlanning, 0)
	p := o.deps.NewPlanner(r.cfg.Preset.Capabilities, r.cfg.Overrides)

	plan, err := p.Generate(ctx, r.cfg.Mission, r.workDir, o.toolEmitter(ctx, r))
	if err != nil {
		return StopError, true, fmt.Errorf("planning: %w", err)
	}
	o.emit(ctx, r, planEvent(plan))

	for r.cfg.Approve != nil {
		r.sess.Status = session.StatusAwaitingApproval
		o.updateSession(ctx, r)

		approved, feedback, err := r.cfg.Approve(ctx, plan)
		if err != nil {
			return StopError, true, fmt.Errorf("plan approval: %w", err)
		}
		if approved {
			break
		}
		if feedback == "" {
			return StopCancelled, true, nil
		}
		plan, err = p.Refine(ctx, plan, feedback, r.workDir, o.toolEmitter(ctx, r))
		if err != nil {
			return StopError, true, fmt.Errorf("refining plan: %w", err)
		}
		o.emit(ctx, r, planEvent(plan))
	}

	r.plan = plan
	return "", false, nil
}

// implement runs the mission's main implementation pass. An agent failure
// here is unrecoverable; there is nothing to roll back to mid-mission.
func (o *Orchestrator) implement(ctx context.Context, r *run) error {
	o.transition(ctx, r, PhaseImplement, 0)

	opts := o.deps.Resolver.Resolve(r.cfg.Preset.Capabilities, capability.PhaseImplement, r.cfg.Overrides)
	_, err := o.deps.Invoke(ctx, agent.Request{
		Prompt:   o.implementPrompt(r),
		Dir:      r.workDir,
		Options:  opts,
		MaxTurns: r.cfg.Session.AgentMaxTurns,
	}, o.toolEmitter(ctx, r))
	if err != nil {
		return fmt.Errorf("implementation failed: %w", err)
	}
	return nil
}

func (o *Orchestrator) implementPrompt(r *run) string {
	var b strings.Builder
	b.WriteString("Implement the following mission in this repository:\n\n")
	b.WriteString(r.cfg.Mission)
	if r.plan != nil {
		b.WriteString("\n\nFollow this plan:\n")
		b.WriteString(r.plan.Render())
	}
	if r.feedback != "" {
		b.WriteString("\n\nReviewer feedback from the previous pass, address all of it:\n")
		b.WriteString(r.feedback)
	}
	return b.String()
}

// reviewLoop runs the gate and handles needs_changes redirects, re-entering
// implement or testing with the combined feedback up to the configured
// review iteration budget.
func (o *Orchestrator) reviewLoop(ctx context.Context, r *run, loopReason StopReason) (StopReason, error) {
	maxReviews := r.cfg.Session.MaxReviewIterations
	if maxReviews <= 0 {
		maxReviews = 1
	}
	gate := o.deps.NewGate(r.cfg.Preset.Capabilities, r.cfg.Overrides)

	for attempt := 1; attempt <= maxReviews; attempt++ {
		if ctx.Err() != nil {
			return StopCancelled, nil
		}
		o.transition(ctx, r, PhaseReview, attempt)

		rc := review.Context{
			Mission:   r.cfg.Mission,
			Dir:       r.workDir,
			Iteration: attempt,
		}
		if r.wt != nil {
			if files, err := o.deps.Worktrees.CommittedFiles(ctx, r.wt, r.baseRef); err == nil {
				rc.ChangedFiles = files
			}
			if diff, err := o.deps.Worktrees.Diff(ctx, r.wt, r.baseRef); err == nil {
				rc.Diff = diff
			}
		}

		outcome, err := gate.Run(ctx, rc, func(ev session.Event) { o.emit(ctx, r, ev) })
		if err != nil {
			return StopError, fmt.Errorf("review gate: %w", err)
		}

		switch outcome.Verdict {
		case review.VerdictApproved:
			return StopReviewApproved, nil
		case review.VerdictRejected:
			return StopReviewRejected, nil
		case review.VerdictNeedsChanges:
			if attempt == maxReviews {
				return StopMaxReviewIterations, nil
			}
			r.feedback = outcome.Feedback
			switch outcome.Redirect {
			case review.RedirectImplement:
				if err := o.implement(ctx, r); err != nil {
					return StopError, err
				}
				if reason := o.testingLoop(ctx, r); reason.Fatal() {
					return reason, nil
				}
			case review.RedirectTesting:
				if reason := o.testingLoop(ctx, r); reason.Fatal() {
					return reason, nil
				}
			}
		}
	}
	return loopReason, nil
}

// finish records the terminal state, emits the result event and tears down
// isolation. Cleanup failures are swallowed.
func (o *Orchestrator) finish(ctx context.Context, r *run, reason StopReason) {
	duration := time.Since(r.started)
	success := !reason.Fatal() && r.score >= r.sess.InitialScore

	o.emit(ctx, r, session.ResultEvent{
		Success:       success,
		InitialScore:  r.sess.InitialScore,
		FinalScore:    r.score,
		Commits:       r.commits,
		Iterations:    r.iteration,
		Duration:      duration,
		StoppedReason: string(reason),
	})

	if r.wt != nil {
		keep := len(r.commits) > 0
		if err := o.deps.Worktrees.Cleanup(ctx, r.wt, keep); err != nil {
			r.logger.Warn(ctx, "worktree cleanup failed", zap.Error(err))
		}
		o.emit(ctx, r, session.WorktreeCleanupEvent{Path: r.wt.Path, Branch: r.wt.Branch, Kept: keep})
	}

	r.sess.Status = reason.Status()
	r.sess.FinalScore = r.score
	r.sess.CommitCount = len(r.commits)
	r.sess.StoppedFor = string(reason)
	o.updateSession(ctx, r)

	o.deps.Metrics.SessionsFinished.WithLabelValues(string(reason)).Inc()
	o.deps.Metrics.Iterations.Observe(float64(r.iteration))
	r.logger.Info(ctx, "session finished",
		zap.String("stop_reason", string(reason)),
		zap.Bool("success", success),
		zap.Float64("initial_score", r.sess.InitialScore),
		zap.Float64("final_score", r.score),
		zap.Int("commits", len(r.commits)),
		zap.Duration("duration", duration))
}

// transition emits the phase event and persists the new status. Every phase
// entry is observable; no phase proceeds silently.
func (o *Orchestrator) transition(ctx context.Context, r *run, phase Phase, iteration int) {
	r.sess.Status = phase.Status()
	o.updateSession(ctx, r)
	o.emit(ctx, r, session.PhaseEvent{
		Phase:     string(phase),
		Mission:   r.cfg.Mission,
		Iteration: iteration,
	})
	r.logger.Info(logging.WithPhase(ctx, string(phase)), "entering phase",
		zap.String("phase", string(phase)), zap.Int("iteration", iteration))
}

// emit persists the event and fans it out to live subscribers. Persistence
// failures are logged, not fatal; the stream is best-effort for observers
// but the session itself carries the authoritative outcome.
func (o *Orchestrator) emit(ctx context.Context, r *run, ev session.Event) {
	seq, err := o.deps.Store.AppendEvent(ctx, r.sess.ID, ev)
	if err != nil {
		r.logger.Warn(ctx, "failed to persist event",
			zap.String("kind", string(ev.Kind())), zap.Error(err))
	}
	o.deps.Broker.Publish(r.sess.ID, seq, ev)
}

func (o *Orchestrator) updateSession(ctx context.Context, r *run) {
	if err := o.deps.Store.UpdateSession(ctx, r.sess); err != nil {
		r.logger.Warn(ctx, "failed to persist session", zap.Error(err))
	}
}

// toolEmitter bridges agent tool events into the session stream.
func (o *Orchestrator) toolEmitter(ctx context.Context, r *run) agent.EmitFunc {
	return func(ev agent.ToolEvent) {
		o.emit(ctx, r, session.AgentEvent{
			Tool:   ev.Tool,
			Phase:  string(ev.Phase),
			Input:  ev.Input,
			Output: ev.Output,
		})
	}
}

func metricsFromPreset(p config.Preset) []scoring.Metric {
	out := make([]scoring.Metric, len(p.Metrics))
	for i, m := range p.Metrics {
		out[i] = scoring.Metric{
			Name:           m.Name,
			Command:        m.Command,
			Weight:         m.Weight,
			Target:         m.Target,
			HigherIsBetter: m.HigherIsBetter,
		}
	}
	return out
}

func strategiesFromPreset(p config.Preset) []scoring.Strategy {
	out := make([]scoring.Strategy, len(p.Strategies))
	for i, s := range p.Strategies {
		out[i] = scoring.Strategy{
			Name:         s.Name,
			TargetMetric: s.TargetMetric,
			Instructions: s.Instructions,
		}
	}
	return out
}

func toMetricScores(results []scoring.Result) []session.MetricScore {
	out := make([]session.MetricScore, len(results))
	for i, r := range results {
		out[i] = session.MetricScore{Name: r.Name, Raw: r.Raw, Score: r.Score, Weight: r.Weight}
	}
	return out
}

func planEvent(p *planner.Plan) session.PlanEvent {
	return session.PlanEvent{
		Summary:       p.Summary,
		Approach:      p.Approach,
		FilesToModify: p.FilesToModify,
		FilesToCreate: p.FilesToCreate,
		Risks:         p.Risks,
	}
}
