package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/agent"
	"github.com/fyrsmithlabs/refinery/internal/capability"
	"github.com/fyrsmithlabs/refinery/internal/executor"
	"github.com/fyrsmithlabs/refinery/internal/scoring"
	"github.com/fyrsmithlabs/refinery/internal/session"
	"github.com/fyrsmithlabs/refinery/internal/worktree"
)

// Loop bound fallbacks for callers that hand in a zero SessionConfig.
const (
	defaultMaxIterations  = 10
	defaultMaxStalled     = 3
	defaultTargetScore    = 90
	defaultMinImprovement = 0.5
)

// testingLoop runs the scoring-driven improvement loop: select a strategy
// for the worst metric, let the agent attempt a fix, verify, then commit or
// roll back. Stop conditions are checked between iterations in priority
// order: cancellation, timeout, target reached, plateau, iteration budget.
func (o *Orchestrator) testingLoop(ctx context.Context, r *run) StopReason {
	cfg := r.cfg.Session
	maxIter := orDefault(cfg.MaxIterations, defaultMaxIterations)
	maxStalled := orDefault(cfg.MaxStalled, defaultMaxStalled)
	target := orDefaultF(cfg.TargetScore, defaultTargetScore)
	minDelta := orDefaultF(cfg.MinImprovement, defaultMinImprovement)

	o.transition(ctx, r, PhaseTesting, r.iteration)

	scorer := o.deps.NewScorer(metricsFromPreset(r.cfg.Preset), r.workDir)
	strategies := strategiesFromPreset(r.cfg.Preset)
	stalls := 0

	for iter := 1; ; iter++ {
		switch {
		case ctx.Err() != nil:
			return StopCancelled
		case cfg.MaxDuration > 0 && time.Since(r.started) >= cfg.MaxDuration.Duration():
			return StopTimeout
		case r.score >= target:
			return StopMaxScore
		case stalls >= maxStalled:
			return StopPlateau
		case iter > maxIter:
			return StopMaxIterations
		}
		r.iteration++

		strat, worst, ok := scoring.SelectStrategy(r.results, strategies)
		if !ok {
			return StopPlateau
		}
		if strat == nil {
			// No strategy covers the worst metric: stall without spending an
			// agent invocation on unguided work.
			o.emit(ctx, r, session.StrategyEvent{
				Strategy:  "none",
				Metric:    worst.Name,
				Iteration: r.iteration,
			})
			r.logger.Info(ctx, "no strategy bound to worst metric, stalling",
				zap.String("metric", worst.Name))
			stalls++
			continue
		}
		o.emit(ctx, r, session.StrategyEvent{
			Strategy:  strat.Name,
			Metric:    worst.Name,
			Iteration: r.iteration,
		})

		if !o.attemptFix(ctx, r, scorer, strat, worst, minDelta) {
			stalls++
			continue
		}
		stalls = 0
	}
}

// attemptFix runs one fix attempt end to end. Returns true when the attempt
// produced an accepted commit; every failure path rolls back and records a
// FailedAttempt so later prompts steer away from it.
func (o *Orchestrator) attemptFix(ctx context.Context, r *run, scorer Scorer, strat *scoring.Strategy, worst scoring.Result, minDelta float64) bool {
	opts := o.deps.Resolver.Resolve(r.cfg.Preset.Capabilities, capability.PhaseTesting, r.cfg.Overrides)
	_, err := o.deps.Invoke(ctx, agent.Request{
		Prompt:   o.fixPrompt(r, strat, worst),
		Dir:      r.workDir,
		Options:  opts,
		MaxTurns: r.cfg.Session.AgentMaxTurns,
	}, o.toolEmitter(ctx, r))
	if err != nil {
		r.logger.Warn(ctx, "fix agent failed", zap.Error(err))
		o.discard(ctx, r, strat, scoring.FailureError)
		return false
	}

	changed, err := o.deps.Worktrees.HasChanges(ctx, o.treeConfig(r))
	if err != nil {
		r.logger.Warn(ctx, "could not inspect tree", zap.Error(err))
		o.discard(ctx, r, strat, scoring.FailureError)
		return false
	}
	if !changed {
		o.recordFailure(ctx, r, strat, scoring.FailureNoImprovement, "agent made no changes")
		return false
	}

	if !o.testsPass(ctx, r) {
		o.discard(ctx, r, strat, scoring.FailureTestsFailed)
		return false
	}

	newScore, newResults, err := scorer.Score(ctx)
	if err != nil {
		r.logger.Warn(ctx, "re-scoring failed", zap.Error(err))
		o.discard(ctx, r, strat, scoring.FailureError)
		return false
	}
	delta := newScore - r.score
	o.emit(ctx, r, session.ScoreEvent{Score: newScore, Metrics: toMetricScores(newResults), Delta: delta})

	if delta < minDelta {
		o.discard(ctx, r, strat, scoring.FailureNoImprovement)
		return false
	}

	message := fmt.Sprintf("%s: improve %s (%+.1f)", strat.Name, worst.Name, delta)
	hash, err := o.deps.Worktrees.Commit(ctx, o.treeConfig(r), message)
	if err != nil {
		r.logger.Warn(ctx, "commit failed", zap.Error(err))
		o.discard(ctx, r, strat, scoring.FailureError)
		return false
	}

	r.score = newScore
	r.results = newResults
	r.commits = append(r.commits, session.CommitRecord{
		Hash:       hash,
		Message:    message,
		ScoreDelta: delta,
		Timestamp:  time.Now(),
	})
	o.deps.Metrics.Commits.Inc()
	o.emit(ctx, r, session.CommitEvent{
		Hash:      hash,
		Message:   message,
		Delta:     delta,
		Iteration: r.iteration,
	})
	r.logger.Info(ctx, "improvement committed",
		zap.String("hash", hash), zap.Float64("delta", delta))
	return true
}

// discard rolls the tree back and records the failed attempt.
func (o *Orchestrator) discard(ctx context.Context, r *run, strat *scoring.Strategy, reason scoring.FailureReason) {
	if err := o.deps.Worktrees.Rollback(ctx, o.treeConfig(r)); err != nil {
		r.logger.Warn(ctx, "rollback failed", zap.Error(err))
	}
	o.recordFailure(ctx, r, strat, reason, "")
}

func (o *Orchestrator) recordFailure(ctx context.Context, r *run, strat *scoring.Strategy, reason scoring.FailureReason, detail string) {
	name := strat.Name
	r.failed = append(r.failed, scoring.FailedAttempt{
		Strategy:  name,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	o.deps.Metrics.Rollbacks.Inc()
	msg := string(reason)
	if detail != "" {
		msg = detail
	}
	o.emit(ctx, r, session.RollbackEvent{
		Reason:    msg,
		Strategy:  name,
		Iteration: r.iteration,
	})
}

// testsPass runs the preset's test command, if any. A missing command
// passes vacuously.
func (o *Orchestrator) testsPass(ctx context.Context, r *run) bool {
	cmd := r.cfg.Preset.TestCommand
	if cmd == "" {
		return true
	}
	res, err := o.deps.Runner.Run(ctx, executor.Command{
		Script:  cmd,
		Dir:     r.workDir,
		Timeout: r.cfg.Session.TestTimeout.Duration(),
	})
	if err != nil {
		r.logger.Warn(ctx, "test command failed to run", zap.Error(err))
		return false
	}
	if res.TimedOut || res.ExitCode != 0 {
		r.logger.Info(ctx, "tests failed",
			zap.Int("exit_code", res.ExitCode), zap.Bool("timed_out", res.TimedOut))
		return false
	}
	return true
}

// fixPrompt builds the testing-loop agent prompt from the selected strategy,
// the worst metric, prior failures and any review feedback.
func (o *Orchestrator) fixPrompt(r *run, strat *scoring.Strategy, worst scoring.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The %q metric is the weakest signal in this repository (raw %.2f, score %.1f/100, target %.2f).\n",
		worst.Name, worst.Raw, worst.Score, worst.Target)
	b.WriteString("\nApply this strategy:\n")
	b.WriteString(strat.Instructions)
	if len(r.failed) > 0 {
		b.WriteString("\n\nEarlier attempts that did not work, avoid repeating them:\n")
		for _, f := range r.failed {
			fmt.Fprintf(&b, "  - %s (%s)\n", f.Strategy, f.Reason)
		}
	}
	if r.feedback != "" {
		b.WriteString("\nReviewer feedback to address:\n")
		b.WriteString(r.feedback)
	}
	return b.String()
}

// treeConfig returns the git surface for the active working directory, even
// when isolation is off and no managed worktree exists.
func (o *Orchestrator) treeConfig(r *run) *worktree.Config {
	if r.wt != nil {
		return r.wt
	}
	return &worktree.Config{Path: r.workDir, ProjectPath: r.cfg.ProjectPath}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultF(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
