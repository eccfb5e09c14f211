// Package scoring measures repository quality. Each metric is a shell
// command whose stdout parses as a number; results are normalized to a
// 0-100 sub-score and combined into a weighted composite.
package scoring

import (
	"time"
)

// Metric is a named, weighted measurement with a target and polarity.
type Metric struct {
	Name           string
	Command        string
	Weight         float64
	Target         float64
	HigherIsBetter bool
}

// Result is one measured outcome. Derived each iteration; never persisted
// beyond the event stream.
type Result struct {
	Name           string
	Raw            float64
	Score          float64
	Weight         float64
	Target         float64
	HigherIsBetter bool
}

// Strategy is a named remediation recipe bound to exactly one metric.
type Strategy struct {
	Name         string
	TargetMetric string
	Instructions string
}

// FailureReason classifies a failed fix attempt.
type FailureReason string

const (
	FailureTestsFailed   FailureReason = "tests_failed"
	FailureNoImprovement FailureReason = "no_improvement"
	FailureError         FailureReason = "error"
)

// FailedAttempt biases future strategy context away from known-bad
// approaches. Not durable history.
type FailedAttempt struct {
	Strategy  string
	Reason    FailureReason
	Timestamp time.Time
}

// Normalize converts a raw measurement to a sub-score in [0,100].
//
// For higher-is-better metrics the score is the fraction of target reached.
// For lower-is-better metrics, hitting the target scores 100 and every unit
// over the target costs two points.
func Normalize(raw float64, m Metric) float64 {
	if m.HigherIsBetter {
		if m.Target <= 0 {
			if raw >= m.Target {
				return 100
			}
			return 0
		}
		return clamp(raw / m.Target * 100)
	}
	if raw <= m.Target {
		return 100
	}
	return clamp(100 - (raw-m.Target)*2)
}

// Composite is the weighted average of all sub-scores. An empty or
// zero-weight result set scores 0 under this direct computation; the scoring
// pipeline's empty-preset shortcut (Scorer.Run) scores 100 instead. The
// asymmetry is deliberate: "nothing configured" is perfect, "everything
// weightless" contributes nothing.
func Composite(results []Result) float64 {
	var weightedSum, totalWeight float64
	for _, r := range results {
		weightedSum += r.Score * r.Weight
		totalWeight += r.Weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

// WorstMetric picks the metric with the largest weighted improvement
// headroom, maximizing (100-score)*weight. Order-independent for distinct
// impacts; ties keep the first occurrence.
func WorstMetric(results []Result) (Result, bool) {
	if len(results) == 0 {
		return Result{}, false
	}
	worst := results[0]
	worstImpact := (100 - worst.Score) * worst.Weight
	for _, r := range results[1:] {
		impact := (100 - r.Score) * r.Weight
		if impact > worstImpact {
			worst = r
			worstImpact = impact
		}
	}
	return worst, true
}

// SelectStrategy finds the strategy bound to the worst metric. A missing
// strategy is not fatal; the loop records a stall and continues.
func SelectStrategy(results []Result, strategies []Strategy) (*Strategy, Result, bool) {
	worst, ok := WorstMetric(results)
	if !ok {
		return nil, Result{}, false
	}
	for i := range strategies {
		if strategies[i].TargetMetric == worst.Name {
			return &strategies[i], worst, true
		}
	}
	return nil, worst, true
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
