package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's prometheus counters.
type Metrics struct {
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	Commits          prometheus.Counter
	Rollbacks        prometheus.Counter
	Iterations       prometheus.Histogram
}

// NewMetrics registers the orchestrator metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "refinery",
			Name:      "sessions_started_total",
			Help:      "Improvement sessions started.",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refinery",
			Name:      "sessions_finished_total",
			Help:      "Improvement sessions finished, by stop reason.",
		}, []string{"stop_reason"}),
		Commits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "refinery",
			Name:      "commits_total",
			Help:      "Accepted improvement commits.",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "refinery",
			Name:      "rollbacks_total",
			Help:      "Discarded fix attempts.",
		}),
		Iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "refinery",
			Name:      "session_iterations",
			Help:      "Testing loop iterations per session.",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
	}
}

// NopMetrics returns metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
