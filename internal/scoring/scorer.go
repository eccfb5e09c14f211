package scoring

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/refinery/internal/executor"
	"github.com/fyrsmithlabs/refinery/internal/logging"
)

// CommandRunner is the executor surface the scorer needs.
type CommandRunner interface {
	Run(ctx context.Context, cmd executor.Command) (executor.Result, error)
}

// Scorer runs a preset's metrics against one working directory.
type Scorer struct {
	metrics []Metric
	runner  CommandRunner
	dir     string
	timeout time.Duration
	logger  *logging.Logger
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithTimeout sets the per-metric command timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scorer) { s.timeout = d }
}

// WithLogger sets the scorer's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scorer) { s.logger = l.Named("scorer") }
}

// New creates a Scorer for the given metrics and working directory.
func New(metrics []Metric, runner CommandRunner, dir string, opts ...Option) *Scorer {
	s := &Scorer{
		metrics: metrics,
		runner:  runner,
		dir:     dir,
		timeout: 2 * time.Minute,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run measures every metric concurrently and returns one Result per metric,
// in preset order. A metric command that errors or prints something
// unparseable contributes a raw value of 0.
func (s *Scorer) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(s.metrics))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range s.metrics {
		i, m := i, m
		g.Go(func() error {
			raw := s.measure(gctx, m)
			results[i] = Result{
				Name:           m.Name,
				Raw:            raw,
				Score:          Normalize(raw, m),
				Weight:         m.Weight,
				Target:         m.Target,
				HigherIsBetter: m.HigherIsBetter,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Score measures all metrics and returns the composite. An empty preset
// short-circuits to a perfect 100 without running anything.
func (s *Scorer) Score(ctx context.Context) (float64, []Result, error) {
	if len(s.metrics) == 0 {
		return 100, nil, nil
	}
	results, err := s.Run(ctx)
	if err != nil {
		return 0, nil, err
	}
	return Composite(results), results, nil
}

// measure runs one metric command and parses its stdout. Failures fall back
// to 0 so a broken metric degrades the score instead of crashing the loop.
func (s *Scorer) measure(ctx context.Context, m Metric) float64 {
	res, err := s.runner.Run(ctx, executor.Command{
		Script:  m.Command,
		Dir:     s.dir,
		Timeout: s.timeout,
	})
	if err != nil {
		s.logger.Warn(ctx, "metric command failed to run",
			zap.String("metric", m.Name), zap.Error(err))
		return 0
	}
	if res.TimedOut {
		s.logger.Warn(ctx, "metric command timed out", zap.String("metric", m.Name))
		return 0
	}

	raw, err := parseNumber(res.Stdout)
	if err != nil {
		s.logger.Warn(ctx, "metric output not numeric",
			zap.String("metric", m.Name), zap.String("stdout", truncate(res.Stdout, 200)))
		return 0
	}
	return raw
}

// parseNumber extracts a float from command output. The last non-empty line
// is used, so commands may print progress before the final number.
func parseNumber(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		// Tolerate suffixes like "85%" or "85.2 total".
		fields := strings.Fields(line)
		candidate := strings.TrimSuffix(fields[len(fields)-1], "%")
		if v, err := strconv.ParseFloat(candidate, 64); err == nil {
			return v, nil
		}
		candidate = strings.TrimSuffix(fields[0], "%")
		return strconv.ParseFloat(candidate, 64)
	}
	return 0, strconv.ErrSyntax
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
