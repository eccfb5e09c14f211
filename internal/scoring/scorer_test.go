package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/refinery/internal/executor"
)

// fakeRunner maps metric scripts to canned outputs.
type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd.Script)
	f.mu.Unlock()
	if err, ok := f.errs[cmd.Script]; ok {
		return executor.Result{}, err
	}
	return executor.Result{Stdout: f.outputs[cmd.Script]}, nil
}

func TestScorerRun(t *testing.T) {
	metrics := []Metric{
		{Name: "lint", Command: "lint-count", Weight: 50, Target: 0},
		{Name: "coverage", Command: "cov", Weight: 50, Target: 100, HigherIsBetter: true},
	}
	runner := &fakeRunner{outputs: map[string]string{
		"lint-count": "10\n",
		"cov":        "40\n",
	}}
	s := New(metrics, runner, "/tmp/wt")

	results, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "lint", results[0].Name)
	assert.InDelta(t, 80, results[0].Score, 1e-9)
	assert.InDelta(t, 40, results[1].Score, 1e-9)

	composite := Composite(results)
	assert.InDelta(t, 60, composite, 1e-9)
}

func TestScorerImprovementScenario(t *testing.T) {
	// Initial (lint=10, cov=40) -> 60; after a fix (lint=0, cov=90) -> 95.
	metrics := []Metric{
		{Name: "lint", Command: "lint-count", Weight: 50, Target: 0},
		{Name: "coverage", Command: "cov", Weight: 50, Target: 100, HigherIsBetter: true},
	}
	runner := &fakeRunner{outputs: map[string]string{
		"lint-count": "10",
		"cov":        "40",
	}}
	s := New(metrics, runner, "/tmp/wt")

	before, _, err := s.Score(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 60, before, 1e-9)

	runner.outputs["lint-count"] = "0"
	runner.outputs["cov"] = "90"

	after, _, err := s.Score(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 95, after, 1e-9)
	assert.GreaterOrEqual(t, after-before, 0.5)
}

func TestScoreEmptyPreset(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{}}
	s := New(nil, runner, "/tmp/wt")

	score, results, err := s.Score(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(100), score)
	assert.Nil(t, results)
	assert.Empty(t, runner.calls)
}

func TestScorerCommandErrorFallsBackToZero(t *testing.T) {
	metrics := []Metric{{Name: "lint", Command: "broken", Weight: 1, Target: 0, HigherIsBetter: true}}
	runner := &fakeRunner{
		outputs: map[string]string{},
		errs:    map[string]error{"broken": errors.New("spawn failed")},
	}
	s := New(metrics, runner, "/tmp/wt")

	results, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(0), results[0].Raw)
}

func TestScorerUnparseableOutputFallsBackToZero(t *testing.T) {
	metrics := []Metric{{Name: "lint", Command: "noise", Weight: 1, Target: 0}}
	runner := &fakeRunner{outputs: map[string]string{"noise": "error: no such tool\n"}}
	s := New(metrics, runner, "/tmp/wt")

	results, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(0), results[0].Raw)
	// lower-is-better with target 0: raw 0 normalizes to 100
	assert.Equal(t, float64(100), results[0].Score)
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"42\n", 42, false},
		{"  85.5  ", 85.5, false},
		{"coverage: 73.2%", 73.2, false},
		{"building...\n12\n", 12, false},
		{"nonsense", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseNumber(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
		} else {
			require.NoError(t, err, "input %q", tt.in)
			assert.InDelta(t, tt.want, got, 1e-9)
		}
	}
}
