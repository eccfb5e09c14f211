package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 8097, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Session.MaxDuration.Duration())
	assert.Equal(t, 10, cfg.Session.MaxIterations)
	assert.Equal(t, 3, cfg.Session.MaxStalled)
	assert.Equal(t, 0.5, cfg.Session.MinImprovement)
	assert.True(t, cfg.Session.Isolation)
	assert.Equal(t, 3, cfg.Session.MaxReviewIterations)
	require.NoError(t, cfg.Validate())
}

func TestLoadWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9191
session:
  max_iterations: 5
  target_score: 85
  test_timeout: 90s
preset:
  name: go-service
  test_command: go test ./...
  metrics:
    - name: lint
      command: golangci-lint run | wc -l
      weight: 50
      target: 0
    - name: coverage
      command: ./scripts/coverage.sh
      weight: 50
      target: 100
      higher_is_better: true
  strategies:
    - name: fix-lint
      target_metric: lint
      instructions: Fix lint findings without changing behavior.
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Session.MaxIterations)
	assert.Equal(t, float64(85), cfg.Session.TargetScore)
	assert.Equal(t, 90*time.Second, cfg.Session.TestTimeout.Duration())
	require.Len(t, cfg.Preset.Metrics, 2)
	assert.Equal(t, "lint", cfg.Preset.Metrics[0].Name)
	assert.True(t, cfg.Preset.Metrics[1].HigherIsBetter)
	require.Len(t, cfg.Preset.Strategies, 1)

	// Defaults survive a partial file
	assert.Equal(t, 0.5, cfg.Session.MinImprovement)
}

func TestLoadWithFileMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8097, cfg.Server.Port)
}

func TestLoadWithFileEnvOverride(t *testing.T) {
	t.Setenv("REFINERY_SERVER_PORT", "7001")
	t.Setenv("REFINERY_SESSION_MAX_STALLED", "7")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Session.MaxStalled)
}

func TestLoadPreset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preset.yaml")
	content := `
name: docs
test_command: mkdocs build --strict
metrics:
  - name: broken-links
    command: ./scripts/linkcheck.sh
    weight: 100
    target: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := LoadPreset(path)
	require.NoError(t, err)
	assert.Equal(t, "docs", p.Name)
	require.Len(t, p.Metrics, 1)
	assert.Equal(t, "broken-links", p.Metrics[0].Name)
}

func TestLoadPresetRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preset.yaml")
	content := `
metrics:
  - name: lint
    command: "true"
    weight: -3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadPreset(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative weight")

	_, err = LoadPreset(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
}

func TestPresetValidate(t *testing.T) {
	tests := []struct {
		name    string
		preset  Preset
		wantErr string
	}{
		{
			name: "negative weight",
			preset: Preset{
				Metrics: []MetricSpec{{Name: "lint", Command: "true", Weight: -1}},
			},
			wantErr: "negative weight",
		},
		{
			name: "duplicate metric",
			preset: Preset{
				Metrics: []MetricSpec{
					{Name: "lint", Command: "true", Weight: 1},
					{Name: "lint", Command: "true", Weight: 1},
				},
			},
			wantErr: "duplicate metric",
		},
		{
			name: "strategy targets unknown metric",
			preset: Preset{
				Metrics:    []MetricSpec{{Name: "lint", Command: "true", Weight: 1}},
				Strategies: []StrategySpec{{Name: "fix", TargetMetric: "coverage"}},
			},
			wantErr: "unknown metric",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.preset.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequireMetrics(t *testing.T) {
	p := &Preset{}
	assert.ErrorIs(t, p.RequireMetrics(), ErrNoMetrics)

	p.Metrics = []MetricSpec{{Name: "lint", Command: "true", Weight: 1}}
	assert.NoError(t, p.RequireMetrics())
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("potato")))
}
