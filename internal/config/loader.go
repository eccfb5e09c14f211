package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// ErrNoMetrics indicates a preset without any configured metrics. Starting a
// session against such a preset is a structural failure, not a retryable one.
var ErrNoMetrics = errors.New("preset has no metrics configured")

// NewDefaultConfig returns the complete default configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8097,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path: "refinery.db",
		},
		Session: SessionConfig{
			MaxDuration:         Duration(30 * time.Minute),
			MaxIterations:       10,
			MaxStalled:          3,
			TargetScore:         90,
			MinImprovement:      0.5,
			Isolation:           true,
			PlanningEnabled:     false,
			MaxReviewIterations: 3,
			TestTimeout:         Duration(5 * time.Minute),
			MetricTimeout:       Duration(2 * time.Minute),
			AgentMaxTurns:       25,
			MaxContinuations:    2,
		},
	}
}

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (REFINERY_SERVER_PORT, REFINERY_SESSION_TARGET_SCORE, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// A missing file is not an error; defaults plus env apply.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file exceeds %d bytes: %s", maxConfigFileSize, configPath)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	// REFINERY_SERVER_PORT -> server.port, REFINERY_SESSION_MAX_STALLED -> session.max_stalled
	if err := k.Load(env.Provider("REFINERY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "REFINERY_")
		s = strings.ToLower(s)
		for _, section := range []string{"server", "logging", "store", "preset", "session"} {
			if strings.HasPrefix(s, section+"_") {
				return section + "." + strings.TrimPrefix(s, section+"_")
			}
		}
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadPreset loads a standalone preset file, replacing the preset from the
// main config for one run.
func LoadPreset(path string) (*Preset, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("preset file exceeds %d bytes: %s", maxConfigFileSize, path)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse preset file %s: %w", path, err)
	}
	var p Preset
	if err := k.Unmarshal("", &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preset: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid preset %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks structural configuration errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Session.MaxIterations <= 0 {
		return fmt.Errorf("session max_iterations must be positive, got %d", c.Session.MaxIterations)
	}
	if c.Session.MaxStalled <= 0 {
		return fmt.Errorf("session max_stalled must be positive, got %d", c.Session.MaxStalled)
	}
	if c.Session.MinImprovement < 0 {
		return fmt.Errorf("session min_improvement cannot be negative, got %v", c.Session.MinImprovement)
	}
	if c.Session.TargetScore < 0 || c.Session.TargetScore > 100 {
		return fmt.Errorf("session target_score must be in [0,100], got %v", c.Session.TargetScore)
	}
	return c.Preset.Validate()
}

// Validate checks the preset for structural errors. A preset with zero
// metrics is allowed here (the scoring pipeline short-circuits it to 100);
// RequireMetrics distinguishes the session-start path that needs them.
func (p *Preset) Validate() error {
	names := make(map[string]bool, len(p.Metrics))
	for _, m := range p.Metrics {
		if m.Name == "" {
			return fmt.Errorf("metric name must not be empty")
		}
		if names[m.Name] {
			return fmt.Errorf("duplicate metric name: %s", m.Name)
		}
		names[m.Name] = true
		if m.Weight < 0 {
			return fmt.Errorf("metric %s has negative weight %v", m.Name, m.Weight)
		}
	}
	for _, s := range p.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategy name must not be empty")
		}
		if s.TargetMetric == "" {
			return fmt.Errorf("strategy %s has no target metric", s.Name)
		}
		if len(p.Metrics) > 0 && !names[s.TargetMetric] {
			return fmt.Errorf("strategy %s targets unknown metric %s", s.Name, s.TargetMetric)
		}
	}
	return nil
}

// RequireMetrics returns ErrNoMetrics when the preset has no metrics.
func (p *Preset) RequireMetrics() error {
	if len(p.Metrics) == 0 {
		return ErrNoMetrics
	}
	return nil
}
