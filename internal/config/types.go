// Package config provides configuration loading for refinery.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. The Preset section describes what to measure and how to fix it
// for one project; the Session section bounds a single improvement run.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for YAML/env unmarshaling ("30m", "90s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MetricSpec configures one measurable quality signal. Command is any shell
// command whose stdout, parsed as a number, is the raw measurement.
type MetricSpec struct {
	Name           string  `koanf:"name"`
	Command        string  `koanf:"command"`
	Weight         float64 `koanf:"weight"`
	Target         float64 `koanf:"target"`
	HigherIsBetter bool    `koanf:"higher_is_better"`
}

// StrategySpec binds a named remediation recipe to exactly one target metric.
type StrategySpec struct {
	Name         string `koanf:"name"`
	TargetMetric string `koanf:"target_metric"`
	Instructions string `koanf:"instructions"`
}

// CapabilityBlock declares the tool surface for agent invocations.
// A nil/empty Tools list means "use the phase default".
type CapabilityBlock struct {
	Tools           []string          `koanf:"tools"`
	AllowedTools    []string          `koanf:"allowed_tools"`
	DisallowedTools []string          `koanf:"disallowed_tools"`
	Plugins         map[string]string `koanf:"plugins"`
	Agents          map[string]string `koanf:"agents"`
	MCPServers      map[string]string `koanf:"mcp_servers"`
	Model           string            `koanf:"model"`
	SystemPrompt    string            `koanf:"system_prompt"`
}

// CapabilityOverride is a session-level enable/disable adjustment scoped to
// one phase tag. Overrides can only restrict: extend deny-lists or disable a
// previously enabled plugin/agent/server.
type CapabilityOverride struct {
	Phase   string `koanf:"phase"` // implement|testing|polish|review|planning|both
	Disable string `koanf:"disable"`
	Kind    string `koanf:"kind"` // tool|plugin|agent|mcp_server
}

// CapabilityPreset groups the shared block, per-phase blocks and overrides.
type CapabilityPreset struct {
	Shared    *CapabilityBlock            `koanf:"shared"`
	Phases    map[string]*CapabilityBlock `koanf:"phases"`
	Overrides []CapabilityOverride        `koanf:"overrides"`
}

// Preset is the per-project configuration: what to measure, how to remediate,
// and which capabilities each phase gets.
type Preset struct {
	Name         string            `koanf:"name"`
	Metrics      []MetricSpec      `koanf:"metrics"`
	Strategies   []StrategySpec    `koanf:"strategies"`
	Capabilities *CapabilityPreset `koanf:"capabilities"`
	TestCommand  string            `koanf:"test_command"`
}

// SessionConfig bounds one improvement run.
type SessionConfig struct {
	MaxDuration         Duration `koanf:"max_duration"`
	MaxIterations       int      `koanf:"max_iterations"`
	MaxStalled          int      `koanf:"max_stalled"`
	TargetScore         float64  `koanf:"target_score"`
	MinImprovement      float64  `koanf:"min_improvement"`
	Isolation           bool     `koanf:"isolation"`
	PlanningEnabled     bool     `koanf:"planning_enabled"`
	MaxReviewIterations int      `koanf:"max_review_iterations"`
	TestTimeout         Duration `koanf:"test_timeout"`
	MetricTimeout       Duration `koanf:"metric_timeout"`
	AgentMaxTurns       int      `koanf:"agent_max_turns"`
	MaxContinuations    int      `koanf:"max_continuations"`
	RetryFeedback       string   `koanf:"retry_feedback"`
	RetryCount          int      `koanf:"retry_count"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds session store configuration.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// Config is the complete refinery configuration.
type Config struct {
	Server  ServerConfig   `koanf:"server"`
	Logging LoggingSection `koanf:"logging"`
	Store   StoreConfig    `koanf:"store"`
	Preset  Preset         `koanf:"preset"`
	Session SessionConfig  `koanf:"session"`
}

// LoggingSection mirrors logging.Config fields that are file-configurable.
// Kept here so the config package does not import logging (which imports zap
// types that koanf cannot decode directly from strings).
type LoggingSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
