package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/refinery/internal/agent"
	"github.com/fyrsmithlabs/refinery/internal/capability"
	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/executor"
	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
	"github.com/fyrsmithlabs/refinery/internal/planner"
	"github.com/fyrsmithlabs/refinery/internal/review"
	"github.com/fyrsmithlabs/refinery/internal/scoring"
	"github.com/fyrsmithlabs/refinery/internal/session"
	"github.com/fyrsmithlabs/refinery/internal/worktree"
)

// app wires the full dependency graph once per process.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *session.SQLiteStore
	broker   *session.Broker
	orch     *orchestrator.Orchestrator
	registry *prometheus.Registry
}

// newApp loads configuration and builds every collaborator. consoleLog
// forces console-format logging regardless of config (used by `run`).
func newApp(configPath string, consoleLog bool) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	if consoleLog {
		logCfg.Format = "console"
	}
	if cfg.Logging.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		logCfg.Level = level
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = defaultStorePath()
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	store, err := session.OpenSQLite(storePath)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	broker := session.NewBroker()
	exec := executor.New(logger)
	trees := worktree.NewManager("", exec, logger)
	resolver := capability.NewResolver(logger)

	cli := agent.NewCLIService(agentBinary, logger)
	runner := agent.NewRunner(cli, cfg.Session.MaxContinuations, logger)
	invoke := orchestrator.InvokeFunc(runner.Invoke)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Broker:    broker,
		Worktrees: trees,
		Resolver:  resolver,
		Invoke:    invoke,
		Runner:    exec,
		NewScorer: func(metrics []scoring.Metric, dir string) orchestrator.Scorer {
			opts := []scoring.Option{scoring.WithLogger(logger)}
			if d := cfg.Session.MetricTimeout.Duration(); d > 0 {
				opts = append(opts, scoring.WithTimeout(d))
			}
			return scoring.New(metrics, exec, dir, opts...)
		},
		NewPlanner: func(preset *config.CapabilityPreset, overrides []config.CapabilityOverride) orchestrator.PlanService {
			return planner.New(planner.InvokeFunc(invoke), resolver, preset, overrides, cfg.Session.AgentMaxTurns, logger)
		},
		NewGate: func(preset *config.CapabilityPreset, overrides []config.CapabilityOverride) orchestrator.GateService {
			return review.NewGate(review.InvokeFunc(invoke), resolver, preset, overrides, cfg.Session.AgentMaxTurns, logger)
		},
		Logger:  logger,
		Metrics: orchestrator.NewMetrics(registry),
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		broker:   broker,
		orch:     orch,
		registry: registry,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing store: %v\n", err)
	}
	_ = a.logger.Sync()
}

func defaultStorePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "refinery", "sessions.db")
	}
	return filepath.Join(os.TempDir(), "refinery-sessions.db")
}
