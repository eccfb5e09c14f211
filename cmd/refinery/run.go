package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
	"github.com/fyrsmithlabs/refinery/internal/session"
)

var (
	runMission   string
	runPreset    string
	runIsolation bool
)

var runCmd = &cobra.Command{
	Use:   "run [path]",
	Short: "Run one improvement session in the foreground",
	Long: `Run one improvement session against a repository, printing events as
they happen.

Examples:
  # Improve the current repository against the configured preset
  refinery run .

  # Run a mission with review
  refinery run . --mission "add retries to the http client"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&runMission, "mission", "", "mission text; enables implement and review phases")
	runCmd.Flags().StringVar(&runPreset, "preset", "", "path to a preset file (YAML); replaces the configured preset")
	runCmd.Flags().BoolVar(&runIsolation, "isolation", true, "run in an isolated git worktree")
}

func runSession(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) == 1 {
		path = args[0]
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving project path: %w", err)
	}

	a, err := newApp(configPath, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := uuid.NewString()
	events, unsubscribe := a.broker.Subscribe(id)
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range events {
			printEvent(env.Event)
			if env.Event.Kind() == session.KindResult {
				return
			}
		}
	}()

	sessCfg := a.cfg.Session
	sessCfg.Isolation = runIsolation

	preset := a.cfg.Preset
	if runPreset != "" {
		loaded, err := config.LoadPreset(runPreset)
		if err != nil {
			return err
		}
		preset = *loaded
	}

	sess, runErr := a.orch.Run(ctx, orchestrator.RunConfig{
		SessionID:   id,
		ProjectPath: absPath,
		Mission:     runMission,
		Preset:      preset,
		Session:     sessCfg,
	})
	unsubscribe()
	<-done

	if runErr != nil {
		return fmt.Errorf("session failed: %w", runErr)
	}
	fmt.Printf("\nsession %s: %s (score %.1f -> %.1f, %d commits)\n",
		sess.ID, sess.StoppedFor, sess.InitialScore, sess.FinalScore, sess.CommitCount)
	if sess.Status == session.StatusFailed {
		os.Exit(1)
	}
	return nil
}

// printEvent renders one event as a console line.
func printEvent(ev session.Event) {
	switch e := ev.(type) {
	case session.PhaseEvent:
		fmt.Printf("== phase: %s\n", e.Phase)
	case session.InitEvent:
		fmt.Printf("   baseline score %.1f\n", e.Score)
	case session.StrategyEvent:
		fmt.Printf("   [%d] strategy %s -> %s\n", e.Iteration, e.Strategy, e.Metric)
	case session.AgentEvent:
		if e.Phase == "pre" {
			fmt.Printf("     tool %s\n", e.Tool)
		}
	case session.ScoreEvent:
		fmt.Printf("   score %.1f (%+.1f)\n", e.Score, e.Delta)
	case session.CommitEvent:
		fmt.Printf("   [%d] commit %.8s %s\n", e.Iteration, e.Hash, e.Message)
	case session.RollbackEvent:
		fmt.Printf("   [%d] rollback (%s)\n", e.Iteration, e.Reason)
	case session.ReviewCompleteEvent:
		fmt.Printf("   review verdict: %s\n", e.Verdict)
	case session.ErrorEvent:
		fmt.Printf("!! error: %s\n", e.Message)
	case session.ResultEvent:
		fmt.Printf("== done: %s (success=%t)\n", e.StoppedReason, e.Success)
	}
}
