package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the event type discriminator carried on the wire.
type Kind string

const (
	KindPhase           Kind = "phase"
	KindInit            Kind = "init"
	KindStrategy        Kind = "strategy"
	KindAgent           Kind = "agent"
	KindCommit          Kind = "commit"
	KindRollback        Kind = "rollback"
	KindScore           Kind = "score"
	KindReviewStart     Kind = "review_start"
	KindReviewResult    Kind = "review_result"
	KindReviewRedirect  Kind = "review_redirect"
	KindReviewComplete  Kind = "review_complete"
	KindWorktreeCreated Kind = "worktree_created"
	KindWorktreeCleanup Kind = "worktree_cleanup"
	KindPlan            Kind = "plan"
	KindResult          Kind = "result"
	KindError           Kind = "error"
)

// Event is one entry in a session's event stream.
type Event interface {
	Kind() Kind
}

// MetricScore is the per-metric payload carried by init and score events.
type MetricScore struct {
	Name   string  `json:"name"`
	Raw    float64 `json:"raw"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// PhaseEvent marks a phase transition.
type PhaseEvent struct {
	Phase     string `json:"phase"`
	Mission   string `json:"mission,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
}

func (PhaseEvent) Kind() Kind { return KindPhase }

// InitEvent reports the established baseline.
type InitEvent struct {
	Score   float64       `json:"score"`
	Metrics []MetricScore `json:"metrics"`
}

func (InitEvent) Kind() Kind { return KindInit }

// StrategyEvent reports a fix attempt starting.
type StrategyEvent struct {
	Strategy  string `json:"strategy"`
	Metric    string `json:"metric"`
	Iteration int    `json:"iteration"`
}

func (StrategyEvent) Kind() Kind { return KindStrategy }

// AgentEvent reports one observed tool call.
type AgentEvent struct {
	Tool   string `json:"tool"`
	Phase  string `json:"phase"` // pre|post
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

func (AgentEvent) Kind() Kind { return KindAgent }

// CommitEvent reports an accepted improvement.
type CommitEvent struct {
	Hash      string  `json:"hash"`
	Message   string  `json:"message"`
	Delta     float64 `json:"delta"`
	Iteration int     `json:"iteration"`
}

func (CommitEvent) Kind() Kind { return KindCommit }

// RollbackEvent reports a discarded attempt.
type RollbackEvent struct {
	Reason    string `json:"reason"`
	Strategy  string `json:"strategy"`
	Iteration int    `json:"iteration"`
}

func (RollbackEvent) Kind() Kind { return KindRollback }

// ScoreEvent reports an updated measurement.
type ScoreEvent struct {
	Score   float64       `json:"score"`
	Metrics []MetricScore `json:"metrics"`
	Delta   float64       `json:"delta,omitempty"`
}

func (ScoreEvent) Kind() Kind { return KindScore }

// ReviewStartEvent marks the gate dispatching its reviewers.
type ReviewStartEvent struct {
	Iteration int      `json:"iteration"`
	Reviewers []string `json:"reviewers"`
}

func (ReviewStartEvent) Kind() Kind { return KindReviewStart }

// ReviewResultEvent carries one reviewer's verdict.
type ReviewResultEvent struct {
	Iteration int      `json:"iteration"`
	Reviewer  string   `json:"reviewer"`
	Verdict   string   `json:"verdict"`
	Feedback  string   `json:"feedback,omitempty"`
	Concerns  []string `json:"concerns,omitempty"`
}

func (ReviewResultEvent) Kind() Kind { return KindReviewResult }

// ReviewRedirectEvent reports where needs_changes work is sent.
type ReviewRedirectEvent struct {
	Iteration int    `json:"iteration"`
	Target    string `json:"target"`
	Feedback  string `json:"feedback,omitempty"`
}

func (ReviewRedirectEvent) Kind() Kind { return KindReviewRedirect }

// ReviewCompleteEvent carries the aggregated verdict.
type ReviewCompleteEvent struct {
	Iteration int    `json:"iteration"`
	Verdict   string `json:"verdict"`
}

func (ReviewCompleteEvent) Kind() Kind { return KindReviewComplete }

// WorktreeCreatedEvent marks isolation setup.
type WorktreeCreatedEvent struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

func (WorktreeCreatedEvent) Kind() Kind { return KindWorktreeCreated }

// WorktreeCleanupEvent marks isolation teardown.
type WorktreeCleanupEvent struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Kept   bool   `json:"kept"`
}

func (WorktreeCleanupEvent) Kind() Kind { return KindWorktreeCleanup }

// PlanEvent carries the proposed plan for approval.
type PlanEvent struct {
	Summary       string   `json:"summary"`
	Approach      []string `json:"approach,omitempty"`
	FilesToModify []string `json:"files_to_modify,omitempty"`
	FilesToCreate []string `json:"files_to_create,omitempty"`
	Risks         []string `json:"risks,omitempty"`
}

func (PlanEvent) Kind() Kind { return KindPlan }

// ResultEvent is the terminal summary.
type ResultEvent struct {
	Success       bool           `json:"success"`
	InitialScore  float64        `json:"initial_score"`
	FinalScore    float64        `json:"final_score"`
	Commits       []CommitRecord `json:"commits"`
	Iterations    int            `json:"iterations"`
	Duration      time.Duration  `json:"duration"`
	StoppedReason string         `json:"stopped_reason"`
}

func (ResultEvent) Kind() Kind { return KindResult }

// ErrorEvent reports an unrecoverable or surfaced failure.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) Kind() Kind { return KindError }

// Encode serializes an event as a flat object with a "type" discriminator,
// the shape external observers consume.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("session: encoding %s event: %w", e.Kind(), err)
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("session: encoding %s event: %w", e.Kind(), err)
	}
	m["type"] = string(e.Kind())
	return json.Marshal(m)
}
