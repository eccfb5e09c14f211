// Package agent wraps invocations of the external coding agent.
//
// A Service produces a stream of events for one invocation; the Runner
// drives a logical invocation across turn-budget continuations and returns
// the final result. Each stream is consumed exactly once.
package agent

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/refinery/internal/capability"
)

// ErrTurnBudget is returned when an invocation exhausts its turn budget and
// every allowed continuation.
var ErrTurnBudget = errors.New("agent: turn budget exhausted")

// Subtype classifies how an invocation ended.
type Subtype string

const (
	SubtypeSuccess       Subtype = "success"
	SubtypeErrorMaxTurns Subtype = "error_max_turns"
	SubtypeError         Subtype = "error"
)

// Request describes one agent invocation.
type Request struct {
	Prompt       string
	SystemPrompt string
	Dir          string
	Options      capability.ResolvedOptions
	MaxTurns     int
	SessionID    string
	Resume       bool
}

// Event is one item in an invocation's stream. Exactly one of the concrete
// types below; DoneEvent is always last.
type Event interface {
	isAgentEvent()
}

// ToolPhase marks whether a ToolEvent was observed before or after the tool
// ran.
type ToolPhase string

const (
	ToolPre  ToolPhase = "pre"
	ToolPost ToolPhase = "post"
)

// ToolEvent is one observed tool call.
type ToolEvent struct {
	Tool   string
	Phase  ToolPhase
	Input  string
	Output string
}

// TextEvent is a chunk of assistant text.
type TextEvent struct {
	Text string
}

// DoneEvent terminates the stream.
type DoneEvent struct {
	Subtype   Subtype
	SessionID string
	Result    string
	NumTurns  int
}

func (ToolEvent) isAgentEvent() {}
func (TextEvent) isAgentEvent() {}
func (DoneEvent) isAgentEvent() {}

// Service is the opaque coding agent. Invoke returns a channel that yields
// the invocation's events and closes after the DoneEvent.
type Service interface {
	Invoke(ctx context.Context, req Request) (<-chan Event, error)
}
