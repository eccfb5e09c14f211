package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/logging"
)

// InvokeResult is the outcome of one logical invocation, possibly spanning
// several underlying sessions resumed after turn-budget exhaustion.
type InvokeResult struct {
	Text      string
	SessionID string
	NumTurns  int
	Subtype   Subtype
}

// EmitFunc receives each ToolEvent as it is observed.
type EmitFunc func(ToolEvent)

// Runner drives logical invocations against a Service.
type Runner struct {
	service          Service
	maxContinuations int
	logger           *logging.Logger
}

// NewRunner creates a Runner. maxContinuations bounds how many times a
// turn-budget-exhausted invocation is resumed before giving up.
func NewRunner(service Service, maxContinuations int, logger *logging.Logger) *Runner {
	if maxContinuations < 0 {
		maxContinuations = 0
	}
	return &Runner{
		service:          service,
		maxContinuations: maxContinuations,
		logger:           logger.Named("agent"),
	}
}

// Invoke runs one logical invocation. Tool events are forwarded to emit as
// they arrive; assistant text is buffered into the result. When the service
// reports error_max_turns the same session is resumed with a continuation
// prompt, up to the configured limit, after which ErrTurnBudget is returned
// alongside the partial result.
//
// Each underlying stream is drained exactly once; events and the final
// result come from the same pass.
func (r *Runner) Invoke(ctx context.Context, req Request, emit EmitFunc) (InvokeResult, error) {
	var (
		text     strings.Builder
		turns    int
		done     DoneEvent
		attempts = r.maxContinuations + 1
	)

	for attempt := 0; attempt < attempts; attempt++ {
		stream, err := r.service.Invoke(ctx, req)
		if err != nil {
			return InvokeResult{Text: text.String(), NumTurns: turns, Subtype: SubtypeError},
				fmt.Errorf("invoking agent: %w", err)
		}

		done = r.drain(ctx, stream, &text, emit)
		turns += done.NumTurns

		switch done.Subtype {
		case SubtypeSuccess:
			return InvokeResult{
				Text:      finalText(&text, done),
				SessionID: done.SessionID,
				NumTurns:  turns,
				Subtype:   SubtypeSuccess,
			}, nil
		case SubtypeErrorMaxTurns:
			if attempt == attempts-1 {
				break
			}
			r.logger.Warn(ctx, "turn budget hit, resuming session",
				zap.String("agent.session", done.SessionID),
				zap.Int("attempt", attempt+1))
			req.SessionID = done.SessionID
			req.Resume = true
			req.Prompt = "Continue where you left off and finish the task."
		default:
			return InvokeResult{
					Text:      finalText(&text, done),
					SessionID: done.SessionID,
					NumTurns:  turns,
					Subtype:   done.Subtype,
				},
				fmt.Errorf("agent invocation failed: %s", done.Result)
		}
	}

	return InvokeResult{
		Text:      finalText(&text, done),
		SessionID: done.SessionID,
		NumTurns:  turns,
		Subtype:   SubtypeErrorMaxTurns,
	}, ErrTurnBudget
}

// drain consumes one stream to completion, forwarding tool events and
// accumulating text. Returns the terminal DoneEvent, synthesizing an error
// one if the stream closes early or the context is cancelled.
func (r *Runner) drain(ctx context.Context, stream <-chan Event, text *strings.Builder, emit EmitFunc) DoneEvent {
	for {
		select {
		case <-ctx.Done():
			return DoneEvent{Subtype: SubtypeError, Result: ctx.Err().Error()}
		case ev, ok := <-stream:
			if !ok {
				return DoneEvent{Subtype: SubtypeError, Result: "agent stream closed without result"}
			}
			switch e := ev.(type) {
			case ToolEvent:
				if emit != nil {
					emit(e)
				}
			case TextEvent:
				text.WriteString(e.Text)
			case DoneEvent:
				return e
			}
		}
	}
}

// finalText prefers the service's explicit result text over accumulated
// stream chunks.
func finalText(buf *strings.Builder, done DoneEvent) string {
	if done.Result != "" {
		return done.Result
	}
	return buf.String()
}
