package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/logging"
)

// CLIService invokes a headless coding-agent CLI that emits one JSON event
// per line on stdout. The binary and base arguments come from configuration
// so alternative agent CLIs can be swapped in.
type CLIService struct {
	binary string
	logger *logging.Logger
}

// NewCLIService creates a CLIService for the given agent binary.
func NewCLIService(binary string, logger *logging.Logger) *CLIService {
	return &CLIService{binary: binary, logger: logger.Named("agent.cli")}
}

// wireEvent is the line format the agent CLI emits.
type wireEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Tool      string `json:"tool"`
	Phase     string `json:"phase"`
	Input     string `json:"input"`
	Output    string `json:"output"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	NumTurns  int    `json:"num_turns"`
}

// Invoke starts the CLI and streams its events. The returned channel closes
// when the process exits; the last event is always a DoneEvent, synthesized
// from the exit status when the CLI did not emit one.
func (s *CLIService) Invoke(ctx context.Context, req Request) (<-chan Event, error) {
	cmd := exec.Command(s.binary, s.args(req)...)
	cmd.Dir = req.Dir
	if req.Prompt != "" {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}
	// Own process group so cancellation kills the CLI and its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}

	events := make(chan Event, 64)
	go s.pump(ctx, cmd, stdout, events)
	return events, nil
}

// args builds the CLI flag set from the request and its resolved options.
func (s *CLIService) args(req Request) []string {
	args := []string{"--output-format", "stream-json", "--print"}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", req.MaxTurns))
	}
	if req.Resume && req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.Options.Model != "" {
		args = append(args, "--model", req.Options.Model)
	}
	if len(req.Options.Tools) > 0 {
		args = append(args, "--tools", strings.Join(req.Options.Tools, ","))
	}
	if len(req.Options.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.Options.AllowedTools, ","))
	}
	if len(req.Options.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(req.Options.DisallowedTools, ","))
	}
	return args
}

// pump reads NDJSON lines into typed events until the process exits or the
// context is cancelled.
func (s *CLIService) pump(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, events chan<- Event) {
	defer close(events)

	procDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		case <-procDone:
		}
	}()

	// Once the consumer abandons the stream (context cancelled), sends
	// would block forever on a full buffer and cmd.Wait would never run,
	// leaking the goroutine and an unreaped child. Drop events instead and
	// keep draining the pipe to EOF.
	abandoned := false
	send := func(ev Event) {
		if abandoned {
			return
		}
		select {
		case events <- ev:
		default:
			select {
			case events <- ev:
			case <-ctx.Done():
				abandoned = true
			}
		}
	}

	var sawDone bool
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var wire wireEvent
		if err := json.Unmarshal([]byte(line), &wire); err != nil {
			s.logger.Warn(ctx, "skipping malformed agent event", zap.String("line", truncate(line, 200)))
			continue
		}
		if ev, terminal := s.translate(wire); ev != nil {
			send(ev)
			if terminal {
				sawDone = true
			}
		}
	}

	err := cmd.Wait()
	close(procDone)

	if !sawDone {
		done := DoneEvent{Subtype: SubtypeError, Result: "agent exited without a result"}
		if ctx.Err() != nil {
			done.Result = ctx.Err().Error()
		} else if err != nil {
			done.Result = err.Error()
		}
		send(done)
	}
}

// translate maps one wire event to a typed Event. Unknown types are dropped.
func (s *CLIService) translate(wire wireEvent) (Event, bool) {
	switch wire.Type {
	case "tool":
		return ToolEvent{
			Tool:   wire.Tool,
			Phase:  ToolPhase(wire.Phase),
			Input:  wire.Input,
			Output: wire.Output,
		}, false
	case "text":
		return TextEvent{Text: wire.Text}, false
	case "result":
		subtype := Subtype(wire.Subtype)
		switch subtype {
		case SubtypeSuccess, SubtypeErrorMaxTurns:
		default:
			subtype = SubtypeError
		}
		return DoneEvent{
			Subtype:   subtype,
			SessionID: wire.SessionID,
			Result:    wire.Result,
			NumTurns:  wire.NumTurns,
		}, true
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
