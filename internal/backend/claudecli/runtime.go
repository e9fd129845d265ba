// ABOUTME: agent.Runtime that drives a long-lived claude CLI child over stream-json stdin/stdout.
// ABOUTME: Turns are written as JSON lines; assistant and result lines become session events.

package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/2389/slideforge/internal/agent"
)

// DefaultBinary is looked up on PATH when Options.Binary is empty.
const DefaultBinary = "claude"

// Options configures how the CLI is launched.
type Options struct {
	Binary         string
	WorkDir        string
	Model          string
	PermissionMode string
	Logger         *slog.Logger
}

// Runtime launches one CLI process per session.
type Runtime struct {
	opts   Options
	logger *slog.Logger
}

// New creates a CLI runtime.
func New(opts Options) *Runtime {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{opts: opts, logger: logger.With("component", "claude_cli")}
}

// Args returns the command line for cfg, without the binary.
func (r *Runtime) Args(cfg agent.Config) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if r.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", r.opts.PermissionMode)
	}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}
	if preamble := historyPreamble(cfg.History); preamble != "" {
		args = append(args, "--append-system-prompt", preamble)
	}
	return args
}

// Start implements agent.Runtime. The child is killed when ctx ends.
func (r *Runtime) Start(ctx context.Context, sessionID string, cfg agent.Config, input agent.TurnSource) (agent.Process, error) {
	cmd := exec.CommandContext(ctx, r.opts.Binary, r.Args(cfg)...)
	cmd.Dir = r.opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start claude: %w", err)
	}

	p := &process{
		stdin:  stdin,
		out:    make(chan item),
		logger: r.logger.With("session_id", sessionID, "pid", cmd.Process.Pid),
	}
	go p.feed(ctx, input)
	go p.read(ctx, cmd, stdout, stderr)

	p.logger.Info("claude process started")
	return p, nil
}

type item struct {
	ev  agent.Event
	err error
}

type process struct {
	stdin     io.WriteCloser
	closeOnce sync.Once
	out       chan item
	logger    *slog.Logger
}

func (p *process) Next(ctx context.Context) (agent.Event, error) {
	select {
	case it, ok := <-p.out:
		if !ok {
			return agent.Event{}, io.EOF
		}
		return it.ev, it.err
	case <-ctx.Done():
		return agent.Event{}, ctx.Err()
	}
}

// Close ends the child's input, which lets it exit once idle.
func (p *process) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.stdin.Close() })
	return err
}

// userLine is the stream-json input record for one user turn.
type userLine struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *process) feed(ctx context.Context, input agent.TurnSource) {
	defer p.Close()

	enc := json.NewEncoder(p.stdin)
	for {
		turn, err := input.Next(ctx)
		if err != nil {
			return
		}
		line := userLine{Type: "user", Message: userMessage{Role: "user", Content: turn.Content}}
		if err := enc.Encode(line); err != nil {
			p.logger.Warn("failed to write turn to claude", "error", err)
			return
		}
	}
}

func (p *process) read(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader) {
	defer close(p.out)

	stderrCh := make(chan string, 1)
	go func() {
		// Drain fully so a chatty child never blocks on a full stderr pipe.
		data, _ := io.ReadAll(stderr)
		stderrCh <- strings.TrimSpace(string(data))
	}()

	emit := func(it item) bool {
		select {
		case p.out <- it:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Tool results echoed back as user lines can be arbitrarily large, so
	// lines are read without a length cap.
	reader := bufio.NewReader(stdout)
	for {
		line, readErr := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			for _, ev := range parseLine(line) {
				if !emit(item{ev: ev}) {
					return
				}
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}

		// The child may be blocked writing to a pipe nobody drains any more.
		if err := cmd.Process.Kill(); err != nil {
			p.logger.Debug("failed to kill claude", "error", err)
		}
		<-stderrCh
		_ = cmd.Wait()
		if ctx.Err() == nil {
			emit(item{err: fmt.Errorf("reading claude output: %w", readErr)})
		}
		return
	}

	stderrContent := <-stderrCh
	err := cmd.Wait()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		msg := stderrContent
		if msg == "" {
			msg = err.Error()
		}
		emit(item{err: fmt.Errorf("claude exited: %s", msg)})
		return
	}
	p.logger.Info("claude process exited")
}

// cliEvent represents a raw event from Claude CLI verbose stream-json output.
type cliEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Result  string          `json:"result,omitempty"`
}

type cliMessage struct {
	Content []cliContentBlock `json:"content"`
}

type cliContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// parseLine converts one stdout line into zero or more events. Unknown or
// malformed lines are ignored.
func parseLine(line []byte) []agent.Event {
	var event cliEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return nil
	}

	switch event.Type {
	case "assistant":
		if event.Message == nil {
			return nil
		}
		var msg cliMessage
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			return nil
		}
		var events []agent.Event
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, agent.TextEvent(block.Text))
				}
			case "tool_use":
				events = append(events, agent.ToolUseEvent(block.ID, block.Name, block.Input))
			}
		}
		return events
	case "result":
		ev := agent.ResultEvent(event.Subtype == "success" && !event.IsError, event.Subtype)
		if !ev.Result.Success {
			ev.Result.Message = event.Result
		}
		return []agent.Event{ev}
	default:
		// system/init and user (tool result) lines carry nothing for listeners
		return nil
	}
}

// historyPreamble renders earlier turns so a fresh CLI process can pick the
// conversation up where a previous one left off.
func historyPreamble(turns []agent.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Conversation so far (resumed session):\n")
	for _, t := range turns {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n[%s]\n%s\n", t.Role, t.Content)
	}
	return b.String()
}
