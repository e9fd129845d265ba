// ABOUTME: agent.Runtime backed by the Anthropic Messages streaming API, directly or via Bedrock.
// ABOUTME: Each process keeps its own multi-turn history and streams text deltas as events.

package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/2389/slideforge/internal/agent"
)

// DefaultMaxTokens caps a single assistant reply when Options leaves it unset.
const DefaultMaxTokens = 8192

// MessagesClient captures the streaming subset of the Messages API. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the runtime.
type Options struct {
	// Model is the model identifier, e.g. "claude-sonnet-4-5" or a Bedrock model ID.
	Model     string
	MaxTokens int64
	Logger    *slog.Logger

	// PermissionMode is accepted for config parity with the claude CLI
	// backend. This backend never executes tools, so a non-empty value only
	// produces a warning.
	PermissionMode string
}

// Runtime starts one streaming conversation per session.
type Runtime struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	logger    *slog.Logger

	toolsWarned sync.Once
}

// New builds a runtime around an existing Messages client.
func New(msg MessagesClient, opts Options) (*Runtime, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		msg:       msg,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		logger:    logger.With("component", "anthropic"),
	}
	if opts.PermissionMode != "" {
		r.logger.Warn("permission_mode is ignored by the anthropic backend", "permission_mode", opts.PermissionMode)
	}
	return r, nil
}

// NewFromAPIKey talks to the Anthropic API directly. An empty baseURL keeps
// the SDK default.
func NewFromAPIKey(apiKey, baseURL string, opts Options) (*Runtime, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	client := sdk.NewClient(reqOpts...)
	return New(&client.Messages, opts)
}

// NewBedrock routes requests through AWS Bedrock using the default AWS
// credential chain for region.
func NewBedrock(ctx context.Context, region string, opts Options) (*Runtime, error) {
	if region == "" {
		return nil, errors.New("aws region is required")
	}
	client := sdk.NewClient(bedrock.WithLoadDefaultConfig(ctx, config.WithRegion(region)))
	return New(&client.Messages, opts)
}

// Start implements agent.Runtime. The process lives until ctx ends or input
// is exhausted.
func (r *Runtime) Start(ctx context.Context, sessionID string, cfg agent.Config, input agent.TurnSource) (agent.Process, error) {
	if len(cfg.AllowedTools) > 0 {
		r.toolsWarned.Do(func() {
			r.logger.Warn("allowed_tools is ignored by the anthropic backend; tool_use blocks are reported but never executed",
				"allowed_tools", cfg.AllowedTools)
		})
	}
	history, system := seedHistory(cfg.History, cfg.SystemPrompt)

	p := &process{
		rt:       r,
		input:    input,
		maxTurns: cfg.MaxTurns,
		system:   system,
		history:  history,
		out:      make(chan item),
		logger:   r.logger.With("session_id", sessionID),
	}
	go p.run(ctx)
	return p, nil
}

type item struct {
	ev  agent.Event
	err error
}

type process struct {
	rt       *Runtime
	input    agent.TurnSource
	maxTurns int
	system   string
	history  []sdk.MessageParam
	turns    int

	out    chan item
	logger *slog.Logger
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

// Close is a no-op; the process stops with the context it was started under.
func (p *process) Close() error { return nil }

func (p *process) emit(ctx context.Context, ev agent.Event) bool {
	select {
	case p.out <- item{ev: ev}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *process) run(ctx context.Context) {
	defer close(p.out)

	for {
		turn, err := p.input.Next(ctx)
		if err != nil {
			return
		}

		p.turns++
		if p.maxTurns > 0 && p.turns > p.maxTurns {
			ev := agent.Event{Type: agent.EventResult, Result: &agent.Result{
				Subtype: "error_max_turns",
				Message: fmt.Sprintf("turn limit of %d reached", p.maxTurns),
			}}
			if !p.emit(ctx, ev) {
				return
			}
			continue
		}

		p.history = append(p.history, sdk.NewUserMessage(sdk.NewTextBlock(turn.Content)))

		text, err := p.exchange(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Warn("anthropic exchange failed", "error", err)
			// Drop the unanswered turn so the next request starts from a valid history.
			p.history = p.history[:len(p.history)-1]
			ev := agent.Event{Type: agent.EventResult, Result: &agent.Result{
				Subtype: "error_during_execution",
				Message: err.Error(),
			}}
			if !p.emit(ctx, ev) {
				return
			}
			continue
		}

		if text != "" {
			p.history = append(p.history, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
		}
		if !p.emit(ctx, agent.ResultEvent(true, "success")) {
			return
		}
	}
}

type toolBuffer struct {
	id, name string
	input    strings.Builder
}

// exchange streams one reply, emitting events as they arrive, and returns
// the full assistant text.
func (p *process) exchange(ctx context.Context) (string, error) {
	params := sdk.MessageNewParams{
		MaxTokens: p.rt.maxTokens,
		Messages:  p.history,
		Model:     sdk.Model(p.rt.model),
	}
	if p.system != "" {
		params.System = []sdk.TextBlockParam{{Text: p.system}}
	}

	stream := p.rt.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	tools := make(map[int64]*toolBuffer)

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				tools[ev.Index] = &toolBuffer{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				if !p.emit(ctx, agent.TextEvent(delta.Text)) {
					return text.String(), ctx.Err()
				}
			case sdk.InputJSONDelta:
				if tb := tools[ev.Index]; tb != nil {
					tb.input.WriteString(delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			tb, ok := tools[ev.Index]
			if !ok {
				continue
			}
			delete(tools, ev.Index)
			input := json.RawMessage(tb.input.String())
			if len(input) > 0 && !json.Valid(input) {
				p.logger.Warn("discarding malformed tool input", "tool", tb.name)
				input = nil
			}
			if !p.emit(ctx, agent.ToolUseEvent(tb.id, tb.name, input)) {
				return text.String(), ctx.Err()
			}
		}
	}
	if err := stream.Err(); err != nil {
		return text.String(), fmt.Errorf("anthropic stream: %w", err)
	}
	return text.String(), nil
}

// seedHistory converts persisted turns into API messages. System turns are
// folded into the system prompt, consecutive turns of one role are merged,
// and the history never starts with an assistant message.
func seedHistory(turns []agent.Turn, systemPrompt string) ([]sdk.MessageParam, string) {
	system := []string{}
	if systemPrompt != "" {
		system = append(system, systemPrompt)
	}

	var (
		msgs    []sdk.MessageParam
		role    agent.Role
		pending []string
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		block := sdk.NewTextBlock(strings.Join(pending, "\n\n"))
		if role == agent.RoleUser {
			msgs = append(msgs, sdk.NewUserMessage(block))
		} else {
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		}
		pending = nil
	}

	for _, t := range turns {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		switch t.Role {
		case agent.RoleSystem:
			system = append(system, t.Content)
			continue
		case agent.RoleAssistant:
			if len(msgs) == 0 && role != agent.RoleUser {
				continue
			}
		case agent.RoleUser:
		default:
			continue
		}
		if t.Role != role {
			flush()
			role = t.Role
		}
		pending = append(pending, t.Content)
	}
	flush()

	return msgs, strings.Join(system, "\n\n")
}
