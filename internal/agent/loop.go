// Package agent drives one exchange: model turns, tool calls and the
// event stream the caller renders.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/atrium/internal/apperr"
	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/conversation"
	"github.com/nugget/atrium/internal/llm"
	"github.com/nugget/atrium/internal/prompts"
	"github.com/nugget/atrium/internal/tools"
)

// Defaults for Config.
const (
	DefaultMaxSteps        = 5
	DefaultToolConcurrency = 4
)

// Config tunes a Loop.
type Config struct {
	Model           string
	MaxSteps        int
	ToolConcurrency int
}

// Loop runs exchanges against one model client and tool registry.
type Loop struct {
	logger          *slog.Logger
	llm             llm.Client
	tools           *tools.Registry
	model           string
	maxSteps        int
	toolConcurrency int
}

// NewLoop creates a loop. Zero config values take the defaults.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = DefaultToolConcurrency
	}
	return &Loop{
		logger:          logger,
		llm:             client,
		tools:           registry,
		model:           cfg.Model,
		maxSteps:        cfg.MaxSteps,
		toolConcurrency: cfg.ToolConcurrency,
	}
}

// MaxSteps returns the step ceiling.
func (l *Loop) MaxSteps() int { return l.maxSteps }

// Request is the input to one exchange.
type Request struct {
	RequestID string
	Principal auth.Principal
	// Model overrides the loop's default model when set.
	Model string
	// System is the composed system prompt.
	System []llm.Message
	// History is the prior transcript ending with the new user message.
	History []llm.Message
}

// Outcome is the result of an exchange. It is complete even when the
// exchange was aborted or failed, so it can always be persisted.
type Outcome struct {
	State State
	// States records every state entered, in order.
	States []State

	Model string
	Text  string
	// Parts is the assistant message: text and tool invocations in the
	// order they happened.
	Parts     []conversation.Part
	ToolNames []string
	Usage     Usage
	Steps     int

	StepLimitReached bool

	// Err is set when State is Errored (an *apperr.Error) or Aborted.
	Err error
}

func (o *Outcome) to(s State) {
	o.State = s
	o.States = append(o.States, s)
}

// Message returns the assistant message to persist.
func (o *Outcome) Message() conversation.Message {
	return conversation.Message{Role: conversation.RoleAssistant, Parts: o.Parts}
}

// FinishReason names why the exchange ended.
func (o *Outcome) FinishReason() string {
	switch {
	case o.State == StateAborted:
		return "aborted"
	case o.State == StateErrored:
		return "error"
	case o.StepLimitReached:
		return FinishStepLimit
	default:
		return FinishStop
	}
}

func (o *Outcome) appendText(s string) {
	if s == "" {
		return
	}
	o.Text += s
	if n := len(o.Parts); n > 0 && o.Parts[n-1].Type == conversation.PartText {
		o.Parts[n-1].Text += s
		return
	}
	o.Parts = append(o.Parts, conversation.TextPart(s))
}

// emitter forwards events until the exchange's context is cancelled, then
// drops them. It serializes concurrent tool goroutines.
type emitter struct {
	ctx context.Context
	mu  sync.Mutex
	fn  func(Event)
}

func (e *emitter) emit(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fn == nil || e.ctx.Err() != nil {
		return false
	}
	e.fn(ev)
	return true
}

// Run executes one exchange. ctx is the caller's abort signal: once it is
// cancelled no further events are emitted and no new tool executions
// start. Tools already running finish under a context detached from ctx
// and their results are kept in the Outcome.
func (l *Loop) Run(ctx context.Context, req Request, emit func(Event)) *Outcome {
	log := l.logger.With("request_id", req.RequestID, "org_id", req.Principal.OrgID, "user_id", req.Principal.UserID)
	model := req.Model
	if model == "" {
		model = l.model
	}

	out := &Outcome{Model: model}
	out.to(StateIdle)
	em := &emitter{ctx: ctx, fn: emit}

	msgs := make([]llm.Message, 0, len(req.System)+len(req.History)+2*l.maxSteps)
	msgs = append(msgs, req.System...)
	msgs = append(msgs, req.History...)
	defs := l.tools.Definitions()

	log.Info("exchange started", "model", model, "history", len(req.History), "tools", len(defs))
	started := time.Now()

	for {
		if ctx.Err() != nil {
			return l.abort(ctx, out, log)
		}
		out.Steps++
		out.to(StateAwaitingModel)

		var streamed strings.Builder
		streamingCalls := make(map[string]bool)
		resp, err := l.llm.ChatStream(ctx, model, msgs, defs, func(ev llm.StreamEvent) {
			switch ev.Kind {
			case llm.KindToken:
				if ev.Token == "" {
					return
				}
				if streamed.Len() == 0 {
					out.to(StateEmittingText)
				}
				streamed.WriteString(ev.Token)
				em.emit(Event{Type: EventTextDelta, Delta: ev.Token})
			case llm.KindToolCallStart:
				if ev.ToolCall != nil && ev.ToolCall.ID != "" {
					streamingCalls[ev.ToolCall.ID] = true
				}
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				out.appendText(streamed.String())
				return l.abort(ctx, out, log)
			}
			log.Error("model turn failed", "step", out.Steps, "error", err)
			out.appendText(streamed.String())
			out.Err = apperr.Provider(err)
			out.to(StateErrored)
			em.emit(Event{Type: EventError, Error: prompts.ProviderFailureMessage})
			return out
		}
		if resp.Model != "" {
			out.Model = resp.Model
		}
		out.Usage.add(resp.InputTokens, resp.OutputTokens, resp.CacheReadTokens, resp.CacheWriteTokens)
		log.Debug("model turn complete",
			"step", out.Steps,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"cache_read_tokens", resp.CacheReadTokens,
			"tool_calls", len(resp.Message.ToolCalls),
			"stop_reason", resp.StopReason,
		)

		content := resp.Message.Content
		if streamed.Len() == 0 && content != "" {
			out.to(StateEmittingText)
			em.emit(Event{Type: EventTextDelta, Delta: content})
		} else if content == "" {
			content = streamed.String()
		}
		out.appendText(content)

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			return l.done(out, em, log, started)
		}
		out.to(StateRequestingTools)

		if out.Steps >= l.maxSteps {
			log.Warn("step ceiling reached, dropping pending tool calls",
				"steps", out.Steps, "pending", len(calls))
			out.StepLimitReached = true
			return l.done(out, em, log, started)
		}
		if ctx.Err() != nil {
			return l.abort(ctx, out, log)
		}

		calls = append([]llm.ToolCall(nil), calls...)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", out.Steps, i)
			}
			if calls[i].Function.Arguments == nil {
				calls[i].Function.Arguments = map[string]any{}
			}
		}

		out.to(StateExecutingTools)
		results := l.executeTools(ctx, req.Principal, calls, em, log)

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: content, ToolCalls: calls})
		for i, call := range calls {
			res := results[i]
			out.Parts = append(out.Parts, toolPart(call, res, streamingCalls[call.ID]))
			if res.ran {
				out.ToolNames = append(out.ToolNames, call.Function.Name)
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: res.result.String()})
		}
	}
}

type toolOutcome struct {
	result  tools.Result
	ran     bool
	elapsed time.Duration
}

// executeTools runs calls concurrently and returns results indexed like
// calls, whatever order they complete in.
func (l *Loop) executeTools(ctx context.Context, p auth.Principal, calls []llm.ToolCall, em *emitter, log *slog.Logger) []toolOutcome {
	results := make([]toolOutcome, len(calls))
	runCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(l.toolConcurrency)
	for i, call := range calls {
		if ctx.Err() != nil {
			break
		}
		em.emit(Event{
			Type:       EventToolCallStarted,
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			Input:      call.Function.Arguments,
		})
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			start := time.Now()
			res := l.tools.Execute(runCtx, p, call.Function.Name, call.Function.Arguments)
			results[i] = toolOutcome{result: res, ran: true, elapsed: time.Since(start)}

			log.Log(runCtx, llm.LevelTrace, "tool result", "tool", call.Function.Name, "result", res.String())
			if res.Failed() {
				log.Info("tool call failed", "tool", call.Function.Name, "call_id", call.ID, "error", res.Error)
			} else {
				log.Debug("tool call succeeded", "tool", call.Function.Name, "call_id", call.ID,
					"elapsed", results[i].elapsed.Round(time.Millisecond))
			}

			ev := Event{Type: EventToolCallFinished, ToolCallID: call.ID, ToolName: call.Function.Name}
			if res.Failed() {
				ev.Error = res.Error
			} else {
				ev.Output = res.Output
			}
			em.emit(ev)
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if !results[i].ran {
			results[i].result = tools.Fail("not executed: the request was cancelled")
		}
	}
	return results
}

func toolPart(call llm.ToolCall, res toolOutcome, streamed bool) conversation.Part {
	part := conversation.ToolPart(call.ID, call.Function.Name)
	part.Input = call.Function.Arguments
	if streamed {
		_ = part.Advance(conversation.ToolInputStreaming)
	}
	if res.ran {
		_ = part.Advance(conversation.ToolExecuting)
	}
	if res.result.Failed() {
		_ = part.Advance(conversation.ToolErrored)
		part.Error = res.result.Error
	} else {
		_ = part.Advance(conversation.ToolSucceeded)
		part.Output = res.result.Output
	}
	return part
}

func (l *Loop) done(out *Outcome, em *emitter, log *slog.Logger, started time.Time) *Outcome {
	var tail string
	if strings.TrimSpace(out.Text) == "" {
		tail = prompts.EmptyResponseFallback
	}
	if out.StepLimitReached {
		tail += prompts.StepLimitNote
	}
	if tail != "" {
		out.appendText(tail)
		em.emit(Event{Type: EventTextDelta, Delta: tail})
	}

	out.to(StateDone)
	usage := out.Usage
	em.emit(Event{
		Type:         EventDone,
		FinishReason: out.FinishReason(),
		Usage:        &usage,
		ToolNames:    out.ToolNames,
	})
	log.Info("exchange finished",
		"state", out.State.String(),
		"steps", out.Steps,
		"tools", out.ToolNames,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"cache_read_tokens", out.Usage.CacheReadTokens,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return out
}

func (l *Loop) abort(ctx context.Context, out *Outcome, log *slog.Logger) *Outcome {
	out.Err = context.Cause(ctx)
	out.to(StateAborted)
	log.Info("exchange aborted by caller", "steps", out.Steps, "tools", out.ToolNames)
	return out
}
