// Package chat runs the conversational assistant: it gates, prepares,
// runs and records one exchange per chat request.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/atrium/internal/agent"
	"github.com/nugget/atrium/internal/apperr"
	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/composer"
	"github.com/nugget/atrium/internal/config"
	"github.com/nugget/atrium/internal/conversation"
	"github.com/nugget/atrium/internal/schema"
	"github.com/nugget/atrium/internal/usage"
)

// completionTimeout bounds the detached persistence work.
const completionTimeout = 30 * time.Second

// Conversations is the conversation store as the service uses it.
type Conversations interface {
	Lookup(ctx context.Context, p auth.Principal, id string) (*conversation.Conversation, error)
	Create(ctx context.Context, p auth.Principal, d conversation.Draft) (*conversation.Conversation, bool, error)
	SaveExchange(ctx context.Context, p auth.Principal, ex conversation.Exchange) error
}

// UsageRecorder appends usage entries.
type UsageRecorder interface {
	Record(ctx context.Context, e usage.Entry) error
}

// Deps wires a Service.
type Deps struct {
	Logger        *slog.Logger
	Shared        *SharedState
	Loop          *agent.Loop
	Conversations Conversations
	Usage         UsageRecorder
	Pricing       map[string]config.PricingEntry
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service handles chat requests.
type Service struct {
	logger        *slog.Logger
	shared        *SharedState
	loop          *agent.Loop
	conversations Conversations
	usage         UsageRecorder
	pricing       map[string]config.PricingEntry
	now           func() time.Time
}

// NewService creates a chat service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		logger:        d.Logger,
		shared:        d.Shared,
		loop:          d.Loop,
		conversations: d.Conversations,
		usage:         d.Usage,
		pricing:       d.Pricing,
		now:           d.Now,
	}
}

// Exchange is a prepared chat request.
type Exchange struct {
	RequestID      string
	Principal      auth.Principal
	ConversationID string
	// IsNew is true when this exchange starts the conversation.
	IsNew       bool
	UserMessage conversation.Message
	Context     *composer.RequestContext
	Source      string

	agentReq agent.Request
	logger   *slog.Logger
}

// Prepare turns a request into an Exchange or a classified error: rate
// limit, validation, then conversation ownership. Nothing is sent to the
// model before Prepare succeeds.
func (s *Service) Prepare(ctx context.Context, requestID string, p auth.Principal, req Request) (*Exchange, error) {
	log := s.logger.With("request_id", requestID, "org_id", p.OrgID, "user_id", p.UserID)

	if !p.Valid() {
		return nil, apperr.Unauthorized(errors.New("no principal"))
	}
	if d := s.shared.Limiter.Check(p.Key()); !d.Allowed {
		log.Info("chat request rate limited", "retry_after", d.RetryAfter)
		return nil, apperr.RateLimited(d.RetryAfter)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ex := &Exchange{
		RequestID:      requestID,
		Principal:      p,
		ConversationID: req.ConversationID,
		UserMessage:    req.userMessage(),
		Context:        req.Context,
		Source:         req.Source,
		logger:         log,
	}

	var stored *conversation.Conversation
	if ex.ConversationID != "" {
		c, err := s.conversations.Lookup(ctx, p, ex.ConversationID)
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, apperr.NotFound("conversation")
		}
		if err != nil {
			return nil, apperr.Internal(err)
		}
		stored = c
	} else {
		ex.ConversationID = conversation.NewID()
	}
	ex.IsNew = stored == nil

	if ex.IsNew {
		_, _, err := s.conversations.Create(ctx, p, conversation.Draft{
			ID:           ex.ConversationID,
			FirstMessage: ex.UserMessage.Text(),
			Context:      req.Context,
			Source:       req.Source,
		})
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, apperr.NotFound("conversation")
		}
		if err != nil {
			log.Warn("eager conversation create failed, completion will create it",
				"conversation_id", ex.ConversationID, "error", err)
		}
	}

	// A request carrying only the new message continues the stored
	// transcript; otherwise the client's transcript is authoritative.
	var transcript []conversation.Message
	if stored != nil && len(req.Messages) == 1 {
		transcript = append(append(transcript, stored.Messages...), ex.UserMessage)
	} else {
		transcript = req.transcript()
	}

	snap, err := s.shared.Schemas.Get(ctx, p.OrgID)
	if err != nil {
		log.Warn("schema snapshot unavailable, composing without it", "error", err)
		snap = &schema.Snapshot{OrgID: p.OrgID}
	}
	var rc composer.RequestContext
	if req.Context != nil {
		rc = *req.Context
	}
	prompt := composer.Compose(p, snap, rc, s.now())

	ex.agentReq = agent.Request{
		RequestID: requestID,
		Principal: p,
		Model:     req.Model,
		System:    prompt.Messages(),
		History:   History(transcript),
	}
	log.Debug("chat exchange prepared",
		"conversation_id", ex.ConversationID,
		"new", ex.IsNew,
		"history", len(ex.agentReq.History),
		"prefix_bytes", len(prompt.StablePrefix),
	)
	return ex, nil
}

// Run drives the exchange. ctx is the caller's connection: cancelling it
// aborts the exchange.
func (s *Service) Run(ctx context.Context, ex *Exchange, emit func(agent.Event)) *agent.Outcome {
	return s.loop.Run(ctx, ex.agentReq, emit)
}

// Stream is Run delivering events on a channel.
func (s *Service) Stream(ctx context.Context, ex *Exchange) *agent.Stream {
	return s.loop.Stream(ctx, ex.agentReq)
}

// Complete persists the transcript and the usage entry concurrently. It
// ignores the caller's cancellation, always attempts both writes, and
// only logs failures.
func (s *Service) Complete(ctx context.Context, ex *Exchange, out *agent.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()
	log := ex.logger.With("conversation_id", ex.ConversationID)

	var g errgroup.Group
	g.Go(func() error {
		msgs := []conversation.Message{ex.UserMessage}
		if len(out.Parts) > 0 {
			msgs = append(msgs, out.Message())
		}
		err := s.conversations.SaveExchange(ctx, ex.Principal, conversation.Exchange{
			ConversationID: ex.ConversationID,
			Messages:       msgs,
			Context:        ex.Context,
			Source:         ex.Source,
		})
		if err != nil {
			log.Error("failed to save conversation", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		err := s.usage.Record(ctx, usage.Entry{
			Timestamp:        s.now(),
			RequestID:        ex.RequestID,
			OrgID:            ex.Principal.OrgID,
			UserID:           ex.Principal.UserID,
			ConversationID:   ex.ConversationID,
			UserText:         ex.UserMessage.Text(),
			ToolNames:        out.ToolNames,
			Model:            out.Model,
			Steps:            out.Steps,
			InputTokens:      out.Usage.InputTokens,
			OutputTokens:     out.Usage.OutputTokens,
			CacheReadTokens:  out.Usage.CacheReadTokens,
			CacheWriteTokens: out.Usage.CacheWriteTokens,
			CostUSD: usage.ComputeCost(out.Model, out.Usage.InputTokens, out.Usage.OutputTokens,
				out.Usage.CacheReadTokens, out.Usage.CacheWriteTokens, s.pricing),
			Outcome: out.State.String(),
		})
		if err != nil {
			log.Warn("failed to record usage", "error", err)
		}
		return nil
	})
	_ = g.Wait()
}

// Handle prepares, runs and completes one exchange. The returned error is
// only ever a Prepare error; once the exchange runs, failures are reported
// through the outcome and the event stream.
func (s *Service) Handle(ctx context.Context, requestID string, p auth.Principal, req Request, emit func(agent.Event)) (*Exchange, *agent.Outcome, error) {
	ex, err := s.Prepare(ctx, requestID, p, req)
	if err != nil {
		return nil, nil, err
	}
	out := s.Run(ctx, ex, emit)
	s.Complete(ctx, ex, out)
	return ex, out, nil
}
