package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// PacedClient caps the rate of outbound model turns across all requests
// so bursts of chats queue briefly instead of tripping provider limits.
type PacedClient struct {
	next    Client
	limiter *rate.Limiter
}

// NewPacedClient wraps next with a token bucket of perSecond turns and
// the given burst. A non-positive perSecond disables pacing.
func NewPacedClient(next Client, perSecond float64, burst int) *PacedClient {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &PacedClient{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// ChatStream waits for a token, then forwards the turn. It returns early
// if ctx ends while waiting.
func (p *PacedClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pace model request: %w", err)
	}
	return p.next.ChatStream(ctx, model, messages, tools, callback)
}

// Ping is not paced.
func (p *PacedClient) Ping(ctx context.Context) error {
	return p.next.Ping(ctx)
}
