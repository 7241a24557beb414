package chat

import (
	"time"

	"github.com/nugget/atrium/internal/ratelimit"
	"github.com/nugget/atrium/internal/schema"
)

// SharedState is the process-wide mutable state of the chat service: the
// per-principal rate limit table and the per-org schema cache. Everything
// else is request-scoped. Both live in process memory, so a deployment
// with more than one replica limits and caches per replica.
type SharedState struct {
	Limiter *ratelimit.Limiter
	Schemas *schema.Cache
}

// NewSharedState builds the shared state.
func NewSharedState(limit int, window time.Duration, source schema.Source, ttl time.Duration) *SharedState {
	return &SharedState{
		Limiter: ratelimit.New(limit, window),
		Schemas: schema.NewCache(source, ttl),
	}
}

// Reset clears the limiter and the cache.
func (s *SharedState) Reset() {
	s.Limiter.Reset()
	s.Schemas.Reset()
}
