package schema

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Source produces a fresh snapshot for an org.
type Source interface {
	Describe(ctx context.Context, orgID string) (*Snapshot, error)
}

// Cache holds one snapshot per org and refreshes it from the source once
// it is older than the TTL. Concurrent misses for the same org may each
// refresh; the last writer wins. Reads take no lock.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	entries sync.Map // orgID -> *Snapshot
}

// NewCache creates a cache. A non-positive ttl defaults to five minutes.
func NewCache(source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{source: source, ttl: ttl, now: time.Now}
}

// Get returns the org's snapshot, refreshing it when missing or stale.
func (c *Cache) Get(ctx context.Context, orgID string) (*Snapshot, error) {
	if v, ok := c.entries.Load(orgID); ok {
		snap := v.(*Snapshot)
		if c.now().Sub(snap.CapturedAt) < c.ttl {
			return snap, nil
		}
	}

	snap, err := c.source.Describe(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("describe schema for org %s: %w", orgID, err)
	}
	snap.OrgID = orgID
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = c.now()
	}
	c.entries.Store(orgID, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for one org.
func (c *Cache) Invalidate(orgID string) {
	c.entries.Delete(orgID)
}

// Reset drops every cached snapshot.
func (c *Cache) Reset() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }
