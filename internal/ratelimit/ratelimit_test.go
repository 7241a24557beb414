package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(limit, window)
	l.now = clk.Now
	return l, clk
}

func TestCheck_LimitThenRecover(t *testing.T) {
	for _, n := range []int{1, 5, 20} {
		t.Run(fmt.Sprintf("limit=%d", n), func(t *testing.T) {
			l, clk := newTestLimiter(n, time.Minute)
			for i := 0; i < n; i++ {
				if d := l.Check("org/a"); !d.Allowed {
					t.Fatalf("request %d rejected", i+1)
				}
				clk.Advance(time.Second)
			}

			d := l.Check("org/a")
			if d.Allowed {
				t.Fatalf("request %d allowed, want rejected", n+1)
			}
			if d.RetryAfter <= 0 {
				t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
			}

			clk.Advance(time.Minute)
			if d := l.Check("org/a"); !d.Allowed {
				t.Error("request after window rejected")
			}
		})
	}
}

func TestCheck_RetryAfterIsRemainingWindow(t *testing.T) {
	l, clk := newTestLimiter(20, time.Minute)
	for i := 0; i < 24; i++ {
		l.Check("org/a")
		if i < 19 {
			clk.Advance(100 * time.Millisecond)
		}
	}
	// First hit was 1.9s ago.
	d := l.Check("org/a")
	if d.Allowed {
		t.Fatal("25th request allowed")
	}
	want := time.Minute - 1900*time.Millisecond
	if d.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, want)
	}

	if d := l.Check("org/b"); !d.Allowed {
		t.Error("other principal rejected")
	}
}

func TestCheck_SlidingNotFixed(t *testing.T) {
	l, clk := newTestLimiter(2, 10*time.Second)
	l.Check("p")
	clk.Advance(6 * time.Second)
	l.Check("p")
	clk.Advance(5 * time.Second)

	// The first hit expired; the second leaves the window at t=16s.
	if d := l.Check("p"); !d.Allowed {
		t.Fatal("expected allowed after oldest hit expired")
	}
	d := l.Check("p")
	if d.Allowed {
		t.Fatal("expected rejection")
	}
	if d.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s", d.RetryAfter)
	}
}

func TestCheck_RejectedNotRecorded(t *testing.T) {
	l, clk := newTestLimiter(1, 10*time.Second)
	l.Check("p")
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		l.Check("p")
	}
	clk.Advance(5 * time.Second)
	if d := l.Check("p"); !d.Allowed {
		t.Error("rejected requests extended the window")
	}
}

func TestSweep_DropsIdlePrincipals(t *testing.T) {
	l, clk := newTestLimiter(3, time.Minute)
	for i := 0; i < 50; i++ {
		l.Check(fmt.Sprintf("org/%d", i))
	}
	if l.Len() != 50 {
		t.Fatalf("Len() = %d, want 50", l.Len())
	}
	clk.Advance(2 * time.Minute)
	l.Check("org/new")
	if l.Len() != 1 {
		t.Errorf("Len() after sweep = %d, want 1", l.Len())
	}
}

func TestCheck_ConcurrentNoUndercount(t *testing.T) {
	l, _ := newTestLimiter(20, time.Minute)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("org/a").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 20 {
		t.Errorf("allowed = %d, want exactly 20", allowed)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	l.Check("p")
	if l.Check("p").Allowed {
		t.Fatal("expected rejection before reset")
	}
	l.Reset()
	if !l.Check("p").Allowed {
		t.Error("expected allowed after reset")
	}
}

func TestNew_Defaults(t *testing.T) {
	n, w := New(0, 0).Limit()
	if n != 20 || w != time.Minute {
		t.Errorf("Limit() = %d, %v; want 20, 1m", n, w)
	}
}
