package agent

import "context"

// Stream is an exchange running in its own goroutine, delivering events
// on a channel.
type Stream struct {
	events  chan Event
	done    chan struct{}
	outcome *Outcome
}

// Stream starts req and returns immediately. The caller ranges over
// Events until it is closed, then calls Wait. Cancelling ctx stops event
// delivery; Wait still returns the full outcome.
func (l *Loop) Stream(ctx context.Context, req Request) *Stream {
	s := &Stream{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		s.outcome = l.Run(ctx, req, func(ev Event) {
			select {
			case s.events <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return s
}

// Events returns the event channel. It is closed when the exchange ends.
func (s *Stream) Events() <-chan Event { return s.events }

// Wait blocks until the exchange ends and returns its outcome.
func (s *Stream) Wait() *Outcome {
	<-s.done
	return s.outcome
}
