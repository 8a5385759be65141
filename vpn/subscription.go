package vpn

import (
	"context"
	"errors"
	"iter"
	"sync"

	"tailscale.com/ipn"

	"github.com/chillshell/tsvpn/backend"
)

// ErrSubscriptionClosed is yielded by a Subscription that was stopped or
// already iterated.
var ErrSubscriptionClosed = errors.New("subscription closed")

// DefaultWatchMask requests the initial state, netmap and prefs.
const DefaultWatchMask = ipn.NotifyInitialState | ipn.NotifyInitialNetMap | ipn.NotifyInitialPrefs

// Subscription is a single pass over the backend event bus.
type Subscription struct {
	w backend.Watcher

	mu      sync.Mutex
	started bool
	stopped bool
}

// Subscribe opens a subscription on bus.
func Subscribe(ctx context.Context, bus backend.Bus, mask ipn.NotifyWatchOpt) (*Subscription, error) {
	w, err := bus.Watch(ctx, mask)
	if err != nil {
		return nil, err
	}
	return &Subscription{w: w}, nil
}

// Events returns the decoded event stream. The stream ends with a non-nil
// error when the bus fails or the subscription is stopped. It can be
// ranged over only once.
func (s *Subscription) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		s.mu.Lock()
		if s.started || s.stopped {
			s.mu.Unlock()
			yield(Event{}, ErrSubscriptionClosed)
			return
		}
		s.started = true
		s.mu.Unlock()

		for {
			n, err := s.w.Next()
			if err != nil {
				if s.isStopped() {
					err = ErrSubscriptionClosed
				}
				yield(Event{}, err)
				return
			}
			if s.isStopped() {
				yield(Event{}, ErrSubscriptionClosed)
				return
			}
			for _, ev := range decodeNotify(n) {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func (s *Subscription) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop closes the subscription, unblocking a pending Events iteration.
func (s *Subscription) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	return s.w.Close()
}
