// Package push maintains the live event subscription for the active session:
// connect, catch up from the high-water mark, resume, and reconnect with
// backoff when the feed drops.
package push

import (
	"context"

	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/backoff"
	"github.com/suPer8Hu/chat-sync/internal/chat"
)

// Channel is the transport that delivers remote message events. Delivery is
// at-least-once with no ordering guarantee.
type Channel interface {
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
}

// Subscription is one live feed. Events is closed when the feed drops.
type Subscription interface {
	Events() <-chan chat.Event
	Close() error
}

// Sink is where the subscriber routes everything it learns. All three calls
// are tagged with the sessionID they were issued for so the receiver can
// discard results for a session that is no longer active.
type Sink interface {
	// ApplyRemote proposes one remote message for reconciliation.
	ApplyRemote(sessionID string, msg chat.Message)
	// CatchUp fetches and applies every message since the sink's high-water
	// mark. Returns a chat.TransientError on retriable failure.
	CatchUp(ctx context.Context, sessionID string) error
	// ConnStateChanged reports live/stale/closed transitions.
	ConnStateChanged(sessionID string, state chat.ConnState)
}

// Subscriber drives the subscribe -> catch-up -> resume loop for one session
// at a time. Reconnects use the shared backoff policy with the attempt
// counter reset after every successful catch-up.
type Subscriber struct {
	channel Channel
	sink    Sink
	policy  backoff.Policy
	log     *zap.Logger
}

func NewSubscriber(channel Channel, sink Sink, policy backoff.Policy, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		channel: channel,
		sink:    sink,
		policy:  policy,
		log:     log,
	}
}

// Run blocks until ctx is cancelled. Cancelling ctx is the only way to stop
// it; the session switch path cancels the per-session context, so events for
// a torn-down session can never reach the sink afterwards.
func (s *Subscriber) Run(ctx context.Context, sessionID string) {
	defer s.sink.ConnStateChanged(sessionID, chat.ConnClosed)

	attempt := 0
	for ctx.Err() == nil {
		sub, err := s.channel.Subscribe(ctx, sessionID)
		if err != nil {
			attempt++
			s.log.Warn("subscribe failed",
				zap.String("session", sessionID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			s.sink.ConnStateChanged(sessionID, chat.ConnStale)
			if s.policy.Wait(ctx, attempt) != nil {
				return
			}
			continue
		}

		// Close the gap from the disconnect window before consuming live
		// events. Events arriving meanwhile are buffered by the channel and
		// deduplicated by the reconciler, so the order of the two phases is
		// not load-bearing.
		if err := s.catchUp(ctx, sessionID); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			attempt++
			s.log.Warn("catch-up failed",
				zap.String("session", sessionID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			s.sink.ConnStateChanged(sessionID, chat.ConnStale)
			if s.policy.Wait(ctx, attempt) != nil {
				return
			}
			continue
		}

		attempt = 0
		s.sink.ConnStateChanged(sessionID, chat.ConnLive)
		s.drain(ctx, sessionID, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		s.sink.ConnStateChanged(sessionID, chat.ConnStale)
	}
}

// catchUp runs the sink's catch-up with bounded retries on transient errors.
func (s *Subscriber) catchUp(ctx context.Context, sessionID string) error {
	for attempt := 1; ; attempt++ {
		err := s.sink.CatchUp(ctx, sessionID)
		if err == nil {
			return nil
		}
		if !chat.IsTransient(err) || s.policy.Exhausted(attempt+1) {
			return err
		}
		if waitErr := s.policy.Wait(ctx, attempt); waitErr != nil {
			return waitErr
		}
	}
}

func (s *Subscriber) drain(ctx context.Context, sessionID string, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.sink.ApplyRemote(sessionID, ev.Message)
		}
	}
}
