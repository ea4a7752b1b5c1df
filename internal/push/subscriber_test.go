package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/backoff"
	"github.com/suPer8Hu/chat-sync/internal/chat"
)

type memSub struct {
	mu     sync.Mutex
	events chan chat.Event
	closed bool
}

func newMemSub() *memSub { return &memSub{events: make(chan chat.Event, 16)} }

func (s *memSub) Events() <-chan chat.Event { return s.events }

func (s *memSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *memSub) send(ev chat.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

// drop simulates the feed dying server-side.
func (s *memSub) drop() { _ = s.Close() }

type memChannel struct {
	mu       sync.Mutex
	refusals int
	subs     []*memSub
}

func (c *memChannel) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refusals > 0 {
		c.refusals--
		return nil, errors.New("subscribe refused")
	}
	sub := newMemSub()
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *memChannel) latest() *memSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return nil
	}
	return c.subs[len(c.subs)-1]
}

func (c *memChannel) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

type recordingSink struct {
	mu          sync.Mutex
	applied     []chat.Message
	states      []chat.ConnState
	catchUps    int
	catchUpErrs int // transient failures to inject
}

func (s *recordingSink) ApplyRemote(sessionID string, msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, msg)
}

func (s *recordingSink) CatchUp(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchUps++
	if s.catchUpErrs > 0 {
		s.catchUpErrs--
		return &chat.TransientError{Op: "catch-up", Err: errors.New("injected")}
	}
	return nil
}

func (s *recordingSink) ConnStateChanged(sessionID string, state chat.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) lastState() chat.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return ""
	}
	return s.states[len(s.states)-1]
}

func (s *recordingSink) stateSeen(want chat.ConnState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st == want {
			return true
		}
	}
	return false
}

func (s *recordingSink) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func subTestPolicy() backoff.Policy {
	return backoff.Policy{
		Base:        time.Millisecond,
		Factor:      2,
		Max:         5 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func runSubscriber(t *testing.T, ch Channel, sink Sink) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sub := NewSubscriber(ch, sink, subTestPolicy(), zap.NewNop())
	go func() {
		defer close(done)
		sub.Run(ctx, "01XXXXXXXXXXXXXXXXXXXXXXXX")
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestSubscriberCatchesUpBeforeGoingLive(t *testing.T) {
	ch := &memChannel{}
	sink := &recordingSink{}
	runSubscriber(t, ch, sink)

	require.Eventually(t, func() bool {
		return sink.lastState() == chat.ConnLive
	}, 2*time.Second, 2*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, 1, sink.catchUps, "exactly one catch-up before live")
}

func TestSubscriberDeliversEventsToSink(t *testing.T) {
	ch := &memChannel{}
	sink := &recordingSink{}
	runSubscriber(t, ch, sink)

	require.Eventually(t, func() bool {
		return sink.lastState() == chat.ConnLive
	}, 2*time.Second, 2*time.Millisecond)

	ch.latest().send(chat.Event{Type: chat.EventCreated, Message: chat.Message{ServerID: "m1"}})
	require.Eventually(t, func() bool {
		return sink.appliedCount() == 1
	}, 2*time.Second, 2*time.Millisecond)
}

func TestSubscriberReconnectsAfterFeedDrop(t *testing.T) {
	ch := &memChannel{}
	sink := &recordingSink{}
	runSubscriber(t, ch, sink)

	require.Eventually(t, func() bool {
		return sink.lastState() == chat.ConnLive
	}, 2*time.Second, 2*time.Millisecond)

	ch.latest().drop()

	// A fresh subscription comes up, preceded by a stale report and a second
	// catch-up to close the disconnect window.
	require.Eventually(t, func() bool {
		return ch.subscribeCount() == 2 && sink.lastState() == chat.ConnLive
	}, 2*time.Second, 2*time.Millisecond)
	require.True(t, sink.stateSeen(chat.ConnStale))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, 2, sink.catchUps)
}

func TestSubscriberRetriesRefusedSubscriptions(t *testing.T) {
	ch := &memChannel{refusals: 2}
	sink := &recordingSink{}
	runSubscriber(t, ch, sink)

	require.Eventually(t, func() bool {
		return sink.lastState() == chat.ConnLive
	}, 2*time.Second, 2*time.Millisecond)
	require.True(t, sink.stateSeen(chat.ConnStale))
}

func TestSubscriberRetriesTransientCatchUpWithinBudget(t *testing.T) {
	ch := &memChannel{}
	sink := &recordingSink{catchUpErrs: 2}
	runSubscriber(t, ch, sink)

	require.Eventually(t, func() bool {
		return sink.lastState() == chat.ConnLive
	}, 2*time.Second, 2*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, 3, sink.catchUps, "two transient failures then success")
}

func TestSubscriberResubscribesWhenCatchUpBudgetExhausted(t *testing.T) {
	ch := &memChannel{}
	sink := &recordingSink{catchUpErrs: 10}
	runSubscriber(t, ch, sink)

	// The whole connect cycle repeats after the in-cycle budget runs out.
	require.Eventually(t, func() bool {
		return ch.subscribeCount() >= 2
	}, 2*time.Second, 2*time.Millisecond)
}

func TestSubscriberReportsClosedOnShutdown(t *testing.T) {
	ch := &memChannel{}
	sink := &recordingSink{}
	cancel := runSubscriber(t, ch, sink)

	require.Eventually(t, func() bool {
		return sink.lastState() == chat.ConnLive
	}, 2*time.Second, 2*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return sink.lastState() == chat.ConnClosed
	}, 2*time.Second, 2*time.Millisecond)
}
