// Package synccore wires the timeline, reconciler, session lifecycle, and
// push subscription into the surface the UI layer consumes: submit, retry,
// snapshot, change notification, and session info.
//
// All timeline mutation is funneled through one reconcile goroutine.
// Producers (optimistic writer, push subscriber, catch-up fetch) enqueue
// proposals tagged with the session id they were issued for; proposals whose
// tag no longer matches the active session are discarded, which is what makes
// session switching safe against in-flight work.
package synccore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/backend"
	"github.com/suPer8Hu/chat-sync/internal/backoff"
	"github.com/suPer8Hu/chat-sync/internal/chat"
	"github.com/suPer8Hu/chat-sync/internal/push"
	"github.com/suPer8Hu/chat-sync/internal/session"
)

// ErrNotReady is returned by operations that need an active session before
// Start (or after Close).
var ErrNotReady = errors.New("sync core: no active session")

type proposalKind int

const (
	propApply proposalKind = iota
	propAppendLocal
	propSetDelivery
	propRemoveLocal
	propConnState
	propReset
)

type proposal struct {
	sessionID string // empty only for propReset
	kind      proposalKind
	msg       chat.Message
	localID   string
	delivery  chat.DeliveryState
	state     chat.ConnState
	done      chan struct{}
}

type activeSession struct {
	sess   *backend.Session
	ctx    context.Context
	cancel context.CancelFunc
}

type Options struct {
	CatchUpLimit int
	Backoff      backoff.Policy
}

// Service is the session/message synchronization core.
type Service struct {
	backend      backend.Service
	manager      *session.Manager
	channel      push.Channel
	policy       backoff.Policy
	catchUpLimit int
	log          *zap.Logger

	timeline  *chat.Timeline
	rec       *chat.Reconciler
	proposals chan proposal

	runCtx    context.Context
	runCancel context.CancelFunc
	loopDone  chan struct{}
	startOnce sync.Once

	mu        sync.Mutex
	active    *activeSession
	principal string
	conn      chat.ConnState
	onChange  []func()
	watchers  map[int]chan struct{}
	watchSeq  int
	subWG     sync.WaitGroup
}

func New(b backend.Service, manager *session.Manager, channel push.Channel, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CatchUpLimit <= 0 {
		opts.CatchUpLimit = 100
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.Default()
	}
	timeline := chat.NewTimeline()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		backend:      b,
		manager:      manager,
		channel:      channel,
		policy:       opts.Backoff,
		catchUpLimit: opts.CatchUpLimit,
		log:          log,
		timeline:     timeline,
		rec:          chat.NewReconciler(timeline, log),
		proposals:    make(chan proposal, 256),
		runCtx:       ctx,
		runCancel:    cancel,
		loopDone:     make(chan struct{}),
		conn:         chat.ConnClosed,
		watchers:     make(map[int]chan struct{}),
	}
}

// Start resolves the preferred session (may be empty) for principal and
// brings up the push subscription. Safe to call once; use SwitchSession for
// later changes.
func (s *Service) Start(ctx context.Context, preferredSessionID, principal string) (chat.SessionInfo, error) {
	s.startOnce.Do(func() {
		go s.loop()
	})

	s.mu.Lock()
	s.principal = principal
	s.mu.Unlock()

	sess, err := s.manager.Initialize(ctx, preferredSessionID, principal)
	if err != nil {
		return chat.SessionInfo{}, err
	}
	s.activate(sess)
	return s.SessionInfo(), nil
}

// SwitchSession tears down the current session (subscription, in-flight
// catch-up, pending timers) and resolves the new target. Events issued for
// the old session can never reach the new timeline.
func (s *Service) SwitchSession(ctx context.Context, preferredSessionID string) (chat.SessionInfo, error) {
	s.mu.Lock()
	old := s.active
	s.active = nil
	principal := s.principal
	s.mu.Unlock()

	if old != nil {
		old.cancel()
	}
	s.manager.Reset(ctx)
	s.awaitProposal(ctx, proposal{kind: propReset})

	sess, err := s.manager.Initialize(ctx, preferredSessionID, principal)
	if err != nil {
		return chat.SessionInfo{}, err
	}
	s.activate(sess)
	return s.SessionInfo(), nil
}

// Close cancels everything and stops the reconcile loop.
func (s *Service) Close() {
	s.mu.Lock()
	old := s.active
	s.active = nil
	s.mu.Unlock()
	if old != nil {
		old.cancel()
	}
	s.runCancel()
	s.subWG.Wait()
	<-s.loopDone
}

// Submit appends a pending optimistic message and returns its local id
// synchronously; the backend send happens out of band. On send failure the
// entry is marked failed and kept visible for explicit retry.
func (s *Service) Submit(ctx context.Context, content string, role chat.Role) (string, error) {
	active := s.currentActive()
	if active == nil {
		return "", ErrNotReady
	}
	if role == "" {
		role = chat.RoleUser
	}

	m := chat.Message{
		LocalID:   uuid.NewString(),
		SessionID: active.sess.SessionID,
		Role:      role,
		Content:   content,
		Nonce:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Delivery:  chat.DeliveryPending,
	}
	if !s.awaitProposal(ctx, proposal{
		sessionID: m.SessionID,
		kind:      propAppendLocal,
		msg:       m,
	}) {
		return "", ErrNotReady
	}

	go s.send(active, m)
	return m.LocalID, nil
}

// Retry resubmits a failed entry as a brand new pending message with a fresh
// nonce. The failed entry is removed; failed entries are never mutated back
// to pending in place.
func (s *Service) Retry(ctx context.Context, localID string) (string, error) {
	m, ok := s.timeline.GetLocal(localID)
	if !ok {
		return "", fmt.Errorf("retry: unknown local id %s", localID)
	}
	if m.Delivery != chat.DeliveryFailed {
		return "", fmt.Errorf("retry: message %s is %s, only failed entries can be retried", localID, m.Delivery)
	}
	s.awaitProposal(ctx, proposal{
		sessionID: m.SessionID,
		kind:      propRemoveLocal,
		localID:   localID,
	})
	return s.Submit(ctx, m.Content, m.Role)
}

// Snapshot returns the ordered timeline. The slice is shared; treat it as
// read-only.
func (s *Service) Snapshot() []chat.Message {
	return s.timeline.Snapshot()
}

// OnChange registers fn to run after every reconciliation that changed the
// visible timeline or connection state.
func (s *Service) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Watch returns a channel that receives a tick after every visible change,
// and a cancel func that releases it. Ticks are coalesced.
func (s *Service) Watch() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchSeq++
	id := s.watchSeq
	ch := make(chan struct{}, 1)
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// Principal returns the owner this core was started as. Every session the
// core resolves or creates belongs to this principal.
func (s *Service) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// SessionInfo reports the active session and connection state.
func (s *Service) SessionInfo() chat.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := chat.SessionInfo{Connection: s.conn}
	if s.active != nil {
		info.SessionID = s.active.sess.SessionID
		info.WorkspaceID = s.active.sess.WorkspaceID
	}
	return info
}

func (s *Service) activate(sess *backend.Session) {
	ctx, cancel := context.WithCancel(s.runCtx)
	a := &activeSession{sess: sess, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	s.active = a
	s.conn = chat.ConnStale // stale until the first catch-up completes
	s.mu.Unlock()

	sub := push.NewSubscriber(s.channel, sink{s}, s.policy, s.log)
	s.subWG.Add(1)
	go func() {
		defer s.subWG.Done()
		sub.Run(ctx, sess.SessionID)
	}()
}

func (s *Service) currentActive() *activeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Service) activeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.sess.SessionID
}

// send performs the out-of-band backend send for one optimistic message.
// Failures never drop the entry: it is marked failed and left visible. Sends
// are not retried automatically.
func (s *Service) send(a *activeSession, m chat.Message) {
	confirmed, err := s.backend.SendMessage(a.ctx, m.SessionID, backend.Outgoing{
		Role:      m.Role,
		Content:   m.Content,
		Nonce:     m.Nonce,
		CreatedAt: m.CreatedAt,
	})
	if err != nil {
		if a.ctx.Err() != nil {
			return // session torn down, nothing to mark
		}
		s.log.Warn("send failed",
			zap.String("session", m.SessionID),
			zap.String("local_id", m.LocalID),
			zap.Error(err))
		s.enqueue(a.ctx, proposal{
			sessionID: m.SessionID,
			kind:      propSetDelivery,
			localID:   m.LocalID,
			delivery:  chat.DeliveryFailed,
		})
		return
	}

	confirmed.LocalID = m.LocalID
	confirmed.Delivery = chat.DeliveryConfirmed
	s.enqueue(a.ctx, proposal{
		sessionID: m.SessionID,
		kind:      propApply,
		msg:       confirmed,
	})

	if err := s.backend.TouchSession(a.ctx, m.SessionID, confirmed.CreatedAt); err != nil && a.ctx.Err() == nil {
		s.log.Debug("session touch failed", zap.String("session", m.SessionID), zap.Error(err))
	}
}

// catchUp pages messages from the high-water mark until drained, routing
// every record through the reconciler.
func (s *Service) catchUp(ctx context.Context, sessionID string) error {
	for {
		createdAt, serverID := s.timeline.HighWaterMark()
		msgs, err := s.backend.MessagesSince(ctx, sessionID,
			backend.Marker{CreatedAt: createdAt, ServerID: serverID}, s.catchUpLimit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			// Wait for each batch entry to be applied so the next page's
			// marker reflects it.
			if !s.awaitProposal(ctx, proposal{
				sessionID: sessionID,
				kind:      propApply,
				msg:       m,
			}) {
				return ctx.Err()
			}
		}
		if len(msgs) < s.catchUpLimit {
			return nil
		}
	}
}

func (s *Service) enqueue(ctx context.Context, p proposal) bool {
	select {
	case s.proposals <- p:
		return true
	case <-ctx.Done():
		return false
	case <-s.runCtx.Done():
		return false
	}
}

// awaitProposal enqueues p and blocks until the reconcile loop has processed
// it. Used where the caller needs the mutation visible on return.
func (s *Service) awaitProposal(ctx context.Context, p proposal) bool {
	p.done = make(chan struct{})
	if !s.enqueue(ctx, p) {
		return false
	}
	select {
	case <-p.done:
		return true
	case <-s.runCtx.Done():
		return false
	}
}

// loop is the single writer. Everything that mutates the timeline goes
// through here in arrival order.
func (s *Service) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.runCtx.Done():
			// Drain awaiters so nothing blocks during shutdown.
			for {
				select {
				case p := <-s.proposals:
					if p.done != nil {
						close(p.done)
					}
				default:
					return
				}
			}
		case p := <-s.proposals:
			s.handle(p)
		}
	}
}

func (s *Service) handle(p proposal) {
	if p.done != nil {
		defer close(p.done)
	}

	if p.kind == propReset {
		s.timeline.Reset()
		s.rec.Reset()
		s.notify()
		return
	}

	// Discard anything tagged for a session that is no longer active.
	if p.sessionID != s.activeSessionID() {
		return
	}

	changed := false
	switch p.kind {
	case propApply:
		changed = s.rec.Apply(p.msg)
	case propAppendLocal:
		changed = s.timeline.Append(p.msg)
	case propSetDelivery:
		changed = s.timeline.SetDelivery(p.localID, p.delivery)
	case propRemoveLocal:
		changed = s.timeline.Remove(p.localID)
	case propConnState:
		s.mu.Lock()
		changed = s.conn != p.state
		s.conn = p.state
		s.mu.Unlock()
	}
	if changed {
		s.notify()
	}
}

func (s *Service) notify() {
	s.mu.Lock()
	callbacks := append([]func(){}, s.onChange...)
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// sink adapts Service to push.Sink without exporting the methods.
type sink struct{ s *Service }

func (k sink) ApplyRemote(sessionID string, msg chat.Message) {
	ctx := context.Background()
	if a := k.s.currentActive(); a != nil {
		ctx = a.ctx
	}
	k.s.enqueue(ctx, proposal{sessionID: sessionID, kind: propApply, msg: msg})
}

func (k sink) CatchUp(ctx context.Context, sessionID string) error {
	return k.s.catchUp(ctx, sessionID)
}

func (k sink) ConnStateChanged(sessionID string, state chat.ConnState) {
	k.s.enqueue(context.Background(), proposal{
		sessionID: sessionID,
		kind:      propConnState,
		state:     state,
	})
}
