package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/suPer8Hu/chat-sync/internal/backend"
	"github.com/suPer8Hu/chat-sync/internal/backoff"
	"github.com/suPer8Hu/chat-sync/internal/chat"
)

type State int32

const (
	Uninitialized State = iota
	Resolving
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Resolving:
		return "resolving"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Manager drives Uninitialized -> Resolving -> Ready|Failed. Resolution is
// retried with the shared backoff policy except for forbidden sessions, which
// fail immediately. Concurrent Initialize calls for the same target coalesce
// into the single in-flight attempt.
type Manager struct {
	resolver *Resolver
	policy   backoff.Policy
	log      *zap.Logger

	group singleflight.Group

	mu      sync.Mutex
	state   State
	current *backend.Session
}

func NewManager(resolver *Resolver, policy backoff.Policy, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		resolver: resolver,
		policy:   policy,
		log:      log,
		state:    Uninitialized,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the resolved session, or nil before Ready.
func (m *Manager) Current() *backend.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Initialize resolves the preferred session id (may be empty) for principal.
// Ready is terminal for a given session: once resolved, later calls return
// the same session until Reset.
func (m *Manager) Initialize(ctx context.Context, preferred, principal string) (*backend.Session, error) {
	m.mu.Lock()
	if m.state == Ready && m.current != nil &&
		(preferred == "" || preferred == m.current.SessionID) {
		cur := m.current
		m.mu.Unlock()
		return cur, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("resolve:"+preferred, func() (any, error) {
		return m.resolveWithRetry(ctx, preferred, principal)
	})
	if err != nil {
		return nil, err
	}
	return v.(*backend.Session), nil
}

// Reset tears the machine back to Uninitialized for a session change. The
// caller is responsible for tearing down the old session's subscription
// before initializing the new one.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	old := m.current
	m.current = nil
	m.state = Uninitialized
	m.mu.Unlock()
	if old != nil {
		m.resolver.Invalidate(ctx, old.SessionID)
	}
}

func (m *Manager) resolveWithRetry(ctx context.Context, preferred, principal string) (*backend.Session, error) {
	m.setState(Resolving)

	var lastErr error
	for attempt := 1; ; attempt++ {
		sess, err := m.resolver.Resolve(ctx, preferred, principal)
		if err == nil {
			m.mu.Lock()
			m.current = sess
			m.state = Ready
			m.mu.Unlock()
			m.log.Info("session ready",
				zap.String("session", sess.SessionID),
				zap.String("workspace", sess.WorkspaceID))
			return sess, nil
		}
		if errors.Is(err, chat.ErrSessionForbidden) {
			m.setState(Failed)
			return nil, err
		}
		lastErr = err
		if m.policy.Exhausted(attempt + 1) {
			m.setState(Failed)
			return nil, lastErr
		}
		m.log.Warn("session resolution failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		if waitErr := m.policy.Wait(ctx, attempt); waitErr != nil {
			m.setState(Failed)
			return nil, waitErr
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
