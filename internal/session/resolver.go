// Package session owns identity resolution and the session lifecycle state
// machine that hands a validated session+workspace pair to the sync core.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/backend"
	"github.com/suPer8Hu/chat-sync/internal/chat"
	"github.com/suPer8Hu/chat-sync/internal/common"
	"github.com/suPer8Hu/chat-sync/internal/store/redisstore"
)

// Resolver maps a candidate session id to a validated session+workspace
// pair, creating a fresh session when the candidate is absent, malformed, or
// unknown. A forbidden session is fatal and never silently replaced.
//
// The session -> workspace binding is read through a two-tier cache (process
// map, then Redis) with no expiry; it is only invalidated by an explicit
// session change.
type Resolver struct {
	backend backend.Service
	cache   *redisstore.Store // optional
	log     *zap.Logger

	mu    sync.Mutex
	local map[string]string // sessionID -> workspaceID
}

func NewResolver(b backend.Service, cache *redisstore.Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		backend: b,
		cache:   cache,
		log:     log,
		local:   make(map[string]string),
	}
}

// Resolve returns the session for candidate, or a newly created one when the
// candidate cannot be used. principal is the authenticated caller; a
// candidate owned by someone else fails with chat.ErrSessionForbidden.
func (r *Resolver) Resolve(ctx context.Context, candidate, principal string) (*backend.Session, error) {
	if candidate == "" || !common.IsULID(candidate) {
		if candidate != "" {
			r.log.Info("malformed session id, creating new session",
				zap.String("candidate", candidate))
		}
		return r.create(ctx, principal)
	}

	if workspace, ok := r.cachedWorkspace(ctx, candidate); ok {
		return &backend.Session{SessionID: candidate, WorkspaceID: workspace}, nil
	}

	sess, err := r.backend.FetchSession(ctx, candidate)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			r.log.Info("session id resolved to nothing, creating new session",
				zap.String("candidate", candidate))
			return r.create(ctx, principal)
		}
		return nil, err
	}
	if sess.Owner != "" && principal != "" && sess.Owner != principal {
		return nil, chat.ErrSessionForbidden
	}

	r.remember(ctx, sess.SessionID, sess.WorkspaceID)
	return sess, nil
}

// Invalidate drops the cached binding for a session. Called on session
// change.
func (r *Resolver) Invalidate(ctx context.Context, sessionID string) {
	r.mu.Lock()
	delete(r.local, sessionID)
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.DeleteWorkspace(ctx, sessionID); err != nil {
			r.log.Warn("cache invalidate failed", zap.String("session", sessionID), zap.Error(err))
		}
	}
}

func (r *Resolver) create(ctx context.Context, principal string) (*backend.Session, error) {
	sess, err := r.backend.CreateSession(ctx, "", principal)
	if err != nil {
		return nil, err
	}
	r.remember(ctx, sess.SessionID, sess.WorkspaceID)
	return sess, nil
}

func (r *Resolver) cachedWorkspace(ctx context.Context, sessionID string) (string, bool) {
	r.mu.Lock()
	if w, ok := r.local[sessionID]; ok {
		r.mu.Unlock()
		return w, true
	}
	r.mu.Unlock()

	if r.cache == nil {
		return "", false
	}
	w, err := r.cache.GetWorkspace(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, redisstore.ErrMiss) {
			r.log.Warn("cache read failed", zap.String("session", sessionID), zap.Error(err))
		}
		return "", false
	}
	r.mu.Lock()
	r.local[sessionID] = w
	r.mu.Unlock()
	return w, true
}

func (r *Resolver) remember(ctx context.Context, sessionID, workspaceID string) {
	r.mu.Lock()
	r.local[sessionID] = workspaceID
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.SetWorkspace(ctx, sessionID, workspaceID); err != nil {
			r.log.Warn("cache write failed", zap.String("session", sessionID), zap.Error(err))
		}
	}
}
