package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/backend"
	"github.com/suPer8Hu/chat-sync/internal/chat"
	"github.com/suPer8Hu/chat-sync/internal/store/redisstore"
)

type resolverBackend struct {
	mu       sync.Mutex
	sessions map[string]*backend.Session
	fetchErr error
	fetchN   int // remaining injected fetch failures
	fetches  int
	creates  int
	nextID   int
}

func newResolverBackend() *resolverBackend {
	return &resolverBackend{sessions: make(map[string]*backend.Session)}
}

func (b *resolverBackend) add(id, workspace, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[id] = &backend.Session{SessionID: id, WorkspaceID: workspace, Owner: owner}
}

func (b *resolverBackend) FetchSession(ctx context.Context, sessionID string) (*backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchN > 0 {
		b.fetchN--
		return nil, b.fetchErr
	}
	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, chat.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (b *resolverBackend) CreateSession(ctx context.Context, workspaceHint, owner string) (*backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	b.nextID++
	id := fmt.Sprintf("01CREATED%017d", b.nextID)
	s := &backend.Session{SessionID: id, WorkspaceID: "ws-" + id, Owner: owner}
	b.sessions[id] = s
	cp := *s
	return &cp, nil
}

func (b *resolverBackend) MessagesSince(ctx context.Context, sessionID string, since backend.Marker, limit int) ([]chat.Message, error) {
	return nil, nil
}

func (b *resolverBackend) SendMessage(ctx context.Context, sessionID string, out backend.Outgoing) (chat.Message, error) {
	return chat.Message{}, nil
}

func (b *resolverBackend) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return nil
}

func TestResolveEmptyCandidateCreatesSession(t *testing.T) {
	be := newResolverBackend()
	r := NewResolver(be, nil, zap.NewNop())

	sess, err := r.Resolve(context.Background(), "", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, sess.SessionID)
	require.NotEmpty(t, sess.WorkspaceID)
	require.Equal(t, 1, be.creates)
	require.Equal(t, 0, be.fetches, "nothing to look up for an empty candidate")
}

func TestResolveMalformedCandidateCreatesSession(t *testing.T) {
	be := newResolverBackend()
	r := NewResolver(be, nil, zap.NewNop())

	sess, err := r.Resolve(context.Background(), "not-a-valid-id", "alice")
	require.NoError(t, err)
	require.NotEqual(t, "not-a-valid-id", sess.SessionID)
	require.Equal(t, 0, be.fetches, "malformed ids are rejected before hitting the backend")
}

func TestResolveUnknownCandidateCreatesSession(t *testing.T) {
	be := newResolverBackend()
	r := NewResolver(be, nil, zap.NewNop())

	sess, err := r.Resolve(context.Background(), "01GGGGGGGGGGGGGGGGGGGGGGGG", "alice")
	require.NoError(t, err)
	require.NotEqual(t, "01GGGGGGGGGGGGGGGGGGGGGGGG", sess.SessionID)
	require.Equal(t, 1, be.fetches)
	require.Equal(t, 1, be.creates)
}

func TestResolveForbiddenIsNotReplaced(t *testing.T) {
	be := newResolverBackend()
	be.add("01HHHHHHHHHHHHHHHHHHHHHHHH", "ws1", "mallory")
	r := NewResolver(be, nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), "01HHHHHHHHHHHHHHHHHHHHHHHH", "alice")
	require.ErrorIs(t, err, chat.ErrSessionForbidden)
	require.Equal(t, 0, be.creates, "a forbidden session must not be silently swapped for a new one")
}

func TestResolveCachesWorkspaceBinding(t *testing.T) {
	be := newResolverBackend()
	be.add("01JJJJJJJJJJJJJJJJJJJJJJJJ", "ws1", "alice")
	r := NewResolver(be, nil, zap.NewNop())

	first, err := r.Resolve(context.Background(), "01JJJJJJJJJJJJJJJJJJJJJJJJ", "alice")
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "01JJJJJJJJJJJJJJJJJJJJJJJJ", "alice")
	require.NoError(t, err)
	require.Equal(t, first.WorkspaceID, second.WorkspaceID)
	require.Equal(t, 1, be.fetches, "second resolve served from cache")
}

func TestInvalidateDropsCachedBinding(t *testing.T) {
	be := newResolverBackend()
	be.add("01KKKKKKKKKKKKKKKKKKKKKKKK", "ws1", "alice")
	r := NewResolver(be, nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), "01KKKKKKKKKKKKKKKKKKKKKKKK", "alice")
	require.NoError(t, err)
	r.Invalidate(context.Background(), "01KKKKKKKKKKKKKKKKKKKKKKKK")

	_, err = r.Resolve(context.Background(), "01KKKKKKKKKKKKKKKKKKKKKKKK", "alice")
	require.NoError(t, err)
	require.Equal(t, 2, be.fetches)
}

func TestResolveRedisTierOutlivesTheProcessCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redisstore.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cache.Close() })

	be := newResolverBackend()
	be.add("01WWWWWWWWWWWWWWWWWWWWWWWW", "ws1", "alice")
	ctx := context.Background()

	r1 := NewResolver(be, cache, zap.NewNop())
	_, err := r1.Resolve(ctx, "01WWWWWWWWWWWWWWWWWWWWWWWW", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, be.fetches)

	// A fresh resolver with an empty process map, as after a restart: the
	// binding comes out of the shared tier, not the backend.
	r2 := NewResolver(be, cache, zap.NewNop())
	sess, err := r2.Resolve(ctx, "01WWWWWWWWWWWWWWWWWWWWWWWW", "alice")
	require.NoError(t, err)
	require.Equal(t, "ws1", sess.WorkspaceID)
	require.Equal(t, 1, be.fetches, "served from redis, no backend round trip")

	// Invalidation clears both tiers; the next resolve goes to the backend.
	r2.Invalidate(ctx, "01WWWWWWWWWWWWWWWWWWWWWWWW")
	r3 := NewResolver(be, cache, zap.NewNop())
	_, err = r3.Resolve(ctx, "01WWWWWWWWWWWWWWWWWWWWWWWW", "alice")
	require.NoError(t, err)
	require.Equal(t, 2, be.fetches)
}

func TestResolveTransientFetchErrorSurfaces(t *testing.T) {
	be := newResolverBackend()
	be.add("01MMMMMMMMMMMMMMMMMMMMMMMM", "ws1", "alice")
	be.fetchErr = &chat.TransientError{Op: "fetch", Err: errors.New("backend down")}
	be.fetchN = 1
	r := NewResolver(be, nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), "01MMMMMMMMMMMMMMMMMMMMMMMM", "alice")
	require.True(t, chat.IsTransient(err))
	require.Equal(t, 0, be.creates, "a transient outage must not spawn a replacement session")
}
