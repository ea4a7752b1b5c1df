package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestGetWorkspaceMiss(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetWorkspace(context.Background(), "01AAAAAAAAAAAAAAAAAAAAAAAA")
	require.ErrorIs(t, err, ErrMiss)
}

func TestSetGetDeleteWorkspace(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWorkspace(ctx, "01AAAAAAAAAAAAAAAAAAAAAAAA", "ws1"))
	got, err := s.GetWorkspace(ctx, "01AAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	require.Equal(t, "ws1", got)

	require.NoError(t, s.DeleteWorkspace(ctx, "01AAAAAAAAAAAAAAAAAAAAAAAA"))
	_, err = s.GetWorkspace(ctx, "01AAAAAAAAAAAAAAAAAAAAAAAA")
	require.ErrorIs(t, err, ErrMiss)
}

func TestWorkspaceBindingHasNoExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWorkspace(ctx, "01BBBBBBBBBBBBBBBBBBBBBBBB", "ws1"))
	require.Equal(t, time.Duration(0), mr.TTL(sessionKey("01BBBBBBBBBBBBBBBBBBBBBBBB")))

	// The binding survives well past any plausible cache horizon.
	mr.FastForward(90 * 24 * time.Hour)
	got, err := s.GetWorkspace(ctx, "01BBBBBBBBBBBBBBBBBBBBBBBB")
	require.NoError(t, err)
	require.Equal(t, "ws1", got)
}
