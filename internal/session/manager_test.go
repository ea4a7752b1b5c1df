package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/backoff"
	"github.com/suPer8Hu/chat-sync/internal/chat"
)

func managerPolicy() backoff.Policy {
	return backoff.Policy{
		Base:        time.Millisecond,
		Factor:      2,
		Max:         5 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func newTestManager(be *resolverBackend) *Manager {
	r := NewResolver(be, nil, zap.NewNop())
	return NewManager(r, managerPolicy(), zap.NewNop())
}

func TestInitializeReachesReady(t *testing.T) {
	be := newResolverBackend()
	be.add("01NNNNNNNNNNNNNNNNNNNNNNNN", "ws1", "alice")
	m := newTestManager(be)

	require.Equal(t, Uninitialized, m.State())
	sess, err := m.Initialize(context.Background(), "01NNNNNNNNNNNNNNNNNNNNNNNN", "alice")
	require.NoError(t, err)
	require.Equal(t, "01NNNNNNNNNNNNNNNNNNNNNNNN", sess.SessionID)
	require.Equal(t, Ready, m.State())
	require.Equal(t, sess.SessionID, m.Current().SessionID)
}

func TestInitializeReadyIsSticky(t *testing.T) {
	be := newResolverBackend()
	be.add("01PPPPPPPPPPPPPPPPPPPPPPPP", "ws1", "alice")
	m := newTestManager(be)

	first, err := m.Initialize(context.Background(), "01PPPPPPPPPPPPPPPPPPPPPPPP", "alice")
	require.NoError(t, err)
	second, err := m.Initialize(context.Background(), "01PPPPPPPPPPPPPPPPPPPPPPPP", "alice")
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)
	require.Equal(t, 1, be.fetches, "ready state short-circuits repeat initialization")
}

func TestInitializeRetriesTransientFailures(t *testing.T) {
	be := newResolverBackend()
	be.add("01QQQQQQQQQQQQQQQQQQQQQQQQ", "ws1", "alice")
	be.fetchErr = &chat.TransientError{Op: "fetch", Err: errors.New("flaky")}
	be.fetchN = 2
	m := newTestManager(be)

	sess, err := m.Initialize(context.Background(), "01QQQQQQQQQQQQQQQQQQQQQQQQ", "alice")
	require.NoError(t, err)
	require.Equal(t, "01QQQQQQQQQQQQQQQQQQQQQQQQ", sess.SessionID)
	require.Equal(t, Ready, m.State())
	require.Equal(t, 3, be.fetches)
}

func TestInitializeFailsAfterBudgetExhausted(t *testing.T) {
	be := newResolverBackend()
	be.add("01RRRRRRRRRRRRRRRRRRRRRRRR", "ws1", "alice")
	be.fetchErr = &chat.TransientError{Op: "fetch", Err: errors.New("down")}
	be.fetchN = 100
	m := newTestManager(be)

	_, err := m.Initialize(context.Background(), "01RRRRRRRRRRRRRRRRRRRRRRRR", "alice")
	require.Error(t, err)
	require.True(t, chat.IsTransient(err))
	require.Equal(t, Failed, m.State())
	require.Equal(t, managerPolicy().MaxAttempts, be.fetches)
}

func TestInitializeForbiddenFailsWithoutRetry(t *testing.T) {
	be := newResolverBackend()
	be.add("01SSSSSSSSSSSSSSSSSSSSSSSS", "ws1", "mallory")
	m := newTestManager(be)

	_, err := m.Initialize(context.Background(), "01SSSSSSSSSSSSSSSSSSSSSSSS", "alice")
	require.ErrorIs(t, err, chat.ErrSessionForbidden)
	require.Equal(t, Failed, m.State())
	require.Equal(t, 1, be.fetches, "forbidden is fatal, not retried")
}

func TestResetAllowsSwitchingSessions(t *testing.T) {
	be := newResolverBackend()
	be.add("01TTTTTTTTTTTTTTTTTTTTTTTT", "ws1", "alice")
	be.add("01VVVVVVVVVVVVVVVVVVVVVVVV", "ws2", "alice")
	m := newTestManager(be)

	first, err := m.Initialize(context.Background(), "01TTTTTTTTTTTTTTTTTTTTTTTT", "alice")
	require.NoError(t, err)

	m.Reset(context.Background())
	require.Equal(t, Uninitialized, m.State())
	require.Nil(t, m.Current())

	second, err := m.Initialize(context.Background(), "01VVVVVVVVVVVVVVVVVVVVVVVV", "alice")
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)
	require.Equal(t, "ws2", second.WorkspaceID)
}
