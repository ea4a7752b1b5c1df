// Package redisstore caches the session -> workspace binding so identity
// resolution survives process restarts without a backend round trip.
package redisstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when no binding is cached.
var ErrMiss = errors.New("redisstore: cache miss")

type Store struct {
	client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func sessionKey(sessionID string) string {
	return "chatsync:session_workspace:" + sessionID
}

// GetWorkspace returns the cached workspace id for a session.
func (s *Store) GetWorkspace(ctx context.Context, sessionID string) (string, error) {
	v, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", err
	}
	return v, nil
}

// SetWorkspace stores the binding. No TTL: the binding is immutable for the
// session's lifetime and only invalidated by an explicit session change.
func (s *Store) SetWorkspace(ctx context.Context, sessionID, workspaceID string) error {
	return s.client.Set(ctx, sessionKey(sessionID), workspaceID, 0).Err()
}

// DeleteWorkspace drops the binding, used when a cached session turns out to
// be gone on the backend.
func (s *Store) DeleteWorkspace(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKey(sessionID)).Err()
}
