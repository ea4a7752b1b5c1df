// Package backend is the persistence/query collaborator consumed by the sync
// core. The sync core only depends on the Service interface; the GORM
// implementation backs local deployments and tests, the HTTP implementation
// talks to a remote deployment of the same API.
package backend

import (
	"context"
	"time"

	"github.com/suPer8Hu/chat-sync/internal/chat"
)

// Session is the durable conversation context. A session belongs to exactly
// one workspace for its whole lifetime.
type Session struct {
	SessionID      string    `json:"session_id"`
	WorkspaceID    string    `json:"workspace_id"`
	Owner          string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Marker is the catch-up high-water mark: fetches return only messages
// strictly after (CreatedAt, ServerID).
type Marker struct {
	CreatedAt time.Time
	ServerID  string
}

func (m Marker) IsZero() bool { return m.CreatedAt.IsZero() && m.ServerID == "" }

// Outgoing is a user-authored message on its way to the backend. The nonce is
// echoed back on the confirmed record and deduplicates resubmission.
type Outgoing struct {
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}

type Service interface {
	// FetchSession returns the session or chat.ErrSessionNotFound.
	FetchSession(ctx context.Context, sessionID string) (*Session, error)

	// CreateSession allocates a fresh session in the given workspace (the
	// hint may be empty, in which case the backend picks a workspace for the
	// owner).
	CreateSession(ctx context.Context, workspaceHint, owner string) (*Session, error)

	// MessagesSince returns up to limit confirmed messages strictly after
	// the marker, ascending by (created_at, server_id).
	MessagesSince(ctx context.Context, sessionID string, since Marker, limit int) ([]chat.Message, error)

	// SendMessage persists a user-authored message and returns the confirmed
	// record with its assigned server id. Sending the same nonce twice
	// returns the already-confirmed record instead of creating a duplicate.
	SendMessage(ctx context.Context, sessionID string, out Outgoing) (chat.Message, error)

	// TouchSession bumps last_activity_at.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
}
