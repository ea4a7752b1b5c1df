package chat

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one timeline entry. Before the backend confirms it, only
// LocalID/Nonce identify it; ServerID is assigned exactly once on
// confirmation and never changes afterwards.
type Message struct {
	LocalID   string        `json:"local_id,omitempty"`
	ServerID  string        `json:"server_id,omitempty"`
	SessionID string        `json:"session_id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Nonce     string        `json:"nonce,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
	Delivery  DeliveryState `json:"delivery"`
}

// Confirmed reports whether the backend has assigned this entry a stable id.
func (m Message) Confirmed() bool { return m.ServerID != "" }

// serverTime is the timestamp used for last-writer-wins merges. UpdatedAt is
// preferred because updates move it; records that were never updated carry
// only CreatedAt.
func (m Message) serverTime() time.Time {
	if !m.UpdatedAt.IsZero() {
		return m.UpdatedAt
	}
	return m.CreatedAt
}

// equal reports whether two entries are semantically identical. Timestamps
// compare by instant, not representation: the same moment carried in a
// different zone or with monotonic-clock data is not a change.
func (m Message) equal(other Message) bool {
	return m.LocalID == other.LocalID &&
		m.ServerID == other.ServerID &&
		m.SessionID == other.SessionID &&
		m.Role == other.Role &&
		m.Content == other.Content &&
		m.Nonce == other.Nonce &&
		m.Delivery == other.Delivery &&
		m.CreatedAt.Equal(other.CreatedAt) &&
		m.UpdatedAt.Equal(other.UpdatedAt)
}

// Less defines the total timeline order: created-at first, server id as the
// deterministic tiebreak. Server ids are ULIDs, so the tiebreak is stable
// across re-renders and roughly creation-ordered.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	if m.ServerID != other.ServerID {
		return m.ServerID < other.ServerID
	}
	return m.LocalID < other.LocalID
}

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// Event is one push-channel delivery. Delivery is at-least-once and
// unordered; everything funnels through the reconciler.
type Event struct {
	Type    EventType `json:"type"`
	Message Message   `json:"message"`
}

type ConnState string

const (
	ConnLive   ConnState = "live"
	ConnStale  ConnState = "stale"
	ConnClosed ConnState = "closed"
)

// SessionInfo is what the UI layer gets to render the header and the stale
// banner.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	WorkspaceID string    `json:"workspace_id"`
	Connection  ConnState `json:"connection"`
}
