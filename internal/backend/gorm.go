package backend

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-sync/internal/chat"
	"github.com/suPer8Hu/chat-sync/internal/common"
)

type sessionRecord struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID      string    `gorm:"type:varchar(26);uniqueIndex;not null"`
	WorkspaceID    string    `gorm:"type:varchar(26);index;not null"`
	Owner          string    `gorm:"type:varchar(64);index;not null"`
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func (sessionRecord) TableName() string { return "chat_sessions" }

type messageRecord struct {
	ServerID  string    `gorm:"primaryKey;size:26"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_msg_session_created,priority:1;index:uniq_msg_nonce,unique,priority:1"`
	Role      string    `gorm:"type:varchar(16);not null"`
	Content   string    `gorm:"type:text;not null"`
	Nonce     *string   `gorm:"type:varchar(64);index:uniq_msg_nonce,unique,priority:2"`
	CreatedAt time.Time `gorm:"index:idx_msg_session_created,priority:2"`
	UpdatedAt time.Time
}

func (messageRecord) TableName() string { return "chat_messages" }

// GormStore implements Service on a relational database. MySQL in
// deployments, in-memory sqlite in tests.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the session/message tables.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&sessionRecord{}, &messageRecord{})
}

func (s *GormStore) FetchSession(ctx context.Context, sessionID string) (*Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, chat.ErrSessionNotFound
		}
		return nil, err
	}
	return sessionFromRecord(rec), nil
}

func (s *GormStore) CreateSession(ctx context.Context, workspaceHint, owner string) (*Session, error) {
	workspace := workspaceHint
	if workspace == "" {
		var err error
		if workspace, err = common.NewULID(); err != nil {
			return nil, err
		}
	}
	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := sessionRecord{
		SessionID:      sid,
		WorkspaceID:    workspace,
		Owner:          owner,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}
	return sessionFromRecord(rec), nil
}

func (s *GormStore) MessagesSince(ctx context.Context, sessionID string, since Marker, limit int) ([]chat.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, server_id ASC").
		Limit(limit)
	if !since.IsZero() {
		q = q.Where("created_at > ? OR (created_at = ? AND server_id > ?)",
			since.CreatedAt, since.CreatedAt, since.ServerID)
	}
	var recs []messageRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(recs))
	for _, rec := range recs {
		msgs = append(msgs, messageFromRecord(rec))
	}
	return msgs, nil
}

// SendMessage inserts the message, or returns the existing record when the
// (session, nonce) pair was already consumed by an earlier attempt.
func (s *GormStore) SendMessage(ctx context.Context, sessionID string, out Outgoing) (chat.Message, error) {
	if _, err := s.FetchSession(ctx, sessionID); err != nil {
		return chat.Message{}, err
	}

	serverID, err := common.NewULID()
	if err != nil {
		return chat.Message{}, err
	}
	createdAt := out.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var noncePtr *string
	if out.Nonce != "" {
		nonce := out.Nonce
		noncePtr = &nonce
	}
	rec := messageRecord{
		ServerID:  serverID,
		SessionID: sessionID,
		Role:      string(out.Role),
		Content:   out.Content,
		Nonce:     noncePtr,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}

	insertErr := s.db.WithContext(ctx).Create(&rec).Error
	if insertErr != nil && noncePtr != nil {
		// Unique (session, nonce) hit: an earlier attempt already landed.
		var existing messageRecord
		getErr := s.db.WithContext(ctx).
			Where("session_id = ? AND nonce = ?", sessionID, *noncePtr).
			First(&existing).Error
		if getErr == nil {
			return messageFromRecord(existing), nil
		}
		if !errors.Is(getErr, gorm.ErrRecordNotFound) {
			return chat.Message{}, getErr
		}
	}
	if insertErr != nil {
		return chat.Message{}, insertErr
	}

	if err := s.TouchSession(ctx, sessionID, createdAt); err != nil {
		return chat.Message{}, err
	}
	return messageFromRecord(rec), nil
}

func (s *GormStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&sessionRecord{}).
		Where("session_id = ? AND last_activity_at < ?", sessionID, at).
		Update("last_activity_at", at).Error
}

func sessionFromRecord(rec sessionRecord) *Session {
	return &Session{
		SessionID:      rec.SessionID,
		WorkspaceID:    rec.WorkspaceID,
		Owner:          rec.Owner,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
	}
}

func messageFromRecord(rec messageRecord) chat.Message {
	m := chat.Message{
		ServerID:  rec.ServerID,
		SessionID: rec.SessionID,
		Role:      chat.Role(rec.Role),
		Content:   rec.Content,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Delivery:  chat.DeliveryConfirmed,
	}
	if rec.Nonce != nil {
		m.Nonce = *rec.Nonce
	}
	return m
}
