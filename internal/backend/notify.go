package backend

import (
	"context"

	"github.com/suPer8Hu/chat-sync/internal/chat"
)

// NotifyFunc receives every message confirmed through this process, for
// fan-out to other subscribed clients.
type NotifyFunc func(sessionID string, ev chat.Event)

type notifyingService struct {
	Service
	notify NotifyFunc
}

// WithNotify decorates svc so confirmed sends are announced on the push
// channel. Used with the local store, where this process is the writer and
// must produce the events remote deployments produce server-side.
func WithNotify(svc Service, notify NotifyFunc) Service {
	return &notifyingService{Service: svc, notify: notify}
}

func (s *notifyingService) SendMessage(ctx context.Context, sessionID string, out Outgoing) (chat.Message, error) {
	msg, err := s.Service.SendMessage(ctx, sessionID, out)
	if err != nil {
		return msg, err
	}
	s.notify(sessionID, chat.Event{Type: chat.EventCreated, Message: msg})
	return msg, nil
}
