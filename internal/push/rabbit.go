package push

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-sync/internal/chat"
)

// RabbitChannel implements Channel on a direct exchange. Each subscription
// gets an exclusive auto-delete queue bound with the session id as routing
// key, so a dropped connection tears its queue down with it.
type RabbitChannel struct {
	url      string
	exchange string
	log      *zap.Logger
}

func NewRabbitChannel(url, exchange string, log *zap.Logger) *RabbitChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &RabbitChannel{url: url, exchange: exchange, log: log}
}

func (r *RabbitChannel) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		r.exchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, sessionID, r.exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	sub := &rabbitSubscription{
		conn:   conn,
		events: make(chan chat.Event, 32),
	}
	go sub.pump(ctx, deliveries, r.log)
	return sub, nil
}

type rabbitSubscription struct {
	conn   *amqp.Connection
	events chan chat.Event
}

func (s *rabbitSubscription) Events() <-chan chat.Event { return s.events }

func (s *rabbitSubscription) Close() error { return s.conn.Close() }

func (s *rabbitSubscription) pump(ctx context.Context, deliveries <-chan amqp.Delivery, log *zap.Logger) {
	defer close(s.events)
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var ev chat.Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				log.Warn("dropping undecodable push event", zap.Error(err))
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				_ = s.conn.Close()
				return
			}
		}
	}
}

// RabbitPublisher is the producing half, used by deployments where this
// process also hosts the backend store and must fan confirmed messages out
// to other subscribed clients.
type RabbitPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &RabbitPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *RabbitPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, sessionID string, ev chat.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.ch.PublishWithContext(cctx,
		p.exchange,
		sessionID, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
}
