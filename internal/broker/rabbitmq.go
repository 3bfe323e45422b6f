package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sefoc/sagra-sync/internal/models"
)

const exchangeName = "sagra.sync"

// SyncEvent is the message published after a movement crosses stores,
// so the web application's realtime panel can refresh without polling.
type SyncEvent struct {
	EventID    string    `json:"event_id"`
	Action     string    `json:"action"`
	StatusCode string    `json:"codstatus"`
	Order      string    `json:"order"`
	Store      string    `json:"store"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher handles the low-level communication with the message broker.
// Sync events are best effort: a dead broker degrades the realtime
// panel, never the reconciliation itself.
type Publisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewPublisher initializes a connection and a channel, enabling Publisher Confirms by default
func NewPublisher(url string, l *slog.Logger) (*Publisher, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.healthy.Store(true)

	p.conn.NotifyClose(p.connClosed)
	p.channel.NotifyClose(p.chanClosed)

	go func() {
		select {
		case err := <-p.connClosed:
			p.healthy.Store(false)
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-p.chanClosed:
			p.healthy.Store(false)
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-p.ctx.Done():
			return
		}
	}()

	l.Info("Connected to RabbitMQ", "exchange", exchangeName)
	return p, nil
}

// PublishMovementEvent emits one sync event and blocks until the broker
// confirms it. Routing key is "movement.<action>" so consumers can bind
// to the actions they care about.
func (p *Publisher) PublishMovementEvent(ctx context.Context, action string, m *models.Movement, store string) error {
	if !p.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	event := SyncEvent{
		EventID:    uuid.NewString(),
		Action:     action,
		StatusCode: m.StatusCode,
		Order:      m.Ref().String(),
		Store:      store,
		OccurredAt: time.Now(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize sync event: %w", err)
	}

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		exchangeName,
		"movement."+action,
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"event_id": event.EventID,
			},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: message not persisted")
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Close gracefully shuts down the RabbitMQ resources
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("Terminating RabbitMQ publisher")
		p.cancel()
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active
func (p *Publisher) IsHealthy() bool {
	return p.healthy.Load()
}
