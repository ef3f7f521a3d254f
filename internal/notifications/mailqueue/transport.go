// Package mailqueue provides a mail transport that hands each message to RabbitMQ.
// A separate consumer performs SMTP delivery and owns retry and dead-lettering.
package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bissquit/statusboard/internal/pkg/ctxlog"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConfirmed is returned when the broker nacks a published message.
var ErrNotConfirmed = errors.New("message not confirmed by broker")

const maxConnectDelay = 30 * time.Second

// Config holds RabbitMQ connection and topology settings.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	// Queue is declared durable and bound to Exchange with RoutingKey, so messages
	// published before any consumer attaches are kept.
	Queue           string
	ConnectAttempts int
	ConnectDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "statusboard.mail"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "email.send"
	}
	if c.Queue == "" {
		c.Queue = "statusboard.mail.outbox"
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = time.Second
	}
	return c
}

// MailMessage is the JSON body of one queued email.
type MailMessage struct {
	ID       string    `json:"id"`
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	QueuedAt time.Time `json:"queued_at"`
}

// Transport publishes mail messages with publisher confirms.
// Send returns only after the broker has confirmed the message.
type Transport struct {
	config Config

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	now func() time.Time
}

// NewTransport connects to RabbitMQ, declares the exchange and the outbox queue and
// enables confirms.
func NewTransport(ctx context.Context, config Config) (*Transport, error) {
	if config.URL == "" {
		return nil, errors.New("mailqueue: url is required")
	}
	config = config.withDefaults()

	t := &Transport{config: config, now: time.Now}
	if _, err := t.channel(ctx); err != nil {
		t.mu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.mu.Unlock()
		return nil, err
	}

	slog.Info("mail queue transport configured",
		"exchange", config.Exchange,
		"routing_key", config.RoutingKey,
		"queue", config.Queue,
	)

	return t, nil
}

// Send publishes one message and waits for the broker confirm.
func (t *Transport) Send(ctx context.Context, to, subject, body string) error {
	pub, err := t.buildPublishing(to, subject, body)
	if err != nil {
		return err
	}

	ch, err := t.channel(ctx)
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, t.config.Exchange, t.config.RoutingKey, false, false, pub)
	if err != nil {
		return fmt.Errorf("publish mail message: %w", err)
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !ok {
		return ErrNotConfirmed
	}

	ctxlog.FromContext(ctx).Debug("mail message queued",
		"message_id", pub.MessageId,
		"exchange", t.config.Exchange,
	)
	return nil
}

// Close closes the channel and connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *Transport) buildPublishing(to, subject, body string) (amqp.Publishing, error) {
	msg := MailMessage{
		ID:       uuid.NewString(),
		To:       to,
		Subject:  subject,
		Body:     body,
		QueuedAt: t.now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal mail message: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         "email.send",
		Timestamp:    msg.QueuedAt,
		AppId:        "statusboard",
		Body:         data,
	}, nil
}

// channel returns the confirm channel. A closed channel is reopened and a closed
// connection is redialed first.
func (t *Transport) channel(ctx context.Context) (*amqp.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil && !t.ch.IsClosed() {
		return t.ch, nil
	}

	if t.conn == nil || t.conn.IsClosed() {
		if t.conn != nil {
			slog.Warn("rabbitmq connection lost, redialing")
		}
		conn, err := dialWithRetry(ctx, t.config)
		if err != nil {
			return nil, err
		}
		t.conn = conn
	}

	ch, err := openChannel(t.conn, t.config)
	if err != nil {
		return nil, err
	}
	t.ch = ch
	return ch, nil
}

func openChannel(conn *amqp.Connection, config Config) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, config); err != nil {
		_ = ch.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	return ch, nil
}

// topology is the subset of *amqp.Channel used to declare exchange and queue.
type topology interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func declareTopology(ch topology, config Config) error {
	if err := ch.ExchangeDeclare(config.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(config.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", config.Queue, err)
	}
	if err := ch.QueueBind(config.Queue, config.RoutingKey, config.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", config.Queue, err)
	}
	return nil
}

// dialWithRetry connects with exponential backoff and respects ctx cancellation.
func dialWithRetry(ctx context.Context, config Config) (*amqp.Connection, error) {
	var lastErr error

	for i := 1; i <= config.ConnectAttempts; i++ {
		conn, err := amqp.Dial(config.URL)
		if err == nil {
			if i > 1 {
				slog.Info("rabbitmq connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		if i == config.ConnectAttempts {
			break
		}

		sleep := backoff(config.ConnectDelay, i)
		slog.Warn("rabbitmq dial failed",
			"attempt", i,
			"sleep", sleep,
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial rabbitmq: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("dial rabbitmq after %d attempts: %w", config.ConnectAttempts, lastErr)
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > maxConnectDelay || d <= 0 {
		return maxConnectDelay
	}
	return d
}
