package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// =============================================================================
// RABBITMQ PUBLISHER
// =============================================================================
//
// A broker restart closes the channel (and usually the connection). When a
// publish or declare fails with amqp.ErrClosed the publisher reopens its
// channel, redialing the connection if needed, and retries that event once.
// Queues are declared again on the new channel. Any other broker error is
// returned to the caller, which logs it.

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher sends each event type to a durable queue of the same name
// on the default exchange. Messages are persistent.
type AMQPPublisher struct {
	mu       sync.Mutex
	ch       Channel
	reopen   func() (Channel, error)
	closer   func() error
	declared map[string]bool
}

// AMQPOption configures an AMQPPublisher.
type AMQPOption func(*AMQPPublisher)

// WithReopen sets how a closed channel is replaced.
func WithReopen(fn func() (Channel, error)) AMQPOption {
	return func(p *AMQPPublisher) { p.reopen = fn }
}

func NewAMQPPublisher(ch Channel, opts ...AMQPOption) *AMQPPublisher {
	p := &AMQPPublisher{ch: ch, declared: make(map[string]bool)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DialAMQP connects to the broker. Close the publisher to close the
// connection.
func DialAMQP(url string) (*AMQPPublisher, error) {
	d := &amqpDialer{url: url}
	ch, err := d.channel()
	if err != nil {
		return nil, err
	}
	p := NewAMQPPublisher(ch, WithReopen(d.channel))
	p.closer = d.close
	return p, nil
}

// Close closes the broker connection opened by DialAMQP.
func (p *AMQPPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	queue := string(e.Type)
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(e.BookingID) + ":" + queue,
		Timestamp:    e.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publish(ctx, queue, msg)
	if err == nil || !errors.Is(err, amqp.ErrClosed) || p.reopen == nil {
		return err
	}
	ch, reopenErr := p.reopen()
	if reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	p.ch = ch
	p.declared = make(map[string]bool)
	return p.publish(ctx, queue, msg)
}

// publish declares the queue once per channel and sends msg. Caller holds mu.
func (p *AMQPPublisher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if !p.declared[queue] {
		if _, err := p.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("rabbitmq queue declare %s: %w", queue, err)
		}
		p.declared[queue] = true
	}
	if err := p.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", queue, err)
	}
	return nil
}

// amqpDialer owns the broker connection and redials it once closed.
type amqpDialer struct {
	url  string
	mu   sync.Mutex
	conn *amqp.Connection
}

func (d *amqpDialer) channel() (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil || d.conn.IsClosed() {
		conn, err := amqp.Dial(d.url)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq dial: %w", err)
		}
		d.conn = conn
	}
	ch, err := d.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	return ch, nil
}

func (d *amqpDialer) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil || d.conn.IsClosed() {
		return nil
	}
	return d.conn.Close()
}
