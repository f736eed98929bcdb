package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrQueueFull is surfaced when the broker rejects a publish because the
// queue hit its max length (overflow=reject-publish). The gateway maps it
// to 503.
var ErrQueueFull = errors.New("queue full, publish rejected")

const (
	maxPriority       = 10
	reconnectBaseWait = time.Second
	reconnectMaxWait  = 30 * time.Second
)

// Options tune queue declaration.
type Options struct {
	// ChatQueueMaxLength bounds chat_processing_queue with reject-publish
	// overflow. Zero leaves the queue unbounded.
	ChatQueueMaxLength int
}

// Bus owns one AMQP connection per process plus a channel for publishing.
// Consumers open their own channels so QoS settings stay independent.
type Bus struct {
	mu     sync.Mutex
	url    string
	opts   Options
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// Dial connects, declares every queue with its DLQ, and enables publisher
// confirms so reject-publish overflow is observable.
func Dial(url string, opts Options) (*Bus, error) {
	b := &Bus{url: url, opts: opts}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := declareQueues(ch, b.opts); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp confirm mode: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.mu.Unlock()
	return nil
}

func declareQueues(ch *amqp.Channel, opts Options) error {
	for _, name := range AllQueues() {
		dlq := name + DLQSuffix
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", dlq, err)
		}

		args := amqp.Table{
			"x-max-priority":            int32(maxPriority),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		}
		if name == ChatQueue && opts.ChatQueueMaxLength > 0 {
			args["x-max-length"] = int32(opts.ChatQueueMaxLength)
			args["x-overflow"] = "reject-publish"
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}
	return nil
}

// Publish routes the envelope to its type's queue with persistent delivery.
// It waits for the broker confirm; a nack means the queue rejected the
// publish (full chat queue) and maps to ErrQueueFull.
func (b *Bus) Publish(ctx context.Context, env Envelope, priority uint8) error {
	queue, ok := QueueFor(env.TaskType)
	if !ok {
		return &ErrMalformed{Reason: "unroutable task_type " + string(env.TaskType)}
	}
	if priority > maxPriority {
		priority = maxPriority
	}

	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	b.mu.Lock()
	ch := b.pubCh
	b.mu.Unlock()

	// Deferred confirms match each publish to its own ack, so concurrent
	// publishers never steal each other's confirmation.
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     priority,
		MessageId:    env.TaskID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.TaskID, queue, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrQueueFull
	}
	return nil
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	body, err := Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.TaskID, err)
	}
	return body, nil
}

// Delivery is one consumed task plus its acknowledgement controls. The
// worker runtime acks only after the terminal transition; transient errors
// requeue and malformed envelopes go straight to the DLQ.
type Delivery interface {
	Body() []byte
	Ack() error
	NackRequeue() error
	NackDiscard() error
}

type amqpDelivery struct{ d amqp.Delivery }

func (a amqpDelivery) Body() []byte       { return a.d.Body }
func (a amqpDelivery) Ack() error         { return a.d.Ack(false) }
func (a amqpDelivery) NackRequeue() error { return a.d.Nack(false, true) }
func (a amqpDelivery) NackDiscard() error { return a.d.Nack(false, false) }

// Consume yields deliveries from the queue with QoS prefetch. On connection
// loss it reconnects with capped exponential backoff and resumes; the output
// channel closes only when ctx is cancelled.
func (b *Bus) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	out := make(chan Delivery)

	go func() {
		defer close(out)
		wait := reconnectBaseWait
		for {
			if ctx.Err() != nil {
				return
			}
			err := b.consumeOnce(ctx, queue, prefetch, out)
			if err == nil || ctx.Err() != nil {
				return
			}
			slog.Warn("[Bus] Consumer disconnected, reconnecting",
				"queue", queue, "error", err, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			if wait *= 2; wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			if err := b.reconnect(); err != nil {
				slog.Warn("[Bus] Reconnect failed", "error", err)
			} else {
				wait = reconnectBaseWait
			}
		}
	}()

	return out, nil
}

func (b *Bus) consumeOnce(ctx context.Context, queue string, prefetch int, out chan<- Delivery) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			select {
			case out <- amqpDelivery{d: d}:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bus) reconnect() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus closed")
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.mu.Unlock()
	return b.connect()
}

// Close tears down the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
