package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cafepay/backend/internal/config"
	"github.com/cafepay/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrChannelClosed = errors.New("notification channel closed unexpectedly")

// NotificationListener is one subscription to the payment channel, scoped to
// a single reference. Decoded events arrive on Events in delivery order;
// Events is closed when the subscription ends. A connection failure is
// reported on Errs before Events closes. Closing via Close produces no error.
type NotificationListener interface {
	Events() <-chan models.PaymentEvent
	Errs() <-chan error
	Close() error
}

// ListenerFactory opens a listener for a reference. The controller uses it to
// attach on session start and to reconnect after a channel error.
type ListenerFactory func(ctx context.Context, reference string) (NotificationListener, error)

// RedisListener subscribes to the per-reference Redis pub/sub channel that
// the payment provider's webhook bridge publishes into.
type RedisListener struct {
	reference string
	pubsub    *redis.PubSub
	events    chan models.PaymentEvent
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

// EventChannel returns the pub/sub channel name for a reference.
func EventChannel(prefix, reference string) string {
	return fmt.Sprintf("%s:%s", prefix, reference)
}

// NewRedisListenerFactory builds the factory wired into the controller.
func NewRedisListenerFactory(rdb *redis.Client, cfg *config.ReconcileConfig) ListenerFactory {
	return func(ctx context.Context, reference string) (NotificationListener, error) {
		return NewRedisListener(ctx, rdb, cfg, reference)
	}
}

func NewRedisListener(ctx context.Context, rdb *redis.Client, cfg *config.ReconcileConfig, reference string) (*RedisListener, error) {
	pubsub := rdb.Subscribe(ctx, EventChannel(cfg.EventChannelPrefix, reference))

	// Confirm the subscription before reporting the listener as attached.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe failed for %s: %w", reference, err)
	}

	l := &RedisListener{
		reference: reference,
		pubsub:    pubsub,
		events:    make(chan models.PaymentEvent, cfg.EventBufferSize),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	go l.run()

	log.Printf("[LISTENER] Subscribed to payment channel for %s", reference)
	return l, nil
}

func (l *RedisListener) Events() <-chan models.PaymentEvent { return l.events }
func (l *RedisListener) Errs() <-chan error                 { return l.errs }

// Close tears the subscription down. Further inbound messages are discarded.
func (l *RedisListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.pubsub.Close()
	})
	return err
}

func (l *RedisListener) run() {
	for msg := range l.pubsub.Channel() {
		event, err := DecodePaymentEvent([]byte(msg.Payload))
		if err != nil {
			log.Printf("[LISTENER] Dropping malformed event on %s: %v", l.reference, err)
			continue
		}
		if event.Reference != "" && event.Reference != l.reference {
			log.Printf("[LISTENER] Dropping event for mismatched reference %s on %s", event.Reference, l.reference)
			continue
		}
		event.Reference = l.reference

		select {
		case l.events <- event:
		case <-l.done:
			close(l.events)
			return
		}
	}

	// The pub/sub channel only closes when the connection drops or Close was
	// called. Only the former is an error condition.
	select {
	case <-l.done:
	default:
		l.errs <- ErrChannelClosed
	}
	close(l.events)
}

// DecodePaymentEvent parses an inbound channel message. Transport-level
// metadata beyond the known fields is ignored; a missing or non-positive
// amount rejects the message.
func DecodePaymentEvent(payload []byte) (models.PaymentEvent, error) {
	var event models.PaymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return models.PaymentEvent{}, fmt.Errorf("undecodable payload: %w", err)
	}
	if event.Amount <= 0 {
		return models.PaymentEvent{}, fmt.Errorf("non-positive amount %d: %w", event.Amount, ErrInvalidAmount)
	}
	if event.SourceID == "" {
		event.SourceID = uuid.NewString()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	return event, nil
}

// EventPublisher is the inbound bridge: the webhook handler publishes decoded
// provider notifications onto the per-reference channel.
type EventPublisher struct {
	redis  *redis.Client
	prefix string
}

func NewEventPublisher(rdb *redis.Client, cfg *config.ReconcileConfig) *EventPublisher {
	return &EventPublisher{redis: rdb, prefix: cfg.EventChannelPrefix}
}

func (p *EventPublisher) Publish(ctx context.Context, event models.PaymentEvent) error {
	if event.Reference == "" {
		return errors.New("event reference is required")
	}
	if event.Amount <= 0 {
		return ErrInvalidAmount
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.redis.Publish(ctx, EventChannel(p.prefix, event.Reference), data).Err(); err != nil {
		return fmt.Errorf("publish failed for %s: %w", event.Reference, err)
	}
	return nil
}
