// Package messagebus publishes engine lifecycle events over NATS JetStream
// so external observers (dashboards, auditors, downstream automation) can
// follow assignments and outcomes without polling the API.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Event is one engine lifecycle notification.
type Event struct {
	Type       string    `json:"type"`
	WorkItemID string    `json:"work_item_id,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	PlanID     string    `json:"plan_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event types published by the engine.
const (
	EventItemSubmitted = "item.submitted"
	EventItemMatched   = "item.matched"
	EventPlanCreated   = "plan.created"
	EventPlanCompleted = "plan.completed"
	EventPlanFailed    = "plan.failed"
	EventOutcome       = "outcome.reported"
	EventMemoryPruned  = "memory.pruned"
)

// EventBus is the publish surface the engine depends on. The NATS
// implementation is optional; a nop bus stands in when messaging is
// disabled.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopBus discards events.
type NopBus struct{}

func (NopBus) Publish(ctx context.Context, event Event) error { return nil }
func (NopBus) Close() error                                   { return nil }

// Config holds NATS connection settings.
type Config struct {
	URL        string
	StreamName string
	Timeout    time.Duration
}

// NatsBus publishes events to a JetStream stream.
type NatsBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
}

// NewNatsBus connects to NATS and ensures the event stream exists.
func NewNatsBus(cfg Config) (*NatsBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "WEFT"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[MessageBus] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[MessageBus] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := &NatsBus{conn: nc, js: js, streamName: cfg.StreamName}
	if err := bus.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[MessageBus] Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return bus, nil
}

// ensureStream creates or updates the event stream. LimitsPolicy so several
// consumers can follow the same subjects.
func (b *NatsBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{"weft.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[MessageBus] Created JetStream stream: %s", b.streamName)
		return nil
	}
	if _, err := b.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Publish sends one event to weft.events.<type>.
func (b *NatsBus) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := "weft.events." + event.Type
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	return nil
}

// SubscribeEvents attaches a durable consumer for one event type. Use "*"
// to follow everything.
func (b *NatsBus) SubscribeEvents(eventType string, handler func(Event)) (*nats.Subscription, error) {
	subject := "weft.events." + eventType
	consumer := "events-" + eventType
	if eventType == "*" {
		consumer = "events-all"
	}

	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[MessageBus] Failed to unmarshal event: %v", err)
			msg.Nak()
			return
		}
		handler(event)
		msg.Ack()
	},
		nats.Durable(consumer),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Health reports connection and stream status.
func (b *NatsBus) Health() error {
	if b.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", b.streamName, err)
	}
	return nil
}

// Close closes the NATS connection.
func (b *NatsBus) Close() error {
	b.conn.Close()
	return nil
}
