// Package pubsub publishes terminal session notifications to Google Cloud
// Pub/Sub, so downstream consumers such as report generation can react to
// finished pipeline runs without polling.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/progress"
)

// Notifier wraps a Pub/Sub publisher client.
type Notifier struct {
	publisher *pubsub.Publisher
}

// New creates a Notifier for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

// NotifyTerminal marshals the terminal snapshot to JSON and publishes it. The
// session id and final status ride along as attributes so subscribers can
// filter without decoding the payload.
func (n *Notifier) NotifyTerminal(ctx context.Context, snap progress.Snapshot) error {
	if n.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = map[string]string{
		"session_id": snap.SessionID.String(),
		"status":     string(snap.Status),
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := n.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish terminal notification: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
