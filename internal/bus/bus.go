// Package bus carries ingested statements and verdict events between Kestrel
// components, in process over channels or across hosts over NATS.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("bus is closed")

// New returns the bus selected by cfg.Type: "channel" for a single process,
// "nats" when workers run on other hosts.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
}

// PublishJSON encodes v and publishes it on each of topics, stopping at the
// first failure.
func PublishJSON(ctx context.Context, b domain.EventBus, v any, topics ...string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %T: %w", v, err)
	}
	for _, topic := range topics {
		if err := b.Publish(ctx, topic, payload); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

type metadataKey struct{}

// WithMetadata attaches key=value to every message published with the
// returned context. Empty values are ignored.
func WithMetadata(ctx context.Context, key, value string) context.Context {
	if value == "" {
		return ctx
	}
	prev, _ := ctx.Value(metadataKey{}).(map[string]string)
	md := make(map[string]string, len(prev)+1)
	maps.Copy(md, prev)
	md[key] = value
	return context.WithValue(ctx, metadataKey{}, md)
}

// newMessage stamps payload with an ID, the publish time and the context's
// metadata. An active span overrides any trace ID set through WithMetadata.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	md := make(map[string]string)
	if prev, ok := ctx.Value(metadataKey{}).(map[string]string); ok {
		maps.Copy(md, prev)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		md[domain.MetaTraceID] = sc.TraceID().String()
	}
	return &domain.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  md,
		Timestamp: time.Now().UnixNano(),
	}
}

// Stats counts messages through a bus since it was created.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64 // never reached a subscriber
	Failed    uint64 // handler returned an error
}

// Observable is implemented by both buses.
type Observable interface {
	Stats() Stats
}

type tally struct {
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func (t *tally) snapshot() Stats {
	return Stats{
		Published: t.published.Load(),
		Delivered: t.delivered.Load(),
		Dropped:   t.dropped.Load(),
		Failed:    t.failed.Load(),
	}
}

// deliver runs handler and records the outcome.
func (t *tally) deliver(ctx context.Context, handler domain.MessageHandler, msg *domain.Message) {
	t.delivered.Add(1)
	if err := handler(ctx, msg); err != nil {
		t.failed.Add(1)
		slog.Error("message handler failed",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"request_id", msg.Metadata[domain.MetaRequestID],
			"error", err,
		)
	}
}
