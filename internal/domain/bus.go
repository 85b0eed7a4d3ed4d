package domain

import "context"

// Topics carrying statements and their outcomes.
const (
	TopicStatementIngested = "kestrel.statement.ingested"
	TopicVerdict           = "kestrel.verdict"
	TopicAlert             = "kestrel.alert"
)

// Message metadata keys set by publishers.
const (
	MetaRequestID = "request_id"
	MetaTraceID   = "trace_id"
)

// EventBus moves statements to workers and verdicts to downstream consumers.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe calls handler for each message on topic until the
	// subscription is cancelled. Handler errors are logged, not redelivered.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

type MessageHandler func(ctx context.Context, msg *Message) error

// Message is one published event. Payload is opaque JSON.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the bus. "channel" keeps everything in process;
// "nats" lets workers on other hosts consume ingested statements.
type EventBusConfig struct {
	Type string `json:"type"`

	ChannelBufferSize int `json:"channelBufferSize"`

	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds

	// NATSQueueGroup makes each message go to one subscriber across all nodes.
	NATSQueueGroup string `json:"natsQueueGroup"`
}
