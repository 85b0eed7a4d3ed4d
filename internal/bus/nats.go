package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// NATS header names. Metadata entries travel as headerMetaPrefix+key.
const (
	headerMessageID  = "Kestrel-Message-Id"
	headerPublished  = "Kestrel-Published"
	headerMetaPrefix = "Kestrel-Meta-"
)

const (
	defaultNATSAttempts   = 10
	defaultNATSRetryWait  = 5 * time.Second
	natsReconnectBufBytes = 8 << 20
)

// NATSBus publishes each topic on the NATS subject of the same name. The
// payload is sent as is, so other systems can publish statements directly.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string
	tally      tally

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	owner *NATSBus
}

// NewNATSBus connects to cfg.NATSUrl, retrying the first connection up to
// NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = defaultNATSAttempts
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = defaultNATSRetryWait
	}

	b := &NATSBus{
		queueGroup: cfg.NATSQueueGroup,
		subs:       make(map[*natsSubscription]struct{}),
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(natsReconnectBufBytes),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(b.asyncError),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if b.conn, err = nats.Connect(url, opts...); err == nil {
			break
		}
		slog.Warn("nats connect failed", "attempt", attempt, "max_attempts", attempts, "error", err)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	slog.Info("nats connected",
		"url", b.conn.ConnectedUrl(),
		"server_id", b.conn.ConnectedServerId(),
		"queue_group", b.queueGroup,
	)
	return b, nil
}

// asyncError counts messages NATS discarded for a slow subscriber.
func (b *NATSBus) asyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	if errors.Is(err, nats.ErrSlowConsumer) {
		b.tally.dropped.Add(1)
	}
	slog.Error("nats async error", "subject", subject, "error", err)
}

func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.PublishMsg(toNATSMsg(newMessage(ctx, topic, payload))); err != nil {
		return err
	}
	b.tally.published.Add(1)
	return nil
}

// Subscribe joins the configured queue group, if any, so that each message
// is handled by one node only.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}
	cb := func(m *nats.Msg) {
		b.tally.deliver(ctx, handler, fromNATSMsg(m))
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.queueGroup != "" {
		sub, err = b.conn.QueueSubscribe(topic, b.queueGroup, cb)
	} else {
		sub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &natsSubscription{topic: topic, sub: sub, owner: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection so in-flight handlers finish before it closes.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

func (b *NATSBus) Stats() Stats {
	return b.tally.snapshot()
}

func (s *natsSubscription) Unsubscribe() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string { return s.topic }

func toNATSMsg(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	m.Header.Set(headerMessageID, msg.ID)
	m.Header.Set(headerPublished, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		m.Header.Set(headerMetaPrefix+k, v)
	}
	return m
}

// fromNATSMsg rebuilds a Message. Messages from publishers that set no
// Kestrel headers get a fresh ID and the receive time.
func fromNATSMsg(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	for key, values := range m.Header {
		if name, ok := strings.CutPrefix(key, headerMetaPrefix); ok && len(values) > 0 {
			msg.Metadata[name] = values[0]
		}
	}

	msg.ID = m.Header.Get(headerMessageID)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	ts, err := strconv.ParseInt(m.Header.Get(headerPublished), 10, 64)
	if err != nil {
		ts = time.Now().UnixNano()
	}
	msg.Timestamp = ts
	return msg
}
