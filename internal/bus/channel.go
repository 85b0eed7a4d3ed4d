package bus

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultChannelBuffer = 1000

// ChannelBus delivers messages in process. Each subscriber owns a buffered
// queue drained by one goroutine, so it sees its topic in publish order.
type ChannelBus struct {
	mu     sync.RWMutex
	buffer int
	topics map[string][]*queue
	closed bool
	tally  tally
}

type queue struct {
	id      string
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	stop    context.CancelFunc
	owner   *ChannelBus
}

// NewChannelBus gives every subscriber a queue of buffer messages.
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &ChannelBus{
		buffer: buffer,
		topics: make(map[string][]*queue),
	}
}

// Publish never blocks. A subscriber whose queue is full loses the message
// and the loss is counted in Stats.Dropped.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := newMessage(ctx, topic, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	b.tally.published.Add(1)
	for _, q := range b.topics[topic] {
		select {
		case q.inbox <- msg:
		default:
			b.tally.dropped.Add(1)
			slog.Warn("subscriber queue full, message dropped",
				"topic", topic,
				"subscription_id", q.id,
				"message_id", msg.ID,
			)
		}
	}
	return nil
}

func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	qctx, stop := context.WithCancel(ctx)
	q := &queue{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.buffer),
		ctx:     qctx,
		stop:    stop,
		owner:   b,
	}
	b.topics[topic] = append(b.topics[topic], q)
	go q.drain()
	return q, nil
}

func (q *queue) drain() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case msg := <-q.inbox:
			q.owner.tally.deliver(q.ctx, q.handler, msg)
		}
	}
}

func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscriber. Queued messages are discarded. Closing twice
// is a no-op.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, queues := range b.topics {
		for _, q := range queues {
			q.stop()
		}
	}
	clear(b.topics)
	return nil
}

func (b *ChannelBus) Stats() Stats {
	return b.tally.snapshot()
}

func (b *ChannelBus) detach(q *queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := slices.DeleteFunc(b.topics[q.topic], func(other *queue) bool { return other == q })
	if len(remaining) == 0 {
		delete(b.topics, q.topic)
		return
	}
	b.topics[q.topic] = remaining
}

func (q *queue) Unsubscribe() error {
	q.stop()
	q.owner.detach(q)
	return nil
}

func (q *queue) Topic() string { return q.topic }
