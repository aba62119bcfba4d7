package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ChannelBus implements EventBus using Go channels.
// Each subscription has its own buffered channel drained by one goroutine, so
// a subscriber sees messages in publish order. Publish blocks while a
// subscriber's buffer is full.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
	done    chan struct{}

	// mu guards sends on msgCh against Unsubscribe closing it.
	mu      sync.RWMutex
	stopped bool
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish delivers a message to every subscriber of topic. It returns early
// with ctx's error if a full subscriber buffer does not drain in time.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := append([]*channelSubscription(nil), b.subscriptions[topic]...)
	b.mu.RUnlock()

	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}

	for _, sub := range subs {
		if err := sub.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *channelSubscription) deliver(ctx context.Context, msg *domain.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return nil
	}
	select {
	case s.msgCh <- msg:
		return nil
	case <-s.ctx.Done():
		// bus closed
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for a topic. The handler runs until the
// subscription is cancelled, ctx ends, or the bus is closed.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
		done:    make(chan struct{}),
	}

	go sub.run()

	b.subscriptions[topic] = append(b.subscriptions[topic], sub)
	return sub, nil
}

// run handles messages until msgCh is closed and empty, or until ctx ends.
func (s *channelSubscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			if n := len(s.msgCh); n > 0 {
				slog.Warn("subscription cancelled with undelivered messages",
					"topic", s.topic,
					"dropped", n,
				)
			}
			return
		case msg, ok := <-s.msgCh:
			if !ok {
				return
			}
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close cancels every subscription. Messages still buffered are discarded and
// logged; call Unsubscribe first to have them delivered.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscriptions[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[sub.topic]) == 0 {
		delete(b.subscriptions, sub.topic)
	}
}

// Unsubscribe stops accepting new messages, waits until every message already
// buffered has been handled, then releases the subscription. It must not be
// called from the subscription's own handler.
func (s *channelSubscription) Unsubscribe() error {
	s.bus.remove(s)

	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.msgCh)
	}
	s.mu.Unlock()

	<-s.done
	s.cancel()
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
