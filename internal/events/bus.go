// ABOUTME: Typed publish/subscribe registry for channel frames and synthetic events
// ABOUTME: Handlers are keyed by frame type; removal scans the topic's short handler list by subscription ID

package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/emberchat/ember-go/internal/wire"
)

// Topic is the catch-all topic: every published envelope is also delivered
// to its subscribers, regardless of frame type.
const Topic = "message"

// Handler processes one published envelope. Handlers run synchronously on
// the publisher's goroutine, in registration order.
type Handler func(env wire.Envelope)

type subscription struct {
	id string
	fn Handler
}

// Bus is an in-memory typed event registry. Correlation code registers
// one-shot handlers and is responsible for unsubscribing them; the bus never
// auto-expires a subscription.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	logger   *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for one frame type and returns its
// subscription ID for later removal.
func (b *Bus) Subscribe(frameType string, fn Handler) string {
	id := uuid.New().String()

	b.mu.Lock()
	b.handlers[frameType] = append(b.handlers[frameType], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored, so a caller
// may unconditionally unsubscribe after a one-shot handler has fired.
func (b *Bus) Unsubscribe(frameType, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[frameType]
	for i, s := range subs {
		if s.id == subID {
			b.handlers[frameType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[frameType]) == 0 {
		delete(b.handlers, frameType)
	}
}

// Publish delivers the envelope to subscribers of the given topic. The
// handler list is snapshotted under the read lock, so a handler may
// subscribe or unsubscribe (itself included) without corrupting dispatch.
// A panicking handler is logged and skipped; it never stops delivery to
// the remaining handlers.
func (b *Bus) Publish(topic string, env wire.Envelope) {
	b.mu.RLock()
	subs := b.handlers[topic]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.dispatch(topic, s, env)
	}
}

func (b *Bus) dispatch(topic string, s subscription, env wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic",
				"topic", topic,
				"sub_id", s.id,
				"panic", r)
		}
	}()
	s.fn(env)
}
