// ABOUTME: In-memory fan-out event bus for server-sent event streams
// ABOUTME: Publishes health, cache, provider-switch, gap, and tool events to all subscribers

package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event types.
const (
	TypeHealth         = "health"
	TypeCache          = "cache"
	TypeProviderSwitch = "provider-switch"
	TypeGap            = "gap"
	TypeTool           = "tool"
)

// Event is one bus message. Data must be JSON-serialisable.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	TsMs int64  `json:"ts_ms"`
	Data any    `json:"data,omitempty"`
}

// New stamps an event of type typ with a fresh ID and the current time.
func New(typ string, data any) Event {
	return Event{
		ID:   uuid.New().String(),
		Type: typ,
		TsMs: time.Now().UnixMilli(),
		Data: data,
	}
}

type subscriber struct {
	ch    chan Event
	types []string // empty means every type
}

func (s subscriber) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

// Bus provides in-memory pub/sub. Slow subscribers lose events rather than
// blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]subscriber
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]subscriber),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for the given event types (all types when
// none are given). The subscription is removed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, types ...string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = subscriber{ch: ch, types: types}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "types", types)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.TsMs == 0 {
		ev.TsMs = time.Now().UnixMilli()
	}

	// Held for the sends so Unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", id, "type", ev.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true

	b.logger.Debug("bus closed")
}
