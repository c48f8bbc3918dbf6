package alert

import (
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
)

// Notification is a user-facing message produced by the order views:
// new-order alerts, status change messages, channel degradation banners.
type Notification struct {
	Kind       string    `json:"kind"`
	OrderID    string    `json:"order_id,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	KindNewOrder     = "new_order"
	KindStatusChange = "status_change"
	KindChannelState = "channel_state"
	KindError        = "error"
)

// Bus is an explicit publish/subscribe fanout for notifications, one per
// application instance, injected into the views that emit or render
// them. Slow subscribers lose notifications rather than blocking
// publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Notification
	logger      aqm.Logger
}

func NewBus(logger aqm.Logger) *Bus {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Bus{
		subscribers: make(map[string]chan Notification),
		logger:      logger,
	}
}

// Subscribe registers a subscriber and returns its notification channel.
func (b *Bus) Subscribe(subscriberID string) <-chan Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, 32)
	b.subscribers[subscriberID] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[subscriberID]; ok {
		close(ch)
		delete(b.subscribers, subscriberID)
	}
}

// Publish delivers the notification to every subscriber.
func (b *Bus) Publish(n Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for subscriberID, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			// Channel full, subscriber too slow - skip this notification
			b.logger.Info("subscriber channel full, dropping notification", "subscriber_id", subscriberID)
		}
	}
}

// Count returns the number of active subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
