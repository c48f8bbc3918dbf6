package stream

import (
	"sync"

	"github.com/aquamarinepk/aqm"
)

// ViewEvent is a downstream update pushed to connected view clients.
type ViewEvent struct {
	Type string
	Data []byte
}

// Fanout distributes view events to downstream SSE subscribers. Each
// subscriber gets a buffered channel; a full channel drops the event so
// one stalled client cannot back up the rest.
type Fanout struct {
	mu          sync.RWMutex
	subscribers map[string]chan ViewEvent
	logger      aqm.Logger
}

func NewFanout(logger aqm.Logger) *Fanout {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Fanout{
		subscribers: make(map[string]chan ViewEvent),
		logger:      logger,
	}
}

// Subscribe registers a downstream client.
func (f *Fanout) Subscribe(subscriberID string) <-chan ViewEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan ViewEvent, 64)
	f.subscribers[subscriberID] = ch
	return ch
}

// Unsubscribe removes a downstream client and closes its channel.
func (f *Fanout) Unsubscribe(subscriberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.subscribers[subscriberID]; ok {
		close(ch)
		delete(f.subscribers, subscriberID)
	}
}

// Publish pushes the event to every subscriber, dropping it for those
// whose buffers are full.
func (f *Fanout) Publish(evt ViewEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for subscriberID, ch := range f.subscribers {
		select {
		case ch <- evt:
		default:
			f.logger.Info("subscriber buffer full, dropping event", "subscriber_id", subscriberID, "event_type", evt.Type)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (f *Fanout) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
