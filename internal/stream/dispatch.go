package stream

import (
	"context"
	"sync"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"

	"github.com/saporito/orderdeck/internal/order"
	"github.com/saporito/orderdeck/pkg/enums/orderstatus"
	"github.com/saporito/orderdeck/pkg/event"
)

// Handlers receives decoded order lifecycle events. Any nil handler is
// skipped. Handlers run on the transport's goroutine; consumers that need
// their own scheduling copy data out.
type Handlers struct {
	// OnConnected fires for the stream's connection acknowledgement.
	OnConnected func()

	// OnNewOrder fires for new_order events. firstSeen is false when the
	// stream redelivers an order this view already knows about, e.g.
	// after a reconnect; alert side effects must only fire when true.
	OnNewOrder func(o *order.Order, firstSeen bool)

	// OnOrderUpdate fires for order_update/status_update events carrying
	// a full or partial order payload.
	OnOrderUpdate func(o *order.Order)

	// OnStatusUpdate fires for status-only events.
	OnStatusUpdate func(orderID, status string)
}

// Dispatcher turns raw stream messages into handler calls. It owns the
// seen-set that separates genuinely new orders from redeliveries; the
// set is deliberately independent of any order store so that a store
// removal (order served, poll drift) does not re-arm the alert.
type Dispatcher struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	handlers Handlers
	logger   aqm.Logger
}

func NewDispatcher(handlers Handlers, logger aqm.Logger) *Dispatcher {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Dispatcher{
		seen:     make(map[string]struct{}),
		handlers: handlers,
		logger:   logger,
	}
}

// MarkSeen primes the seen-set, typically with the ids from a view's
// initial load so they never alert.
func (d *Dispatcher) MarkSeen(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.seen[id] = struct{}{}
	}
}

// Handler adapts the dispatcher to the events.HandlerFunc seam, so any
// events.Subscriber implementation can feed a view.
func (d *Dispatcher) Handler() events.HandlerFunc {
	return func(ctx context.Context, msg []byte) error {
		d.Dispatch(msg)
		return nil
	}
}

// Dispatch decodes one raw message and routes it. Malformed JSON and
// unrecognized types are heartbeats: swallowed, never an error.
func (d *Dispatcher) Dispatch(data []byte) {
	evt, ok := event.Decode(data)
	if !ok {
		return
	}

	switch evt.Type {
	case event.EventConnected:
		if d.handlers.OnConnected != nil {
			d.handlers.OnConnected()
		}

	case event.EventNewOrder:
		o, err := order.Normalize(evt.Order)
		if err != nil {
			d.logger.Debug("dropping undecodable new_order payload", "error", err)
			return
		}
		firstSeen := d.markNew(o.ID)
		if d.handlers.OnNewOrder != nil {
			d.handlers.OnNewOrder(o, firstSeen)
		}

	case event.EventOrderUpdate, event.EventStatusUpdate:
		if len(evt.Order) > 0 {
			o, err := order.Normalize(evt.Order)
			if err != nil {
				d.logger.Debug("dropping undecodable order_update payload", "error", err)
				return
			}
			if evt.Status != "" && o.Status == "" {
				o.Status = evt.Status
			}
			d.markNew(o.ID)
			if d.handlers.OnOrderUpdate != nil {
				d.handlers.OnOrderUpdate(o)
			}
			return
		}

		if evt.OrderID != "" && evt.Status != "" && d.handlers.OnStatusUpdate != nil {
			status := evt.Status
			if s := orderstatus.ByName(status); s != nil {
				status = s.Code()
			}
			d.handlers.OnStatusUpdate(evt.OrderID, status)
		}
	}
}

// markNew records an id and reports whether it was unseen until now.
func (d *Dispatcher) markNew(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	return true
}
