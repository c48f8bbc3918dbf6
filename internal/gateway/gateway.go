package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/saporito/orderdeck/internal/alert"
	"github.com/saporito/orderdeck/internal/order"
	"github.com/saporito/orderdeck/pkg/enums/orderstatus"
)

// DefaultRemovalDelay is how long a terminal-for-this-view order stays
// visible after a successful status change before it leaves the view.
const DefaultRemovalDelay = 500 * time.Millisecond

// ErrUpdateInFlight is returned when a status change is requested for an
// order that already has one in progress.
var ErrUpdateInFlight = fmt.Errorf("status update already in progress")

// StatusChanger is the backend call the gateway fronts.
type StatusChanger interface {
	ChangeStatus(ctx context.Context, id, status string) (*order.Order, error)
}

// Gateway applies status changes optimistically: the local cache is
// updated before the backend confirms, so the view reacts instantly.
// A failed request surfaces the error but does not revert the local
// state; the next stream event or poll snapshot corrects it.
type Gateway struct {
	cache   *order.StateCache
	backend StatusChanger
	bus     *alert.Bus
	logger  aqm.Logger

	// RemovalDelay is exposed so tests can shorten the exit animation
	// window.
	RemovalDelay time.Duration

	// OnRemoved, when set, fires after a delayed removal evicts an order
	// from the cache, so the owning view can push a fresh snapshot.
	OnRemoved func(orderID string)

	mu       sync.Mutex
	updating map[string]struct{}
	tracked  map[string]struct{}
}

// New builds a gateway over the given cache and backend. bus may be nil
// when the owning view has no customer-facing notifications.
func New(cache *order.StateCache, backend StatusChanger, bus *alert.Bus, logger aqm.Logger) *Gateway {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Gateway{
		cache:        cache,
		backend:      backend,
		bus:          bus,
		logger:       logger,
		RemovalDelay: DefaultRemovalDelay,
		updating:     make(map[string]struct{}),
		tracked:      make(map[string]struct{}),
	}
}

// Track declares which statuses the owning view keeps on screen. After
// a successful change to a status outside this set the order is removed
// from the cache once RemovalDelay elapses. With no tracked statuses
// orders are never removed.
func (g *Gateway) Track(statuses ...orderstatus.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range statuses {
		g.tracked[s.Name] = struct{}{}
	}
}

// IsUpdating reports whether a status change for the order is in flight.
func (g *Gateway) IsUpdating(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.updating[orderID]
	return ok
}

// ChangeStatus moves the order to newStatus. The local cache is updated
// immediately; the backend request follows. Repeat triggers while a
// change is in flight are rejected with ErrUpdateInFlight.
func (g *Gateway) ChangeStatus(ctx context.Context, orderID string, newStatus orderstatus.Status) error {
	if orderID == "" {
		return fmt.Errorf("missing order id")
	}

	g.mu.Lock()
	if _, inFlight := g.updating[orderID]; inFlight {
		g.mu.Unlock()
		return ErrUpdateInFlight
	}
	g.updating[orderID] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.updating, orderID)
		g.mu.Unlock()
	}()

	orderType := orderstatus.TypeDelivery
	if current := g.cache.Get(orderID); current != nil {
		orderType = current.Type
	}

	g.cache.UpdateStatus(orderID, newStatus.Name)

	confirmed, err := g.backend.ChangeStatus(ctx, orderID, newStatus.Name)
	if err != nil {
		g.logger.Error("status change failed", "order_id", orderID, "status", newStatus.Name, "error", err)
		if g.bus != nil {
			g.bus.Publish(alert.Notification{
				Kind:    alert.KindError,
				OrderID: orderID,
				Message: "Failed to update order status. Please try again.",
			})
		}
		return fmt.Errorf("failed to change status for order %s: %w", orderID, err)
	}

	if confirmed != nil {
		g.cache.Upsert(confirmed)
	}

	g.notifyCustomer(orderID, newStatus, orderType)
	g.scheduleRemoval(orderID, newStatus)
	return nil
}

func (g *Gateway) notifyCustomer(orderID string, status orderstatus.Status, orderType string) {
	if g.bus == nil {
		return
	}
	msg, ok := alert.CustomerMessage(status, orderType)
	if !ok {
		return
	}
	g.bus.Publish(alert.Notification{
		Kind:    alert.KindStatusChange,
		OrderID: orderID,
		Message: msg,
	})
}

func (g *Gateway) scheduleRemoval(orderID string, status orderstatus.Status) {
	g.mu.Lock()
	tracks := len(g.tracked) > 0
	_, kept := g.tracked[status.Name]
	g.mu.Unlock()

	if !tracks || kept {
		return
	}
	time.AfterFunc(g.RemovalDelay, func() {
		g.cache.Remove(orderID)
		if g.OnRemoved != nil {
			g.OnRemoved(orderID)
		}
	})
}
