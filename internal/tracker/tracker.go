package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/saporito/orderdeck/internal/alert"
	"github.com/saporito/orderdeck/internal/backend"
	"github.com/saporito/orderdeck/internal/order"
	"github.com/saporito/orderdeck/internal/poller"
	"github.com/saporito/orderdeck/internal/stream"
	"github.com/saporito/orderdeck/pkg/enums/orderstatus"
)

// Step is one stop on the customer timeline.
type Step struct {
	Status  string     `json:"status"`
	Label   string     `json:"label"`
	Reached bool       `json:"reached"`
	At      *time.Time `json:"at,omitempty"`
}

// Timeline is what the customer sees for a tracked order.
type Timeline struct {
	OrderID        string     `json:"order_id"`
	OrderNumber    string     `json:"order_number"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	StatusLabel    string     `json:"status_label"`
	EstimatedReady *time.Time `json:"estimated_ready,omitempty"`
	Cancelled      bool       `json:"cancelled"`
	Steps          []Step     `json:"steps"`
}

// View is the customer order tracker. It follows only explicitly
// tracked orders: the lifecycle stream carries every order, so events
// are filtered down to the tracked set before they touch the cache.
type View struct {
	cache      *order.StateCache
	dispatcher *stream.Dispatcher
	channel    *stream.Channel
	poller     *poller.Poller
	fanout     *stream.Fanout
	backend    *backend.Client
	bus        *alert.Bus
	logger     aqm.Logger

	mu      sync.Mutex
	tracked map[string]struct{}
}

// NewView wires the tracker over the given backend client. bus carries
// the customer-facing status messages; it may be nil.
func NewView(client *backend.Client, bus *alert.Bus, logger aqm.Logger) *View {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}

	v := &View{
		cache:   order.NewStateCache(logger),
		fanout:  stream.NewFanout(logger),
		backend: client,
		bus:     bus,
		logger:  logger,
		tracked: make(map[string]struct{}),
	}

	v.dispatcher = stream.NewDispatcher(stream.Handlers{
		OnOrderUpdate:  v.onOrderUpdate,
		OnStatusUpdate: v.onStatusUpdate,
	}, logger)

	v.channel = stream.NewChannel("tracker", client.StreamURL, v.dispatcher, logger)
	v.channel.OnStateChange = v.onChannelState
	v.poller = poller.New("tracker", poller.DefaultInterval, v.fetch, v.apply, logger)
	v.poller.OnAuthFailure = v.onAuthFailure

	return v
}

func (v *View) Start(ctx context.Context) error {
	if err := v.channel.Start(ctx); err != nil {
		return err
	}
	return v.poller.Start(ctx)
}

func (v *View) Stop(ctx context.Context) error {
	if err := v.channel.Stop(ctx); err != nil {
		return err
	}
	return v.poller.Stop(ctx)
}

func (v *View) ChannelState() stream.State {
	return v.channel.State()
}

func (v *View) Fanout() *stream.Fanout {
	return v.fanout
}

// Dispatcher exposes the event dispatcher for alternative sources.
func (v *View) Dispatcher() *stream.Dispatcher {
	return v.dispatcher
}

// Track starts following an order. The current state is fetched up
// front so the timeline renders before the next stream event.
func (v *View) Track(ctx context.Context, orderID string) (*Timeline, error) {
	o, err := v.backend.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.tracked[orderID] = struct{}{}
	v.mu.Unlock()

	v.cache.Upsert(o)
	return v.Timeline(orderID), nil
}

// Untrack stops following an order and drops its cached state.
func (v *View) Untrack(orderID string) {
	v.mu.Lock()
	delete(v.tracked, orderID)
	v.mu.Unlock()
	v.cache.Remove(orderID)
}

// IsTracked reports whether the order is being followed.
func (v *View) IsTracked(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.tracked[orderID]
	return ok
}

func (v *View) trackedIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.tracked))
	for id := range v.tracked {
		ids = append(ids, id)
	}
	return ids
}

// fetch refreshes every tracked order individually. An order that
// fails to load keeps its cached state; auth failures abort the cycle.
func (v *View) fetch(ctx context.Context) ([]*order.Order, error) {
	var orders []*order.Order
	for _, id := range v.trackedIDs() {
		o, err := v.backend.GetOrder(ctx, id)
		if err != nil {
			if errors.Is(err, backend.ErrUnauthorized) {
				return nil, err
			}
			v.logger.Error("tracker refresh failed", "order_id", id, "error", err)
			if cached := v.cache.Get(id); cached != nil {
				orders = append(orders, cached)
			}
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (v *View) apply(orders []*order.Order) {
	v.cache.ReplaceAll(orders)
	for _, o := range orders {
		v.publish(o.ID)
	}
}

func (v *View) onChannelState(s stream.State) {
	if v.bus == nil {
		return
	}
	switch s {
	case stream.StateConnected:
		v.bus.Publish(alert.Notification{
			Kind:    alert.KindChannelState,
			Message: "Live updates restored.",
		})
	case stream.StateDisconnected:
		v.bus.Publish(alert.Notification{
			Kind:    alert.KindChannelState,
			Message: "Live updates interrupted. Reconnecting.",
		})
	}
}

func (v *View) onAuthFailure() {
	if err := v.channel.Stop(context.Background()); err != nil {
		v.logger.Error("failed to stop tracker channel", "error", err)
	}
	if v.bus != nil {
		v.bus.Publish(alert.Notification{
			Kind:    alert.KindError,
			Message: "Session expired. Please sign in again.",
		})
	}
}

func (v *View) onOrderUpdate(o *order.Order) {
	if !v.IsTracked(o.ID) {
		return
	}
	previous := ""
	if cached := v.cache.Get(o.ID); cached != nil {
		previous = cached.Status
	}
	v.cache.Upsert(o)
	if o.Status != previous {
		v.notify(o.ID, o.Status)
	}
	v.publish(o.ID)
}

func (v *View) onStatusUpdate(orderID, status string) {
	if !v.IsTracked(orderID) {
		return
	}
	v.cache.UpdateStatus(orderID, status)
	v.notify(orderID, status)
	v.publish(orderID)
}

func (v *View) notify(orderID, status string) {
	if v.bus == nil {
		return
	}
	o := v.cache.Get(orderID)
	if o == nil {
		return
	}
	s := orderstatus.ByName(status)
	if s == nil {
		return
	}
	msg, ok := alert.CustomerMessage(*s, o.Type)
	if !ok {
		return
	}
	v.bus.Publish(alert.Notification{
		Kind:    alert.KindStatusChange,
		OrderID: orderID,
		Message: msg,
	})
}

// Timeline builds the customer timeline for a tracked order, or nil
// when the order is unknown. Pickup orders have no out_for_delivery
// stop.
func (v *View) Timeline(orderID string) *Timeline {
	o := v.cache.Get(orderID)
	if o == nil {
		return nil
	}

	statuses := []orderstatus.Status{
		orderstatus.Statuses.Pending,
		orderstatus.Statuses.Confirmed,
		orderstatus.Statuses.Preparing,
		orderstatus.Statuses.Ready,
	}
	if o.Type == orderstatus.TypeDelivery {
		statuses = append(statuses, orderstatus.Statuses.OutForDelivery)
	}
	statuses = append(statuses, orderstatus.Statuses.Delivered)

	cancelled := o.Status == orderstatus.Statuses.Cancelled.Name

	currentIdx := -1
	for i, s := range statuses {
		if s.Name == o.Status {
			currentIdx = i
		}
	}

	steps := make([]Step, 0, len(statuses))
	for i, s := range statuses {
		step := Step{
			Status:  s.Name,
			Label:   orderstatus.DisplayLabel(s, o.Type),
			Reached: currentIdx >= 0 && i <= currentIdx,
		}
		if at := reachedAt(o.StatusHistory, s.Name); at != nil && step.Reached {
			step.At = at
		}
		steps = append(steps, step)
	}

	statusLabel := o.Status
	if s := orderstatus.ByName(o.Status); s != nil {
		statusLabel = orderstatus.DisplayLabel(*s, o.Type)
	}

	return &Timeline{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		Type:           o.Type,
		Status:         o.Status,
		StatusLabel:    statusLabel,
		EstimatedReady: o.EstimatedReady,
		Cancelled:      cancelled,
		Steps:          steps,
	}
}

func (v *View) publish(orderID string) {
	tl := v.Timeline(orderID)
	if tl == nil {
		return
	}
	data, err := json.Marshal(tl)
	if err != nil {
		v.logger.Error("failed to encode timeline", "order_id", orderID, "error", err)
		return
	}
	v.fanout.Publish(stream.ViewEvent{Type: "tracker_update", Data: data})
}

func reachedAt(history []order.StatusChange, status string) *time.Time {
	for _, change := range history {
		if change.Status == status {
			at := change.Timestamp
			return &at
		}
	}
	return nil
}
