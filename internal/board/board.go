package board

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/saporito/orderdeck/internal/alert"
	"github.com/saporito/orderdeck/internal/backend"
	"github.com/saporito/orderdeck/internal/gateway"
	"github.com/saporito/orderdeck/internal/order"
	"github.com/saporito/orderdeck/internal/poller"
	"github.com/saporito/orderdeck/internal/stream"
	"github.com/saporito/orderdeck/pkg/enums/orderstatus"
)

// columnStatuses are the statuses the kitchen board displays, one
// column each, in board order.
var columnStatuses = []orderstatus.Status{
	orderstatus.Statuses.Pending,
	orderstatus.Statuses.Confirmed,
	orderstatus.Statuses.Preparing,
	orderstatus.Statuses.Ready,
}

var columnTitles = map[string]string{
	orderstatus.Statuses.Pending.Name:   "New Orders",
	orderstatus.Statuses.Confirmed.Name: "Confirmed",
	orderstatus.Statuses.Preparing.Name: "Preparing",
	orderstatus.Statuses.Ready.Name:     "Ready",
}

// Card is the kitchen board's view of a single order.
type Card struct {
	ID           string     `json:"id"`
	OrderNumber  string     `json:"order_number"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	StatusLabel  string     `json:"status_label"`
	ActionLabel  string     `json:"action_label,omitempty"`
	CustomerName string     `json:"customer_name"`
	ItemCount    int        `json:"item_count"`
	Total        string     `json:"total"`
	CreatedAt    time.Time  `json:"created_at"`
	ElapsedMin   int        `json:"elapsed_min"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Updating     bool       `json:"updating"`
}

// CardDetail extends Card with the full item breakdown.
type CardDetail struct {
	Card
	Items         []order.Item         `json:"items"`
	CustomerPhone string               `json:"customer_phone,omitempty"`
	Address       string               `json:"address,omitempty"`
	StatusHistory []order.StatusChange `json:"status_history,omitempty"`
}

// Column is one lane of the board.
type Column struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Count  int    `json:"count"`
	Orders []Card `json:"orders"`
}

// State is the full board snapshot served to clients.
type State struct {
	Columns   []Column `json:"columns"`
	Connected bool     `json:"connected"`
}

// View is the kitchen board projection. It owns its own order cache,
// live channel and polling fallback, so board state never depends on
// another view being open.
type View struct {
	cache      *order.StateCache
	dispatcher *stream.Dispatcher
	channel    *stream.Channel
	poller     *poller.Poller
	gateway    *gateway.Gateway
	fanout     *stream.Fanout
	backend    *backend.Client
	audio      *alert.AudioAlert
	bus        *alert.Bus
	logger     aqm.Logger
	now        func() time.Time

	// departing maps orders whose optimistic status change moved them
	// off the board to the column they are leaving from. They render
	// there until the gateway's delayed removal evicts them, so the
	// operator sees the exit state instead of an instant disappearance.
	mu        sync.Mutex
	departing map[string]string
}

// NewView wires the board projection over the given backend client.
// audio and bus may be nil.
func NewView(client *backend.Client, audio *alert.AudioAlert, bus *alert.Bus, logger aqm.Logger) *View {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}

	v := &View{
		cache:     order.NewStateCache(logger),
		fanout:    stream.NewFanout(logger),
		backend:   client,
		audio:     audio,
		bus:       bus,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		departing: make(map[string]string),
	}

	v.dispatcher = stream.NewDispatcher(stream.Handlers{
		OnNewOrder:     v.onNewOrder,
		OnOrderUpdate:  v.onOrderUpdate,
		OnStatusUpdate: v.onStatusUpdate,
	}, logger)

	v.channel = stream.NewChannel("board", client.StreamURL, v.dispatcher, logger)
	v.channel.OnStateChange = v.onChannelState
	v.poller = poller.New("board", poller.DefaultInterval, v.fetch, v.apply, logger)
	v.poller.OnAuthFailure = v.onAuthFailure

	v.gateway = gateway.New(v.cache, client, bus, logger)
	v.gateway.Track(columnStatuses...)
	v.gateway.OnRemoved = v.onRemoved

	return v
}

// Start loads the initial snapshot, then brings up the live channel and
// the polling fallback. A failed initial load is not fatal; the poller
// retries on its own schedule.
func (v *View) Start(ctx context.Context) error {
	orders, err := v.backend.ListOrders(ctx, backend.ListFilter{})
	if err != nil {
		v.logger.Error("board initial load failed", "error", err)
	} else {
		v.apply(orders)
	}

	if err := v.channel.Start(ctx); err != nil {
		return err
	}
	return v.poller.Start(ctx)
}

// Stop tears down the channel and the poller.
func (v *View) Stop(ctx context.Context) error {
	if err := v.channel.Stop(ctx); err != nil {
		return err
	}
	return v.poller.Stop(ctx)
}

// ChannelState exposes the live channel state for the degradation
// banner.
func (v *View) ChannelState() stream.State {
	return v.channel.State()
}

// Fanout exposes the downstream SSE fanout.
func (v *View) Fanout() *stream.Fanout {
	return v.fanout
}

// Dispatcher exposes the event dispatcher so alternative sources, the
// broker feed in particular, can be attached to this view.
func (v *View) Dispatcher() *stream.Dispatcher {
	return v.dispatcher
}

func (v *View) fetch(ctx context.Context) ([]*order.Order, error) {
	return v.backend.ListOrders(ctx, backend.ListFilter{})
}

// apply replaces the board cache with a fresh snapshot, keeping only
// the statuses the board displays.
func (v *View) apply(orders []*order.Order) {
	kept := make([]*order.Order, 0, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if _, ok := columnTitles[o.Status]; ok || v.isDeparting(o.ID) {
			kept = append(kept, o)
		}
		ids = append(ids, o.ID)
	}
	v.cache.ReplaceAll(kept)
	// Orders present in the snapshot are not new, whatever their
	// status; only events for unseen ids ring the bell.
	v.dispatcher.MarkSeen(ids...)
	v.publishSnapshot()
}

func (v *View) onAuthFailure() {
	if err := v.channel.Stop(context.Background()); err != nil {
		v.logger.Error("failed to stop board channel", "error", err)
	}
	if v.bus != nil {
		v.bus.Publish(alert.Notification{
			Kind:    alert.KindError,
			Message: "Session expired. Please sign in again.",
		})
	}
}

// onChannelState surfaces connection swings so the board can show its
// degradation banner. The connecting state is transient and stays quiet.
func (v *View) onChannelState(s stream.State) {
	if v.bus != nil {
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
	// The snapshot carries the connected flag.
	v.publishSnapshot()
}

func (v *View) onRemoved(orderID string) {
	v.mu.Lock()
	delete(v.departing, orderID)
	v.mu.Unlock()
	v.publishSnapshot()
}

func (v *View) onNewOrder(o *order.Order, firstSeen bool) {
	if _, tracked := columnTitles[o.Status]; !tracked {
		return
	}
	v.cache.Upsert(o)

	if firstSeen {
		if v.audio != nil {
			v.audio.Play(o.OrderNumber)
		}
		if v.bus != nil {
			v.bus.Publish(alert.Notification{
				Kind:    alert.KindNewOrder,
				OrderID: o.ID,
				Message: "New order " + o.OrderNumber,
			})
		}
	}
	v.publishCard("new_order", o.ID)
}

func (v *View) onOrderUpdate(o *order.Order) {
	if _, tracked := columnTitles[o.Status]; !tracked {
		// The backend echo of an on-board mutation must not cut the
		// exit window short; the gateway's timer finishes the removal.
		if v.isDeparting(o.ID) {
			v.cache.Upsert(o)
			v.publishSnapshot()
			return
		}
		v.cache.Remove(o.ID)
		v.publishSnapshot()
		return
	}
	v.cache.Upsert(o)
	v.publishCard("order_update", o.ID)
}

func (v *View) onStatusUpdate(orderID, status string) {
	if _, tracked := columnTitles[status]; !tracked {
		if v.isDeparting(orderID) {
			v.cache.UpdateStatus(orderID, status)
			v.publishSnapshot()
			return
		}
		v.cache.Remove(orderID)
		v.publishSnapshot()
		return
	}
	v.cache.UpdateStatus(orderID, status)
	v.publishCard("status_update", orderID)
}

// Snapshot assembles the board state, columns in fixed order, cards
// oldest first within each column.
func (v *View) Snapshot() State {
	state := State{
		Columns:   make([]Column, 0, len(columnStatuses)),
		Connected: v.channel.State() == stream.StateConnected,
	}
	cols := make(map[string]*Column, len(columnStatuses))
	for _, s := range columnStatuses {
		orders := v.cache.ByStatus(s.Name)
		col := Column{
			Status: s.Name,
			Title:  columnTitles[s.Name],
			Count:  len(orders),
			Orders: make([]Card, 0, len(orders)),
		}
		for _, o := range orders {
			col.Orders = append(col.Orders, v.card(o))
		}
		state.Columns = append(state.Columns, col)
		cols[s.Name] = &state.Columns[len(state.Columns)-1]
	}

	// Departing orders keep their slot in the column they came from
	// until the gateway evicts them, showing the exit status.
	v.mu.Lock()
	for id, from := range v.departing {
		o := v.cache.Get(id)
		if o == nil {
			delete(v.departing, id)
			continue
		}
		if _, stays := columnTitles[o.Status]; stays {
			delete(v.departing, id)
			continue
		}
		if col, ok := cols[from]; ok {
			col.Orders = append(col.Orders, v.card(o))
			col.Count++
		}
	}
	v.mu.Unlock()
	return state
}

// Detail returns the expanded card for an order, or nil when the board
// does not hold it.
func (v *View) Detail(id string) *CardDetail {
	o := v.cache.Get(id)
	if o == nil {
		return nil
	}
	return &CardDetail{
		Card:          v.card(o),
		Items:         o.Items,
		CustomerPhone: o.Customer.Phone,
		Address:       o.Customer.Address,
		StatusHistory: o.StatusHistory,
	}
}

// Advance moves the order one step forward along its lifecycle.
func (v *View) Advance(ctx context.Context, id string) error {
	o := v.cache.Get(id)
	if o == nil {
		return order.ErrNotFound
	}
	current := orderstatus.ByName(o.Status)
	if current == nil {
		return orderstatus.ErrNoTransition
	}
	next := forwardStep(*current, o.Type)
	if next == nil {
		return orderstatus.ErrNoTransition
	}
	if err := v.gateway.ChangeStatus(ctx, id, *next); err != nil {
		return err
	}
	v.markDeparting(id, o.Status, next.Name)
	v.publishSnapshot()
	return nil
}

// Cancel moves the order to cancelled.
func (v *View) Cancel(ctx context.Context, id string) error {
	o := v.cache.Get(id)
	if o == nil {
		return order.ErrNotFound
	}
	current := orderstatus.ByName(o.Status)
	if current == nil || !orderstatus.CanTransition(*current, orderstatus.Statuses.Cancelled, o.Type) {
		return orderstatus.ErrNoTransition
	}
	if err := v.gateway.ChangeStatus(ctx, id, orderstatus.Statuses.Cancelled); err != nil {
		return err
	}
	v.markDeparting(id, o.Status, orderstatus.Statuses.Cancelled.Name)
	v.publishSnapshot()
	return nil
}

// markDeparting records which column an order is leaving when its new
// status is no longer shown on the board. The gateway's delayed cache
// eviction ends the stay; Snapshot drops entries once the order is gone.
func (v *View) markDeparting(id, fromStatus, toStatus string) {
	if _, stays := columnTitles[toStatus]; stays {
		return
	}
	v.mu.Lock()
	v.departing[id] = fromStatus
	v.mu.Unlock()
}

func (v *View) isDeparting(id string) bool {
	v.mu.Lock()
	_, ok := v.departing[id]
	v.mu.Unlock()
	return ok
}

func (v *View) card(o *order.Order) Card {
	elapsed := int(v.now().Sub(o.CreatedAt).Minutes())
	if elapsed < 0 {
		elapsed = 0
	}
	current := orderstatus.Status{Name: o.Status}
	if s := orderstatus.ByName(o.Status); s != nil {
		current = *s
	}
	return Card{
		ID:           o.ID,
		OrderNumber:  o.OrderNumber,
		Type:         o.Type,
		Status:       o.Status,
		StatusLabel:  orderstatus.DisplayLabel(current, o.Type),
		ActionLabel:  orderstatus.ActionLabel(current, o.Type),
		CustomerName: o.Customer.Name,
		ItemCount:    len(o.Items),
		Total:        o.Total.StringFixed(2),
		CreatedAt:    o.CreatedAt,
		ElapsedMin:   elapsed,
		ScheduledFor: o.ScheduledFor,
		Updating:     v.gateway.IsUpdating(o.ID),
	}
}

func (v *View) publishCard(eventType, id string) {
	o := v.cache.Get(id)
	if o == nil {
		v.publishSnapshot()
		return
	}
	data, err := json.Marshal(v.card(o))
	if err != nil {
		v.logger.Error("failed to encode board card", "order_id", id, "error", err)
		return
	}
	v.fanout.Publish(stream.ViewEvent{Type: eventType, Data: data})
}

func (v *View) publishSnapshot() {
	data, err := json.Marshal(v.Snapshot())
	if err != nil {
		v.logger.Error("failed to encode board snapshot", "error", err)
		return
	}
	v.fanout.Publish(stream.ViewEvent{Type: "board_state", Data: data})
}

// forwardStep picks the single forward transition, skipping cancelled.
func forwardStep(current orderstatus.Status, orderType string) *orderstatus.Status {
	for _, next := range orderstatus.Next(current, orderType) {
		if next != orderstatus.Statuses.Cancelled {
			n := next
			return &n
		}
	}
	return nil
}
