package backoffice

import (
	"context"
	"encoding/json"
	"strings"
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

const (
	// PageSize is the fixed number of rows per admin list page.
	PageSize = 20

	// NewOrderWindow is how long an order keeps its "new" badge after
	// it first appears.
	NewOrderWindow = 5 * time.Second
)

// Query narrows the admin order list. A zero Query returns the first
// page of everything.
type Query struct {
	Page   int
	Status string
	From   *time.Time
	To     *time.Time
	Search string
}

// Row is one line of the admin order list.
type Row struct {
	ID           string    `json:"id"`
	OrderNumber  string    `json:"order_number"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	StatusLabel  string    `json:"status_label"`
	CustomerName string    `json:"customer_name"`
	Phone        string    `json:"phone,omitempty"`
	Total        string    `json:"total"`
	CreatedAt    time.Time `json:"created_at"`
	IsNew        bool      `json:"is_new"`
	Updating     bool      `json:"updating"`
}

// Action is a status change the admin can apply to an order.
type Action struct {
	Status string `json:"status"`
	Label  string `json:"label"`
}

// Detail is the expanded row: the full order plus the actions legal
// from its current status.
type Detail struct {
	Order   *order.Order `json:"order"`
	Actions []Action     `json:"actions"`
	IsNew   bool         `json:"is_new"`
}

// Page is one page of the admin list.
type Page struct {
	Orders    []Row `json:"orders"`
	Total     int   `json:"total"`
	Page      int   `json:"page"`
	PageCount int   `json:"page_count"`
}

// View is the admin order list projection. Unlike the kitchen board it
// tracks every status, terminal ones included, and never drops rows on
// status changes.
type View struct {
	cache      *order.StateCache
	dispatcher *stream.Dispatcher
	channel    *stream.Channel
	poller     *poller.Poller
	gateway    *gateway.Gateway
	fanout     *stream.Fanout
	backend    *backend.Client
	bus        *alert.Bus
	logger     aqm.Logger
	now        func() time.Time

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

// NewView wires the admin projection over the given backend client.
// bus carries customer notifications for status changes; it may be nil.
func NewView(client *backend.Client, bus *alert.Bus, logger aqm.Logger) *View {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}

	v := &View{
		cache:     order.NewStateCache(logger),
		fanout:    stream.NewFanout(logger),
		backend:   client,
		bus:       bus,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		firstSeen: make(map[string]time.Time),
	}

	v.dispatcher = stream.NewDispatcher(stream.Handlers{
		OnNewOrder:     v.onNewOrder,
		OnOrderUpdate:  v.onOrderUpdate,
		OnStatusUpdate: v.onStatusUpdate,
	}, logger)

	v.channel = stream.NewChannel("backoffice", client.StreamURL, v.dispatcher, logger)
	v.channel.OnStateChange = v.onChannelState
	v.poller = poller.New("backoffice", poller.DefaultInterval, v.fetch, v.apply, logger)
	v.poller.OnAuthFailure = v.onAuthFailure

	// No tracked set: admin rows stay visible in every status.
	v.gateway = gateway.New(v.cache, client, bus, logger)

	return v
}

func (v *View) Start(ctx context.Context) error {
	orders, err := v.backend.ListOrders(ctx, backend.ListFilter{})
	if err != nil {
		v.logger.Error("admin initial load failed", "error", err)
	} else {
		v.apply(orders)
	}

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

func (v *View) fetch(ctx context.Context) ([]*order.Order, error) {
	return v.backend.ListOrders(ctx, backend.ListFilter{})
}

func (v *View) apply(orders []*order.Order) {
	v.cache.ReplaceAll(orders)
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	v.dispatcher.MarkSeen(ids...)
	v.pruneNewFlags()
	v.publish("list_update", nil)
}

// pruneNewFlags drops first-seen marks once their badge window has
// passed, so the map does not grow with every order ever streamed.
func (v *View) pruneNewFlags() {
	now := v.now()
	v.mu.Lock()
	for id, seen := range v.firstSeen {
		if now.Sub(seen) >= NewOrderWindow {
			delete(v.firstSeen, id)
		}
	}
	v.mu.Unlock()
}

func (v *View) onAuthFailure() {
	if err := v.channel.Stop(context.Background()); err != nil {
		v.logger.Error("failed to stop admin channel", "error", err)
	}
	if v.bus != nil {
		v.bus.Publish(alert.Notification{
			Kind:    alert.KindError,
			Message: "Session expired. Please sign in again.",
		})
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

func (v *View) onNewOrder(o *order.Order, firstSeen bool) {
	v.cache.Upsert(o)
	if firstSeen {
		v.mu.Lock()
		v.firstSeen[o.ID] = v.now()
		v.mu.Unlock()
	}
	v.publish("new_order", o)
}

func (v *View) onOrderUpdate(o *order.Order) {
	v.cache.Upsert(o)
	v.publish("order_update", o)
}

func (v *View) onStatusUpdate(orderID, status string) {
	v.cache.UpdateStatus(orderID, status)
	v.publish("status_update", v.cache.Get(orderID))
}

// IsNew reports whether the order is inside its new-order badge window.
func (v *View) IsNew(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	seen, ok := v.firstSeen[orderID]
	return ok && v.now().Sub(seen) < NewOrderWindow
}

// List filters, sorts and paginates the cached orders, newest first.
func (v *View) List(q Query) Page {
	matched := v.cache.Sorted(
		func(o *order.Order) bool { return matches(o, q) },
		func(a, b *order.Order) bool { return a.CreatedAt.After(b.CreatedAt) },
	)

	total := len(matched)
	pageCount := (total + PageSize - 1) / PageSize
	page := q.Page
	if page < 1 {
		page = 1
	}
	if pageCount > 0 && page > pageCount {
		page = pageCount
	}

	start := (page - 1) * PageSize
	end := start + PageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	rows := make([]Row, 0, end-start)
	for _, o := range matched[start:end] {
		rows = append(rows, v.row(o))
	}
	return Page{Orders: rows, Total: total, Page: page, PageCount: pageCount}
}

// Detail returns the expanded order with its legal actions, or nil when
// unknown.
func (v *View) Detail(id string) *Detail {
	o := v.cache.Get(id)
	if o == nil {
		return nil
	}

	var actions []Action
	if current := orderstatus.ByName(o.Status); current != nil {
		for _, next := range orderstatus.Next(*current, o.Type) {
			label := next.Label()
			if next != orderstatus.Statuses.Cancelled {
				label = orderstatus.ActionLabel(*current, o.Type)
			}
			actions = append(actions, Action{Status: next.Name, Label: label})
		}
	}

	return &Detail{Order: o, Actions: actions, IsNew: v.IsNew(id)}
}

// SetStatus applies an explicit status change after validating it
// against the transition table.
func (v *View) SetStatus(ctx context.Context, id, status string) error {
	o := v.cache.Get(id)
	if o == nil {
		return order.ErrNotFound
	}

	current := orderstatus.ByName(o.Status)
	target := orderstatus.ByName(status)
	if current == nil || target == nil {
		return orderstatus.ErrNoTransition
	}
	if !orderstatus.CanTransition(*current, *target, o.Type) {
		return orderstatus.ErrNoTransition
	}
	return v.gateway.ChangeStatus(ctx, id, *target)
}

func (v *View) row(o *order.Order) Row {
	label := o.Status
	if s := orderstatus.ByName(o.Status); s != nil {
		label = orderstatus.DisplayLabel(*s, o.Type)
	}
	return Row{
		ID:           o.ID,
		OrderNumber:  o.OrderNumber,
		Type:         o.Type,
		Status:       o.Status,
		StatusLabel:  label,
		CustomerName: o.Customer.Name,
		Phone:        o.Customer.Phone,
		Total:        o.Total.StringFixed(2),
		CreatedAt:    o.CreatedAt,
		IsNew:        v.IsNew(o.ID),
		Updating:     v.gateway.IsUpdating(o.ID),
	}
}

func (v *View) publish(eventType string, o *order.Order) {
	var data []byte
	if o != nil {
		var err error
		data, err = json.Marshal(v.row(o))
		if err != nil {
			v.logger.Error("failed to encode admin row", "order_id", o.ID, "error", err)
			return
		}
	}
	v.fanout.Publish(stream.ViewEvent{Type: eventType, Data: data})
}

func matches(o *order.Order, q Query) bool {
	if q.Status != "" && o.Status != q.Status {
		return false
	}
	if q.From != nil && o.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && !o.CreatedAt.Before(q.To.Add(24*time.Hour)) {
		return false
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(o.Customer.Name), needle) &&
			!strings.Contains(strings.ToLower(o.Customer.Phone), needle) &&
			!strings.Contains(strings.ToLower(o.OrderNumber), needle) {
			return false
		}
	}
	return true
}
