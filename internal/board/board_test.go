package board

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/saporito/orderdeck/internal/alert"
	"github.com/saporito/orderdeck/internal/backend"
	"github.com/saporito/orderdeck/internal/order"
	"github.com/saporito/orderdeck/internal/stream"
	"github.com/saporito/orderdeck/pkg/enums/orderstatus"
)

// testBackend serves a scripted order API and records status changes.
type testBackend struct {
	mu      sync.Mutex
	orders  []*order.Order
	changes []string
	server  *httptest.Server
}

func newTestBackend(t *testing.T, orders ...*order.Order) *testBackend {
	t.Helper()
	tb := &testBackend{orders: orders}
	tb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tb.mu.Lock()
		defer tb.mu.Unlock()

		if r.Method == http.MethodPut {
			var body struct {
				Status string `json:"status"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			tb.changes = append(tb.changes, r.URL.Path+":"+body.Status)
			w.Write([]byte(`{"success":true}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"orders": tb.orders})
	}))
	t.Cleanup(tb.server.Close)
	return tb
}

func (tb *testBackend) client() *backend.Client {
	return backend.NewClient(tb.server.URL, backend.NewMemoryCredentialStore("token"), aqm.NewNoopLogger())
}

func (tb *testBackend) changeCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.changes)
}

func boardOrder(id, status, orderType string, createdAt time.Time) *order.Order {
	return &order.Order{
		ID:          id,
		OrderNumber: "N-" + id,
		Type:        orderType,
		Status:      status,
		CreatedAt:   createdAt,
		Customer:    order.Customer{Name: "Dana"},
	}
}

func TestSnapshotGroupsByColumn(t *testing.T) {
	tb := newTestBackend(t)
	view := NewView(tb.client(), nil, nil, aqm.NewNoopLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	view.apply([]*order.Order{
		boardOrder("1", orderstatus.Statuses.Pending.Name, orderstatus.TypePickup, base.Add(2*time.Minute)),
		boardOrder("2", orderstatus.Statuses.Pending.Name, orderstatus.TypeDelivery, base),
		boardOrder("3", orderstatus.Statuses.Preparing.Name, orderstatus.TypePickup, base),
		boardOrder("4", orderstatus.Statuses.Delivered.Name, orderstatus.TypePickup, base),
	})

	state := view.Snapshot()
	if len(state.Columns) != 4 {
		t.Fatalf("expected 4 columns, got %d", len(state.Columns))
	}
	if state.Columns[0].Title != "New Orders" {
		t.Errorf("expected first column 'New Orders', got %q", state.Columns[0].Title)
	}
	if state.Columns[0].Count != 2 {
		t.Errorf("expected 2 pending orders, got %d", state.Columns[0].Count)
	}

	// Oldest first within each column.
	if got := state.Columns[0].Orders[0].ID; got != "2" {
		t.Errorf("expected oldest pending order first, got id %s", got)
	}

	// Delivered orders never reach the board.
	total := 0
	for _, col := range state.Columns {
		total += col.Count
	}
	if total != 3 {
		t.Errorf("expected 3 orders across the board, got %d", total)
	}
}

func TestNewOrderAlertsOnlyOnFirstSight(t *testing.T) {
	tb := newTestBackend(t)

	var bell bytes.Buffer
	audio := alert.NewAudioAlert(&bell, aqm.NewNoopLogger())
	bus := alert.NewBus(aqm.NewNoopLogger())
	notifications := bus.Subscribe("test")

	view := NewView(tb.client(), audio, bus, aqm.NewNoopLogger())

	o := boardOrder("101", orderstatus.Statuses.Pending.Name, orderstatus.TypePickup, time.Now().UTC())
	view.onNewOrder(o, true)
	view.onNewOrder(o, false)

	if got := bell.Len(); got != 1 {
		t.Errorf("expected exactly one bell, got %d bytes", got)
	}
	select {
	case n := <-notifications:
		if n.Kind != alert.KindNewOrder {
			t.Errorf("expected new order notification, got kind %q", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a new order notification")
	}
	select {
	case n := <-notifications:
		t.Fatalf("unexpected second notification: %+v", n)
	default:
	}
}

func TestSnapshotDoesNotReAlertKnownOrders(t *testing.T) {
	tb := newTestBackend(t)

	var bell bytes.Buffer
	audio := alert.NewAudioAlert(&bell, aqm.NewNoopLogger())
	view := NewView(tb.client(), audio, nil, aqm.NewNoopLogger())

	o := boardOrder("101", orderstatus.Statuses.Pending.Name, orderstatus.TypePickup, time.Now().UTC())
	view.apply([]*order.Order{o})

	// A redelivered new_order event for a snapshotted order is not new.
	view.dispatcher.Dispatch([]byte(`{"type":"new_order","order":{"id":"101","status":"pending"}}`))
	if bell.Len() != 0 {
		t.Errorf("expected no bell for a known order, got %d bytes", bell.Len())
	}
}

func TestStatusUpdateLeavingBoardRemovesCard(t *testing.T) {
	tb := newTestBackend(t)
	view := NewView(tb.client(), nil, nil, aqm.NewNoopLogger())

	view.apply([]*order.Order{
		boardOrder("101", orderstatus.Statuses.Ready.Name, orderstatus.TypePickup, time.Now().UTC()),
	})

	view.onStatusUpdate("101", orderstatus.Statuses.Delivered.Name)

	if view.Detail("101") != nil {
		t.Error("expected delivered order removed from the board")
	}
}

func TestAdvanceMovesOrderForward(t *testing.T) {
	tb := newTestBackend(t)
	view := NewView(tb.client(), nil, nil, aqm.NewNoopLogger())

	view.apply([]*order.Order{
		boardOrder("101", orderstatus.Statuses.Pending.Name, orderstatus.TypePickup, time.Now().UTC()),
	})

	if err := view.Advance(context.Background(), "101"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := view.Detail("101").Status; got != orderstatus.Statuses.Confirmed.Name {
		t.Errorf("expected confirmed after advance, got %q", got)
	}
	if tb.changeCount() != 1 {
		t.Errorf("expected 1 backend status change, got %d", tb.changeCount())
	}
}

func TestAdvanceUnknownOrder(t *testing.T) {
	tb := newTestBackend(t)
	view := NewView(tb.client(), nil, nil, aqm.NewNoopLogger())

	if err := view.Advance(context.Background(), "nope"); err != order.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelFromBoard(t *testing.T) {
	tb := newTestBackend(t)
	view := NewView(tb.client(), nil, nil, aqm.NewNoopLogger())
	view.gateway.RemovalDelay = 100 * time.Millisecond

	view.apply([]*order.Order{
		boardOrder("101", orderstatus.Statuses.Preparing.Name, orderstatus.TypeDelivery, time.Now().UTC()),
	})

	if err := view.Cancel(context.Background(), "101"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The cancelled card lingers in its lane until the removal fires, so
	// the operator sees the cancelled state instead of a vanishing row.
	card := findCard(view.Snapshot(), "101")
	if card == nil {
		t.Fatal("expected cancelled order still on the board")
	}
	if card.Status != orderstatus.Statuses.Cancelled.Name {
		t.Errorf("expected lingering card to show cancelled, got %q", card.Status)
	}
	waitForCardGone(t, view, "101")
}

// findCard scans every column for the given order id.
func findCard(state State, id string) *Card {
	for _, col := range state.Columns {
		for i := range col.Orders {
			if col.Orders[i].ID == id {
				return &col.Orders[i]
			}
		}
	}
	return nil
}

func waitForCardGone(t *testing.T, view *View, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if findCard(view.Snapshot(), id) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order %s never left the board", id)
}

func TestAdvanceKeepsCardDuringExitWindow(t *testing.T) {
	tb := newTestBackend(t)
	view := NewView(tb.client(), nil, nil, aqm.NewNoopLogger())
	view.gateway.RemovalDelay = 100 * time.Millisecond

	view.apply([]*order.Order{
		boardOrder("101", orderstatus.Statuses.Ready.Name, orderstatus.TypeDelivery, time.Now().UTC()),
	})

	if err := view.Advance(context.Background(), "101"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The advanced card stays in the ready lane showing the exit status
	// until the delayed removal evicts it.
	state := view.Snapshot()
	card := findCard(state, "101")
	if card == nil {
		t.Fatal("expected advanced order still on the board")
	}
	if card.Status != orderstatus.Statuses.OutForDelivery.Name {
		t.Errorf("expected lingering card to show out_for_delivery, got %q", card.Status)
	}
	var readyCol *Column
	for i := range state.Columns {
		if state.Columns[i].Status == orderstatus.Statuses.Ready.Name {
			readyCol = &state.Columns[i]
		}
	}
	if readyCol == nil || len(readyCol.Orders) != 1 || readyCol.Orders[0].ID != "101" {
		t.Error("expected the lingering card in the ready column")
	}

	// A stream echo of the same change must not cut the window short.
	view.onStatusUpdate("101", orderstatus.Statuses.OutForDelivery.Name)
	if findCard(view.Snapshot(), "101") == nil {
		t.Error("expected the card to survive the stream echo")
	}

	waitForCardGone(t, view, "101")
}

func TestCardActionLabels(t *testing.T) {
	tb := newTestBackend(t)
	view := NewView(tb.client(), nil, nil, aqm.NewNoopLogger())

	view.apply([]*order.Order{
		boardOrder("p", orderstatus.Statuses.Ready.Name, orderstatus.TypePickup, time.Now().UTC()),
		boardOrder("d", orderstatus.Statuses.Ready.Name, orderstatus.TypeDelivery, time.Now().UTC()),
	})

	if got := view.Detail("p").ActionLabel; got != "Picked Up" {
		t.Errorf("expected pickup action 'Picked Up', got %q", got)
	}
	if got := view.Detail("d").ActionLabel; got != "Out for Delivery" {
		t.Errorf("expected delivery action 'Out for Delivery', got %q", got)
	}
}

func TestChannelStateNotifications(t *testing.T) {
	tb := newTestBackend(t)
	bus := alert.NewBus(aqm.NewNoopLogger())
	notifications := bus.Subscribe("test")
	view := NewView(tb.client(), nil, bus, aqm.NewNoopLogger())

	view.onChannelState(stream.StateDisconnected)
	select {
	case n := <-notifications:
		if n.Kind != alert.KindChannelState {
			t.Errorf("expected channel state notification, got kind %q", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a notification on disconnect")
	}

	view.onChannelState(stream.StateConnected)
	select {
	case n := <-notifications:
		if n.Kind != alert.KindChannelState {
			t.Errorf("expected channel state notification, got kind %q", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a notification on reconnect")
	}

	// Connecting is transient and stays quiet.
	view.onChannelState(stream.StateConnecting)
	select {
	case n := <-notifications:
		t.Fatalf("unexpected notification while connecting: %+v", n)
	default:
	}
}

func TestStartLoadsInitialSnapshot(t *testing.T) {
	tb := newTestBackend(t,
		boardOrder("101", orderstatus.Statuses.Pending.Name, orderstatus.TypePickup, time.Now().UTC()),
		boardOrder("102", orderstatus.Statuses.Ready.Name, orderstatus.TypeDelivery, time.Now().UTC()),
	)
	view := NewView(tb.client(), nil, nil, aqm.NewNoopLogger())

	if err := view.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer view.Stop(context.Background())

	state := view.Snapshot()
	total := 0
	for _, col := range state.Columns {
		total += col.Count
	}
	if total != 2 {
		t.Errorf("expected 2 orders after initial load, got %d", total)
	}
}
