package stream

import (
	"testing"

	"github.com/saporito/orderdeck/internal/order"
)

func TestDispatcherHeartbeats(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "malformedJSON",
			data: `{"type": "new_order", truncated`,
		},
		{
			name: "unknownType",
			data: `{"type":"kitchen_sink"}`,
		},
		{
			name: "emptyType",
			data: `{"foo":"bar"}`,
		},
		{
			name: "notJSONAtAll",
			data: `ping`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fired bool
			d := NewDispatcher(Handlers{
				OnConnected:    func() { fired = true },
				OnNewOrder:     func(*order.Order, bool) { fired = true },
				OnOrderUpdate:  func(*order.Order) { fired = true },
				OnStatusUpdate: func(string, string) { fired = true },
			}, nil)

			// Heartbeats are swallowed silently, never surfaced.
			d.Dispatch([]byte(tt.data))

			if fired {
				t.Errorf("Dispatch(%q) invoked a handler, want heartbeat", tt.data)
			}
		})
	}
}

func TestDispatcherConnected(t *testing.T) {
	var connected bool
	d := NewDispatcher(Handlers{OnConnected: func() { connected = true }}, nil)

	d.Dispatch([]byte(`{"type":"connected"}`))

	if !connected {
		t.Error("connected event did not fire OnConnected")
	}
}

func TestDispatcherNewOrderAlertDedup(t *testing.T) {
	type call struct {
		id        string
		firstSeen bool
	}
	var calls []call

	d := NewDispatcher(Handlers{
		OnNewOrder: func(o *order.Order, firstSeen bool) {
			calls = append(calls, call{id: o.ID, firstSeen: firstSeen})
		},
	}, nil)

	evt101 := `{"type":"new_order","order":{"id":"101","type":"pickup","status":"pending"}}`
	evt102 := `{"type":"new_order","order":{"id":"102","type":"delivery","status":"pending"}}`

	d.Dispatch([]byte(evt101))
	// Redelivery after a reconnect must not re-alert.
	d.Dispatch([]byte(evt101))
	d.Dispatch([]byte(evt102))

	if len(calls) != 3 {
		t.Fatalf("OnNewOrder fired %d times, want 3", len(calls))
	}
	if !calls[0].firstSeen {
		t.Error("first delivery of 101 should be firstSeen")
	}
	if calls[1].firstSeen {
		t.Error("redelivery of 101 must not be firstSeen")
	}
	if !calls[2].firstSeen {
		t.Error("first delivery of 102 should be firstSeen")
	}
}

func TestDispatcherMarkSeenPrimesDedup(t *testing.T) {
	var firstSeen bool
	d := NewDispatcher(Handlers{
		OnNewOrder: func(o *order.Order, fs bool) { firstSeen = fs },
	}, nil)

	// The view's initial load already displays order 101.
	d.MarkSeen("101")

	d.Dispatch([]byte(`{"type":"new_order","order":{"id":"101","type":"pickup","status":"pending"}}`))

	if firstSeen {
		t.Error("order known from initial load must not alert")
	}
}

func TestDispatcherOrderUpdateWithPayload(t *testing.T) {
	var got *order.Order
	d := NewDispatcher(Handlers{OnOrderUpdate: func(o *order.Order) { got = o }}, nil)

	d.Dispatch([]byte(`{"type":"order_update","order":{"id":"o-1","type":"delivery","status":"preparing"}}`))

	if got == nil {
		t.Fatal("OnOrderUpdate did not fire")
	}
	if got.Status != "preparing" {
		t.Errorf("Status = %q, want %q", got.Status, "preparing")
	}
}

func TestDispatcherStatusOnlyUpdate(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		wantID     string
		wantStatus string
	}{
		{
			name:       "plainStatus",
			data:       `{"type":"status_update","order_id":"o-1","status":"ready"}`,
			wantID:     "o-1",
			wantStatus: "ready",
		},
		{
			name:       "collectedNormalizedToDelivered",
			data:       `{"type":"status_update","order_id":"o-2","status":"collected"}`,
			wantID:     "o-2",
			wantStatus: "delivered",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID, gotStatus string
			d := NewDispatcher(Handlers{
				OnStatusUpdate: func(id, status string) {
					gotID, gotStatus = id, status
				},
			}, nil)

			d.Dispatch([]byte(tt.data))

			if gotID != tt.wantID {
				t.Errorf("order id = %q, want %q", gotID, tt.wantID)
			}
			if gotStatus != tt.wantStatus {
				t.Errorf("status = %q, want %q", gotStatus, tt.wantStatus)
			}
		})
	}
}

func TestDispatcherNewOrderWithoutPayload(t *testing.T) {
	var fired bool
	d := NewDispatcher(Handlers{OnNewOrder: func(*order.Order, bool) { fired = true }}, nil)

	d.Dispatch([]byte(`{"type":"new_order"}`))

	if fired {
		t.Error("new_order without a decodable payload should be dropped")
	}
}
