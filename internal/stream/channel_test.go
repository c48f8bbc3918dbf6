package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saporito/orderdeck/internal/order"
)

// sseServer serves one scripted SSE response per connection, then drops it.
func sseServer(t *testing.T, connections *int32, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(connections, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestChannelDeliversEvents(t *testing.T) {
	var connections int32
	srv := sseServer(t, &connections, []string{
		`: connected`,
		`data: {"type":"connected"}`,
		``,
		`data: {"type":"new_order","order":{"id":"o-1","type":"pickup","status":"pending"}}`,
		``,
		`not json at all`,
		`data: {"type":"status_update","order_id":"o-1","status":"confirmed"}`,
	})
	defer srv.Close()

	var newOrders, statusUpdates int32
	d := NewDispatcher(Handlers{
		OnNewOrder:     func(*order.Order, bool) { atomic.AddInt32(&newOrders, 1) },
		OnStatusUpdate: func(string, string) { atomic.AddInt32(&statusUpdates, 1) },
	}, nil)

	c := NewChannel("test", func() (string, error) { return srv.URL, nil }, d, nil)
	c.ReconnectDelay = 10 * time.Millisecond
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&newOrders) >= 1 && atomic.LoadInt32(&statusUpdates) >= 1
	}, "channel did not deliver events")
}

func TestChannelReconnectLiveness(t *testing.T) {
	var connections int32
	srv := sseServer(t, &connections, []string{`data: {"type":"connected"}`})
	defer srv.Close()

	d := NewDispatcher(Handlers{}, nil)
	c := NewChannel("test", func() (string, error) { return srv.URL, nil }, d, nil)
	c.ReconnectDelay = 10 * time.Millisecond

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop(context.Background())

	// The server ends every response immediately, so observing several
	// connections proves the channel keeps coming back after each drop.
	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&connections) >= 3
	}, "channel did not reconnect after disconnects")
}

func TestChannelStateTransitions(t *testing.T) {
	var connections int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"connected\"}\n")
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	d := NewDispatcher(Handlers{}, nil)
	c := NewChannel("test", func() (string, error) { return srv.URL, nil }, d, nil)
	c.ReconnectDelay = 10 * time.Millisecond

	var sawConnecting, sawConnected int32
	c.OnStateChange = func(s State) {
		switch s {
		case StateConnecting:
			atomic.AddInt32(&sawConnecting, 1)
		case StateConnected:
			atomic.AddInt32(&sawConnected, 1)
		}
	}

	if c.State() != StateDisconnected {
		t.Errorf("initial State() = %q, want disconnected", c.State())
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&sawConnecting) >= 1 && atomic.LoadInt32(&sawConnected) >= 1
	}, "channel did not pass through connecting and connected states")

	if c.State() != StateConnected {
		t.Errorf("State() = %q, want connected", c.State())
	}
}

func TestChannelStopSilencesCallbacks(t *testing.T) {
	var connections int32
	srv := sseServer(t, &connections, []string{`data: {"type":"connected"}`})
	defer srv.Close()

	d := NewDispatcher(Handlers{}, nil)
	c := NewChannel("test", func() (string, error) { return srv.URL, nil }, d, nil)
	c.ReconnectDelay = 5 * time.Millisecond

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&connections) >= 1
	}, "channel never connected")

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() after Stop = %q, want disconnected", c.State())
	}

	// No further connection attempts after Stop.
	settled := atomic.LoadInt32(&connections)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&connections); got > settled+1 {
		t.Errorf("connections kept growing after Stop: %d -> %d", settled, got)
	}
}

func TestChannelRetriesWhenURLUnresolvable(t *testing.T) {
	var attempts int32
	d := NewDispatcher(Handlers{}, nil)
	c := NewChannel("test", func() (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", fmt.Errorf("no credential")
	}, d, nil)
	c.ReconnectDelay = 5 * time.Millisecond

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&attempts) >= 3
	}, "channel gave up resolving the stream URL")
}
