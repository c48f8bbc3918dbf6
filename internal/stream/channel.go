package stream

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
)

// State describes the push channel's connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// DefaultReconnectDelay is the fixed backoff between reconnect attempts.
// Not exponential: the channel retries forever at this cadence for the
// life of the view, and the polling fallback covers correctness while it
// is down.
const DefaultReconnectDelay = 3 * time.Second

// Channel is a long-lived server-push connection delivering order
// lifecycle events. One channel per view instance. It owns reconnection;
// consumers own reconciliation.
type Channel struct {
	name       string
	streamURL  func() (string, error)
	dispatcher *Dispatcher
	logger     aqm.Logger

	// ReconnectDelay may be lowered before Start; tests use this.
	ReconnectDelay time.Duration

	// OnStateChange, when set before Start, observes every connection
	// state transition.
	OnStateChange func(State)

	http *http.Client

	mu     sync.RWMutex
	state  State
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChannel creates a channel for the given stream endpoint. streamURL
// is resolved on every connection attempt so a rotated token is picked
// up at the next reconnect.
func NewChannel(name string, streamURL func() (string, error), dispatcher *Dispatcher, logger aqm.Logger) *Channel {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		name:           name,
		streamURL:      streamURL,
		dispatcher:     dispatcher,
		logger:         logger,
		ReconnectDelay: DefaultReconnectDelay,
		// No client timeout: this is a streaming read, cancellation
		// comes from the channel context.
		http:   &http.Client{},
		state:  StateDisconnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens the connection loop in the background; it never blocks
// startup on upstream availability.
func (c *Channel) Start(ctx context.Context) error {
	c.logger.Info("starting live update channel", "channel", c.name)
	go c.connectWithRetry()
	return nil
}

// Stop closes the channel. Mandatory on view teardown: an unclosed
// channel leaks the connection and keeps firing callbacks against a view
// that no longer exists.
func (c *Channel) Stop(ctx context.Context) error {
	c.logger.Info("stopping live update channel", "channel", c.name)
	c.cancel()
	c.setState(StateDisconnected)
	return nil
}

// State returns the current connection state. A connected-looking state
// is not a delivery guarantee; the polling fallback remains the
// correctness backstop.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) connectWithRetry() {
	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info("live update channel shut down", "channel", c.name)
			return
		default:
		}

		c.setState(StateConnecting)

		url, err := c.streamURL()
		if err != nil {
			c.logger.Debug("cannot resolve stream URL", "channel", c.name, "error", err)
			c.setState(StateDisconnected)
			c.sleep()
			continue
		}

		if err := c.consume(url); err != nil {
			c.logger.Debug("stream connection lost", "channel", c.name, "error", err)
		}

		c.setState(StateDisconnected)
		c.sleep()
	}
}

// consume blocks reading the stream until the connection drops or the
// channel stops.
func (c *Channel) consume(url string) error {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}

	c.setState(StateConnected)
	c.logger.Info("live update channel connected", "channel", c.name)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			// SSE comments and blank separators are keepalives.
			continue
		}
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(line) == 0 || bytes.HasPrefix(line, []byte("retry")) || bytes.HasPrefix(line, []byte("event")) {
			continue
		}

		// Guard against dispatching after Stop: callbacks must never
		// land on a torn-down view.
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		c.dispatcher.Dispatch(line)
	}

	return scanner.Err()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.OnStateChange != nil && c.ctx.Err() == nil {
		c.OnStateChange(s)
	}
}

func (c *Channel) sleep() {
	select {
	case <-c.ctx.Done():
	case <-time.After(c.ReconnectDelay):
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
