package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/saporito/orderdeck/internal/order"
)

var (
	// ErrUnauthorized is returned after a 401/403. The stored credential
	// is already cleared by the time callers see it; polling loops treat
	// it as fatal for the view.
	ErrUnauthorized = errors.New("backend rejected credentials")
)

const (
	// Read requests get a fixed small retry count; mutations are never
	// retried automatically.
	readRetries    = 2
	requestTimeout = 10 * time.Second
)

// ListFilter narrows the order list the backend returns.
type ListFilter struct {
	Status string
	From   *time.Time
	To     *time.Time
}

// Client talks to the restaurant backend's order API. Every request
// carries the bearer token from the credential store; a 401/403 on any
// request clears the store.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialStore
	logger  aqm.Logger
}

func NewClient(baseURL string, creds CredentialStore, logger aqm.Logger) *Client {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		creds:   creds,
		logger:  logger,
	}
}

// ListOrders fetches the authoritative order list, normalized.
func (c *Client) ListOrders(ctx context.Context, filter ListFilter) ([]*order.Order, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.From != nil {
		q.Set("from", filter.From.Format("2006-01-02"))
	}
	if filter.To != nil {
		q.Set("to", filter.To.Format("2006-01-02"))
	}

	path := "/orders"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	body, err := c.doRead(ctx, path)
	if err != nil {
		return nil, err
	}

	raws, err := decodeOrderList(body)
	if err != nil {
		return nil, err
	}
	return order.NormalizeList(raws), nil
}

// GetOrder fetches a single order by id.
func (c *Client) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	if id == "" {
		return nil, fmt.Errorf("missing order id")
	}

	body, err := c.doRead(ctx, "/orders/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	raw := unwrapObject(body, "order")
	return order.Normalize(raw)
}

// ChangeStatus requests a status transition. Not retried: a failed
// mutation is surfaced to the caller exactly once.
func (c *Client) ChangeStatus(ctx context.Context, id, status string) (*order.Order, error) {
	if id == "" || status == "" {
		return nil, fmt.Errorf("missing status change information")
	}

	payload, _ := json.Marshal(map[string]string{"status": status})
	path := fmt.Sprintf("%s/orders/%s/status", c.baseURL, url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.send(req)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	raw := unwrapObject(body, "order")
	o, err := order.Normalize(raw)
	if err != nil {
		// Some deployments respond with a bare acknowledgement; the
		// optimistic local state already carries the transition.
		return nil, nil
	}
	return o, nil
}

// StreamURL builds the push channel URL with the auth token as a query
// parameter; the SSE transport cannot carry custom headers.
func (c *Client) StreamURL() (string, error) {
	token, err := c.creds.Get()
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("token", token)
	return c.baseURL + "/orders/stream?" + q.Encode(), nil
}

func (c *Client) doRead(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= readRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}

		body, err := c.send(req)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		c.logger.Debug("read request failed, retrying", "path", path, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	token, err := c.creds.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if err := c.creds.Clear(); err != nil {
			c.logger.Errorf("cannot clear credential: %v", err)
		}
		return nil, ErrUnauthorized
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

// decodeOrderList accepts both a bare JSON array and the enveloped
// {"orders": [...]} shape.
func decodeOrderList(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("cannot decode order list: %w", err)
		}
		return raws, nil
	}

	var envelope struct {
		Orders []json.RawMessage `json:"orders"`
		Data   []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("cannot decode order list: %w", err)
	}
	if envelope.Orders != nil {
		return envelope.Orders, nil
	}
	return envelope.Data, nil
}

// unwrapObject peels a single-key envelope like {"order": {...}} when
// present, otherwise returns the body unchanged.
func unwrapObject(body []byte, key string) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	if inner, ok := envelope[key]; ok {
		return inner
	}
	return body
}
