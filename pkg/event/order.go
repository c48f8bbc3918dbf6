package event

import (
	"encoding/json"
	"time"
)

const (
	OrdersTopic = "orders.lifecycle"

	EventConnected    = "connected"
	EventNewOrder     = "new_order"
	EventOrderUpdate  = "order_update"
	EventStatusUpdate = "status_update"
)

// Envelope is the minimal shape every stream message must carry. Anything
// that fails to decode into it, or carries an unrecognized type, is treated
// as a heartbeat and ignored.
type Envelope struct {
	Type string `json:"type"`
}

// OrderEvent is an order lifecycle event as emitted by the backend stream.
// new_order carries a full order payload; order_update/status_update may
// carry a partial one, identified by either id or order_id.
type OrderEvent struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Order      json.RawMessage `json:"order,omitempty"`
}

// Decode attempts to interpret raw bytes as an order event. The second
// return value is false for heartbeats: malformed JSON, an empty type,
// or a type this client does not recognize.
func Decode(data []byte) (*OrderEvent, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}

	switch env.Type {
	case EventConnected, EventNewOrder, EventOrderUpdate, EventStatusUpdate:
	default:
		return nil, false
	}

	var evt OrderEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, false
	}
	return &evt, true
}
