package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when an order id is not present in a view's
// cache.
var ErrNotFound = errors.New("order not found")

// Order is the canonical client-side order shape. It is produced by
// Normalize at the API boundary; view code never deals with wire-format
// field fallbacks.
type Order struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`

	// Type is delivery or pickup, immutable after creation.
	Type   string `json:"type"`
	Status string `json:"status"`

	CreatedAt      time.Time  `json:"created_at"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	EstimatedReady *time.Time `json:"estimated_ready,omitempty"`

	Customer Customer `json:"customer"`
	Items    []Item   `json:"items"`

	StatusHistory []StatusChange `json:"status_history,omitempty"`

	// Money fields are server-authoritative. Total is never recomputed
	// from the items for display: discounts, delivery fee and rounding
	// are applied backend-side.
	Subtotal    decimal.Decimal `json:"subtotal"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
}

// Customer is a snapshot taken at order time, not a live reference to a
// customer record.
type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type Item struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Options   []ItemOption    `json:"options,omitempty"`
	Note      string          `json:"note,omitempty"`
}

type ItemOption struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type StatusChange struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// LineTotal is (unit price + option prices) * quantity.
func (i Item) LineTotal() decimal.Decimal {
	unit := i.UnitPrice
	for _, opt := range i.Options {
		unit = unit.Add(opt.Price)
	}
	return unit.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Merge applies a partial update on top of o and returns the result.
// Fields present in the incoming partial overwrite; absent fields keep
// their existing value. Money fields travel together: they are applied
// only when the partial carries a non-zero total.
func (o Order) Merge(in *Order) Order {
	out := o

	if in.OrderNumber != "" {
		out.OrderNumber = in.OrderNumber
	}
	if in.Type != "" {
		out.Type = in.Type
	}
	if in.Status != "" {
		out.Status = in.Status
	}
	if !in.CreatedAt.IsZero() {
		out.CreatedAt = in.CreatedAt
	}
	if in.ScheduledFor != nil {
		out.ScheduledFor = in.ScheduledFor
	}
	if in.EstimatedReady != nil {
		out.EstimatedReady = in.EstimatedReady
	}
	if in.Customer.Name != "" || in.Customer.Phone != "" {
		out.Customer = in.Customer
	}
	if len(in.Items) > 0 {
		out.Items = in.Items
	}
	if len(in.StatusHistory) > 0 {
		out.StatusHistory = in.StatusHistory
	}
	if !in.Total.IsZero() {
		out.Subtotal = in.Subtotal
		out.DeliveryFee = in.DeliveryFee
		out.Discount = in.Discount
		out.Total = in.Total
	}

	return out
}
