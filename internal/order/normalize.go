package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/saporito/orderdeck/pkg/enums/orderstatus"
	"github.com/shopspring/decimal"
)

// wireOrder mirrors the order JSON as the backend actually emits it,
// including every historical field spelling still in circulation. All
// fallback resolution lives here and nowhere else.
type wireOrder struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`

	OrderNumber string `json:"order_number"`
	Number      string `json:"number"`

	Type      string `json:"type"`
	OrderType string `json:"order_type"`

	Status string `json:"status"`

	CreatedAt      time.Time  `json:"created_at"`
	ScheduledFor   *time.Time `json:"scheduled_for"`
	EstimatedReady *time.Time `json:"estimated_ready"`

	CustomerName      string        `json:"customer_name"`
	CustomerNameCamel string        `json:"customerName"`
	CustomerPhone     string        `json:"customer_phone"`
	CustomerEmail     string        `json:"customer_email"`
	DeliveryAddress   string        `json:"delivery_address"`
	Customer          *wireCustomer `json:"customer"`

	Items []wireItem `json:"items"`

	StatusHistory []StatusChange `json:"status_history"`

	Subtotal    decimal.Decimal `json:"subtotal"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
}

type wireCustomer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

type wireItem struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Price     decimal.Decimal `json:"price"`
	Options   []ItemOption    `json:"options"`
	Note      string          `json:"note"`
	Notes     string          `json:"notes"`
}

// Normalize decodes raw order JSON into the canonical Order shape.
// Returns an error only when the payload is undecodable or carries no
// usable identifier.
func Normalize(raw []byte) (*Order, error) {
	var w wireOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("cannot decode order payload: %w", err)
	}

	id := firstNonEmpty(w.ID, w.OrderID)
	if id == "" {
		return nil, fmt.Errorf("order payload carries no id")
	}

	o := &Order{
		ID:             id,
		OrderNumber:    firstNonEmpty(w.OrderNumber, w.Number, id),
		Type:           normalizeType(firstNonEmpty(w.Type, w.OrderType)),
		Status:         normalizeStatus(w.Status),
		CreatedAt:      w.CreatedAt,
		ScheduledFor:   w.ScheduledFor,
		EstimatedReady: w.EstimatedReady,
		StatusHistory:  normalizeHistory(w.StatusHistory),
		Subtotal:       w.Subtotal,
		DeliveryFee:    w.DeliveryFee,
		Discount:       w.Discount,
		Total:          w.Total,
	}

	o.Customer = Customer{
		Name:    firstNonEmpty(w.CustomerName, w.CustomerNameCamel),
		Phone:   w.CustomerPhone,
		Email:   w.CustomerEmail,
		Address: w.DeliveryAddress,
	}
	if w.Customer != nil {
		o.Customer.Name = firstNonEmpty(o.Customer.Name, w.Customer.Name)
		o.Customer.Phone = firstNonEmpty(o.Customer.Phone, w.Customer.Phone)
		o.Customer.Email = firstNonEmpty(o.Customer.Email, w.Customer.Email)
		o.Customer.Address = firstNonEmpty(o.Customer.Address, w.Customer.Address)
	}
	if o.Type == orderstatus.TypePickup {
		o.Customer.Address = ""
	}

	o.Items = make([]Item, 0, len(w.Items))
	for _, it := range w.Items {
		price := it.UnitPrice
		if price.IsZero() {
			price = it.Price
		}
		o.Items = append(o.Items, Item{
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: price,
			Options:   it.Options,
			Note:      firstNonEmpty(it.Note, it.Notes),
		})
	}

	return o, nil
}

// NormalizeList decodes a list response. Entries that fail to normalize
// are skipped rather than failing the whole batch.
func NormalizeList(raws []json.RawMessage) []*Order {
	orders := make([]*Order, 0, len(raws))
	for _, raw := range raws {
		o, err := Normalize(raw)
		if err != nil {
			continue
		}
		orders = append(orders, o)
	}
	return orders
}

func normalizeStatus(s string) string {
	if st := orderstatus.ByName(s); st != nil {
		return st.Code()
	}
	return s
}

func normalizeType(t string) string {
	if t == "" {
		return orderstatus.TypePickup
	}
	return t
}

func normalizeHistory(history []StatusChange) []StatusChange {
	for i := range history {
		history[i].Status = normalizeStatus(history[i].Status)
	}
	return history
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
