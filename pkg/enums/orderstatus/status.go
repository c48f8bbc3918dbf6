package orderstatus

import (
	"errors"
	"strings"
)

// ErrNoTransition is returned when no transition is defined from the
// current status to the requested one.
var ErrNoTransition = errors.New("no transition defined from current status")

type Status struct {
	Name string
}

func (s Status) Code() string {
	return s.Name
}

func (s Status) Label() string {
	parts := strings.Split(s.Name, "_")
	for i := range parts {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, " ")
}

// IsTerminal reports whether no further forward transition is defined.
func (s Status) IsTerminal() bool {
	return s.Name == Statuses.Delivered.Name || s.Name == Statuses.Cancelled.Name
}

type Enum struct {
	Pending        Status
	Confirmed      Status
	Preparing      Status
	Ready          Status
	OutForDelivery Status
	Delivered      Status
	Cancelled      Status
}

var Statuses = Enum{
	Pending:        Status{Name: "pending"},
	Confirmed:      Status{Name: "confirmed"},
	Preparing:      Status{Name: "preparing"},
	Ready:          Status{Name: "ready"},
	OutForDelivery: Status{Name: "out_for_delivery"},
	Delivered:      Status{Name: "delivered"},
	Cancelled:      Status{Name: "cancelled"},
}

var All = []Status{
	Statuses.Pending,
	Statuses.Confirmed,
	Statuses.Preparing,
	Statuses.Ready,
	Statuses.OutForDelivery,
	Statuses.Delivered,
	Statuses.Cancelled,
}

// Order types, fixed at creation time.
const (
	TypeDelivery = "delivery"
	TypePickup   = "pickup"
)

// ByName returns the status for a given name, or nil if not found.
// "collected" is accepted as a wire synonym for delivered: some backend
// filters still emit it for picked-up orders.
func ByName(name string) *Status {
	if name == "collected" {
		s := Statuses.Delivered
		return &s
	}
	for _, s := range All {
		if s.Name == name {
			return &s
		}
	}
	return nil
}

// Next returns the legal next statuses from the given one: the single
// forward step for the order type, plus cancelled while non-terminal.
// Pickup orders skip out_for_delivery and go straight from ready to
// delivered. Terminal statuses return nil.
func Next(current Status, orderType string) []Status {
	if current.IsTerminal() {
		return nil
	}

	var forward *Status
	switch current.Name {
	case Statuses.Pending.Name:
		forward = &Statuses.Confirmed
	case Statuses.Confirmed.Name:
		forward = &Statuses.Preparing
	case Statuses.Preparing.Name:
		forward = &Statuses.Ready
	case Statuses.Ready.Name:
		if orderType == TypePickup {
			forward = &Statuses.Delivered
		} else {
			forward = &Statuses.OutForDelivery
		}
	case Statuses.OutForDelivery.Name:
		forward = &Statuses.Delivered
	}

	next := make([]Status, 0, 2)
	if forward != nil {
		next = append(next, *forward)
	}
	next = append(next, Statuses.Cancelled)
	return next
}

// CanTransition reports whether moving from one status to another is a
// legal client-side transition. The backend remains the final authority
// and may still reject the request.
func CanTransition(from, to Status, orderType string) bool {
	for _, s := range Next(from, orderType) {
		if s.Name == to.Name {
			return true
		}
	}
	return false
}

// ActionLabel returns the label for the control that advances an order
// out of the given status. For ready orders the label branches on order
// type. Terminal statuses have no action.
func ActionLabel(current Status, orderType string) string {
	switch current.Name {
	case Statuses.Pending.Name:
		return "Confirm"
	case Statuses.Confirmed.Name:
		return "Start Preparing"
	case Statuses.Preparing.Name:
		return "Mark Ready"
	case Statuses.Ready.Name:
		if orderType == TypePickup {
			return "Picked Up"
		}
		return "Out for Delivery"
	case Statuses.OutForDelivery.Name:
		return "Mark Delivered"
	}
	return ""
}

// DisplayLabel maps a stored status to its human label. The stored value
// for a completed pickup order is always "delivered"; "Picked Up" is a
// label only, never a persisted status.
func DisplayLabel(s Status, orderType string) string {
	if s.Name == Statuses.Delivered.Name && orderType == TypePickup {
		return "Picked Up"
	}
	if s.Name == Statuses.Pending.Name {
		return "New Order"
	}
	return s.Label()
}
