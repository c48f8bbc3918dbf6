package alert

import (
	"github.com/saporito/orderdeck/pkg/enums/orderstatus"
)

// CustomerMessage returns the customer-facing notification for a status
// change. Statuses without an entry produce no notification.
func CustomerMessage(status orderstatus.Status, orderType string) (string, bool) {
	switch status {
	case orderstatus.Statuses.Confirmed:
		return "Your order has been confirmed!", true
	case orderstatus.Statuses.Preparing:
		return "Your order is being prepared.", true
	case orderstatus.Statuses.Ready:
		if orderType == orderstatus.TypePickup {
			return "Your order is ready for pickup!", true
		}
		return "Your order is ready!", true
	case orderstatus.Statuses.OutForDelivery:
		return "Your order is out for delivery!", true
	case orderstatus.Statuses.Delivered:
		if orderType == orderstatus.TypePickup {
			return "Your order has been picked up. Enjoy!", true
		}
		return "Your order has been delivered. Enjoy!", true
	case orderstatus.Statuses.Cancelled:
		return "Your order has been cancelled.", true
	}
	return "", false
}
