package models

import (
	"math"
	"time"
)

type Order struct {
	ID          string      `json:"id"`
	Code        string      `json:"code"`
	UserID      string      `json:"user_id"`
	UserName    string      `json:"user_name"`
	Items       []LineItem  `json:"items"`
	Total       int64       `json:"total"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

type LineItem struct {
	ItemID    string `json:"item_id"`
	Name      string `json:"name,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderCompleted OrderStatus = "COMPLETED"
)

// OrderTotal sums price times quantity over items. ok is false when the
// total does not fit in an int64. Prices and quantities must be non-negative.
func OrderTotal(items []LineItem) (total int64, ok bool) {
	for _, it := range items {
		if it.UnitPrice < 0 || it.Quantity < 0 {
			return 0, false
		}
		if it.UnitPrice != 0 && it.Quantity > math.MaxInt64/it.UnitPrice {
			return 0, false
		}
		line := it.UnitPrice * it.Quantity
		if line > math.MaxInt64-total {
			return 0, false
		}
		total += line
	}
	return total, true
}
