package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStateChangedEvent is published to the notification topic on every
// committed transition. Delivery is fire-and-forget through the outbox.
type OrderStateChangedEvent struct {
	OrderID   int64      `json:"order_id"`
	BuyerID   int64      `json:"buyer_id"`
	SellerID  int64      `json:"seller_id"`
	FromState OrderState `json:"from_state"`
	ToState   OrderState `json:"to_state"`
	Timestamp time.Time  `json:"timestamp"`
}

// BookStatusChangedEvent notifies the catalog service whenever the core
// mutates a book's status.
type BookStatusChangedEvent struct {
	BookID    int64      `json:"book_id"`
	Status    BookStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// DisputeResolvedEvent is the arbitration signal consumed from the
// arbitration topic. The resolution policy itself lives outside the core.
type DisputeResolvedEvent struct {
	OrderID    int64             `json:"order_id"`
	Resolution DisputeResolution `json:"resolution"`
	ResolvedAt time.Time         `json:"resolved_at"`
}

type SettlementReleasedEvent struct {
	OrderID   int64           `json:"order_id"`
	SellerID  int64           `json:"seller_id"`
	Amount    decimal.Decimal `json:"amount"`
	PayoutID  string          `json:"payout_id"`
	SettledAt time.Time       `json:"settled_at"`
}
