package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderState string

const (
	OrderStatePendingPayment  OrderState = "PENDING_PAYMENT"
	OrderStatePaid            OrderState = "PAID"
	OrderStateAwaitingHandoff OrderState = "AWAITING_HANDOFF"
	OrderStateDelivered       OrderState = "DELIVERED"
	OrderStateSettled         OrderState = "SETTLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateDisputed        OrderState = "DISPUTED"
	OrderStateRefunded        OrderState = "REFUNDED"
)

type Order struct {
	ID             int64           `db:"id"`
	BookID         int64           `db:"book_id"`
	BuyerID        int64           `db:"buyer_id"`
	SellerID       int64           `db:"seller_id"`
	Price          decimal.Decimal `db:"price"`
	MeetupLocation string          `db:"meetup_location"`
	State          OrderState      `db:"state"`
	Version        int64           `db:"version"`

	HandoffToken       *string    `db:"handoff_token"`
	DeliveryReportedAt *time.Time `db:"delivery_reported_at"`
	DeliveredAt        *time.Time `db:"delivered_at"`
	SettledAt          *time.Time `db:"settled_at"`
	PaymentFailures    int32      `db:"payment_failures"`
	SettlementFailed   bool       `db:"settlement_failed"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateSettled, OrderStateCancelled, OrderStateRefunded:
		return true
	}
	return false
}

// Cancellable reports whether the order still just holds the reservation
// and no handoff has begun, so cancelling it must re-list the book.
func (o *Order) Cancellable() bool {
	return o.State == OrderStatePendingPayment || o.State == OrderStatePaid
}
