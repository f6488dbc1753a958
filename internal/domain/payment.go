package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentOutcome string

const (
	PaymentOutcomeSuccess PaymentOutcome = "SUCCESS"
	PaymentOutcomeFailure PaymentOutcome = "FAILURE"
	PaymentOutcomeRefund  PaymentOutcome = "REFUND"
)

// PaymentEvent is the immutable record of a gateway callback. The
// gateway transaction id is the dedup key for at-least-once delivery.
type PaymentEvent struct {
	ID           int64           `db:"id"`
	GatewayTxnID string          `db:"gateway_txn_id"`
	OrderID      int64           `db:"order_id"`
	Amount       decimal.Decimal `db:"amount"`
	Outcome      PaymentOutcome  `db:"outcome"`
	ReceivedAt   time.Time       `db:"received_at"`
}

func (o PaymentOutcome) Valid() bool {
	switch o {
	case PaymentOutcomeSuccess, PaymentOutcomeFailure, PaymentOutcomeRefund:
		return true
	}
	return false
}
