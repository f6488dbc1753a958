package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SettlementOutcome string

const (
	SettlementReleased SettlementOutcome = "RELEASED"
	SettlementWithheld SettlementOutcome = "WITHHELD"
	SettlementReversed SettlementOutcome = "REVERSED"
)

// SettlementRecord rows are append-only. A reversal adds a new row
// instead of mutating the RELEASED one, keeping the audit trail intact.
type SettlementRecord struct {
	ID        int64             `db:"id"`
	OrderID   int64             `db:"order_id"`
	Amount    decimal.Decimal   `db:"amount"`
	Outcome   SettlementOutcome `db:"outcome"`
	PayoutID  *string           `db:"payout_id"`
	SettledAt time.Time         `db:"settled_at"`
}
