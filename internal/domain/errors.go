package domain

import "errors"

// Error taxonomy of the engine. Idempotency guards surface as benign
// no-ops at the transport layer; ErrVersionConflict is retried by the
// calling service with a fresh read and never shown to the user unless
// retries are exhausted.
var (
	ErrBookNotFound     = errors.New("book not found")
	ErrBookNotAvailable = errors.New("book not available")
	ErrAlreadyReserved  = errors.New("book already reserved")

	ErrOrderNotFound     = errors.New("order not found")
	ErrVersionConflict   = errors.New("stale order version")
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrAlreadyProcessed = errors.New("payment event already processed")
	ErrAmountMismatch   = errors.New("payment amount mismatch")

	ErrAlreadySettled   = errors.New("order already settled")
	ErrNotDeliveredYet  = errors.New("order not delivered yet")
	ErrDisputed         = errors.New("order is disputed")
	ErrWindowExpired    = errors.New("dispute window expired")
	ErrInvalidToken     = errors.New("invalid handoff token")
	ErrNotDisputed      = errors.New("order is not disputed")

	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInsufficientFunds  = errors.New("insufficient escrow funds")
)
