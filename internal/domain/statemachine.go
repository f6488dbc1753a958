package domain

// transitions is the single enforcement point for the order lifecycle.
// Any state change that is not an edge here is rejected before it
// reaches the ledger.
var transitions = map[OrderState][]OrderState{
	OrderStatePendingPayment:  {OrderStatePaid, OrderStateCancelled},
	OrderStatePaid:            {OrderStateAwaitingHandoff, OrderStateCancelled, OrderStateRefunded},
	OrderStateAwaitingHandoff: {OrderStateDelivered, OrderStateDisputed},
	OrderStateDelivered:       {OrderStateSettled, OrderStateDisputed},
	OrderStateDisputed:        {OrderStateDelivered, OrderStateRefunded},
	OrderStateSettled:         {OrderStateRefunded},
}

func CanTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type DisputeResolution string

const (
	DisputeResolutionRelease DisputeResolution = "RELEASE"
	DisputeResolutionRefund  DisputeResolution = "REFUND"
)

func (r DisputeResolution) Valid() bool {
	return r == DisputeResolutionRelease || r == DisputeResolutionRefund
}
