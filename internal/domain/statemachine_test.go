package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/unibooks/orderflow/internal/domain"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to domain.OrderState
	}{
		{domain.OrderStatePendingPayment, domain.OrderStatePaid},
		{domain.OrderStatePendingPayment, domain.OrderStateCancelled},
		{domain.OrderStatePaid, domain.OrderStateAwaitingHandoff},
		{domain.OrderStatePaid, domain.OrderStateCancelled},
		{domain.OrderStatePaid, domain.OrderStateRefunded},
		{domain.OrderStateAwaitingHandoff, domain.OrderStateDelivered},
		{domain.OrderStateAwaitingHandoff, domain.OrderStateDisputed},
		{domain.OrderStateDelivered, domain.OrderStateSettled},
		{domain.OrderStateDelivered, domain.OrderStateDisputed},
		{domain.OrderStateDisputed, domain.OrderStateDelivered},
		{domain.OrderStateDisputed, domain.OrderStateRefunded},
		{domain.OrderStateSettled, domain.OrderStateRefunded},
	}

	for _, tc := range allowed {
		assert.True(t, domain.CanTransition(tc.from, tc.to), "%s -> %s must be allowed", tc.from, tc.to)
	}
}

func TestCanTransition_Rejected(t *testing.T) {
	rejected := []struct {
		from, to domain.OrderState
	}{
		{domain.OrderStatePendingPayment, domain.OrderStateDelivered},
		{domain.OrderStatePendingPayment, domain.OrderStateSettled},
		{domain.OrderStateAwaitingHandoff, domain.OrderStateCancelled},
		{domain.OrderStateDelivered, domain.OrderStateCancelled},
		{domain.OrderStateCancelled, domain.OrderStatePaid},
		{domain.OrderStateRefunded, domain.OrderStatePendingPayment},
		{domain.OrderStateSettled, domain.OrderStateDelivered},
		{domain.OrderStateDisputed, domain.OrderStateSettled},
	}

	for _, tc := range rejected {
		assert.False(t, domain.CanTransition(tc.from, tc.to), "%s -> %s must be rejected", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range []domain.OrderState{domain.OrderStateCancelled, domain.OrderStateRefunded} {
		for _, to := range []domain.OrderState{
			domain.OrderStatePendingPayment,
			domain.OrderStatePaid,
			domain.OrderStateAwaitingHandoff,
			domain.OrderStateDelivered,
			domain.OrderStateSettled,
			domain.OrderStateDisputed,
		} {
			assert.False(t, domain.CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestCancellable(t *testing.T) {
	assert.True(t, (&domain.Order{State: domain.OrderStatePendingPayment}).Cancellable())
	assert.True(t, (&domain.Order{State: domain.OrderStatePaid}).Cancellable())
	assert.False(t, (&domain.Order{State: domain.OrderStateAwaitingHandoff}).Cancellable())
	assert.False(t, (&domain.Order{State: domain.OrderStateDelivered}).Cancellable())
	assert.False(t, (&domain.Order{State: domain.OrderStateSettled}).Cancellable())
}
