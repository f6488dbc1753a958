package service_test

import (
	"errors"
	"sync"
	"time"

	"github.com/unibooks/orderflow/internal/domain"
)

func (s *IntegrationTestSuite) TestSettle_Success() {
	order := s.deliveredOrder()

	record, err := s.SettlementService.Settle(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.SettlementReleased, record.Outcome)
	s.Require().True(record.Amount.Equal(order.Price))
	s.Require().NotNil(record.PayoutID)

	s.Require().Equal(domain.OrderStateSettled, s.orderState(order.ID))
	s.Require().Equal(domain.BookStatusSold, s.bookStatus(order.BookID))
	s.Require().Equal(int64(1), s.Payouts.calls.Load())
}

func (s *IntegrationTestSuite) TestSettle_Twice() {
	order := s.deliveredOrder()

	_, err := s.SettlementService.Settle(s.Ctx, order.ID)
	s.Require().NoError(err)

	_, err = s.SettlementService.Settle(s.Ctx, order.ID)

	s.Require().ErrorIs(err, domain.ErrAlreadySettled)
	s.Require().Equal(int64(1), s.Payouts.calls.Load())
}

// Concurrent settle attempts must produce exactly one released record
// and one payout.
func (s *IntegrationTestSuite) TestSettle_ConcurrentSingleRelease() {
	order := s.deliveredOrder()

	const attempts = 5

	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.SettlementService.Settle(s.Ctx, order.ID)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		s.Require().True(errors.Is(err, domain.ErrAlreadySettled), "got %v", err)
	}

	s.Require().Equal(1, winners)
	s.Require().Equal(int64(1), s.Payouts.calls.Load())

	var released int
	err := s.DbPool.QueryRow(
		s.Ctx,
		"SELECT COUNT(*) FROM settlement_records WHERE order_id = $1 AND outcome = 'RELEASED'",
		order.ID,
	).Scan(&released)
	s.Require().NoError(err)
	s.Require().Equal(1, released)
}

func (s *IntegrationTestSuite) TestSettle_NotDeliveredYet() {
	book := s.listBook()
	order := s.reserve(book.ID)
	s.pay(order, "txn-1")

	_, err := s.SettlementService.Settle(s.Ctx, order.ID)

	s.Require().ErrorIs(err, domain.ErrNotDeliveredYet)
	s.Require().Equal(int64(0), s.Payouts.calls.Load())
}

func (s *IntegrationTestSuite) TestSettle_PayoutFailureFlagsOrder() {
	order := s.deliveredOrder()

	s.Payouts.err = domain.ErrGatewayUnavailable

	// flagging must not wait on the settle transaction's own row lock,
	// so the call has to come back promptly
	done := make(chan error, 1)
	go func() {
		_, err := s.SettlementService.Settle(s.Ctx, order.ID)
		done <- err
	}()

	select {
	case err := <-done:
		s.Require().ErrorIs(err, domain.ErrGatewayUnavailable)
	case <-time.After(15 * time.Second):
		s.T().Fatal("settle did not return after payout failure")
	}

	// order stays DELIVERED but is flagged out of the sweeper's reach
	s.Require().Equal(domain.OrderStateDelivered, s.orderState(order.ID))

	var flagged bool
	qerr := s.DbPool.QueryRow(s.Ctx, "SELECT settlement_failed FROM orders WHERE id = $1", order.ID).Scan(&flagged)
	s.Require().NoError(qerr)
	s.Require().True(flagged)

	var records int
	qerr = s.DbPool.QueryRow(s.Ctx, "SELECT COUNT(*) FROM settlement_records WHERE order_id = $1", order.ID).Scan(&records)
	s.Require().NoError(qerr)
	s.Require().Equal(0, records)

	// once the gateway recovers a manual settle succeeds
	s.Payouts.err = nil

	_, err := s.SettlementService.Settle(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStateSettled, s.orderState(order.ID))

	qerr = s.DbPool.QueryRow(s.Ctx, "SELECT settlement_failed FROM orders WHERE id = $1", order.ID).Scan(&flagged)
	s.Require().NoError(qerr)
	s.Require().False(flagged)
}
