package service_test

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/service"
)

func (s *IntegrationTestSuite) TestHandleCallback_Success() {
	book := s.listBook()
	order := s.reserve(book.ID)

	s.pay(order, "txn-1")

	s.Require().Equal(domain.OrderStatePaid, s.orderState(order.ID))

	s.Require().Eventually(func() bool {
		var publishedAt *time.Time
		err := s.DbPool.QueryRow(
			s.Ctx,
			`SELECT published_at FROM outbox
			 WHERE aggregate_id = $1 AND event_type = 'OrderStateChanged'
			 ORDER BY id DESC LIMIT 1`,
			strconv.FormatInt(order.ID, 10),
		).Scan(&publishedAt)

		return err == nil && publishedAt != nil
	}, 5*time.Second, 100*time.Millisecond)
}

// A replayed gateway callback must be acknowledged without applying the
// transition a second time.
func (s *IntegrationTestSuite) TestHandleCallback_Replay() {
	book := s.listBook()
	order := s.reserve(book.ID)
	s.pay(order, "txn-1")

	err := s.PaymentService.HandleCallback(s.Ctx, &service.PaymentCallback{
		GatewayTxnID: "txn-1",
		OrderID:      order.ID,
		Amount:       order.Price,
		Outcome:      domain.PaymentOutcomeSuccess,
	})

	s.Require().ErrorIs(err, domain.ErrAlreadyProcessed)
	s.Require().Equal(domain.OrderStatePaid, s.orderState(order.ID))

	var eventCount int
	err = s.DbPool.QueryRow(s.Ctx, "SELECT COUNT(*) FROM payment_events WHERE order_id = $1", order.ID).Scan(&eventCount)
	s.Require().NoError(err)
	s.Require().Equal(1, eventCount)
}

func (s *IntegrationTestSuite) TestHandleCallback_AmountMismatch() {
	book := s.listBook()
	order := s.reserve(book.ID)

	err := s.PaymentService.HandleCallback(s.Ctx, &service.PaymentCallback{
		GatewayTxnID: "txn-short",
		OrderID:      order.ID,
		Amount:       order.Price.Sub(decimal.RequireFromString("1.00")),
		Outcome:      domain.PaymentOutcomeSuccess,
	})

	s.Require().ErrorIs(err, domain.ErrAmountMismatch)
	s.Require().Equal(domain.OrderStatePendingPayment, s.orderState(order.ID))

	// the mismatched event is still recorded for reconciliation
	var eventCount int
	qerr := s.DbPool.QueryRow(s.Ctx, "SELECT COUNT(*) FROM payment_events WHERE gateway_txn_id = 'txn-short'").Scan(&eventCount)
	s.Require().NoError(qerr)
	s.Require().Equal(1, eventCount)
}

func (s *IntegrationTestSuite) TestHandleCallback_FailureCeilingAutoCancels() {
	book := s.listBook()
	order := s.reserve(book.ID)

	txns := []string{"txn-f1", "txn-f2", "txn-f3"}
	for i, txn := range txns {
		err := s.PaymentService.HandleCallback(s.Ctx, &service.PaymentCallback{
			GatewayTxnID: txn,
			OrderID:      order.ID,
			Amount:       order.Price,
			Outcome:      domain.PaymentOutcomeFailure,
		})
		s.Require().NoError(err)

		if i < len(txns)-1 {
			s.Require().Equal(domain.OrderStatePendingPayment, s.orderState(order.ID))
		}
	}

	s.Require().Equal(domain.OrderStateCancelled, s.orderState(order.ID))
	s.Require().Equal(domain.BookStatusListed, s.bookStatus(book.ID))
}

func (s *IntegrationTestSuite) TestHandleCallback_RefundPaidOrder() {
	book := s.listBook()
	order := s.reserve(book.ID)
	s.pay(order, "txn-1")

	err := s.PaymentService.HandleCallback(s.Ctx, &service.PaymentCallback{
		GatewayTxnID: "txn-refund",
		OrderID:      order.ID,
		Amount:       order.Price,
		Outcome:      domain.PaymentOutcomeRefund,
	})
	s.Require().NoError(err)

	s.Require().Equal(domain.OrderStateRefunded, s.orderState(order.ID))
	s.Require().Equal(domain.BookStatusListed, s.bookStatus(book.ID))
}

func (s *IntegrationTestSuite) TestHandleCallback_RefundSettledWithinWindow() {
	order := s.deliveredOrder()

	_, err := s.SettlementService.Settle(s.Ctx, order.ID)
	s.Require().NoError(err)

	err = s.PaymentService.HandleCallback(s.Ctx, &service.PaymentCallback{
		GatewayTxnID: "txn-refund",
		OrderID:      order.ID,
		Amount:       order.Price,
		Outcome:      domain.PaymentOutcomeRefund,
	})
	s.Require().NoError(err)

	s.Require().Equal(domain.OrderStateRefunded, s.orderState(order.ID))

	var outcomes []string
	rows, err := s.DbPool.Query(s.Ctx, "SELECT outcome FROM settlement_records WHERE order_id = $1 ORDER BY id", order.ID)
	s.Require().NoError(err)
	defer rows.Close()
	for rows.Next() {
		var outcome string
		s.Require().NoError(rows.Scan(&outcome))
		outcomes = append(outcomes, outcome)
	}
	s.Require().Equal([]string{"RELEASED", "REVERSED"}, outcomes)
}

func (s *IntegrationTestSuite) TestHandleCallback_RefundSettledWindowExpired() {
	order := s.deliveredOrder()

	_, err := s.SettlementService.Settle(s.Ctx, order.ID)
	s.Require().NoError(err)

	_, err = s.DbPool.Exec(
		s.Ctx,
		"UPDATE orders SET settled_at = NOW() - INTERVAL '8 days' WHERE id = $1",
		order.ID,
	)
	s.Require().NoError(err)

	err = s.PaymentService.HandleCallback(s.Ctx, &service.PaymentCallback{
		GatewayTxnID: "txn-late-refund",
		OrderID:      order.ID,
		Amount:       order.Price,
		Outcome:      domain.PaymentOutcomeRefund,
	})

	s.Require().ErrorIs(err, domain.ErrWindowExpired)
	s.Require().Equal(domain.OrderStateSettled, s.orderState(order.ID))
}

func (s *IntegrationTestSuite) TestHandleCallback_UnknownOrder() {
	err := s.PaymentService.HandleCallback(s.Ctx, &service.PaymentCallback{
		GatewayTxnID: "txn-ghost",
		OrderID:      424242,
		Amount:       decimal.RequireFromString("10.00"),
		Outcome:      domain.PaymentOutcomeSuccess,
	})

	s.Require().ErrorIs(err, domain.ErrOrderNotFound)
}
