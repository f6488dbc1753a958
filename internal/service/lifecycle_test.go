package service_test

import (
	"context"
	"time"

	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/service"
	outboxRepository "github.com/unibooks/orderflow/pkg/outbox/repository"
	"go.uber.org/zap"
)

func (s *IntegrationTestSuite) TestCancel_PendingPayment() {
	book := s.listBook()
	order := s.reserve(book.ID)

	s.Require().NoError(s.OrderService.Cancel(s.Ctx, order.ID))

	s.Require().Equal(domain.OrderStateCancelled, s.orderState(order.ID))
	s.Require().Equal(domain.BookStatusListed, s.bookStatus(book.ID))
}

func (s *IntegrationTestSuite) TestCancel_Idempotent() {
	book := s.listBook()
	order := s.reserve(book.ID)

	s.Require().NoError(s.OrderService.Cancel(s.Ctx, order.ID))
	s.Require().NoError(s.OrderService.Cancel(s.Ctx, order.ID))
}

func (s *IntegrationTestSuite) TestCancel_RejectedAfterHandoff() {
	book := s.listBook()
	order := s.reserve(book.ID)
	s.pay(order, "txn-1")

	_, err := s.OrderService.ScheduleHandoff(s.Ctx, order.ID)
	s.Require().NoError(err)

	err = s.OrderService.Cancel(s.Ctx, order.ID)

	s.Require().ErrorIs(err, domain.ErrInvalidTransition)
	s.Require().Equal(domain.OrderStateAwaitingHandoff, s.orderState(order.ID))
}

func (s *IntegrationTestSuite) TestScheduleHandoff_ReturnsSameTokenOnRepeat() {
	book := s.listBook()
	order := s.reserve(book.ID)
	s.pay(order, "txn-1")

	first, err := s.OrderService.ScheduleHandoff(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(first)

	second, err := s.OrderService.ScheduleHandoff(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(first, second)
}

func (s *IntegrationTestSuite) TestScheduleHandoff_RequiresPayment() {
	book := s.listBook()
	order := s.reserve(book.ID)

	_, err := s.OrderService.ScheduleHandoff(s.Ctx, order.ID)

	s.Require().ErrorIs(err, domain.ErrInvalidTransition)
}

func (s *IntegrationTestSuite) TestConfirmReceipt_ValidToken() {
	book := s.listBook()
	order := s.reserve(book.ID)
	s.pay(order, "txn-1")

	token, err := s.OrderService.ScheduleHandoff(s.Ctx, order.ID)
	s.Require().NoError(err)

	s.Require().NoError(s.OrderService.ConfirmReceipt(s.Ctx, order.ID, token))
	s.Require().Equal(domain.OrderStateDelivered, s.orderState(order.ID))
}

func (s *IntegrationTestSuite) TestConfirmReceipt_InvalidToken() {
	book := s.listBook()
	order := s.reserve(book.ID)
	s.pay(order, "txn-1")

	_, err := s.OrderService.ScheduleHandoff(s.Ctx, order.ID)
	s.Require().NoError(err)

	err = s.OrderService.ConfirmReceipt(s.Ctx, order.ID, "not-the-token")

	s.Require().ErrorIs(err, domain.ErrInvalidToken)
	s.Require().Equal(domain.OrderStateAwaitingHandoff, s.orderState(order.ID))
}

func (s *IntegrationTestSuite) TestOpenDispute_FromDeliveredWithholdsSettlement() {
	order := s.deliveredOrder()

	s.Require().NoError(s.OrderService.OpenDispute(s.Ctx, order.ID, "pages missing"))

	s.Require().Equal(domain.OrderStateDisputed, s.orderState(order.ID))

	var outcome string
	err := s.DbPool.QueryRow(s.Ctx, "SELECT outcome FROM settlement_records WHERE order_id = $1", order.ID).Scan(&outcome)
	s.Require().NoError(err)
	s.Require().Equal("WITHHELD", outcome)

	_, err = s.SettlementService.Settle(s.Ctx, order.ID)
	s.Require().ErrorIs(err, domain.ErrDisputed)
}

func (s *IntegrationTestSuite) TestResolveDispute_Release() {
	order := s.deliveredOrder()
	s.Require().NoError(s.OrderService.OpenDispute(s.Ctx, order.ID, "pages missing"))

	err := s.OrderService.ResolveDispute(s.Ctx, order.ID, domain.DisputeResolutionRelease)
	s.Require().NoError(err)

	s.Require().Equal(domain.OrderStateDelivered, s.orderState(order.ID))

	_, err = s.SettlementService.Settle(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStateSettled, s.orderState(order.ID))
}

func (s *IntegrationTestSuite) TestResolveDispute_Refund() {
	order := s.deliveredOrder()
	s.Require().NoError(s.OrderService.OpenDispute(s.Ctx, order.ID, "wrong edition"))

	err := s.OrderService.ResolveDispute(s.Ctx, order.ID, domain.DisputeResolutionRefund)
	s.Require().NoError(err)

	s.Require().Equal(domain.OrderStateRefunded, s.orderState(order.ID))
	s.Require().Equal(domain.BookStatusListed, s.bookStatus(order.BookID))
}

func (s *IntegrationTestSuite) TestResolveDispute_NotDisputed() {
	order := s.deliveredOrder()

	err := s.OrderService.ResolveDispute(s.Ctx, order.ID, domain.DisputeResolutionRelease)

	s.Require().ErrorIs(err, domain.ErrNotDisputed)
}

func (s *IntegrationTestSuite) newSweeper(paymentWindow, noObjection, grace time.Duration) *service.Sweeper {
	logger := zap.NewNop()
	outboxRepo := outboxRepository.NewOutboxRepository(s.DbPool, logger)

	return service.NewSweeper(
		s.DbPool,
		logger,
		s.OrderRepo,
		s.OrderService,
		s.SettlementService,
		outboxRepo,
		service.Topics{Notifications: "order_events", Catalog: "catalog_events"},
		50*time.Millisecond,
		paymentWindow,
		noObjection,
		grace,
	)
}

func (s *IntegrationTestSuite) TestSweeper_ExpiresUnpaidReservation() {
	book := s.listBook()
	order := s.reserve(book.ID)

	_, err := s.DbPool.Exec(
		s.Ctx,
		"UPDATE orders SET created_at = NOW() - INTERVAL '1 hour' WHERE id = $1",
		order.ID,
	)
	s.Require().NoError(err)

	sweepCtx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	go s.newSweeper(30*time.Minute, 24*time.Hour, time.Hour).Start(sweepCtx)

	s.Require().Eventually(func() bool {
		return s.orderState(order.ID) == domain.OrderStateCancelled
	}, 5*time.Second, 100*time.Millisecond)

	s.Require().Equal(domain.BookStatusListed, s.bookStatus(book.ID))
}

// A payment that lands after the sweep picked an order as expired must
// win: the timeout cancel re-checks the state under the row lock and
// leaves anything but PENDING_PAYMENT alone.
func (s *IntegrationTestSuite) TestCancelExpired_PaymentWinsRace() {
	book := s.listBook()
	order := s.reserve(book.ID)

	_, err := s.DbPool.Exec(
		s.Ctx,
		"UPDATE orders SET created_at = NOW() - INTERVAL '1 hour' WHERE id = $1",
		order.ID,
	)
	s.Require().NoError(err)

	s.pay(order, "txn-race")

	s.Require().NoError(s.OrderService.CancelExpired(s.Ctx, order.ID, time.Now()))

	s.Require().Equal(domain.OrderStatePaid, s.orderState(order.ID))
	s.Require().Equal(domain.BookStatusReserved, s.bookStatus(book.ID))
}

func (s *IntegrationTestSuite) TestSweeper_PromotesReportedDelivery() {
	book := s.listBook()
	order := s.reserve(book.ID)
	s.pay(order, "txn-1")

	_, err := s.OrderService.ScheduleHandoff(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().NoError(s.OrderService.ReportDelivery(s.Ctx, order.ID))

	_, err = s.DbPool.Exec(
		s.Ctx,
		"UPDATE orders SET delivery_reported_at = NOW() - INTERVAL '25 hours' WHERE id = $1",
		order.ID,
	)
	s.Require().NoError(err)

	sweepCtx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	go s.newSweeper(30*time.Minute, 24*time.Hour, time.Hour).Start(sweepCtx)

	s.Require().Eventually(func() bool {
		return s.orderState(order.ID) == domain.OrderStateDelivered
	}, 5*time.Second, 100*time.Millisecond)
}

func (s *IntegrationTestSuite) TestSweeper_SettlesAfterGracePeriod() {
	order := s.deliveredOrder()

	_, err := s.DbPool.Exec(
		s.Ctx,
		"UPDATE orders SET delivered_at = NOW() - INTERVAL '2 hours' WHERE id = $1",
		order.ID,
	)
	s.Require().NoError(err)

	sweepCtx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	go s.newSweeper(30*time.Minute, 24*time.Hour, time.Hour).Start(sweepCtx)

	s.Require().Eventually(func() bool {
		return s.orderState(order.ID) == domain.OrderStateSettled
	}, 5*time.Second, 100*time.Millisecond)

	s.Require().Equal(int64(1), s.Payouts.calls.Load())
}
