package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/unibooks/orderflow/internal/catalog"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/gateway"
	"github.com/unibooks/orderflow/internal/repository"
	"github.com/unibooks/orderflow/internal/service"
	pkgKafka "github.com/unibooks/orderflow/pkg/kafka"
	outboxRepository "github.com/unibooks/orderflow/pkg/outbox/repository"
	"github.com/unibooks/orderflow/pkg/outbox/worker"
	"github.com/unibooks/orderflow/pkg/testsuite"
	"go.uber.org/zap"
)

const (
	testSellerID = int64(100)
	testBuyerID  = int64(200)

	failureCeiling = 3
	disputeWindow  = 7 * 24 * time.Hour
)

// fakeCatalog serves a fixed listing for every book id.
type fakeCatalog struct {
	price    decimal.Decimal
	sellerID int64
}

func (f *fakeCatalog) GetBook(_ context.Context, bookID int64) (*catalog.Listing, error) {
	return &catalog.Listing{
		BookID:   bookID,
		Status:   "ACTIVE",
		Price:    f.price,
		SellerID: f.sellerID,
	}, nil
}

// fakePayouts counts calls and can be switched into failure mode.
type fakePayouts struct {
	calls atomic.Int64
	err   error
}

func (f *fakePayouts) Payout(_ context.Context, req *gateway.PayoutRequest) (*gateway.PayoutResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}

	return &gateway.PayoutResponse{PayoutID: "payout-" + req.IdempotencyKey}, nil
}

type IntegrationTestSuite struct {
	testsuite.BaseSuite

	Guard             service.InventoryGuard
	OrderService      service.OrderService
	PaymentService    service.PaymentService
	SettlementService service.SettlementService

	Payouts         *fakePayouts
	OrderRepo       repository.OrderRepository
	TestProducer    pkgKafka.Producer
	OutboxProcessor *worker.OutboxProcessor
	workerCancel    context.CancelFunc
}

func (s *IntegrationTestSuite) SetupSuite() {
	s.BaseSuite.SetupInfrastructure("../../migrations")
}

func (s *IntegrationTestSuite) TearDownSuite() {
	s.BaseSuite.TearDownInfrastructure()
}

func (s *IntegrationTestSuite) SetupTest() {
	s.BaseSuite.TruncateTable("settlement_records")
	s.BaseSuite.TruncateTable("payment_events")
	s.BaseSuite.TruncateTable("orders")
	s.BaseSuite.TruncateTable("books")
	s.BaseSuite.TruncateTable("outbox")

	logger := zap.NewNop()
	bookRepo := repository.NewBookRepository(s.DbPool, logger)
	s.OrderRepo = repository.NewOrderRepository(s.DbPool, logger)
	paymentRepo := repository.NewPaymentRepository(s.DbPool, logger)
	settlementRepo := repository.NewSettlementRepository(s.DbPool, logger)
	outboxRepo := outboxRepository.NewOutboxRepository(s.DbPool, logger)

	topics := service.Topics{
		Notifications: "order_events",
		Catalog:       "catalog_events",
	}

	catalogClient := &fakeCatalog{
		price:    decimal.RequireFromString("25.50"),
		sellerID: testSellerID,
	}
	s.Payouts = &fakePayouts{}

	s.Guard = service.NewInventoryGuard(s.DbPool, logger, bookRepo, s.OrderRepo, catalogClient, outboxRepo, topics)
	s.OrderService = service.NewOrderService(s.DbPool, logger, s.OrderRepo, settlementRepo, s.Guard, outboxRepo, topics)
	s.PaymentService = service.NewPaymentService(
		s.DbPool,
		logger,
		s.OrderRepo,
		paymentRepo,
		settlementRepo,
		s.Guard,
		outboxRepo,
		topics,
		failureCeiling,
		disputeWindow,
	)
	s.SettlementService = service.NewSettlementService(
		s.DbPool,
		logger,
		s.OrderRepo,
		bookRepo,
		settlementRepo,
		s.Payouts,
		outboxRepo,
		topics,
	)

	var err error
	s.TestProducer, err = pkgKafka.NewProducer(s.KafkaBrokers)
	s.Require().NoError(err, "failed to create kafka producer")

	s.OutboxProcessor = worker.NewOutboxProcessor(s.DbPool, outboxRepo, s.TestProducer, logger, 50, 100*time.Millisecond)

	workerCtx, cancel := context.WithCancel(s.Ctx)
	s.workerCancel = cancel

	go s.OutboxProcessor.Start(workerCtx)
}

func (s *IntegrationTestSuite) TearDownTest() {
	if s.workerCancel != nil {
		s.workerCancel()
	}
	if s.TestProducer != nil {
		_ = s.TestProducer.Close()
	}
}

func (s *IntegrationTestSuite) listBook() *domain.Book {
	book, err := s.Guard.ListBook(s.Ctx, &service.ListBookRequest{
		CatalogBookID: 1,
		ISBN:          "9780134190440",
		Title:         "The Go Programming Language",
		Condition:     domain.BookConditionLikeNew,
	})
	s.Require().NoError(err)
	s.Require().NotNil(book)

	return book
}

func (s *IntegrationTestSuite) reserve(bookID int64) *domain.Order {
	order, err := s.Guard.TryReserve(s.Ctx, bookID, testBuyerID, "campus library")
	s.Require().NoError(err)
	s.Require().NotNil(order)

	return order
}

func (s *IntegrationTestSuite) pay(order *domain.Order, txnID string) {
	err := s.PaymentService.HandleCallback(s.Ctx, &service.PaymentCallback{
		GatewayTxnID: txnID,
		OrderID:      order.ID,
		Amount:       order.Price,
		Outcome:      domain.PaymentOutcomeSuccess,
	})
	s.Require().NoError(err)
}

// deliveredOrder walks a fresh order through reservation, payment,
// handoff and receipt confirmation.
func (s *IntegrationTestSuite) deliveredOrder() *domain.Order {
	book := s.listBook()
	order := s.reserve(book.ID)
	s.pay(order, "txn-"+time.Now().Format("150405.000000000"))

	token, err := s.OrderService.ScheduleHandoff(s.Ctx, order.ID)
	s.Require().NoError(err)

	s.Require().NoError(s.OrderService.ConfirmReceipt(s.Ctx, order.ID, token))

	fresh, err := s.OrderService.GetOrder(s.Ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStateDelivered, fresh.State)

	return fresh
}

func (s *IntegrationTestSuite) orderState(orderID int64) domain.OrderState {
	var state string
	err := s.DbPool.QueryRow(s.Ctx, "SELECT state FROM orders WHERE id = $1", orderID).Scan(&state)
	s.Require().NoError(err)

	return domain.OrderState(state)
}

func (s *IntegrationTestSuite) bookStatus(bookID int64) domain.BookStatus {
	var status string
	err := s.DbPool.QueryRow(s.Ctx, "SELECT status FROM books WHERE id = $1", bookID).Scan(&status)
	s.Require().NoError(err)

	return domain.BookStatus(status)
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}
