package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/repository"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"github.com/unibooks/orderflow/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const sweepBatchSize = 100

// Sweeper drives the time-based transitions nobody calls an endpoint
// for: expiring unpaid reservations, promoting unobjected delivery
// reports, and releasing settlements past the grace period.
type Sweeper struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	orderRepo     repository.OrderRepository
	orders        OrderService
	settlements   SettlementService
	emitter       *emitter
	interval      time.Duration
	paymentWindow time.Duration
	noObjection   time.Duration
	gracePeriod   time.Duration
	tracer        trace.Tracer
}

func NewSweeper(
	pool *pgxpool.Pool,
	logger *zap.Logger,
	orderRepo repository.OrderRepository,
	orders OrderService,
	settlements SettlementService,
	outboxRepo worker.OutboxRepository,
	topics Topics,
	interval, paymentWindow, noObjection, gracePeriod time.Duration,
) *Sweeper {
	return &Sweeper{
		pool:          pool,
		logger:        logger,
		orderRepo:     orderRepo,
		orders:        orders,
		settlements:   settlements,
		emitter:       &emitter{outboxRepo: outboxRepo, topics: topics},
		interval:      interval,
		paymentWindow: paymentWindow,
		noObjection:   noObjection,
		gracePeriod:   gracePeriod,
		tracer:        otel.Tracer("service/sweeper"),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	mylogger.Info(ctx, s.logger, "Lifecycle sweeper started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(ctx, s.logger, "Lifecycle sweeper stopped")

			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "Sweeper.sweep")
	defer span.End()

	s.expireUnpaid(ctx)
	s.promoteReported(ctx)
	s.releaseSettleable(ctx)
}

// expireUnpaid cancels orders that sat in PENDING_PAYMENT past the
// payment window, returning their books to the catalog.
func (s *Sweeper) expireUnpaid(ctx context.Context) {
	cutoff := time.Now().Add(-s.paymentWindow)

	orders, err := s.orderRepo.ListPendingPaymentBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		mylogger.Error(ctx, s.logger, "Failed to list expired reservations", zap.Error(err))

		return
	}

	// CancelExpired re-checks PENDING_PAYMENT under the row lock, so a
	// payment landing after the list query wins and the order is left alone
	for _, order := range orders {
		if err := s.orders.CancelExpired(ctx, order.ID, cutoff); err != nil {
			mylogger.Error(
				ctx,
				s.logger,
				"Failed to cancel expired reservation",
				zap.Int64("order_id", order.ID),
				zap.Error(err),
			)
		}
	}
}

// promoteReported moves seller-reported handoffs to DELIVERED once the
// buyer's objection window has passed without a dispute.
func (s *Sweeper) promoteReported(ctx context.Context) {
	cutoff := time.Now().Add(-s.noObjection)

	orders, err := s.orderRepo.ListReportedDeliveriesBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		mylogger.Error(ctx, s.logger, "Failed to list reported deliveries", zap.Error(err))

		return
	}

	for _, order := range orders {
		if err := s.promoteOne(ctx, order.ID); err != nil {
			mylogger.Error(
				ctx,
				s.logger,
				"Failed to promote reported delivery",
				zap.Int64("order_id", order.ID),
				zap.Error(err),
			)

			continue
		}

		mylogger.Info(ctx, s.logger, "Reported delivery promoted", zap.Int64("order_id", order.ID))
	}
}

func (s *Sweeper) promoteOne(ctx context.Context, orderID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}

	// a dispute may have landed between the list query and the lock
	if order.State != domain.OrderStateAwaitingHandoff || order.DeliveryReportedAt == nil {
		return nil
	}

	if err := s.orderRepo.MarkDelivered(ctx, tx, order.ID, order.Version); err != nil {
		return err
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateDelivered); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	return tx.Commit(ctx)
}

// releaseSettleable settles DELIVERED orders whose grace period ended.
// Orders flagged after a payout failure are excluded by the list query
// until an operator clears them.
func (s *Sweeper) releaseSettleable(ctx context.Context) {
	cutoff := time.Now().Add(-s.gracePeriod)

	orders, err := s.orderRepo.ListSettleableBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		mylogger.Error(ctx, s.logger, "Failed to list settleable orders", zap.Error(err))

		return
	}

	for _, order := range orders {
		if _, err := s.settlements.Settle(ctx, order.ID); err != nil {
			if errors.Is(err, domain.ErrAlreadySettled) || errors.Is(err, domain.ErrDisputed) {
				continue
			}

			mylogger.Error(
				ctx,
				s.logger,
				"Failed to settle order",
				zap.Int64("order_id", order.ID),
				zap.Error(err),
			)

			continue
		}

		mylogger.Info(ctx, s.logger, "Order settled by sweeper", zap.Int64("order_id", order.ID))
	}
}

func (s *Sweeper) rollback(ctx context.Context, tx pgx.Tx) {
	shutdownCtx := context.WithoutCancel(ctx)

	if err := tx.Rollback(shutdownCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		mylogger.Warn(shutdownCtx, s.logger, "Failed to rollback transaction", zap.Error(err))
	}
}
