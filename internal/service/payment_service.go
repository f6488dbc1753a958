package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/repository"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"github.com/unibooks/orderflow/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PaymentCallback struct {
	GatewayTxnID string
	OrderID      int64
	Amount       decimal.Decimal
	Outcome      domain.PaymentOutcome
}

// PaymentService reconciles asynchronous gateway callbacks with order
// state. The gateway delivers at least once; the persisted gateway
// transaction id guarantees each callback's effect is applied at most
// once.
type PaymentService interface {
	HandleCallback(ctx context.Context, cb *PaymentCallback) error
}

type paymentService struct {
	pool           *pgxpool.Pool
	logger         *zap.Logger
	orderRepo      repository.OrderRepository
	paymentRepo    repository.PaymentRepository
	settlementRepo repository.SettlementRepository
	guard          InventoryGuard
	emitter        *emitter
	failureCeiling int32
	disputeWindow  time.Duration
	tracer         trace.Tracer
}

func NewPaymentService(
	pool *pgxpool.Pool,
	logger *zap.Logger,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	settlementRepo repository.SettlementRepository,
	guard InventoryGuard,
	outboxRepo worker.OutboxRepository,
	topics Topics,
	failureCeiling int32,
	disputeWindow time.Duration,
) PaymentService {
	return &paymentService{
		pool:           pool,
		logger:         logger,
		orderRepo:      orderRepo,
		paymentRepo:    paymentRepo,
		settlementRepo: settlementRepo,
		guard:          guard,
		emitter:        &emitter{outboxRepo: outboxRepo, topics: topics},
		failureCeiling: failureCeiling,
		disputeWindow:  disputeWindow,
		tracer:         otel.Tracer("service/payment_service"),
	}
}

func (s *paymentService) HandleCallback(ctx context.Context, cb *PaymentCallback) error {
	ctx, span := s.tracer.Start(ctx, "PaymentService.HandleCallback")
	defer span.End()

	span.SetAttributes(
		attribute.String("gateway_txn_id", cb.GatewayTxnID),
		attribute.Int64("order_id", cb.OrderID),
		attribute.String("outcome", string(cb.Outcome)),
	)

	if !cb.Outcome.Valid() {
		return fmt.Errorf("unknown payment outcome %q", cb.Outcome)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, cb.OrderID)
	if err != nil {
		return err
	}

	event := &domain.PaymentEvent{
		GatewayTxnID: cb.GatewayTxnID,
		OrderID:      cb.OrderID,
		Amount:       cb.Amount,
		Outcome:      cb.Outcome,
	}

	if err := s.paymentRepo.InsertEvent(ctx, tx, event); err != nil {
		return err
	}

	var applyErr error
	switch cb.Outcome {
	case domain.PaymentOutcomeSuccess:
		applyErr = s.applySuccess(ctx, tx, order, cb.Amount)
	case domain.PaymentOutcomeFailure:
		applyErr = s.applyFailure(ctx, tx, order)
	case domain.PaymentOutcomeRefund:
		applyErr = s.applyRefund(ctx, tx, order)
	}

	// the event record is committed even when the callback has no
	// effect on order state, so a replay of the same transaction id is
	// answered with AlreadyProcessed instead of being re-evaluated
	if applyErr != nil && !benignCallbackError(applyErr) {
		return applyErr
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return applyErr
}

func benignCallbackError(err error) bool {
	return errors.Is(err, domain.ErrAmountMismatch) ||
		errors.Is(err, domain.ErrWindowExpired) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

func (s *paymentService) applySuccess(ctx context.Context, tx pgx.Tx, order *domain.Order, amount decimal.Decimal) error {
	if order.State != domain.OrderStatePendingPayment {
		mylogger.Warn(
			ctx,
			s.logger,
			"Success callback for order not awaiting payment",
			zap.Int64("order_id", order.ID),
			zap.String("state", string(order.State)),
		)

		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, order.State, domain.OrderStatePaid)
	}

	if !amount.Equal(order.Price) {
		mylogger.Warn(
			ctx,
			s.logger,
			"Payment amount mismatch",
			zap.Int64("order_id", order.ID),
			zap.String("expected", order.Price.String()),
			zap.String("got", amount.String()),
		)

		return domain.ErrAmountMismatch
	}

	if err := s.orderRepo.TransitionState(ctx, tx, order.ID, order.Version, domain.OrderStatePaid); err != nil {
		return err
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStatePaid); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Payment reconciled, order paid",
		zap.Int64("order_id", order.ID),
	)

	return nil
}

// applyFailure leaves the order open for another payment attempt until
// the failure ceiling, then auto-cancels it and re-lists the book.
func (s *paymentService) applyFailure(ctx context.Context, tx pgx.Tx, order *domain.Order) error {
	if order.State != domain.OrderStatePendingPayment {
		return fmt.Errorf("%w: failure callback in state %s", domain.ErrInvalidTransition, order.State)
	}

	failures, err := s.orderRepo.IncrementPaymentFailures(ctx, tx, order.ID, order.Version)
	if err != nil {
		return err
	}

	if failures < s.failureCeiling {
		mylogger.Info(
			ctx,
			s.logger,
			"Payment failed, buyer may retry",
			zap.Int64("order_id", order.ID),
			zap.Int32("failures", failures),
		)

		return nil
	}

	if err := s.orderRepo.TransitionState(ctx, tx, order.ID, order.Version+1, domain.OrderStateCancelled); err != nil {
		return err
	}

	if err := s.guard.ReleaseInTx(ctx, tx, order); err != nil {
		return fmt.Errorf("failed to release book: %w", err)
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateCancelled); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	mylogger.Warn(
		ctx,
		s.logger,
		"Payment failure ceiling reached, order auto-cancelled",
		zap.Int64("order_id", order.ID),
		zap.Int32("failures", failures),
	)

	return nil
}

func (s *paymentService) applyRefund(ctx context.Context, tx pgx.Tx, order *domain.Order) error {
	switch order.State {
	case domain.OrderStatePaid:
		if err := s.orderRepo.TransitionState(ctx, tx, order.ID, order.Version, domain.OrderStateRefunded); err != nil {
			return err
		}

		if err := s.guard.ReleaseInTx(ctx, tx, order); err != nil {
			return fmt.Errorf("failed to release book: %w", err)
		}

		return s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateRefunded)
	case domain.OrderStateSettled:
		if order.SettledAt == nil || time.Since(*order.SettledAt) > s.disputeWindow {
			mylogger.Warn(
				ctx,
				s.logger,
				"Refund rejected, dispute window expired",
				zap.Int64("order_id", order.ID),
			)

			return domain.ErrWindowExpired
		}

		released, err := s.settlementRepo.GetReleased(ctx, order.ID)
		if err != nil {
			return err
		}
		if released == nil {
			return fmt.Errorf("settled order %d has no released settlement", order.ID)
		}

		reversal := &domain.SettlementRecord{
			OrderID:  order.ID,
			Amount:   released.Amount,
			Outcome:  domain.SettlementReversed,
			PayoutID: released.PayoutID,
		}
		if err := s.settlementRepo.Insert(ctx, tx, reversal); err != nil {
			return fmt.Errorf("failed to record settlement reversal: %w", err)
		}

		if err := s.orderRepo.TransitionState(ctx, tx, order.ID, order.Version, domain.OrderStateRefunded); err != nil {
			return err
		}

		mylogger.Info(
			ctx,
			s.logger,
			"Post-settlement refund applied",
			zap.Int64("order_id", order.ID),
		)

		return s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateRefunded)
	default:
		return fmt.Errorf("%w: refund callback in state %s", domain.ErrInvalidTransition, order.State)
	}
}

func (s *paymentService) rollback(ctx context.Context, tx pgx.Tx) {
	shutdownCtx := context.WithoutCancel(ctx)

	if err := tx.Rollback(shutdownCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		mylogger.Warn(shutdownCtx, s.logger, "Failed to rollback transaction", zap.Error(err))
	}
}
