package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/repository"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"github.com/unibooks/orderflow/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxConflictRetries bounds local retries of version-conflicted writes.
// A conflict means another transition won the race; the retry re-reads
// and revalidates against the fresh state.
const maxConflictRetries = 3

type OrderService interface {
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	Cancel(ctx context.Context, orderID int64) error
	CancelExpired(ctx context.Context, orderID int64, cutoff time.Time) error
	ScheduleHandoff(ctx context.Context, orderID int64) (string, error)
	ConfirmReceipt(ctx context.Context, orderID int64, scannedCode string) error
	ReportDelivery(ctx context.Context, orderID int64) error
	OpenDispute(ctx context.Context, orderID int64, reason string) error
	ResolveDispute(ctx context.Context, orderID int64, resolution domain.DisputeResolution) error
}

type orderService struct {
	pool           *pgxpool.Pool
	logger         *zap.Logger
	orderRepo      repository.OrderRepository
	settlementRepo repository.SettlementRepository
	guard          InventoryGuard
	emitter        *emitter
	tracer         trace.Tracer
}

func NewOrderService(
	pool *pgxpool.Pool,
	logger *zap.Logger,
	orderRepo repository.OrderRepository,
	settlementRepo repository.SettlementRepository,
	guard InventoryGuard,
	outboxRepo worker.OutboxRepository,
	topics Topics,
) OrderService {
	return &orderService{
		pool:           pool,
		logger:         logger,
		orderRepo:      orderRepo,
		settlementRepo: settlementRepo,
		guard:          guard,
		emitter:        &emitter{outboxRepo: outboxRepo, topics: topics},
		tracer:         otel.Tracer("service/order_service"),
	}
}

func (s *orderService) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return s.orderRepo.GetByID(ctx, orderID)
}

// withConflictRetry re-runs op when its version-checked write loses to
// a concurrent transition. The write paths here take the order row lock
// (GetByIDForUpdate) before writing, so the version cannot move under
// them and a conflict is not expected from these call sites; the loop
// is the contract for any caller that writes from an unlocked read.
func (s *orderService) withConflictRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = op(ctx)
		if !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}

		mylogger.Debug(
			ctx,
			s.logger,
			"Version conflict, retrying with fresh read",
			zap.Int("attempt", attempt+1),
		)
	}

	return err
}

func (s *orderService) Cancel(ctx context.Context, orderID int64) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.Cancel")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	return s.withConflictRetry(ctx, func(ctx context.Context) error {
		return s.cancelOnce(ctx, orderID)
	})
}

func (s *orderService) cancelOnce(ctx context.Context, orderID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}

	if order.State == domain.OrderStateCancelled {
		return nil
	}

	if !order.Cancellable() {
		return s.invalidTransition(ctx, order, domain.OrderStateCancelled)
	}

	if err := s.orderRepo.TransitionState(ctx, tx, order.ID, order.Version, domain.OrderStateCancelled); err != nil {
		return err
	}

	if err := s.guard.ReleaseInTx(ctx, tx, order); err != nil {
		return fmt.Errorf("failed to release book: %w", err)
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateCancelled); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Order cancelled",
		zap.Int64("order_id", order.ID),
		zap.String("from_state", string(order.State)),
	)

	return nil
}

// CancelExpired cancels a reservation whose payment window has lapsed.
// Unlike Cancel it only acts on PENDING_PAYMENT: a successful payment
// may land between the sweep's list query and the row lock here, and a
// timeout must never take down a paid order.
func (s *orderService) CancelExpired(ctx context.Context, orderID int64, cutoff time.Time) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.CancelExpired")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}

	if order.State != domain.OrderStatePendingPayment || !order.CreatedAt.Before(cutoff) {
		return nil
	}

	if err := s.orderRepo.TransitionState(ctx, tx, order.ID, order.Version, domain.OrderStateCancelled); err != nil {
		return err
	}

	if err := s.guard.ReleaseInTx(ctx, tx, order); err != nil {
		return fmt.Errorf("failed to release book: %w", err)
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateCancelled); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	mylogger.Info(ctx, s.logger, "Expired reservation cancelled", zap.Int64("order_id", order.ID))

	return nil
}

// ScheduleHandoff moves a paid order into AWAITING_HANDOFF and binds the
// per-order handoff token that the buyer's receipt scan must present.
func (s *orderService) ScheduleHandoff(ctx context.Context, orderID int64) (string, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.ScheduleHandoff")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	var token string
	err := s.withConflictRetry(ctx, func(ctx context.Context) error {
		var err error
		token, err = s.scheduleHandoffOnce(ctx, orderID)
		return err
	})

	return token, err
}

func (s *orderService) scheduleHandoffOnce(ctx context.Context, orderID int64) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return "", err
	}

	if order.State == domain.OrderStateAwaitingHandoff && order.HandoffToken != nil {
		return *order.HandoffToken, nil
	}

	if !domain.CanTransition(order.State, domain.OrderStateAwaitingHandoff) {
		return "", s.invalidTransition(ctx, order, domain.OrderStateAwaitingHandoff)
	}

	token := uuid.New().String()

	if err := s.orderRepo.BindHandoffToken(ctx, tx, order.ID, order.Version, token); err != nil {
		return "", err
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateAwaitingHandoff); err != nil {
		return "", fmt.Errorf("failed to emit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Handoff scheduled",
		zap.Int64("order_id", order.ID),
	)

	return token, nil
}

// ConfirmReceipt binds the physical handoff to the digital state: only
// the code generated at AWAITING_HANDOFF entry moves the order to
// DELIVERED.
func (s *orderService) ConfirmReceipt(ctx context.Context, orderID int64, scannedCode string) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.ConfirmReceipt")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	return s.withConflictRetry(ctx, func(ctx context.Context) error {
		return s.confirmReceiptOnce(ctx, orderID, scannedCode)
	})
}

func (s *orderService) confirmReceiptOnce(ctx context.Context, orderID int64, scannedCode string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}

	if order.State != domain.OrderStateAwaitingHandoff {
		return s.invalidTransition(ctx, order, domain.OrderStateDelivered)
	}

	if order.HandoffToken == nil ||
		subtle.ConstantTimeCompare([]byte(*order.HandoffToken), []byte(scannedCode)) != 1 {
		mylogger.Warn(
			ctx,
			s.logger,
			"Receipt confirmation with invalid token",
			zap.Int64("order_id", order.ID),
		)

		return domain.ErrInvalidToken
	}

	if err := s.orderRepo.MarkDelivered(ctx, tx, order.ID, order.Version); err != nil {
		return err
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateDelivered); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Receipt confirmed, order delivered",
		zap.Int64("order_id", order.ID),
	)

	return nil
}

// ReportDelivery records the seller's claim of a completed handoff. The
// order stays in AWAITING_HANDOFF; the sweeper promotes it to DELIVERED
// once the buyer's no-objection window elapses.
func (s *orderService) ReportDelivery(ctx context.Context, orderID int64) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.ReportDelivery")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	return s.withConflictRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer s.rollback(ctx, tx)

		order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if order.State != domain.OrderStateAwaitingHandoff {
			return s.invalidTransition(ctx, order, domain.OrderStateDelivered)
		}

		if err := s.orderRepo.ReportDelivery(ctx, tx, order.ID, order.Version); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

func (s *orderService) OpenDispute(ctx context.Context, orderID int64, reason string) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.OpenDispute")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.String("reason", reason),
	)

	return s.withConflictRetry(ctx, func(ctx context.Context) error {
		return s.openDisputeOnce(ctx, orderID, reason)
	})
}

func (s *orderService) openDisputeOnce(ctx context.Context, orderID int64, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}

	if order.State == domain.OrderStateDisputed {
		return nil
	}

	if !domain.CanTransition(order.State, domain.OrderStateDisputed) {
		return s.invalidTransition(ctx, order, domain.OrderStateDisputed)
	}

	if err := s.orderRepo.TransitionState(ctx, tx, order.ID, order.Version, domain.OrderStateDisputed); err != nil {
		return err
	}

	// a dispute on a delivered order freezes automatic settlement;
	// the withheld record keeps that visible in the audit trail
	if order.State == domain.OrderStateDelivered {
		record := &domain.SettlementRecord{
			OrderID: order.ID,
			Amount:  order.Price,
			Outcome: domain.SettlementWithheld,
		}
		if err := s.settlementRepo.Insert(ctx, tx, record); err != nil {
			return fmt.Errorf("failed to record withheld settlement: %w", err)
		}
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateDisputed); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Dispute opened",
		zap.Int64("order_id", order.ID),
		zap.String("reason", reason),
	)

	return nil
}

// ResolveDispute consumes the external arbitration outcome. RELEASE puts
// the order back on the settlement path; REFUND terminates it and
// re-lists the book.
func (s *orderService) ResolveDispute(ctx context.Context, orderID int64, resolution domain.DisputeResolution) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.ResolveDispute")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.String("resolution", string(resolution)),
	)

	return s.withConflictRetry(ctx, func(ctx context.Context) error {
		return s.resolveDisputeOnce(ctx, orderID, resolution)
	})
}

func (s *orderService) resolveDisputeOnce(ctx context.Context, orderID int64, resolution domain.DisputeResolution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}

	if order.State != domain.OrderStateDisputed {
		return domain.ErrNotDisputed
	}

	var to domain.OrderState
	switch resolution {
	case domain.DisputeResolutionRelease:
		to = domain.OrderStateDelivered
		if err := s.orderRepo.MarkDelivered(ctx, tx, order.ID, order.Version); err != nil {
			return err
		}
	case domain.DisputeResolutionRefund:
		to = domain.OrderStateRefunded
		if err := s.orderRepo.TransitionState(ctx, tx, order.ID, order.Version, domain.OrderStateRefunded); err != nil {
			return err
		}
		if err := s.guard.ReleaseInTx(ctx, tx, order); err != nil {
			return fmt.Errorf("failed to release book: %w", err)
		}
	default:
		return fmt.Errorf("unknown dispute resolution %q", resolution)
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, to); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Dispute resolved",
		zap.Int64("order_id", order.ID),
		zap.String("resolution", string(resolution)),
	)

	return nil
}

func (s *orderService) invalidTransition(ctx context.Context, order *domain.Order, to domain.OrderState) error {
	mylogger.Warn(
		ctx,
		s.logger,
		"Invalid state transition rejected",
		zap.Int64("order_id", order.ID),
		zap.String("from_state", string(order.State)),
		zap.String("to_state", string(to)),
	)

	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, order.State, to)
}

func (s *orderService) rollback(ctx context.Context, tx pgx.Tx) {
	shutdownCtx := context.WithoutCancel(ctx)

	if err := tx.Rollback(shutdownCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		mylogger.Warn(shutdownCtx, s.logger, "Failed to rollback transaction", zap.Error(err))
	}
}
