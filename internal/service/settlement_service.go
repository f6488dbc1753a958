package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/gateway"
	"github.com/unibooks/orderflow/internal/repository"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"github.com/unibooks/orderflow/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SettlementService releases escrowed funds to the seller exactly once
// per order. The payout call happens before commit, so a crash between
// payout and commit is recovered by retrying: the gateway deduplicates
// on the idempotency key and the partial unique index on released
// settlement records rejects a second insert.
type SettlementService interface {
	Settle(ctx context.Context, orderID int64) (*domain.SettlementRecord, error)
}

type settlementService struct {
	pool           *pgxpool.Pool
	logger         *zap.Logger
	orderRepo      repository.OrderRepository
	bookRepo       repository.BookRepository
	settlementRepo repository.SettlementRepository
	payouts        gateway.PayoutClient
	emitter        *emitter
	tracer         trace.Tracer
}

func NewSettlementService(
	pool *pgxpool.Pool,
	logger *zap.Logger,
	orderRepo repository.OrderRepository,
	bookRepo repository.BookRepository,
	settlementRepo repository.SettlementRepository,
	payouts gateway.PayoutClient,
	outboxRepo worker.OutboxRepository,
	topics Topics,
) SettlementService {
	return &settlementService{
		pool:           pool,
		logger:         logger,
		orderRepo:      orderRepo,
		bookRepo:       bookRepo,
		settlementRepo: settlementRepo,
		payouts:        payouts,
		emitter:        &emitter{outboxRepo: outboxRepo, topics: topics},
		tracer:         otel.Tracer("service/settlement_service"),
	}
}

func (s *settlementService) Settle(ctx context.Context, orderID int64) (*domain.SettlementRecord, error) {
	ctx, span := s.tracer.Start(ctx, "SettlementService.Settle")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	// the row lock serializes concurrent settle attempts for the same
	// order; whichever loses the race re-reads a SETTLED state here
	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.State {
	case domain.OrderStateSettled:
		return nil, domain.ErrAlreadySettled
	case domain.OrderStateDisputed:
		return nil, domain.ErrDisputed
	case domain.OrderStateDelivered:
	default:
		return nil, domain.ErrNotDeliveredYet
	}

	payout, err := s.payouts.Payout(ctx, &gateway.PayoutRequest{
		OrderID:        order.ID,
		SellerAccount:  strconv.FormatInt(order.SellerID, 10),
		Amount:         order.Price,
		IdempotencyKey: strconv.FormatInt(order.ID, 10),
	})
	if err != nil {
		// the flag update runs on a pool connection and would block on
		// our own row lock; release it first
		s.rollback(ctx, tx)
		s.flagFailure(ctx, order, err)

		return nil, err
	}

	record := &domain.SettlementRecord{
		OrderID:  order.ID,
		Amount:   order.Price,
		Outcome:  domain.SettlementReleased,
		PayoutID: &payout.PayoutID,
	}

	if err := s.settlementRepo.Insert(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := s.orderRepo.MarkSettled(ctx, tx, order.ID, order.Version); err != nil {
		return nil, err
	}

	if err := s.bookRepo.MarkSold(ctx, tx, order.BookID); err != nil {
		return nil, err
	}

	if err := s.emitter.emitOrderTransition(ctx, tx, order, order.State, domain.OrderStateSettled); err != nil {
		return nil, fmt.Errorf("failed to emit event: %w", err)
	}

	if err := s.emitter.emitBookStatus(ctx, tx, order.BookID, domain.BookStatusSold); err != nil {
		return nil, fmt.Errorf("failed to emit event: %w", err)
	}

	if err := s.emitter.emit(ctx, tx, s.emitter.topics.Notifications, "Settlement", strconv.FormatInt(order.ID, 10), "SettlementReleased",
		&domain.SettlementReleasedEvent{
			OrderID:   order.ID,
			SellerID:  order.SellerID,
			Amount:    order.Price,
			PayoutID:  payout.PayoutID,
			SettledAt: time.Now().UTC(),
		}); err != nil {
		return nil, fmt.Errorf("failed to emit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Settlement released",
		zap.Int64("order_id", order.ID),
		zap.String("payout_id", payout.PayoutID),
		zap.String("amount", order.Price.String()),
	)

	return record, nil
}

// flagFailure marks the order so the sweeper stops retrying it and an
// operator is paged. The order stays DELIVERED and can be settled
// manually once the gateway recovers.
func (s *settlementService) flagFailure(ctx context.Context, order *domain.Order, payoutErr error) {
	mylogger.Error(
		ctx,
		s.logger,
		"Payout failed, settlement requires operator attention",
		zap.Int64("order_id", order.ID),
		zap.Error(payoutErr),
	)

	if err := s.orderRepo.FlagSettlementFailure(context.WithoutCancel(ctx), order.ID); err != nil {
		mylogger.Error(ctx, s.logger, "Failed to flag settlement failure", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

func (s *settlementService) rollback(ctx context.Context, tx pgx.Tx) {
	shutdownCtx := context.WithoutCancel(ctx)

	if err := tx.Rollback(shutdownCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		mylogger.Warn(shutdownCtx, s.logger, "Failed to rollback transaction", zap.Error(err))
	}
}
