package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const orderColumns = `
	id, book_id, buyer_id, seller_id, price, meetup_location, state, version,
	handoff_token, delivery_reported_at, delivered_at, settled_at,
	payment_failures, settlement_failed, created_at, updated_at
`

type OrderRepository interface {
	Create(ctx context.Context, tx pgx.Tx, order *domain.Order) error
	GetByID(ctx context.Context, orderID int64) (*domain.Order, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error)
	TransitionState(ctx context.Context, tx pgx.Tx, orderID, version int64, to domain.OrderState) error
	BindHandoffToken(ctx context.Context, tx pgx.Tx, orderID, version int64, token string) error
	MarkDelivered(ctx context.Context, tx pgx.Tx, orderID, version int64) error
	MarkSettled(ctx context.Context, tx pgx.Tx, orderID, version int64) error
	ReportDelivery(ctx context.Context, tx pgx.Tx, orderID, version int64) error
	IncrementPaymentFailures(ctx context.Context, tx pgx.Tx, orderID, version int64) (int32, error)
	FlagSettlementFailure(ctx context.Context, orderID int64) error
	ListPendingPaymentBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error)
	ListReportedDeliveriesBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error)
	ListSettleableBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error)
}

type orderRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewOrderRepository(pool *pgxpool.Pool, logger *zap.Logger) OrderRepository {
	return &orderRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/order_repo"),
	}
}

func (r *orderRepo) Create(ctx context.Context, tx pgx.Tx, order *domain.Order) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("book_id", order.BookID),
		attribute.Int64("buyer_id", order.BuyerID),
	)

	query := `
		INSERT INTO orders (book_id, buyer_id, seller_id, price, meetup_location, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, NOW(), NOW())
		RETURNING id, version, created_at, updated_at
	`

	if err := tx.QueryRow(
		ctx,
		query,
		order.BookID,
		order.BuyerID,
		order.SellerID,
		order.Price,
		order.MeetupLocation,
		string(order.State),
	).Scan(
		&order.ID,
		&order.Version,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		span.RecordError(err)

		mylogger.Warn(ctx, r.logger, "Failed to insert order", zap.Error(err))

		return err
	}

	return nil
}

func (r *orderRepo) GetByID(ctx context.Context, orderID int64) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetByID")
	defer span.End()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	return r.scanOrder(ctx, span, r.pool.QueryRow(ctx, query, orderID))
}

// GetByIDForUpdate takes a row lock so that settlement attempts on the
// same order serialize inside the store instead of racing to the payout.
func (r *orderRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetByIDForUpdate")
	defer span.End()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	return r.scanOrder(ctx, span, tx.QueryRow(ctx, query, orderID))
}

func (r *orderRepo) scanOrder(ctx context.Context, span trace.Span, row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	if err := row.Scan(
		&o.ID,
		&o.BookID,
		&o.BuyerID,
		&o.SellerID,
		&o.Price,
		&o.MeetupLocation,
		&o.State,
		&o.Version,
		&o.HandoffToken,
		&o.DeliveryReportedAt,
		&o.DeliveredAt,
		&o.SettledAt,
		&o.PaymentFailures,
		&o.SettlementFailed,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			mylogger.Warn(ctx, r.logger, "Order not found")
			return nil, domain.ErrOrderNotFound
		}

		span.RecordError(err)

		return nil, fmt.Errorf("error scanning order: %w", err)
	}

	return &o, nil
}

// guardedExec runs a version-guarded UPDATE. Zero rows affected is either
// a missing order or a stale version; the follow-up existence check tells
// which, so the caller can retry with a fresh read on conflict.
func (r *orderRepo) guardedExec(ctx context.Context, tx pgx.Tx, orderID, version int64, query string, args ...any) error {
	commandTag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	if commandTag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check order existence: %w", err)
	}

	if !exists {
		return domain.ErrOrderNotFound
	}

	mylogger.Warn(
		ctx,
		r.logger,
		"Stale order version",
		zap.Int64("order_id", orderID),
		zap.Int64("version", version),
	)

	return domain.ErrVersionConflict
}

func (r *orderRepo) TransitionState(ctx context.Context, tx pgx.Tx, orderID, version int64, to domain.OrderState) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.TransitionState")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.String("to_state", string(to)),
	)

	query := `
		UPDATE orders
		SET state = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`

	return r.guardedExec(ctx, tx, orderID, version, query, string(to), orderID, version)
}

func (r *orderRepo) BindHandoffToken(ctx context.Context, tx pgx.Tx, orderID, version int64, token string) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.BindHandoffToken")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	query := `
		UPDATE orders
		SET state = 'AWAITING_HANDOFF', handoff_token = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`

	return r.guardedExec(ctx, tx, orderID, version, query, token, orderID, version)
}

func (r *orderRepo) MarkDelivered(ctx context.Context, tx pgx.Tx, orderID, version int64) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.MarkDelivered")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	query := `
		UPDATE orders
		SET state = 'DELIVERED', delivered_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`

	return r.guardedExec(ctx, tx, orderID, version, query, orderID, version)
}

func (r *orderRepo) MarkSettled(ctx context.Context, tx pgx.Tx, orderID, version int64) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.MarkSettled")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	query := `
		UPDATE orders
		SET state = 'SETTLED', settled_at = NOW(), settlement_failed = FALSE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`

	return r.guardedExec(ctx, tx, orderID, version, query, orderID, version)
}

func (r *orderRepo) ReportDelivery(ctx context.Context, tx pgx.Tx, orderID, version int64) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.ReportDelivery")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	query := `
		UPDATE orders
		SET delivery_reported_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`

	return r.guardedExec(ctx, tx, orderID, version, query, orderID, version)
}

func (r *orderRepo) IncrementPaymentFailures(ctx context.Context, tx pgx.Tx, orderID, version int64) (int32, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.IncrementPaymentFailures")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	query := `
		UPDATE orders
		SET payment_failures = payment_failures + 1, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING payment_failures
	`

	var failures int32
	if err := tx.QueryRow(ctx, query, orderID, version).Scan(&failures); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
				return 0, fmt.Errorf("failed to check order existence: %w", err)
			}
			if !exists {
				return 0, domain.ErrOrderNotFound
			}

			return 0, domain.ErrVersionConflict
		}

		span.RecordError(err)

		return 0, fmt.Errorf("failed to increment payment failures: %w", err)
	}

	return failures, nil
}

func (r *orderRepo) FlagSettlementFailure(ctx context.Context, orderID int64) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.FlagSettlementFailure")
	defer span.End()

	span.SetAttributes(attribute.Int64("order_id", orderID))

	query := `
		UPDATE orders
		SET settlement_failed = TRUE, updated_at = NOW()
		WHERE id = $1 AND state = 'DELIVERED'
	`

	commandTag, err := r.pool.Exec(ctx, query, orderID)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to flag settlement failure: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}

	return nil
}

func (r *orderRepo) ListPendingPaymentBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.ListPendingPaymentBefore")
	defer span.End()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE state = 'PENDING_PAYMENT' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	return r.listOrders(ctx, span, query, cutoff, limit)
}

func (r *orderRepo) ListReportedDeliveriesBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.ListReportedDeliveriesBefore")
	defer span.End()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE state = 'AWAITING_HANDOFF' AND delivery_reported_at IS NOT NULL AND delivery_reported_at < $1
		ORDER BY delivery_reported_at ASC
		LIMIT $2
	`

	return r.listOrders(ctx, span, query, cutoff, limit)
}

func (r *orderRepo) ListSettleableBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.ListSettleableBefore")
	defer span.End()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE state = 'DELIVERED' AND settlement_failed = FALSE AND delivered_at < $1
		ORDER BY delivered_at ASC
		LIMIT $2
	`

	return r.listOrders(ctx, span, query, cutoff, limit)
}

func (r *orderRepo) listOrders(ctx context.Context, span trace.Span, query string, cutoff time.Time, limit int) ([]*domain.Order, error) {
	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var result []*domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(
			&o.ID,
			&o.BookID,
			&o.BuyerID,
			&o.SellerID,
			&o.Price,
			&o.MeetupLocation,
			&o.State,
			&o.Version,
			&o.HandoffToken,
			&o.DeliveryReportedAt,
			&o.DeliveredAt,
			&o.SettledAt,
			&o.PaymentFailures,
			&o.SettlementFailed,
			&o.CreatedAt,
			&o.UpdatedAt,
		); err != nil {
			span.RecordError(err)

			return nil, fmt.Errorf("error scanning order row: %w", err)
		}

		result = append(result, &o)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)

		return nil, err
	}

	span.SetAttributes(attribute.Int("result_count", len(result)))

	return result, nil
}
