package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PaymentRepository interface {
	InsertEvent(ctx context.Context, tx pgx.Tx, event *domain.PaymentEvent) error
	GetByGatewayTxnID(ctx context.Context, gatewayTxnID string) (*domain.PaymentEvent, error)
}

type paymentRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewPaymentRepository(pool *pgxpool.Pool, logger *zap.Logger) PaymentRepository {
	return &paymentRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/payment_repo"),
	}
}

// InsertEvent persists the callback before any effect is applied. The
// unique constraint on gateway_txn_id turns at-least-once delivery into
// exactly-once effect: a duplicate insert reports ErrAlreadyProcessed.
func (r *paymentRepo) InsertEvent(ctx context.Context, tx pgx.Tx, event *domain.PaymentEvent) error {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.InsertEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("gateway_txn_id", event.GatewayTxnID),
		attribute.Int64("order_id", event.OrderID),
	)

	query := `
		INSERT INTO payment_events (gateway_txn_id, order_id, amount, outcome, received_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, received_at
	`

	if err := tx.QueryRow(
		ctx,
		query,
		event.GatewayTxnID,
		event.OrderID,
		event.Amount,
		string(event.Outcome),
	).Scan(
		&event.ID,
		&event.ReceivedAt,
	); err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) && pgError.Code == "23505" {
			mylogger.Info(
				ctx,
				r.logger,
				"Payment event already processed, skipping",
				zap.String("gateway_txn_id", event.GatewayTxnID),
			)

			return domain.ErrAlreadyProcessed
		}

		span.RecordError(err)

		mylogger.Error(ctx, r.logger, "Failed to insert payment event", zap.Error(err))

		return fmt.Errorf("failed to insert payment event: %w", err)
	}

	return nil
}

func (r *paymentRepo) GetByGatewayTxnID(ctx context.Context, gatewayTxnID string) (*domain.PaymentEvent, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByGatewayTxnID")
	defer span.End()

	query := `
		SELECT id, gateway_txn_id, order_id, amount, outcome, received_at
		FROM payment_events
		WHERE gateway_txn_id = $1
	`

	var event domain.PaymentEvent
	if err := r.pool.QueryRow(ctx, query, gatewayTxnID).Scan(
		&event.ID,
		&event.GatewayTxnID,
		&event.OrderID,
		&event.Amount,
		&event.Outcome,
		&event.ReceivedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		span.RecordError(err)

		return nil, fmt.Errorf("error getting payment event: %w", err)
	}

	return &event, nil
}
