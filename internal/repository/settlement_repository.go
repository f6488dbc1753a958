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

type SettlementRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, record *domain.SettlementRecord) error
	GetReleased(ctx context.Context, orderID int64) (*domain.SettlementRecord, error)
	CountByOrder(ctx context.Context, orderID int64) (int64, error)
}

type settlementRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewSettlementRepository(pool *pgxpool.Pool, logger *zap.Logger) SettlementRepository {
	return &settlementRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/settlement_repo"),
	}
}

// Insert appends a settlement record. A partial unique index on
// (order_id) WHERE outcome = 'RELEASED' backs the funds-released-at-most-
// once invariant at the schema level; a violation maps to AlreadySettled.
func (r *settlementRepo) Insert(ctx context.Context, tx pgx.Tx, record *domain.SettlementRecord) error {
	ctx, span := r.tracer.Start(ctx, "SettlementRepository.Insert")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", record.OrderID),
		attribute.String("outcome", string(record.Outcome)),
	)

	query := `
		INSERT INTO settlement_records (order_id, amount, outcome, payout_id, settled_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, settled_at
	`

	if err := tx.QueryRow(
		ctx,
		query,
		record.OrderID,
		record.Amount,
		string(record.Outcome),
		record.PayoutID,
	).Scan(
		&record.ID,
		&record.SettledAt,
	); err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) && pgError.Code == "23505" {
			mylogger.Warn(
				ctx,
				r.logger,
				"Settlement record already exists for order",
				zap.Int64("order_id", record.OrderID),
			)

			return domain.ErrAlreadySettled
		}

		span.RecordError(err)

		return fmt.Errorf("failed to insert settlement record: %w", err)
	}

	return nil
}

func (r *settlementRepo) GetReleased(ctx context.Context, orderID int64) (*domain.SettlementRecord, error) {
	ctx, span := r.tracer.Start(ctx, "SettlementRepository.GetReleased")
	defer span.End()

	query := `
		SELECT id, order_id, amount, outcome, payout_id, settled_at
		FROM settlement_records
		WHERE order_id = $1 AND outcome = 'RELEASED'
	`

	var record domain.SettlementRecord
	if err := r.pool.QueryRow(ctx, query, orderID).Scan(
		&record.ID,
		&record.OrderID,
		&record.Amount,
		&record.Outcome,
		&record.PayoutID,
		&record.SettledAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		span.RecordError(err)

		return nil, fmt.Errorf("error getting settlement record: %w", err)
	}

	return &record, nil
}

func (r *settlementRepo) CountByOrder(ctx context.Context, orderID int64) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "SettlementRepository.CountByOrder")
	defer span.End()

	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM settlement_records WHERE order_id = $1`, orderID).
		Scan(&count)
	if err != nil {
		span.RecordError(err)

		return 0, fmt.Errorf("error counting settlement records: %w", err)
	}

	return count, nil
}
