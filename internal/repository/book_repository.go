package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type BookRepository interface {
	Create(ctx context.Context, tx pgx.Tx, book *domain.Book) error
	GetByID(ctx context.Context, bookID int64) (*domain.Book, error)
	Reserve(ctx context.Context, tx pgx.Tx, bookID int64) error
	Release(ctx context.Context, tx pgx.Tx, bookID int64) error
	MarkSold(ctx context.Context, tx pgx.Tx, bookID int64) error
	Withdraw(ctx context.Context, tx pgx.Tx, bookID int64, sellerID int64) error
}

type bookRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewBookRepository(pool *pgxpool.Pool, logger *zap.Logger) BookRepository {
	return &bookRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("repository/book_repo"),
	}
}

func (r *bookRepo) Create(ctx context.Context, tx pgx.Tx, book *domain.Book) error {
	ctx, span := r.tracer.Start(ctx, "BookRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("isbn", book.ISBN),
		attribute.Int64("seller_id", book.SellerID),
	)

	query := `
		INSERT INTO books (isbn, title, condition, price, seller_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`

	if err := tx.QueryRow(
		ctx,
		query,
		book.ISBN,
		book.Title,
		string(book.Condition),
		book.Price,
		book.SellerID,
		string(book.Status),
	).Scan(
		&book.ID,
		&book.CreatedAt,
		&book.UpdatedAt,
	); err != nil {
		span.RecordError(err)

		mylogger.Warn(ctx, r.logger, "Failed to insert book", zap.Error(err))

		return err
	}

	return nil
}

func (r *bookRepo) GetByID(ctx context.Context, bookID int64) (*domain.Book, error) {
	ctx, span := r.tracer.Start(ctx, "BookRepository.GetByID")
	defer span.End()

	query := `
		SELECT id, isbn, title, condition, price, seller_id, status, created_at, updated_at, deleted_at
		FROM books
		WHERE id = $1
	`

	var book domain.Book
	if err := r.pool.QueryRow(ctx, query, bookID).Scan(
		&book.ID,
		&book.ISBN,
		&book.Title,
		&book.Condition,
		&book.Price,
		&book.SellerID,
		&book.Status,
		&book.CreatedAt,
		&book.UpdatedAt,
		&book.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBookNotFound
		}

		span.RecordError(err)

		return nil, fmt.Errorf("error getting book by id: %w", err)
	}

	return &book, nil
}

// Reserve is the compare-and-swap that guarantees a single winner among
// concurrent reservation attempts. Zero rows affected means the book was
// not in LISTED state; the follow-up read maps the exact failure.
func (r *bookRepo) Reserve(ctx context.Context, tx pgx.Tx, bookID int64) error {
	ctx, span := r.tracer.Start(ctx, "BookRepository.Reserve")
	defer span.End()

	span.SetAttributes(attribute.Int64("book_id", bookID))

	query := `
		UPDATE books
		SET status = 'RESERVED', updated_at = NOW()
		WHERE id = $1 AND status = 'LISTED' AND deleted_at IS NULL
	`

	commandTag, err := tx.Exec(ctx, query, bookID)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to reserve book: %w", err)
	}

	if commandTag.RowsAffected() > 0 {
		return nil
	}

	var status domain.BookStatus
	err = tx.QueryRow(ctx, `SELECT status FROM books WHERE id = $1 AND deleted_at IS NULL`, bookID).
		Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrBookNotFound
		}

		span.RecordError(err)

		return fmt.Errorf("failed to read book status: %w", err)
	}

	if status == domain.BookStatusReserved {
		return domain.ErrAlreadyReserved
	}

	return domain.ErrBookNotAvailable
}

func (r *bookRepo) Release(ctx context.Context, tx pgx.Tx, bookID int64) error {
	ctx, span := r.tracer.Start(ctx, "BookRepository.Release")
	defer span.End()

	span.SetAttributes(attribute.Int64("book_id", bookID))

	query := `
		UPDATE books
		SET status = 'LISTED', updated_at = NOW()
		WHERE id = $1 AND status = 'RESERVED'
	`

	commandTag, err := tx.Exec(ctx, query, bookID)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to release book: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		mylogger.Warn(
			ctx,
			r.logger,
			"Release skipped, book not reserved",
			zap.Int64("book_id", bookID),
		)

		return domain.ErrBookNotAvailable
	}

	return nil
}

func (r *bookRepo) MarkSold(ctx context.Context, tx pgx.Tx, bookID int64) error {
	ctx, span := r.tracer.Start(ctx, "BookRepository.MarkSold")
	defer span.End()

	query := `
		UPDATE books
		SET status = 'SOLD', deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'RESERVED'
	`

	commandTag, err := tx.Exec(ctx, query, bookID)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to mark book sold: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return domain.ErrBookNotAvailable
	}

	return nil
}

func (r *bookRepo) Withdraw(ctx context.Context, tx pgx.Tx, bookID int64, sellerID int64) error {
	ctx, span := r.tracer.Start(ctx, "BookRepository.Withdraw")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("book_id", bookID),
		attribute.Int64("seller_id", sellerID),
	)

	query := `
		UPDATE books
		SET status = 'WITHDRAWN', deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND seller_id = $2 AND status = 'LISTED' AND deleted_at IS NULL
	`

	commandTag, err := tx.Exec(ctx, query, bookID, sellerID)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to withdraw book: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		var status domain.BookStatus
		err = tx.QueryRow(ctx, `SELECT status FROM books WHERE id = $1 AND seller_id = $2 AND deleted_at IS NULL`, bookID, sellerID).
			Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrBookNotFound
			}

			return fmt.Errorf("failed to read book status: %w", err)
		}

		if status == domain.BookStatusReserved {
			return domain.ErrAlreadyReserved
		}

		return domain.ErrBookNotAvailable
	}

	return nil
}
