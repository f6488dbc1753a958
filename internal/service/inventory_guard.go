package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unibooks/orderflow/internal/catalog"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/repository"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"github.com/unibooks/orderflow/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ListBookRequest struct {
	CatalogBookID int64
	ISBN          string
	Title         string
	Condition     domain.BookCondition
}

// InventoryGuard enforces single ownership of a book across concurrent
// order attempts. TryReserve is the only way an order comes into
// existence, so the book CAS and the order insert always share one
// transaction.
type InventoryGuard interface {
	ListBook(ctx context.Context, req *ListBookRequest) (*domain.Book, error)
	WithdrawBook(ctx context.Context, bookID, sellerID int64) error
	TryReserve(ctx context.Context, bookID, buyerID int64, meetupLocation string) (*domain.Order, error)
	ReleaseInTx(ctx context.Context, tx pgx.Tx, order *domain.Order) error
}

type inventoryGuard struct {
	pool      *pgxpool.Pool
	logger    *zap.Logger
	bookRepo  repository.BookRepository
	orderRepo repository.OrderRepository
	catalog   catalog.Client
	emitter   *emitter
	tracer    trace.Tracer
}

func NewInventoryGuard(
	pool *pgxpool.Pool,
	logger *zap.Logger,
	bookRepo repository.BookRepository,
	orderRepo repository.OrderRepository,
	catalogClient catalog.Client,
	outboxRepo worker.OutboxRepository,
	topics Topics,
) InventoryGuard {
	return &inventoryGuard{
		pool:      pool,
		logger:    logger,
		bookRepo:  bookRepo,
		orderRepo: orderRepo,
		catalog:   catalogClient,
		emitter:   &emitter{outboxRepo: outboxRepo, topics: topics},
		tracer:    otel.Tracer("service/inventory_guard"),
	}
}

func (g *inventoryGuard) ListBook(ctx context.Context, req *ListBookRequest) (*domain.Book, error) {
	ctx, span := g.tracer.Start(ctx, "InventoryGuard.ListBook")
	defer span.End()

	span.SetAttributes(attribute.Int64("catalog_book_id", req.CatalogBookID))

	if !req.Condition.Valid() {
		return nil, fmt.Errorf("invalid condition %q", req.Condition)
	}

	listing, err := g.catalog.GetBook(ctx, req.CatalogBookID)
	if err != nil {
		if errors.Is(err, catalog.ErrListingNotFound) {
			return nil, domain.ErrBookNotFound
		}

		mylogger.Warn(
			ctx,
			g.logger,
			"Catalog lookup failed",
			zap.Int64("catalog_book_id", req.CatalogBookID),
			zap.Error(err),
		)

		return nil, fmt.Errorf("catalog lookup failed: %w", err)
	}

	if !listing.Price.IsPositive() {
		return nil, fmt.Errorf("listing price must be positive, got %s", listing.Price)
	}

	book := &domain.Book{
		ISBN:      req.ISBN,
		Title:     req.Title,
		Condition: req.Condition,
		Price:     listing.Price,
		SellerID:  listing.SellerID,
		Status:    domain.BookStatusListed,
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer g.rollback(ctx, tx)

	if err := g.bookRepo.Create(ctx, tx, book); err != nil {
		return nil, fmt.Errorf("failed to create book: %w", err)
	}

	if err := g.emitter.emitBookStatus(ctx, tx, book.ID, domain.BookStatusListed); err != nil {
		return nil, fmt.Errorf("failed to emit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	mylogger.Info(
		ctx,
		g.logger,
		"Book listed",
		zap.Int64("book_id", book.ID),
		zap.Int64("seller_id", book.SellerID),
	)

	return book, nil
}

func (g *inventoryGuard) WithdrawBook(ctx context.Context, bookID, sellerID int64) error {
	ctx, span := g.tracer.Start(ctx, "InventoryGuard.WithdrawBook")
	defer span.End()

	span.SetAttributes(attribute.Int64("book_id", bookID))

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer g.rollback(ctx, tx)

	if err := g.bookRepo.Withdraw(ctx, tx, bookID, sellerID); err != nil {
		return err
	}

	if err := g.emitter.emitBookStatus(ctx, tx, bookID, domain.BookStatusWithdrawn); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	return tx.Commit(ctx)
}

// TryReserve atomically claims a LISTED book and creates the owning
// order in PENDING_PAYMENT. Under contention exactly one caller wins;
// the rest observe AlreadyReserved from the CAS.
func (g *inventoryGuard) TryReserve(ctx context.Context, bookID, buyerID int64, meetupLocation string) (*domain.Order, error) {
	ctx, span := g.tracer.Start(ctx, "InventoryGuard.TryReserve")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("book_id", bookID),
		attribute.Int64("buyer_id", buyerID),
	)

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer g.rollback(ctx, tx)

	if err := g.bookRepo.Reserve(ctx, tx, bookID); err != nil {
		return nil, err
	}

	book, err := g.readBookInTx(ctx, tx, bookID)
	if err != nil {
		return nil, err
	}

	if book.SellerID == buyerID {
		return nil, domain.ErrBookNotAvailable
	}

	order := &domain.Order{
		BookID:         bookID,
		BuyerID:        buyerID,
		SellerID:       book.SellerID,
		Price:          book.Price,
		MeetupLocation: meetupLocation,
		State:          domain.OrderStatePendingPayment,
	}

	if err := g.orderRepo.Create(ctx, tx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := g.emitter.emitBookStatus(ctx, tx, bookID, domain.BookStatusReserved); err != nil {
		return nil, fmt.Errorf("failed to emit event: %w", err)
	}

	if err := g.emitter.emitOrderTransition(ctx, tx, order, "", domain.OrderStatePendingPayment); err != nil {
		return nil, fmt.Errorf("failed to emit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	mylogger.Info(
		ctx,
		g.logger,
		"Book reserved",
		zap.Int64("book_id", bookID),
		zap.Int64("order_id", order.ID),
		zap.Int64("buyer_id", buyerID),
	)

	return order, nil
}

// ReleaseInTx reverts the book to LISTED as part of a cancellation or
// refund transaction. Only the reservation holder in a cancellable or
// refundable position may release.
func (g *inventoryGuard) ReleaseInTx(ctx context.Context, tx pgx.Tx, order *domain.Order) error {
	ctx, span := g.tracer.Start(ctx, "InventoryGuard.ReleaseInTx")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("book_id", order.BookID),
		attribute.Int64("order_id", order.ID),
	)

	if err := g.bookRepo.Release(ctx, tx, order.BookID); err != nil {
		return err
	}

	return g.emitter.emitBookStatus(ctx, tx, order.BookID, domain.BookStatusListed)
}

// price and seller are denormalized onto the order at creation so later
// book mutations cannot change what was agreed.
func (g *inventoryGuard) readBookInTx(ctx context.Context, tx pgx.Tx, bookID int64) (*domain.Book, error) {
	query := `
		SELECT id, isbn, title, condition, price, seller_id, status
		FROM books
		WHERE id = $1
	`

	var book domain.Book
	if err := tx.QueryRow(ctx, query, bookID).Scan(
		&book.ID,
		&book.ISBN,
		&book.Title,
		&book.Condition,
		&book.Price,
		&book.SellerID,
		&book.Status,
	); err != nil {
		return nil, fmt.Errorf("failed to read book: %w", err)
	}

	return &book, nil
}

func (g *inventoryGuard) rollback(ctx context.Context, tx pgx.Tx) {
	shutdownCtx := context.WithoutCancel(ctx)

	if err := tx.Rollback(shutdownCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		mylogger.Warn(shutdownCtx, g.logger, "Failed to rollback transaction", zap.Error(err))
	}
}
