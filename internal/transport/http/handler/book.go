package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/service"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"github.com/unibooks/orderflow/pkg/utils"
	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Second

type BookHandler struct {
	guard    service.InventoryGuard
	validate *validator.Validate
	logger   *zap.Logger
}

func NewBookHandler(guard service.InventoryGuard, logger *zap.Logger) *BookHandler {
	return &BookHandler{
		guard:    guard,
		validate: validator.New(),
		logger:   logger,
	}
}

type ListBookInput struct {
	CatalogBookID int64  `json:"catalog_book_id" validate:"required,gt=0"`
	ISBN          string `json:"isbn" validate:"required,isbn"`
	Title         string `json:"title" validate:"required,min=1,max=300"`
	Condition     string `json:"condition" validate:"required,oneof=NEW LIKE_NEW ANNOTATED"`
}

func (h *BookHandler) List(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	input := new(ListBookInput)
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(ctx, h.logger, "failed to parse body in list book", zap.Error(err))

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing body",
		})
	}

	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	book, err := h.guard.ListBook(ctx, &service.ListBookRequest{
		CatalogBookID: input.CatalogBookID,
		ISBN:          input.ISBN,
		Title:         input.Title,
		Condition:     domain.BookCondition(input.Condition),
	})
	if err != nil {
		mylogger.Warn(
			ctx,
			h.logger,
			"list book failed",
			zap.Int64("catalog_book_id", input.CatalogBookID),
			zap.Error(err),
		)

		return errorResponse(c, err)
	}

	mylogger.Info(
		ctx,
		h.logger,
		"book listed",
		zap.Int64("book_id", book.ID),
	)

	return c.Status(fiber.StatusCreated).JSON(book)
}

func (h *BookHandler) Withdraw(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	bookID, err := parseIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Id is invalid",
		})
	}

	sellerID, err := strconv.ParseInt(c.Query("seller_id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "seller_id is invalid",
		})
	}

	if err := h.guard.WithdrawBook(ctx, bookID, sellerID); err != nil {
		mylogger.Warn(
			ctx,
			h.logger,
			"withdraw book failed",
			zap.Int64("book_id", bookID),
			zap.Error(err),
		)

		return errorResponse(c, err)
	}

	mylogger.Info(ctx, h.logger, "book withdrawn", zap.Int64("book_id", bookID))

	return c.SendStatus(fiber.StatusNoContent)
}

func parseIDParam(c *fiber.Ctx, name string) (int64, error) {
	return strconv.ParseInt(c.Params(name), 10, 64)
}

func contextWithTimeout(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}
