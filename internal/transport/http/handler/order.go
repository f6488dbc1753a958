package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/unibooks/orderflow/internal/service"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"github.com/unibooks/orderflow/pkg/utils"
	"go.uber.org/zap"
)

type OrderHandler struct {
	guard       service.InventoryGuard
	orders      service.OrderService
	settlements service.SettlementService
	validate    *validator.Validate
	logger      *zap.Logger
}

func NewOrderHandler(
	guard service.InventoryGuard,
	orders service.OrderService,
	settlements service.SettlementService,
	logger *zap.Logger,
) *OrderHandler {
	return &OrderHandler{
		guard:       guard,
		orders:      orders,
		settlements: settlements,
		validate:    validator.New(),
		logger:      logger,
	}
}

type ReserveInput struct {
	BookID         int64  `json:"book_id" validate:"required,gt=0"`
	BuyerID        int64  `json:"buyer_id" validate:"required,gt=0"`
	MeetupLocation string `json:"meetup_location" validate:"required,max=200"`
}

func (h *OrderHandler) Reserve(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	input := new(ReserveInput)
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(ctx, h.logger, "failed to parse body in reserve", zap.Error(err))

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing body",
		})
	}

	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	order, err := h.guard.TryReserve(ctx, input.BookID, input.BuyerID, input.MeetupLocation)
	if err != nil {
		mylogger.Warn(
			ctx,
			h.logger,
			"reserve failed",
			zap.Int64("book_id", input.BookID),
			zap.Int64("buyer_id", input.BuyerID),
			zap.Error(err),
		)

		return errorResponse(c, err)
	}

	mylogger.Info(
		ctx,
		h.logger,
		"book reserved",
		zap.Int64("order_id", order.ID),
		zap.Int64("book_id", order.BookID),
	)

	return c.Status(fiber.StatusCreated).JSON(order)
}

func (h *OrderHandler) Get(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	orderID, err := parseIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Id is invalid",
		})
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(order)
}

func (h *OrderHandler) Cancel(c *fiber.Ctx) error {
	return h.mutate(c, "cancel", h.orders.Cancel)
}

func (h *OrderHandler) ReportDelivery(c *fiber.Ctx) error {
	return h.mutate(c, "report delivery", h.orders.ReportDelivery)
}

func (h *OrderHandler) ScheduleHandoff(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	orderID, err := parseIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Id is invalid",
		})
	}

	token, err := h.orders.ScheduleHandoff(ctx, orderID)
	if err != nil {
		return h.orderError(c, "schedule handoff", orderID, err)
	}

	mylogger.Info(ctx, h.logger, "handoff scheduled", zap.Int64("order_id", orderID))

	return c.JSON(fiber.Map{
		"order_id":      orderID,
		"handoff_token": token,
	})
}

type ConfirmReceiptInput struct {
	HandoffToken string `json:"handoff_token" validate:"required,uuid4"`
}

func (h *OrderHandler) ConfirmReceipt(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	orderID, err := parseIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Id is invalid",
		})
	}

	input := new(ConfirmReceiptInput)
	if err := c.BodyParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing body",
		})
	}

	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	if err := h.orders.ConfirmReceipt(ctx, orderID, input.HandoffToken); err != nil {
		return h.orderError(c, "confirm receipt", orderID, err)
	}

	mylogger.Info(ctx, h.logger, "receipt confirmed", zap.Int64("order_id", orderID))

	// Buyer confirmation doubles as the settlement trigger; a failed
	// payout here is picked up by the sweep or a manual settle.
	if _, err := h.settlements.Settle(ctx, orderID); err != nil {
		mylogger.Warn(
			ctx,
			h.logger,
			"settlement after receipt confirmation failed",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)

		return c.JSON(fiber.Map{"status": "delivered"})
	}

	return c.JSON(fiber.Map{"status": "settled"})
}

type OpenDisputeInput struct {
	Reason string `json:"reason" validate:"required,min=3,max=1000"`
}

func (h *OrderHandler) OpenDispute(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	orderID, err := parseIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Id is invalid",
		})
	}

	input := new(OpenDisputeInput)
	if err := c.BodyParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing body",
		})
	}

	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	if err := h.orders.OpenDispute(ctx, orderID, input.Reason); err != nil {
		return h.orderError(c, "open dispute", orderID, err)
	}

	mylogger.Info(ctx, h.logger, "dispute opened", zap.Int64("order_id", orderID))

	return c.JSON(fiber.Map{"status": "disputed"})
}

// Settle is the manual settlement trigger, used to retry an order
// flagged by a payout failure or to release a seller-reported delivery
// without waiting for the sweep.
func (h *OrderHandler) Settle(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	orderID, err := parseIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Id is invalid",
		})
	}

	record, err := h.settlements.Settle(ctx, orderID)
	if err != nil {
		return h.orderError(c, "settle", orderID, err)
	}

	mylogger.Info(ctx, h.logger, "order settled", zap.Int64("order_id", orderID))

	return c.JSON(fiber.Map{
		"status":    "settled",
		"payout_id": record.PayoutID,
	})
}

func (h *OrderHandler) mutate(c *fiber.Ctx, action string, op func(ctx context.Context, orderID int64) error) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	orderID, err := parseIDParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Id is invalid",
		})
	}

	if err := op(ctx, orderID); err != nil {
		return h.orderError(c, action, orderID, err)
	}

	mylogger.Info(ctx, h.logger, action+" succeeded", zap.Int64("order_id", orderID))

	return c.JSON(fiber.Map{"status": "ok"})
}

// orderError attaches the order's current state to conflict responses
// so callers can see what won the race.
func (h *OrderHandler) orderError(c *fiber.Ctx, action string, orderID int64, opErr error) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	mylogger.Warn(
		ctx,
		h.logger,
		action+" failed",
		zap.Int64("order_id", orderID),
		zap.Error(opErr),
	)

	if domainErrorStatus(opErr) != fiber.StatusConflict {
		return errorResponse(c, opErr)
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		return errorResponse(c, opErr)
	}

	return orderErrorResponse(c, opErr, order.State)
}
