package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/service"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"github.com/unibooks/orderflow/pkg/utils"
	"go.uber.org/zap"
)

type PaymentHandler struct {
	payments service.PaymentService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewPaymentHandler(payments service.PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		validate: validator.New(),
		logger:   logger,
	}
}

type PaymentCallbackInput struct {
	GatewayTxnID string          `json:"gateway_txn_id" validate:"required"`
	OrderID      int64           `json:"order_id" validate:"required,gt=0"`
	Amount       decimal.Decimal `json:"amount" validate:"required"`
	Outcome      string          `json:"outcome" validate:"required,oneof=SUCCESS FAILURE REFUND"`
}

// Callback receives gateway webhooks. Replays of an already-recorded
// transaction id are acknowledged with 200 so the gateway stops
// retrying.
func (h *PaymentHandler) Callback(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	input := new(PaymentCallbackInput)
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(ctx, h.logger, "failed to parse payment callback", zap.Error(err))

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing body",
		})
	}

	if err := h.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"errors": utils.FormatValidationError(err),
		})
	}

	err := h.payments.HandleCallback(ctx, &service.PaymentCallback{
		GatewayTxnID: input.GatewayTxnID,
		OrderID:      input.OrderID,
		Amount:       input.Amount,
		Outcome:      domain.PaymentOutcome(input.Outcome),
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			return c.JSON(fiber.Map{"status": "already_processed"})
		}

		mylogger.Warn(
			ctx,
			h.logger,
			"payment callback rejected",
			zap.String("gateway_txn_id", input.GatewayTxnID),
			zap.Int64("order_id", input.OrderID),
			zap.Error(err),
		)

		return errorResponse(c, err)
	}

	mylogger.Info(
		ctx,
		h.logger,
		"payment callback applied",
		zap.String("gateway_txn_id", input.GatewayTxnID),
		zap.Int64("order_id", input.OrderID),
		zap.String("outcome", input.Outcome),
	)

	return c.JSON(fiber.Map{"status": "ok"})
}
