package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/unibooks/orderflow/internal/transport/http/handler"
)

type Handlers struct {
	Book    *handler.BookHandler
	Order   *handler.OrderHandler
	Payment *handler.PaymentHandler
}

func RegisterRoutes(app *fiber.App, h *Handlers) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// gateway webhook lives outside /api
	app.Post("/payment-callback", h.Payment.Callback)

	api := app.Group("/api")

	books := api.Group("/books")
	books.Post("", h.Book.List)
	books.Delete("/:id", h.Book.Withdraw)

	orders := api.Group("/orders")
	orders.Post("", h.Order.Reserve)
	orders.Get("/:id", h.Order.Get)
	orders.Post("/:id/cancel", h.Order.Cancel)
	orders.Post("/:id/handoff", h.Order.ScheduleHandoff)
	orders.Post("/:id/confirm-receipt", h.Order.ConfirmReceipt)
	orders.Post("/:id/report-delivery", h.Order.ReportDelivery)
	orders.Post("/:id/dispute", h.Order.OpenDispute)
	orders.Post("/:id/settle", h.Order.Settle)
}
