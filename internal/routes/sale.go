package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/piotrowy/SmartContract/internal/sale"
)

// RegisterSaleRoutes wires the payment intake and sale status endpoints.
func RegisterSaleRoutes(r fiber.Router, h *sale.Handler) {
	r.Post("/payments", h.AcceptPayment)
	r.Get("/sale", h.Status)
}
