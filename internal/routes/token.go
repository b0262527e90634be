package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/piotrowy/SmartContract/internal/token"
)

// RegisterTokenRoutes wires the token read surface and transfer entrypoint.
func RegisterTokenRoutes(r fiber.Router, h *token.Handler) {
	r.Get("/token", h.Info)
	r.Get("/token/balances/:holder", h.Balance)
	r.Post("/token/transfers", h.Transfer)
}
