package sale

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/piotrowy/SmartContract/internal/funds"
	"github.com/piotrowy/SmartContract/internal/ledger"
)

// Handler exposes the sale endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a sale handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type paymentRequest struct {
	Payer      string `json:"payer"`
	Amount     string `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
}

// AcceptPayment processes an inbound payment event.
func (h *Handler) AcceptPayment(c *fiber.Ctx) error {
	var req paymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return fiber.NewError(http.StatusBadRequest, "amount must be a base-10 integer")
	}

	res, err := h.service.AcceptPayment(c.UserContext(), PaymentInput{
		Payer:      req.Payer,
		Amount:     amount,
		ClientTxID: req.ClientTxID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrSaleNotStarted):
			return fiber.NewError(http.StatusConflict, "sale not started")
		case errors.Is(err, ErrSaleEnded):
			return fiber.NewError(http.StatusConflict, "sale ended")
		case errors.Is(err, ErrPaymentTooSmall):
			return fiber.NewError(http.StatusBadRequest, "payment below minimum")
		case errors.Is(err, ledger.ErrInsufficientReserve):
			return fiber.NewError(http.StatusConflict, "insufficient reserve")
		case errors.Is(err, ledger.ErrInvalidRecipient):
			return fiber.NewError(http.StatusBadRequest, "invalid payer identity")
		case errors.Is(err, ledger.ErrDuplicateTransaction):
			return fiber.NewError(http.StatusConflict, "duplicate transaction")
		case errors.Is(err, funds.ErrForwardingFailed):
			return fiber.NewError(http.StatusBadGateway, "fund forwarding failed")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction_id": res.TransactionID,
		"tokens":         res.Tokens.String(),
		"total_raised":   res.TotalRaised.String(),
		"sale_closed":    res.SaleClosed,
		"completed_at":   res.CompletedAt,
	})
}

// Status reports the derived sale phase and the fixed sale terms.
func (h *Handler) Status(c *fiber.Ctx) error {
	ctx := c.UserContext()

	// settle lazily so a time-elapsed sale reports closed with unlocked
	// transfers even if no payment arrived after the window
	if err := h.service.EnsureSettled(ctx); err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	phase, err := h.service.State(ctx)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	raised, err := h.service.TotalRaised(ctx)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	p := h.service.Params()
	return c.JSON(fiber.Map{
		"state":           phase.String(),
		"total_raised":    raised.String(),
		"beneficiary":     p.Beneficiary,
		"start":           p.Start.Unix(),
		"end":             p.End().Unix(),
		"rate":            p.Rate,
		"min_payment":     p.MinPayment.String(),
		"funding_goal":    p.FundingGoal.String(),
		"bonus_threshold": p.BonusThreshold.String(),
	})
}
