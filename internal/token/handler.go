package token

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/piotrowy/SmartContract/internal/ledger"
)

// Handler exposes the token endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a token handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Info reports the token name, fixed supply and lock state.
func (h *Handler) Info(c *fiber.Ctx) error {
	ctx := c.UserContext()

	supply, err := h.service.TotalSupply(ctx)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	locked, err := h.service.TransfersLocked(ctx)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{
		"name":             h.service.Name(),
		"total_supply":     supply.String(),
		"transfers_locked": locked,
	})
}

// Balance reports a holder's balance; unknown holders read as zero.
func (h *Handler) Balance(c *fiber.Ctx) error {
	holder := c.Params("holder")
	balance, err := h.service.BalanceOf(c.UserContext(), holder)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"holder": holder, "balance": balance.String()})
}

type transferRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     string `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
}

// Transfer moves tokens between holders once the sale has concluded.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return fiber.NewError(http.StatusBadRequest, "amount must be a base-10 integer")
	}

	res, err := h.service.Transfer(c.UserContext(), TransferInput{
		From:       req.From,
		To:         req.To,
		Amount:     amount,
		ClientTxID: req.ClientTxID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransfersLocked):
			return fiber.NewError(http.StatusConflict, "transfers locked until sale end")
		case errors.Is(err, ledger.ErrInsufficientBalance):
			return fiber.NewError(http.StatusBadRequest, "insufficient balance")
		case errors.Is(err, ledger.ErrInvalidRecipient):
			return fiber.NewError(http.StatusBadRequest, "invalid recipient")
		case errors.Is(err, ledger.ErrDuplicateTransaction):
			return fiber.NewError(http.StatusConflict, "duplicate transaction")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction_id": res.TransactionID,
		"from_balance":   res.FromBalance.String(),
		"to_balance":     res.ToBalance.String(),
	})
}
