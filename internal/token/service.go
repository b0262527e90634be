package token

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/piotrowy/SmartContract/internal/events"
	"github.com/piotrowy/SmartContract/internal/ledger"
)

// Settler is consulted before every transfer so that a sale closed by time
// lifts the ledger lock lazily, without a background timer.
type Settler interface {
	EnsureSettled(ctx context.Context) error
}

// Service exposes the token's read surface and the holder transfer
// entrypoint.
type Service struct {
	name    string
	ledger  ledger.Ledger
	settler Settler
	emitter events.Emitter
}

// NewService builds a token service around the ledger.
func NewService(name string, book ledger.Ledger, settler Settler, emitter events.Emitter) *Service {
	return &Service{name: name, ledger: book, settler: settler, emitter: emitter}
}

// Name returns the token name.
func (s *Service) Name() string { return s.name }

// TotalSupply returns the fixed supply.
func (s *Service) TotalSupply(ctx context.Context) (*big.Int, error) {
	return s.ledger.TotalSupply(ctx)
}

// BalanceOf returns a holder's balance, zero for unknown holders.
func (s *Service) BalanceOf(ctx context.Context, holder string) (*big.Int, error) {
	return s.ledger.BalanceOf(ctx, holder)
}

// TransfersLocked reports whether holder-to-holder transfers are still
// restricted.
func (s *Service) TransfersLocked(ctx context.Context) (bool, error) {
	return s.ledger.TransfersLocked(ctx)
}

// TransferInput captures a holder-to-holder movement request.
type TransferInput struct {
	From       string
	To         string
	Amount     *big.Int
	ClientTxID string
}

// Transfer moves tokens between holders. The ledger itself re-validates the
// lock and balance state whatever the settler reported.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (ledger.TransferResult, error) {
	if s.settler != nil {
		if err := s.settler.EnsureSettled(ctx); err != nil {
			return ledger.TransferResult{}, err
		}
	}
	if input.ClientTxID == "" {
		input.ClientTxID = uuid.NewString()
	}

	res, err := s.ledger.Transfer(ctx, input.From, input.To, input.Amount, input.ClientTxID)
	if err != nil {
		return ledger.TransferResult{}, err
	}

	if s.emitter != nil {
		s.emitter.Emit(ctx, events.Event{
			Kind:          events.KindTransfer,
			TransactionID: res.TransactionID,
			From:          input.From,
			To:            input.To,
			Tokens:        input.Amount.String(),
			At:            time.Now().UTC(),
		})
	}

	return res, nil
}
