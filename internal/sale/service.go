package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/piotrowy/SmartContract/internal/clock"
	"github.com/piotrowy/SmartContract/internal/events"
	"github.com/piotrowy/SmartContract/internal/funds"
	"github.com/piotrowy/SmartContract/internal/ledger"
)

var (
	// ErrSaleNotStarted occurs when a payment arrives before the sale window
	// opens.
	ErrSaleNotStarted = errors.New("sale not started")

	// ErrSaleEnded occurs when a payment arrives after the window closed or
	// after the funding goal was reached.
	ErrSaleEnded = errors.New("sale ended")

	// ErrPaymentTooSmall occurs when a payment is below the configured
	// minimum.
	ErrPaymentTooSmall = errors.New("payment below minimum")
)

// Bonus terms: payments strictly above the threshold earn +10%, integer
// truncated.
const (
	bonusNumerator   = 110
	bonusDenominator = 100
)

// Phase is the sale lifecycle state, always derived from time, goal progress
// and reserve balance rather than stored.
type Phase int

const (
	PhasePending Phase = iota
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Params holds the sale terms fixed at deployment.
type Params struct {
	TokenName   string
	Beneficiary string
	Start       time.Time
	Duration    time.Duration
	// Rate is the number of token units bought per base-currency unit at par.
	Rate int64
	// MinPayment is the smallest accepted payment in base-currency units.
	MinPayment *big.Int
	// FundingGoal, in base-currency units, closes the sale early once the
	// equivalent token amount at par has been sold.
	FundingGoal *big.Int
	// BonusThreshold is the payment size, in base-currency units, that must
	// be strictly exceeded to earn the volume bonus.
	BonusThreshold *big.Int
}

func (p Params) validate() error {
	if p.Beneficiary == "" {
		return fmt.Errorf("beneficiary is required")
	}
	if p.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if p.Rate <= 0 {
		return fmt.Errorf("rate must be positive")
	}
	if p.MinPayment == nil || p.MinPayment.Sign() < 0 {
		return fmt.Errorf("min payment must be non-negative")
	}
	if p.FundingGoal == nil || p.FundingGoal.Sign() <= 0 {
		return fmt.Errorf("funding goal must be positive")
	}
	if p.BonusThreshold == nil || p.BonusThreshold.Sign() < 0 {
		return fmt.Errorf("bonus threshold must be non-negative")
	}
	return nil
}

// End returns the first instant outside the sale window.
func (p Params) End() time.Time { return p.Start.Add(p.Duration) }

// Service is the sale controller: it owns window timing, goal enforcement,
// pricing and fund forwarding, and is the sole holder of the ledger's
// reserve authority.
type Service struct {
	mu         sync.Mutex
	params     Params
	goalTokens *big.Int
	ledger     ledger.Ledger
	authority  ledger.ReserveAuthority
	forwarder  funds.Forwarder
	emitter    events.Emitter
	clock      clock.Clock
	logger     *slog.Logger
}

// NewService constructs the sale controller around an existing ledger and its
// reserve authority.
func NewService(params Params, book ledger.Ledger, authority ledger.ReserveAuthority, forwarder funds.Forwarder, emitter events.Emitter, clk clock.Clock, logger *slog.Logger) (*Service, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid sale params: %w", err)
	}
	if book == nil || authority == nil {
		return nil, fmt.Errorf("ledger and reserve authority are required")
	}
	if clk == nil {
		clk = clock.System()
	}
	if emitter == nil {
		emitter = events.NewLoggerEmitter(logger)
	}
	return &Service{
		params:     params,
		goalTokens: new(big.Int).Mul(params.FundingGoal, big.NewInt(params.Rate)),
		ledger:     book,
		authority:  authority,
		forwarder:  forwarder,
		emitter:    emitter,
		clock:      clk,
		logger:     logger,
	}, nil
}

// Params returns the fixed sale terms.
func (s *Service) Params() Params { return s.params }

// TotalRaised reports the token-denominated amount sold so far.
func (s *Service) TotalRaised(ctx context.Context) (*big.Int, error) {
	return s.authority.TotalRaised(ctx)
}

// PaymentInput is an inbound payment event.
type PaymentInput struct {
	Payer      string
	Amount     *big.Int
	ClientTxID string
}

// PaymentResult describes an accepted payment.
type PaymentResult struct {
	TransactionID string
	Tokens        *big.Int
	TotalRaised   *big.Int
	SaleClosed    bool
	CompletedAt   time.Time
}

// tokensFor converts a payment into token units: amount*rate at par, plus
// 10% (truncated) when the payment strictly exceeds the bonus threshold.
func (s *Service) tokensFor(amount *big.Int) *big.Int {
	tokens := new(big.Int).Mul(amount, big.NewInt(s.params.Rate))
	if amount.Cmp(s.params.BonusThreshold) > 0 {
		tokens.Mul(tokens, big.NewInt(bonusNumerator))
		tokens.Quo(tokens, big.NewInt(bonusDenominator))
	}
	return tokens
}

// AcceptPayment validates an inbound payment against the sale window, the
// minimum and the cap, allocates tokens from the reserve, forwards the funds
// to the beneficiary and updates the raised total. The allocation, the
// forwarding and the raised-total bump are one atomic unit; on any rejection
// no state changes. Payments are processed strictly one at a time.
func (s *Service) AcceptPayment(ctx context.Context, input PaymentInput) (PaymentResult, error) {
	if input.Amount == nil || input.Amount.Sign() <= 0 {
		return PaymentResult{}, ErrPaymentTooSmall
	}
	if input.ClientTxID == "" {
		input.ClientTxID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now.Before(s.params.Start) {
		return PaymentResult{}, ErrSaleNotStarted
	}
	if !now.Before(s.params.End()) {
		return PaymentResult{}, ErrSaleEnded
	}

	raised, err := s.authority.TotalRaised(ctx)
	if err != nil {
		return PaymentResult{}, err
	}
	if raised.Cmp(s.goalTokens) >= 0 {
		return PaymentResult{}, ErrSaleEnded
	}
	reserve, err := s.authority.ReserveBalance(ctx)
	if err != nil {
		return PaymentResult{}, err
	}
	if reserve.Sign() == 0 {
		return PaymentResult{}, ErrSaleEnded
	}

	if input.Amount.Cmp(s.params.MinPayment) < 0 {
		return PaymentResult{}, ErrPaymentTooSmall
	}

	tokens := s.tokensFor(input.Amount)

	res, err := s.authority.Allocate(ctx, input.Payer, tokens, input.ClientTxID, func(ctx context.Context) error {
		if s.forwarder == nil {
			return nil
		}
		if err := s.forwarder.Forward(ctx, s.params.Beneficiary, input.Amount); err != nil {
			return fmt.Errorf("%w: %w", funds.ErrForwardingFailed, err)
		}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}

	closed := res.TotalRaised.Cmp(s.goalTokens) >= 0 || res.ReserveRemaining.Sign() == 0
	if closed {
		if err := s.settle(ctx); err != nil {
			s.logger.Error("unlock transfers", "error", err)
		}
	}

	s.emitter.Emit(ctx, events.Event{
		Kind:          events.KindTokenPurchase,
		TransactionID: res.TransactionID,
		To:            input.Payer,
		Amount:        input.Amount.String(),
		Tokens:        tokens.String(),
		At:            now,
	})

	s.logger.Info("payment accepted",
		"payer", input.Payer,
		"amount", input.Amount.String(),
		"tokens", tokens.String(),
		"total_raised", res.TotalRaised.String(),
		"sale_closed", closed,
	)

	return PaymentResult{
		TransactionID: res.TransactionID,
		Tokens:        tokens,
		TotalRaised:   res.TotalRaised,
		SaleClosed:    closed,
		CompletedAt:   now,
	}, nil
}

// State derives the current phase from injected time, goal progress and
// reserve balance.
func (s *Service) State(ctx context.Context) (Phase, error) {
	return s.StateAt(ctx, s.clock.Now())
}

// StateAt derives the phase at an arbitrary instant.
func (s *Service) StateAt(ctx context.Context, at time.Time) (Phase, error) {
	if at.Before(s.params.Start) {
		return PhasePending, nil
	}
	if !at.Before(s.params.End()) {
		return PhaseClosed, nil
	}
	raised, err := s.authority.TotalRaised(ctx)
	if err != nil {
		return PhaseOpen, err
	}
	if raised.Cmp(s.goalTokens) >= 0 {
		return PhaseClosed, nil
	}
	reserve, err := s.authority.ReserveBalance(ctx)
	if err != nil {
		return PhaseOpen, err
	}
	if reserve.Sign() == 0 {
		return PhaseClosed, nil
	}
	return PhaseOpen, nil
}

// EnsureSettled lifts the ledger's transfer lock once the sale has closed.
// The phase is evaluated lazily, so time-based closure takes effect the
// first time anyone consults the sale after the window elapses.
func (s *Service) EnsureSettled(ctx context.Context) error {
	phase, err := s.State(ctx)
	if err != nil {
		return err
	}
	if phase != PhaseClosed {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settle(ctx)
}

// settle unlocks transfers and emits the closure event exactly once. Callers
// must hold s.mu.
func (s *Service) settle(ctx context.Context) error {
	locked, err := s.ledger.TransfersLocked(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}
	if err := s.authority.UnlockTransfers(ctx); err != nil {
		return err
	}
	s.emitter.Emit(ctx, events.Event{Kind: events.KindSaleClosed, At: s.clock.Now()})
	s.logger.Info("sale closed, transfers unlocked")
	return nil
}
