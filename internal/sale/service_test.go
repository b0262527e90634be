package sale

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/piotrowy/SmartContract/internal/clock"
	"github.com/piotrowy/SmartContract/internal/funds"
	"github.com/piotrowy/SmartContract/internal/ledger"
	"github.com/piotrowy/SmartContract/internal/logging"
)

const (
	fundsWallet = "0xfade"
	buyerOne    = "0xb001"
	buyerTwo    = "0xb002"

	oneHour = time.Hour
	oneDay  = 24 * time.Hour
)

var weiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func eth(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), weiPerEth) }

// milliEth expresses fractional ETH amounts without float arithmetic.
func milliEth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Div(weiPerEth, big.NewInt(1_000)))
}

func esp(n int64) *big.Int { return eth(n) } // token units share the 18-decimal scale

type recordingForwarder struct {
	beneficiaries []string
	amounts       []*big.Int
	err           error
}

func (f *recordingForwarder) Forward(_ context.Context, beneficiary string, amount *big.Int) error {
	if f.err != nil {
		return f.err
	}
	f.beneficiaries = append(f.beneficiaries, beneficiary)
	f.amounts = append(f.amounts, new(big.Int).Set(amount))
	return nil
}

type fixture struct {
	clk       *clock.Manual
	book      ledger.Ledger
	svc       *Service
	forwarder *recordingForwarder
}

// newSale starts the manual clock at now; the sale window may open later.
func newSale(t *testing.T, now, start time.Time, duration time.Duration) *fixture {
	t.Helper()

	clk := clock.NewManual(now)
	book, authority := ledger.NewInMemory(esp(500), fundsWallet)
	forwarder := &recordingForwarder{}

	svc, err := NewService(Params{
		TokenName:      "EspeoToken",
		Beneficiary:    fundsWallet,
		Start:          start,
		Duration:       duration,
		Rate:           500,
		MinPayment:     milliEth(10),
		FundingGoal:    milliEth(500),
		BonusThreshold: milliEth(100),
	}, book, authority, forwarder, nil, clk, logging.Discard())
	if err != nil {
		t.Fatalf("new sale: %v", err)
	}

	return &fixture{clk: clk, book: book, svc: svc, forwarder: forwarder}
}

func (f *fixture) pay(t *testing.T, payer string, amount *big.Int) PaymentResult {
	t.Helper()
	res, err := f.svc.AcceptPayment(context.Background(), PaymentInput{Payer: payer, Amount: amount})
	if err != nil {
		t.Fatalf("payment of %s from %s: %v", amount, payer, err)
	}
	return res
}

func (f *fixture) state(t *testing.T) Phase {
	t.Helper()
	phase, err := f.svc.State(context.Background())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return phase
}

func TestInitialState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, oneHour)
	ctx := context.Background()

	supply, _ := f.book.TotalSupply(ctx)
	if supply.Cmp(esp(500)) != 0 {
		t.Fatalf("expected supply of 500 tokens, got %s", supply)
	}
	walletBal, _ := f.book.BalanceOf(ctx, fundsWallet)
	if walletBal.Cmp(supply) != 0 {
		t.Fatalf("expected full supply at funds wallet, got %s", walletBal)
	}
	raised, _ := f.svc.TotalRaised(ctx)
	if raised.Sign() != 0 {
		t.Fatalf("expected zero raised, got %s", raised)
	}
	if got := f.state(t); got != PhaseOpen {
		t.Fatalf("expected open sale, got %s", got)
	}
}

func TestPaymentBeforeStart(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now.Add(oneHour), oneHour)
	ctx := context.Background()

	if got := f.state(t); got != PhasePending {
		t.Fatalf("expected pending sale, got %s", got)
	}
	if _, err := f.svc.AcceptPayment(ctx, PaymentInput{Payer: buyerOne, Amount: milliEth(10)}); !errors.Is(err, ErrSaleNotStarted) {
		t.Fatalf("expected ErrSaleNotStarted, got %v", err)
	}

	f.clk.Advance(3600 * time.Second)

	// the identical payment succeeds at the exact start instant
	f.pay(t, buyerOne, milliEth(10))
}

func TestPaymentAfterEnd(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, oneHour)
	ctx := context.Background()

	f.pay(t, buyerOne, milliEth(10))

	f.clk.Advance(2 * oneHour)

	if _, err := f.svc.AcceptPayment(ctx, PaymentInput{Payer: buyerOne, Amount: milliEth(10)}); !errors.Is(err, ErrSaleEnded) {
		t.Fatalf("expected ErrSaleEnded, got %v", err)
	}
	if got := f.state(t); got != PhaseClosed {
		t.Fatalf("expected closed sale, got %s", got)
	}
}

func TestPaymentBelowMinimum(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, oneHour)

	if _, err := f.svc.AcceptPayment(context.Background(), PaymentInput{Payer: buyerOne, Amount: milliEth(9)}); !errors.Is(err, ErrPaymentTooSmall) {
		t.Fatalf("expected ErrPaymentTooSmall, got %v", err)
	}
}

func TestPricingAtPar(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, oneHour)
	ctx := context.Background()

	// 0.01 ETH at 500 tokens/ETH buys exactly 5 tokens, no bonus
	res := f.pay(t, buyerOne, milliEth(10))
	if res.Tokens.Cmp(esp(5)) != 0 {
		t.Fatalf("expected 5 tokens, got %s", res.Tokens)
	}
	balance, _ := f.book.BalanceOf(ctx, buyerOne)
	if balance.Cmp(esp(5)) != 0 {
		t.Fatalf("expected buyer balance of 5 tokens, got %s", balance)
	}
	raised, _ := f.svc.TotalRaised(ctx)
	if raised.Cmp(esp(5)) != 0 {
		t.Fatalf("expected raised total of 5 tokens, got %s", raised)
	}
}

func TestPricingWithBonus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, oneHour)

	// 0.2 ETH is above the 0.1 ETH threshold: 0.2*500*1.10 = 110 tokens
	res := f.pay(t, buyerOne, milliEth(200))
	if res.Tokens.Cmp(esp(110)) != 0 {
		t.Fatalf("expected 110 tokens with bonus, got %s", res.Tokens)
	}
}

func TestPricingAtBonusBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, oneHour)

	// exactly 0.1 ETH does not earn the bonus: 0.1*500 = 50 tokens
	res := f.pay(t, buyerOne, milliEth(100))
	if res.Tokens.Cmp(esp(50)) != 0 {
		t.Fatalf("expected 50 tokens without bonus, got %s", res.Tokens)
	}
}

func TestGoalReachedClosesSale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, 28*oneDay)
	ctx := context.Background()

	// a single 0.5 ETH payment meets the goal and closes the sale early
	res := f.pay(t, buyerOne, milliEth(500))
	if !res.SaleClosed {
		t.Fatal("expected the payment to close the sale")
	}

	f.clk.Advance(time.Second)
	if got := f.state(t); got != PhaseClosed {
		t.Fatalf("expected closed sale before window end, got %s", got)
	}
	if _, err := f.svc.AcceptPayment(ctx, PaymentInput{Payer: buyerTwo, Amount: milliEth(10)}); !errors.Is(err, ErrSaleEnded) {
		t.Fatalf("expected ErrSaleEnded after goal, got %v", err)
	}

	// tokens are now transferable
	if _, err := f.book.Transfer(ctx, buyerOne, buyerTwo, big.NewInt(1), "tx-after-goal"); err != nil {
		t.Fatalf("transfer after goal reached: %v", err)
	}
}

func TestTimeCloseUnlocksTransfers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, 28*oneDay)
	ctx := context.Background()

	f.pay(t, buyerOne, milliEth(10))

	// tokens are not transferable while the sale runs
	if _, err := f.book.Transfer(ctx, buyerOne, buyerTwo, big.NewInt(1), "tx-during"); !errors.Is(err, ledger.ErrTransfersLocked) {
		t.Fatalf("expected ErrTransfersLocked during sale, got %v", err)
	}

	f.clk.Advance(28 * oneDay)

	if _, err := f.svc.AcceptPayment(ctx, PaymentInput{Payer: buyerTwo, Amount: milliEth(10)}); !errors.Is(err, ErrSaleEnded) {
		t.Fatalf("expected ErrSaleEnded after window, got %v", err)
	}
	raised, _ := f.svc.TotalRaised(ctx)
	if raised.Cmp(esp(5)) != 0 {
		t.Fatalf("expected raised total of 5 tokens, got %s", raised)
	}

	if err := f.svc.EnsureSettled(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := f.book.Transfer(ctx, buyerOne, buyerTwo, big.NewInt(1), "tx-after"); err != nil {
		t.Fatalf("transfer after window end: %v", err)
	}
}

func TestFundsForwardedOnEachPayment(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, oneDay)

	f.pay(t, buyerOne, milliEth(10))
	f.pay(t, buyerTwo, milliEth(10))

	if len(f.forwarder.amounts) != 2 {
		t.Fatalf("expected 2 forwarded payments, got %d", len(f.forwarder.amounts))
	}
	for i, amount := range f.forwarder.amounts {
		if amount.Cmp(milliEth(10)) != 0 {
			t.Fatalf("forwarded amount %d mismatch: %s", i, amount)
		}
		if f.forwarder.beneficiaries[i] != fundsWallet {
			t.Fatalf("forwarded beneficiary %d mismatch: %s", i, f.forwarder.beneficiaries[i])
		}
	}
}

func TestForwardingFailureRollsBack(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, oneHour)
	ctx := context.Background()

	f.forwarder.err = errors.New("sink offline")

	_, err := f.svc.AcceptPayment(ctx, PaymentInput{Payer: buyerOne, Amount: milliEth(10)})
	if !errors.Is(err, funds.ErrForwardingFailed) {
		t.Fatalf("expected ErrForwardingFailed, got %v", err)
	}

	balance, _ := f.book.BalanceOf(ctx, buyerOne)
	if balance.Sign() != 0 {
		t.Fatalf("expected no tokens after failed forwarding, got %s", balance)
	}
	raised, _ := f.svc.TotalRaised(ctx)
	if raised.Sign() != 0 {
		t.Fatalf("expected raised total unchanged, got %s", raised)
	}
	if got := f.state(t); got != PhaseOpen {
		t.Fatalf("expected sale still open, got %s", got)
	}

	// the sale recovers once the sink does
	f.forwarder.err = nil
	f.pay(t, buyerOne, milliEth(10))
}

func TestSupplyInvariantAcrossOperations(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	f := newSale(t, now, now, oneDay)
	ctx := context.Background()

	f.pay(t, buyerOne, milliEth(200))
	f.pay(t, buyerTwo, milliEth(10))
	f.clk.Advance(2 * oneDay)
	if err := f.svc.EnsureSettled(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := f.book.Transfer(ctx, buyerOne, buyerTwo, esp(1), "tx-1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	supply, _ := f.book.TotalSupply(ctx)
	total := new(big.Int)
	for _, holder := range []string{fundsWallet, buyerOne, buyerTwo} {
		b, _ := f.book.BalanceOf(ctx, holder)
		total.Add(total, b)
	}
	if total.Cmp(supply) != 0 {
		t.Fatalf("sum of balances %s != total supply %s", total, supply)
	}
}
