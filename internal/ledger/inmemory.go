package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

type memoryLedger struct {
	mu          sync.Mutex
	totalSupply *big.Int
	reserve     string
	balances    map[string]*big.Int
	totalRaised *big.Int
	locked      bool
	postings    map[string]string // kind:clientTxID -> posting id
}

type memoryAuthority struct {
	l *memoryLedger
}

// NewInMemory creates a concurrency-safe in-memory ledger with the full
// supply credited to reserveHolder and transfers locked. The returned
// ReserveAuthority is the only handle that can allocate from the reserve or
// unlock transfers.
func NewInMemory(totalSupply *big.Int, reserveHolder string) (Ledger, ReserveAuthority) {
	l := &memoryLedger{
		totalSupply: new(big.Int).Set(totalSupply),
		reserve:     reserveHolder,
		balances:    map[string]*big.Int{reserveHolder: new(big.Int).Set(totalSupply)},
		totalRaised: new(big.Int),
		locked:      true,
		postings:    make(map[string]string),
	}
	return l, &memoryAuthority{l: l}
}

func (l *memoryLedger) TotalSupply(_ context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.totalSupply), nil
}

// BalanceOf returns zero for unknown holders.
func (l *memoryLedger) BalanceOf(_ context.Context, holder string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[holder]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (l *memoryLedger) TransfersLocked(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked, nil
}

func (l *memoryLedger) Transfer(_ context.Context, from, to string, amount *big.Int, clientTxID string) (TransferResult, error) {
	if !validRecipient(to) {
		return TransferResult{}, ErrInvalidRecipient
	}
	if amount == nil || amount.Sign() <= 0 {
		return TransferResult{}, ErrInsufficientBalance
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked {
		return TransferResult{}, ErrTransfersLocked
	}

	key := KindTransfer + ":" + clientTxID
	if _, exists := l.postings[key]; exists {
		return TransferResult{}, ErrDuplicateTransaction
	}

	fromBalance, ok := l.balances[from]
	if !ok || fromBalance.Cmp(amount) < 0 {
		return TransferResult{}, ErrInsufficientBalance
	}

	fromBalance.Sub(fromBalance, amount)
	toBalance, ok := l.balances[to]
	if !ok {
		toBalance = new(big.Int)
		l.balances[to] = toBalance
	}
	toBalance.Add(toBalance, amount)

	id := uuid.NewString()
	l.postings[key] = id

	return TransferResult{
		TransactionID: id,
		FromBalance:   new(big.Int).Set(fromBalance),
		ToBalance:     new(big.Int).Set(toBalance),
	}, nil
}

func (a *memoryAuthority) ReserveBalance(_ context.Context) (*big.Int, error) {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()
	if b, ok := a.l.balances[a.l.reserve]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (a *memoryAuthority) TotalRaised(_ context.Context) (*big.Int, error) {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()
	return new(big.Int).Set(a.l.totalRaised), nil
}

// Allocate debits the reserve, credits the buyer and bumps totalRaised as a
// single unit. The forward callback runs before any balance mutates, so a
// forwarding failure leaves the book untouched.
func (a *memoryAuthority) Allocate(ctx context.Context, buyer string, amount *big.Int, clientTxID string, forward ForwardFunc) (AllocationResult, error) {
	if !validRecipient(buyer) {
		return AllocationResult{}, ErrInvalidRecipient
	}
	if amount == nil || amount.Sign() <= 0 {
		return AllocationResult{}, ErrInsufficientReserve
	}

	l := a.l
	l.mu.Lock()
	defer l.mu.Unlock()

	key := KindPurchase + ":" + clientTxID
	if _, exists := l.postings[key]; exists {
		return AllocationResult{}, ErrDuplicateTransaction
	}

	reserveBalance, ok := l.balances[l.reserve]
	if !ok || reserveBalance.Cmp(amount) < 0 {
		return AllocationResult{}, ErrInsufficientReserve
	}

	if forward != nil {
		if err := forward(ctx); err != nil {
			return AllocationResult{}, err
		}
	}

	reserveBalance.Sub(reserveBalance, amount)
	buyerBalance, ok := l.balances[buyer]
	if !ok {
		buyerBalance = new(big.Int)
		l.balances[buyer] = buyerBalance
	}
	buyerBalance.Add(buyerBalance, amount)
	l.totalRaised.Add(l.totalRaised, amount)

	id := uuid.NewString()
	l.postings[key] = id

	return AllocationResult{
		TransactionID:    id,
		BuyerBalance:     new(big.Int).Set(buyerBalance),
		ReserveRemaining: new(big.Int).Set(reserveBalance),
		TotalRaised:      new(big.Int).Set(l.totalRaised),
	}, nil
}

// UnlockTransfers lifts the transfer lock. Repeated calls are no-ops.
func (a *memoryAuthority) UnlockTransfers(_ context.Context) error {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()
	a.l.locked = false
	return nil
}
