package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
)

var (
	// ErrTransfersLocked occurs when a holder-to-holder transfer is attempted
	// while the sale is still in progress.
	ErrTransfersLocked = errors.New("transfers locked")

	// ErrInsufficientBalance occurs when the source holder lacks balance to
	// cover a requested transfer.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientReserve occurs when an allocation would exceed the
	// remaining balance of the reserve holder.
	ErrInsufficientReserve = errors.New("insufficient reserve")

	// ErrInvalidRecipient occurs when the destination holder is a null or
	// zero identity.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrDuplicateTransaction indicates the provided client transaction
	// identifier already exists and the operation should be treated as
	// idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

const (
	// KindPurchase marks reserve-to-buyer allocations made during the sale.
	KindPurchase = "purchase"
	// KindTransfer marks ordinary holder-to-holder transfers.
	KindTransfer = "transfer"
	// KindGenesis marks the one-time posting that credits the full supply to
	// the reserve holder.
	KindGenesis = "genesis"
)

// TransferResult captures the outcome of a holder-to-holder posting.
type TransferResult struct {
	TransactionID string
	FromBalance   *big.Int
	ToBalance     *big.Int
}

// AllocationResult captures the outcome of a reserve-to-buyer allocation.
type AllocationResult struct {
	TransactionID    string
	BuyerBalance     *big.Int
	ReserveRemaining *big.Int
	TotalRaised      *big.Int
}

// ForwardFunc is invoked inside an allocation's atomic boundary to push the
// received payment to the beneficiary. A non-nil error aborts the whole
// allocation: no balance moves and totalRaised is unchanged.
type ForwardFunc func(ctx context.Context) error

// Ledger is the public view of the token book: reads plus the transfer
// entrypoint available to any holder. It cannot move reserve tokens or lift
// the transfer lock.
type Ledger interface {
	TotalSupply(ctx context.Context) (*big.Int, error)
	BalanceOf(ctx context.Context, holder string) (*big.Int, error)
	TransfersLocked(ctx context.Context) (bool, error)
	Transfer(ctx context.Context, from, to string, amount *big.Int, clientTxID string) (TransferResult, error)
}

// ReserveAuthority is the capability handed exclusively to the sale
// controller. Holding it is what authorizes reserve allocations and the
// one-way transfer unlock; the Ledger interface alone grants neither.
type ReserveAuthority interface {
	ReserveBalance(ctx context.Context) (*big.Int, error)
	TotalRaised(ctx context.Context) (*big.Int, error)
	Allocate(ctx context.Context, buyer string, amount *big.Int, clientTxID string, forward ForwardFunc) (AllocationResult, error)
	UnlockTransfers(ctx context.Context) error
}

// validRecipient rejects empty and all-zero identities (e.g. the burn
// address 0x0000...).
func validRecipient(holder string) bool {
	if holder == "" {
		return false
	}
	h := strings.TrimPrefix(strings.ToLower(holder), "0x")
	if h == "" {
		return false
	}
	for _, c := range h {
		if c != '0' {
			return true
		}
	}
	return false
}
