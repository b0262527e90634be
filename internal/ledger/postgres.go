package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger persists the token book in PostgreSQL as double-entry
// postings with NUMERIC(78,0) amounts, wide enough for 18-decimal token
// units.
type PostgresLedger struct {
	db *pgxpool.Pool
}

type postgresAuthority struct {
	l *PostgresLedger
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id     UUID PRIMARY KEY,
    holder TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS postings (
    id           UUID PRIMARY KEY,
    client_tx_id TEXT NOT NULL,
    kind         TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (kind, client_tx_id)
);
CREATE TABLE IF NOT EXISTS entries (
    id         UUID PRIMARY KEY,
    posting_id UUID NOT NULL REFERENCES postings (id),
    account_id UUID NOT NULL REFERENCES accounts (id),
    amount     NUMERIC(78,0) NOT NULL
);
CREATE TABLE IF NOT EXISTS token_state (
    id               SMALLINT PRIMARY KEY CHECK (id = 1),
    total_supply     NUMERIC(78,0) NOT NULL,
    total_raised     NUMERIC(78,0) NOT NULL DEFAULT 0,
    transfers_locked BOOLEAN NOT NULL DEFAULT TRUE,
    reserve_holder   TEXT NOT NULL
);`

// NewPostgres constructs a Postgres-backed ledger, creating the schema on
// first use and crediting the full supply to reserveHolder exactly once.
func NewPostgres(ctx context.Context, db *pgxpool.Pool, totalSupply *big.Int, reserveHolder string) (Ledger, ReserveAuthority, error) {
	l := &PostgresLedger{db: db}

	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, nil, fmt.Errorf("create ledger schema: %w", err)
	}

	tag, err := db.Exec(ctx, `INSERT INTO token_state (id, total_supply, reserve_holder)
        VALUES (1, $1::numeric, $2) ON CONFLICT (id) DO NOTHING`, totalSupply.String(), reserveHolder)
	if err != nil {
		return nil, nil, fmt.Errorf("seed token state: %w", err)
	}

	if tag.RowsAffected() == 1 {
		if err := l.seedGenesis(ctx, totalSupply, reserveHolder); err != nil {
			return nil, nil, err
		}
	}

	return l, &postgresAuthority{l: l}, nil
}

func (l *PostgresLedger) seedGenesis(ctx context.Context, totalSupply *big.Int, reserveHolder string) error {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	reserveID, err := ensureAccount(ctx, tx, reserveHolder)
	if err != nil {
		return err
	}

	postingID := uuid.New()
	if _, err := tx.Exec(ctx, `INSERT INTO postings (id, client_tx_id, kind) VALUES ($1, $2, $3)`,
		postingID, KindGenesis, KindGenesis); err != nil {
		return fmt.Errorf("record genesis posting: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO entries (id, posting_id, account_id, amount) VALUES ($1, $2, $3, $4::numeric)`,
		uuid.New(), postingID, reserveID, totalSupply.String()); err != nil {
		return fmt.Errorf("credit genesis supply: %w", err)
	}

	return tx.Commit(ctx)
}

func (l *PostgresLedger) TotalSupply(ctx context.Context) (*big.Int, error) {
	var raw string
	if err := l.db.QueryRow(ctx, `SELECT total_supply::text FROM token_state WHERE id = 1`).Scan(&raw); err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

// BalanceOf returns zero for unknown holders.
func (l *PostgresLedger) BalanceOf(ctx context.Context, holder string) (*big.Int, error) {
	const query = `
        SELECT COALESCE(SUM(e.amount), 0)::text
        FROM entries e
        INNER JOIN accounts a ON a.id = e.account_id
        WHERE a.holder = $1`
	var raw string
	if err := l.db.QueryRow(ctx, query, holder).Scan(&raw); err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

func (l *PostgresLedger) TransfersLocked(ctx context.Context) (bool, error) {
	var locked bool
	if err := l.db.QueryRow(ctx, `SELECT transfers_locked FROM token_state WHERE id = 1`).Scan(&locked); err != nil {
		return false, err
	}
	return locked, nil
}

// Transfer records a balanced posting between two holders once transfers are
// unlocked. The lock flag is re-checked inside the transaction regardless of
// what the caller observed.
func (l *PostgresLedger) Transfer(ctx context.Context, from, to string, amount *big.Int, clientTxID string) (TransferResult, error) {
	if !validRecipient(to) {
		return TransferResult{}, ErrInvalidRecipient
	}
	if amount == nil || amount.Sign() <= 0 {
		return TransferResult{}, ErrInsufficientBalance
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransferResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT transfers_locked FROM token_state WHERE id = 1 FOR UPDATE`).Scan(&locked); err != nil {
		return TransferResult{}, err
	}
	if locked {
		return TransferResult{}, ErrTransfersLocked
	}

	fromID, err := accountIDForHolder(ctx, tx, from)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransferResult{}, ErrInsufficientBalance
		}
		return TransferResult{}, err
	}
	toID, err := ensureAccount(ctx, tx, to)
	if err != nil {
		return TransferResult{}, err
	}

	var existing uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM postings WHERE kind = $1 AND client_tx_id = $2`, KindTransfer, clientTxID).Scan(&existing)
	if err == nil {
		return TransferResult{}, ErrDuplicateTransaction
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return TransferResult{}, err
	}

	fromBalance, err := balanceForAccount(ctx, tx, fromID)
	if err != nil {
		return TransferResult{}, err
	}
	if fromBalance.Cmp(amount) < 0 {
		return TransferResult{}, ErrInsufficientBalance
	}

	postingID := uuid.New()
	if err := recordPosting(ctx, tx, postingID, KindTransfer, clientTxID, fromID, toID, amount); err != nil {
		return TransferResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransferResult{}, err
	}

	fromBal, err := l.BalanceOf(ctx, from)
	if err != nil {
		return TransferResult{}, err
	}
	toBal, err := l.BalanceOf(ctx, to)
	if err != nil {
		return TransferResult{}, err
	}

	return TransferResult{TransactionID: postingID.String(), FromBalance: fromBal, ToBalance: toBal}, nil
}

func (a *postgresAuthority) ReserveBalance(ctx context.Context) (*big.Int, error) {
	var holder string
	if err := a.l.db.QueryRow(ctx, `SELECT reserve_holder FROM token_state WHERE id = 1`).Scan(&holder); err != nil {
		return nil, err
	}
	return a.l.BalanceOf(ctx, holder)
}

func (a *postgresAuthority) TotalRaised(ctx context.Context) (*big.Int, error) {
	var raw string
	if err := a.l.db.QueryRow(ctx, `SELECT total_raised::text FROM token_state WHERE id = 1`).Scan(&raw); err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

// Allocate debits the reserve, credits the buyer, bumps total_raised and runs
// the forward callback inside one transaction; any failure rolls back the
// whole posting. The token_state row lock serializes concurrent payments so
// the reserve check-and-debit cannot race.
func (a *postgresAuthority) Allocate(ctx context.Context, buyer string, amount *big.Int, clientTxID string, forward ForwardFunc) (AllocationResult, error) {
	if !validRecipient(buyer) {
		return AllocationResult{}, ErrInvalidRecipient
	}
	if amount == nil || amount.Sign() <= 0 {
		return AllocationResult{}, ErrInsufficientReserve
	}

	tx, err := a.l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return AllocationResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var reserveHolder string
	if err := tx.QueryRow(ctx, `SELECT reserve_holder FROM token_state WHERE id = 1 FOR UPDATE`).Scan(&reserveHolder); err != nil {
		return AllocationResult{}, err
	}

	reserveID, err := accountIDForHolder(ctx, tx, reserveHolder)
	if err != nil {
		return AllocationResult{}, err
	}
	buyerID, err := ensureAccount(ctx, tx, buyer)
	if err != nil {
		return AllocationResult{}, err
	}

	var existing uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM postings WHERE kind = $1 AND client_tx_id = $2`, KindPurchase, clientTxID).Scan(&existing)
	if err == nil {
		return AllocationResult{}, ErrDuplicateTransaction
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AllocationResult{}, err
	}

	reserveBalance, err := balanceForAccount(ctx, tx, reserveID)
	if err != nil {
		return AllocationResult{}, err
	}
	if reserveBalance.Cmp(amount) < 0 {
		return AllocationResult{}, ErrInsufficientReserve
	}

	postingID := uuid.New()
	if err := recordPosting(ctx, tx, postingID, KindPurchase, clientTxID, reserveID, buyerID, amount); err != nil {
		return AllocationResult{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE token_state SET total_raised = total_raised + $1::numeric WHERE id = 1`, amount.String()); err != nil {
		return AllocationResult{}, err
	}

	if forward != nil {
		if err := forward(ctx); err != nil {
			return AllocationResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AllocationResult{}, err
	}

	buyerBal, err := a.l.BalanceOf(ctx, buyer)
	if err != nil {
		return AllocationResult{}, err
	}
	reserveBal, err := a.l.BalanceOf(ctx, reserveHolder)
	if err != nil {
		return AllocationResult{}, err
	}
	raised, err := a.TotalRaised(ctx)
	if err != nil {
		return AllocationResult{}, err
	}

	return AllocationResult{
		TransactionID:    postingID.String(),
		BuyerBalance:     buyerBal,
		ReserveRemaining: reserveBal,
		TotalRaised:      raised,
	}, nil
}

// UnlockTransfers is idempotent: the flag only ever goes from locked to
// unlocked.
func (a *postgresAuthority) UnlockTransfers(ctx context.Context) error {
	_, err := a.l.db.Exec(ctx, `UPDATE token_state SET transfers_locked = FALSE WHERE id = 1`)
	return err
}

func ensureAccount(ctx context.Context, tx pgx.Tx, holder string) (uuid.UUID, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO accounts (id, holder) VALUES ($1, $2)
        ON CONFLICT (holder) DO NOTHING`, uuid.New(), holder); err != nil {
		return uuid.Nil, err
	}
	return accountIDForHolder(ctx, tx, holder)
}

func accountIDForHolder(ctx context.Context, tx pgx.Tx, holder string) (uuid.UUID, error) {
	var id uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE holder = $1 FOR UPDATE`, holder).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func balanceForAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*big.Int, error) {
	var raw string
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM entries WHERE account_id = $1`, accountID).Scan(&raw); err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

func recordPosting(ctx context.Context, tx pgx.Tx, postingID uuid.UUID, kind, clientTxID string, fromID, toID uuid.UUID, amount *big.Int) error {
	if _, err := tx.Exec(ctx, `INSERT INTO postings (id, client_tx_id, kind) VALUES ($1, $2, $3)`,
		postingID, clientTxID, kind); err != nil {
		return err
	}
	neg := new(big.Int).Neg(amount)
	if _, err := tx.Exec(ctx, `INSERT INTO entries (id, posting_id, account_id, amount) VALUES ($1, $2, $3, $4::numeric)`,
		uuid.New(), postingID, fromID, neg.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO entries (id, posting_id, account_id, amount) VALUES ($1, $2, $3, $4::numeric)`,
		uuid.New(), postingID, toID, amount.String()); err != nil {
		return err
	}
	return nil
}

func parseNumeric(raw string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric %q", raw)
	}
	return n, nil
}
