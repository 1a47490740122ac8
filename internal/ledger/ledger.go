// Package ledger tracks user balances for battle stakes.
//
// Balances are whole currency units and never go below zero. The only ways
// money moves are Adjust (single account, e.g. a shop purchase outside this
// service) and Transfer (debit and credit applied as one unit).
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidAccount      = errors.New("invalid account")
	ErrSameAccount         = errors.New("cannot transfer to the same account")
	ErrBalanceOverflow     = errors.New("balance would overflow")
	ErrInvalidReference    = errors.New("reference too long")
)

// MaxReferenceLength matches balance_entries.reference.
const MaxReferenceLength = 64

// applyDelta returns balance+delta, rejecting results below zero or past
// the int64 range.
func applyDelta(balance, delta int64) (int64, error) {
	next := balance + delta
	switch {
	case delta > 0 && next < balance:
		return 0, ErrBalanceOverflow
	case next < 0:
		return 0, ErrInsufficientBalance
	}
	return next, nil
}

// Entry types recorded in the balance history.
const (
	EntryOpen        = "open"
	EntryAdjust      = "adjust"
	EntryTransferIn  = "transfer_in"
	EntryTransferOut = "transfer_out"
)

// Account is a user together with their spendable balance.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one line of an account's balance history.
type Entry struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"` // signed: negative for debits
	BalanceAfter int64     `json:"balanceAfter"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists accounts and their history.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	// Adjust applies delta atomically and fails with ErrInsufficientBalance
	// if the result would be negative.
	Adjust(ctx context.Context, id string, delta int64, reference string) (*Account, error)
	// Transfer debits from and credits to in one atomic step.
	Transfer(ctx context.Context, fromID, toID string, amount int64, reference string) error
	GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error)
}

// Ledger manages user balances
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ledger
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// OpenAccount registers a user with an initial balance.
func (l *Ledger) OpenAccount(ctx context.Context, id, name string, initial int64) (*Account, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return nil, ErrInvalidAccount
	}
	if initial < 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	acct := &Account{
		ID:        id,
		Name:      name,
		Balance:   initial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	l.logger.Info("account opened", "userId", id, "balance", initial)
	return acct, nil
}

// GetAccount returns a user's account.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*Account, error) {
	return l.store.GetAccount(ctx, id)
}

// GetBalance returns a user's current balance.
func (l *Ledger) GetBalance(ctx context.Context, id string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// AdjustBalance adds delta (which may be negative) to a user's balance.
func (l *Ledger) AdjustBalance(ctx context.Context, id string, delta int64) error {
	_, err := l.Adjust(ctx, id, delta, "")
	return err
}

// Adjust is AdjustBalance with a reference recorded in the history.
func (l *Ledger) Adjust(ctx context.Context, id string, delta int64, reference string) (*Account, error) {
	if delta == 0 {
		return nil, ErrInvalidAmount
	}
	if len(reference) > MaxReferenceLength {
		return nil, ErrInvalidReference
	}
	acct, err := l.store.Adjust(ctx, id, delta, reference)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("balance adjusted", "userId", id, "delta", delta, "balance", acct.Balance, "reference", reference)
	return acct, nil
}

// Transfer moves amount from one user to another as a single unit.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if fromID == toID {
		return ErrSameAccount
	}
	if len(reference) > MaxReferenceLength {
		return ErrInvalidReference
	}
	if err := l.store.Transfer(ctx, fromID, toID, amount, reference); err != nil {
		return err
	}
	l.logger.Info("transfer applied", "from", fromID, "to", toID, "amount", amount, "reference", reference)
	return nil
}

// ListAccounts returns every account ordered by id.
func (l *Ledger) ListAccounts(ctx context.Context) ([]*Account, error) {
	return l.store.ListAccounts(ctx)
}

// GetHistory returns the newest entries for an account.
func (l *Ledger) GetHistory(ctx context.Context, id string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, id, limit)
}

// canonicalOrder returns a and b sorted so concurrent transfers between the
// same pair always lock rows in the same order.
func canonicalOrder(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}
