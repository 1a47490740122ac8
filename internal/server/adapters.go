package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/arena/internal/battles"
	"github.com/mbd888/arena/internal/circuitbreaker"
	"github.com/mbd888/arena/internal/ledger"
)

const ledgerBreakerKey = "ledger"

// -----------------------------------------------------------------------------
// Ledger Adapter
// -----------------------------------------------------------------------------

// ledgerBalances adapts ledger.Ledger to the battles balance and directory
// interfaces, translating ledger errors into battles errors. Calls go through
// a circuit breaker; while it is open they fail with circuitbreaker.ErrOpen,
// which the battles service reports as balance_unavailable.
type ledgerBalances struct {
	ledger  *ledger.Ledger
	breaker *circuitbreaker.Breaker
}

func newLedgerBalances(l *ledger.Ledger, breaker *circuitbreaker.Breaker) *ledgerBalances {
	return &ledgerBalances{ledger: l, breaker: breaker}
}

func (a *ledgerBalances) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := a.call(func() (err error) {
		balance, err = a.ledger.GetBalance(ctx, userID)
		return err
	})
	return balance, err
}

func (a *ledgerBalances) AdjustBalance(ctx context.Context, userID string, delta int64) error {
	return a.call(func() error {
		return a.ledger.AdjustBalance(ctx, userID, delta)
	})
}

func (a *ledgerBalances) Transfer(ctx context.Context, fromID, toID string, amount int64, reference string) error {
	return a.call(func() error {
		return a.ledger.Transfer(ctx, fromID, toID, amount, reference)
	})
}

func (a *ledgerBalances) ListUsers(ctx context.Context) ([]battles.User, error) {
	var accounts []*ledger.Account
	err := a.call(func() (err error) {
		accounts, err = a.ledger.ListAccounts(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	users := make([]battles.User, 0, len(accounts))
	for _, acct := range accounts {
		users = append(users, battles.User{ID: acct.ID, Name: acct.Name, Balance: acct.Balance})
	}
	return users, nil
}

func (a *ledgerBalances) call(fn func() error) error {
	return mapLedgerError(a.breaker.Call(ledgerBreakerKey, fn, isLedgerFailure))
}

// isLedgerFailure reports whether err says the ledger itself is unhealthy,
// as opposed to a domain answer about an account.
func isLedgerFailure(err error) bool {
	return !errors.Is(err, ledger.ErrInsufficientBalance) &&
		!errors.Is(err, ledger.ErrAccountNotFound) &&
		!errors.Is(err, ledger.ErrInvalidAmount) &&
		!errors.Is(err, ledger.ErrSameAccount) &&
		!errors.Is(err, ledger.ErrBalanceOverflow) &&
		!errors.Is(err, ledger.ErrInvalidReference) &&
		!errors.Is(err, context.Canceled)
}

func mapLedgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fmt.Errorf("%w: %w", battles.ErrInsufficientFunds, err)
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fmt.Errorf("%w: %w", battles.ErrUserNotFound, err)
	default:
		return err
	}
}

var (
	_ battles.BalanceStore  = (*ledgerBalances)(nil)
	_ battles.Transferer    = (*ledgerBalances)(nil)
	_ battles.UserDirectory = (*ledgerBalances)(nil)
)
