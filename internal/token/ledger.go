// Package token implements an in-memory fungible-token ledger. The staking
// engine consumes two instances of it, one per asset, through the
// ledger.Transferer capability.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Ledger tracks per-account balances of a single fungible asset. Balances
// never go negative; a transfer either moves the full amount or fails.
type Ledger struct {
	symbol string

	mu       sync.Mutex
	balances map[string]*uint256.Int
}

// NewLedger creates an empty asset ledger.
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:   symbol,
		balances: make(map[string]*uint256.Int),
	}
}

// Symbol returns the asset symbol.
func (l *Ledger) Symbol() string {
	return l.symbol
}

// Mint credits newly issued units to an account.
func (l *Ledger) Mint(account string, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, amount)
}

// Transfer moves amount from one account to the other. A zero amount
// succeeds without touching balances.
func (l *Ledger) Transfer(from, to string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[from]
	if bal == nil || bal.Lt(amount) {
		return fmt.Errorf("%w: %s account %s", ErrInsufficientFunds, l.symbol, from)
	}
	bal.Sub(bal, amount)
	l.credit(to, amount)
	return nil
}

// BalanceOf returns a snapshot of the account's balance.
func (l *Ledger) BalanceOf(account string) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[account]
	if bal == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(bal)
}

func (l *Ledger) credit(account string, amount *uint256.Int) {
	bal := l.balances[account]
	if bal == nil {
		bal = uint256.NewInt(0)
		l.balances[account] = bal
	}
	bal.Add(bal, amount)
}
