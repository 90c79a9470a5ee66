// Package ledger enforces per-account credit limits around the forwarding
// of a transfer: debit the upstream peer before forwarding, roll the debit
// back if forwarding fails, and credit the downstream peer only once a
// fulfillment has actually been received.
package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// Store holds per-account running balances as arbitrary-precision decimals.
//
// Implementations must serialize mutations per account: two concurrent
// transfers against the same account must never both observe a stale
// balance and both pass the minimum-balance check.
type Store interface {
	// Balance returns the current balance, zero for unknown accounts.
	Balance(ctx context.Context, account string) (decimal.Decimal, error)

	// Debit atomically applies the settlement adjustment and, if
	// balance - amount >= minBalance still holds afterwards, subtracts
	// amount. The adjustment is kept even when the debit is rejected.
	// Returns the resulting balance; a rejected debit returns
	// transfer.CodeInsufficientBalance.
	Debit(ctx context.Context, account string, amount, adjustment, minBalance decimal.Decimal) (decimal.Decimal, error)

	// Credit unconditionally adds amount to the account's balance.
	Credit(ctx context.Context, account string, amount decimal.Decimal) (decimal.Decimal, error)

	Close() error
}

// MemoryStore keeps balances in process memory with a mutex per account.
// Suitable for tests and single-node relays that accept losing balances on
// restart.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	locks    map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]decimal.Decimal),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lock acquires the per-account mutex, creating it on first use.
func (s *MemoryStore) lock(account string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[account]
	if !ok {
		l = &sync.Mutex{}
		s.locks[account] = l
	}
	return l
}

func (s *MemoryStore) get(account string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account]
}

func (s *MemoryStore) set(account string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = balance
}

func (s *MemoryStore) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	return s.get(account), nil
}

func (s *MemoryStore) Debit(ctx context.Context, account string, amount, adjustment, minBalance decimal.Decimal) (decimal.Decimal, error) {
	l := s.lock(account)
	l.Lock()
	defer l.Unlock()

	balance := s.get(account).Add(adjustment)
	newBalance := balance.Sub(amount)
	if newBalance.LessThan(minBalance) {
		// The settlement adjustment sticks even though the debit fails.
		s.set(account, balance)
		return balance, transfer.ErrInsufficientBalance(account)
	}

	s.set(account, newBalance)
	return newBalance, nil
}

func (s *MemoryStore) Credit(ctx context.Context, account string, amount decimal.Decimal) (decimal.Decimal, error) {
	l := s.lock(account)
	l.Lock()
	defer l.Unlock()

	balance := s.get(account).Add(amount)
	s.set(account, balance)
	return balance, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
