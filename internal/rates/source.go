// Package rates supplies currency unit rates, expressed in a common
// reference currency, for the router's foreign-exchange conversion.
package rates

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// Source resolves a currency code to its unit rate in the reference
// currency. An unknown currency fails the specific transfer that needs it,
// never the whole relay.
type Source interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Static is a fixed in-memory rate source, used for tests and for relays
// configured with pinned rates.
type Static struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

func NewStatic(rates map[string]decimal.Decimal) *Static {
	copied := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &Static{rates: copied}
}

func (s *Static) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[currency]
	if !ok {
		return decimal.Zero, transfer.ErrUnknownCurrency(currency)
	}
	return rate, nil
}

// Set adds or replaces a rate.
func (s *Static) Set(currency string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[currency] = rate
}
