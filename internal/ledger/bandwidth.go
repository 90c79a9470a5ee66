package ledger

import (
	"context"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/pipeline"
)

// BandwidthAdjuster grows a peer's credit line as it proves itself: every
// fulfilled transfer lowers the account's minimum balance by
// (1 + increaseRatio) * amount, down to -maximum. A nil maximum means no
// floor. Runs before the incoming ledger handler and supplies the minimum
// balance it should enforce.
type BandwidthAdjuster struct {
	increaseRatio decimal.Decimal
	maximum       *decimal.Decimal

	mu          sync.Mutex
	minBalances map[string]decimal.Decimal
}

func NewBandwidthAdjuster(increaseRatio decimal.Decimal, maximum *decimal.Decimal) *BandwidthAdjuster {
	return &BandwidthAdjuster{
		increaseRatio: increaseRatio,
		maximum:       maximum,
		minBalances:   make(map[string]decimal.Decimal),
	}
}

// MinBalance returns the current credit line for an account.
func (a *BandwidthAdjuster) MinBalance(account string, seed *decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.minBalanceLocked(account, seed)
}

func (a *BandwidthAdjuster) minBalanceLocked(account string, seed *decimal.Decimal) decimal.Decimal {
	min, ok := a.minBalances[account]
	if !ok {
		if seed != nil {
			min = *seed
		}
		a.minBalances[account] = min
	}
	if a.maximum != nil {
		floor := decimal.Zero.Sub(*a.maximum)
		if min.LessThan(floor) {
			min = floor
			a.minBalances[account] = min
		}
	}
	return min
}

func (a *BandwidthAdjuster) Handle(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
	tr := tctx.Incoming.Transfer
	if tr == nil || tr.From == "" {
		return next()
	}

	var seed *decimal.Decimal
	if tctx.Incoming.Account != nil {
		seed = tctx.Incoming.Account.MinBalance
	}
	min := a.MinBalance(tr.From, seed)

	// Hand the ledger a per-transfer account view; the shared account
	// record is never mutated.
	if tctx.Incoming.Account != nil {
		account := *tctx.Incoming.Account
		account.MinBalance = &min
		tctx.Incoming.Account = &account
	}

	if err := next(); err != nil {
		return err
	}

	if tctx.Fulfillment != nil {
		a.mu.Lock()
		current := a.minBalanceLocked(tr.From, seed)
		growth := decimal.NewFromInt(1).Add(a.increaseRatio).Mul(tr.Amount)
		newMin := current.Sub(growth).RoundDown(0)
		if a.maximum != nil {
			floor := decimal.Zero.Sub(*a.maximum)
			if newMin.LessThan(floor) {
				newMin = floor
			}
		}
		if !newMin.Equal(current) {
			a.minBalances[tr.From] = newMin
			log.Printf("ledger: extending credit line for %s to %s", tr.From, newMin)
		}
		a.mu.Unlock()
	}
	return nil
}
