package ledger

import (
	"context"
	"errors"
	"log"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/pipeline"
	"github.com/terminal-bench/payrelay/internal/transfer"
)

// Adjustments supplies balance deltas from a settlement collaborator (e.g.
// payment-channel claims) to be applied atomically with a transfer's debit.
type Adjustments interface {
	// Take removes and returns the pending adjustment for an account,
	// zero if none is pending.
	Take(account string) decimal.Decimal

	// Restore puts an adjustment back after a store failure, so the
	// claim is not lost.
	Restore(account string, delta decimal.Decimal)
}

// Tracker owns the two ledger handlers around a shared balance store.
type Tracker struct {
	store             Store
	defaultMinBalance decimal.Decimal
	adjustments       Adjustments
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithDefaultMinBalance sets the credit line applied to accounts without an
// explicit minimum balance. Zero by default: no credit extended.
func WithDefaultMinBalance(min decimal.Decimal) Option {
	return func(t *Tracker) { t.defaultMinBalance = min }
}

// WithAdjustments wires a settlement collaborator's pending balance deltas
// into the incoming debit.
func WithAdjustments(a Adjustments) Option {
	return func(t *Tracker) { t.adjustments = a }
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, defaultMinBalance: decimal.Zero}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Incoming returns the debit handler. It optimistically debits the upstream
// account before forwarding, then reverses the exact debit if anything
// downstream fails. The debit and the continuation are consistent without a
// two-phase commit: only a continuation failure triggers compensation.
func (t *Tracker) Incoming() pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
		tr := tctx.Incoming.Transfer
		account := tctx.Incoming.Account
		if tr == nil || tr.From == "" {
			return transfer.NewError(transfer.CodeApplicationError, 500, "no incoming transfer attached to context")
		}

		minBalance := t.defaultMinBalance
		if account != nil && account.MinBalance != nil {
			minBalance = *account.MinBalance
		}

		adjustment := decimal.Zero
		if t.adjustments != nil {
			adjustment = t.adjustments.Take(tr.From)
		}

		balance, err := t.store.Debit(ctx, tr.From, tr.Amount, adjustment, minBalance)
		if err != nil {
			var perr *transfer.Error
			if !errors.As(err, &perr) && t.adjustments != nil && !adjustment.IsZero() {
				// Store failure, not a rejection: keep the claim.
				t.adjustments.Restore(tr.From, adjustment)
			}
			if errors.As(err, &perr) && perr.Code == transfer.CodeInsufficientBalance {
				log.Printf("ledger: rejecting transfer of %s from %s, balance %s, min %s",
					tr.Amount, tr.From, balance, minBalance)
			}
			return err
		}

		if err := next(); err != nil {
			// Compensate with the exact inverse of the debit. The
			// settlement adjustment is not reversed; it reflects real
			// settlement evidence, not this transfer.
			if _, cerr := t.store.Credit(ctx, tr.From, tr.Amount); cerr != nil {
				log.Printf("ledger: failed to roll back debit of %s for %s: %v", tr.Amount, tr.From, cerr)
			} else {
				log.Printf("ledger: transfer failed, credited %s back to %s", tr.Amount, tr.From)
			}
			return err
		}
		return nil
	})
}

// Outgoing returns the credit handler. It credits the downstream account
// only after the continuation yields a fulfillment; crediting earlier would
// let a peer inflate its apparent balance with payments that never
// complete.
func (t *Tracker) Outgoing() pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
		if err := next(); err != nil {
			return err
		}

		tr := tctx.Outgoing.Transfer
		if tctx.Fulfillment == nil || tr == nil || tr.To == "" {
			return nil
		}

		balance, err := t.store.Credit(ctx, tr.To, tr.Amount)
		if err != nil {
			// The transfer itself succeeded; surface the accounting
			// failure without voiding the fulfillment.
			log.Printf("ledger: failed to credit %s by %s: %v", tr.To, tr.Amount, err)
			return nil
		}
		log.Printf("ledger: credited %s by %s, balance now %s", tr.To, tr.Amount, balance)
		return nil
	})
}
