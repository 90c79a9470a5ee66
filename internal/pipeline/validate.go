package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// ValidateFulfillment checks, on the way out of the chain, that any
// fulfillment produced downstream actually hashes to the incoming
// transfer's condition. A mismatch means a downstream hop tried to claim
// value it cannot prove entitlement to; the transfer fails without any
// ledger movement at this hop.
func ValidateFulfillment() Handler {
	return HandlerFunc(func(ctx context.Context, tctx *Context, next Next) error {
		condition := tctx.Incoming.Transfer.Condition

		if err := next(); err != nil {
			return err
		}

		if tctx.Fulfillment != nil && !transfer.VerifyFulfillment(tctx.Fulfillment, condition) {
			log.Printf("pipeline: fulfillment %s does not match condition %s",
				transfer.EncodeCondition(tctx.Fulfillment), transfer.EncodeCondition(condition))
			return transfer.ErrInvalidFulfillment()
		}
		return nil
	})
}

// RejectExpired refuses to process a transfer whose expiry has already
// passed. Expiry is advisory and enforced independently at every hop;
// there is no cross-node clock synchronization beyond each relay trusting
// its own clock.
func RejectExpired(now func() time.Time) Handler {
	if now == nil {
		now = time.Now
	}
	return HandlerFunc(func(ctx context.Context, tctx *Context, next Next) error {
		t := tctx.Incoming.Transfer
		if t.Expired(now()) {
			return transfer.ErrExpired(t.Expiry)
		}
		return next()
	})
}
