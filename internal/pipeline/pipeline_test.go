package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

func recordHandler(name string, trace *[]string) Handler {
	return HandlerFunc(func(ctx context.Context, tctx *Context, next Next) error {
		*trace = append(*trace, name+" in")
		err := next()
		*trace = append(*trace, name+" out")
		return err
	})
}

func TestChainRunsHandlersInOrder(t *testing.T) {
	var trace []string
	chain := NewChain(
		recordHandler("a", &trace),
		recordHandler("b", &trace),
		recordHandler("c", &trace),
	)

	err := chain.Run(context.Background(), &Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a in", "b in", "c in", "c out", "b out", "a out"}, trace)
}

func TestChainShortCircuit(t *testing.T) {
	var trace []string
	chain := NewChain(
		recordHandler("a", &trace),
		HandlerFunc(func(ctx context.Context, tctx *Context, next Next) error {
			trace = append(trace, "stop")
			return nil // never calls next
		}),
		recordHandler("never", &trace),
	)

	err := chain.Run(context.Background(), &Context{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a in", "stop", "a out"}, trace)
}

func TestChainErrorPropagatesThroughEarlierHandlers(t *testing.T) {
	boom := errors.New("boom")
	var sawError bool

	chain := NewChain(
		HandlerFunc(func(ctx context.Context, tctx *Context, next Next) error {
			err := next()
			sawError = err != nil
			return err
		}),
		HandlerFunc(func(ctx context.Context, tctx *Context, next Next) error {
			return boom
		}),
	)

	err := chain.Run(context.Background(), &Context{})
	assert.ErrorIs(t, err, boom)
	assert.True(t, sawError, "earlier handler should observe downstream failure")
}

func TestRejectExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	handler := RejectExpired(func() time.Time { return now })

	run := func(expiry time.Time) error {
		tctx := &Context{}
		tctx.Incoming.Transfer = &transfer.Transfer{
			Amount:      decimal.NewFromInt(1),
			Destination: "test.receiver",
			Expiry:      expiry,
		}
		return NewChain(handler).Run(context.Background(), tctx)
	}

	assert.NoError(t, run(now.Add(time.Second)))

	err := run(now.Add(-time.Second))
	require.Error(t, err)
	assert.Equal(t, transfer.CodeExpired, transfer.ErrorCode(err))
}

func TestValidateFulfillment(t *testing.T) {
	fulfillment := []byte("the preimage that unlocks value")
	condition := transfer.ConditionFromFulfillment(fulfillment)

	run := func(produced []byte) error {
		tctx := &Context{}
		tctx.Incoming.Transfer = &transfer.Transfer{Condition: condition}
		chain := NewChain(
			ValidateFulfillment(),
			HandlerFunc(func(ctx context.Context, tctx *Context, next Next) error {
				tctx.Fulfillment = produced
				return next()
			}),
		)
		return chain.Run(context.Background(), tctx)
	}

	t.Run("matching fulfillment passes", func(t *testing.T) {
		assert.NoError(t, run(fulfillment))
	})

	t.Run("mismatched fulfillment is rejected", func(t *testing.T) {
		err := run([]byte("some other preimage"))
		require.Error(t, err)
		assert.Equal(t, transfer.CodeInvalidFulfillment, transfer.ErrorCode(err))
	})

	t.Run("no fulfillment is not an error", func(t *testing.T) {
		assert.NoError(t, run(nil))
	})
}
