package router

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payrelay/internal/pipeline"
	"github.com/terminal-bench/payrelay/internal/rates"
	"github.com/terminal-bench/payrelay/internal/transfer"
)

func TestTableLongestPrefixWins(t *testing.T) {
	table := NewTable()
	short := &transfer.Account{Prefix: "a."}
	long := &transfer.Account{Prefix: "a.b."}
	table.Set("a.", short)
	table.Set("a.b.", long)

	assert.Same(t, long, table.Lookup("a.b.c"))
	assert.Same(t, short, table.Lookup("a.x"))
	assert.Nil(t, table.Lookup("z.y"))
}

func TestTableSiblingPrefixes(t *testing.T) {
	table := NewTable()
	sender := &transfer.Account{Prefix: "test.sender"}
	receiver := &transfer.Account{Prefix: "test.receiver"}
	table.Set("test.sender", sender)
	table.Set("test.receiver", receiver)

	assert.Same(t, receiver, table.Lookup("test.receiver"))
	assert.Same(t, sender, table.Lookup("test.sender"))
}

func TestTableSetReplacesAndDelete(t *testing.T) {
	table := NewTable()
	table.Set("test.", &transfer.Account{Currency: "EUR"})
	table.Set("test.", &transfer.Account{Currency: "USD"})
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, "USD", table.Lookup("test.x").Currency)

	table.Delete("test.")
	assert.Nil(t, table.Lookup("test.x"))
}

func runForwarder(t *testing.T, f *Forwarder, from *transfer.Account, in *transfer.Transfer) (*pipeline.Context, error) {
	t.Helper()
	tctx := &pipeline.Context{}
	tctx.Incoming.Transfer = in
	tctx.Incoming.Account = from
	err := f.Handle(context.Background(), tctx, func() error { return nil })
	return tctx, err
}

func TestForwarderConvertsCurrencyAndScale(t *testing.T) {
	table := NewTable()
	usd := &transfer.Account{Prefix: "test.receiver", Currency: "USD", Scale: 4}
	table.Set("test.receiver", usd)

	source := rates.NewStatic(map[string]decimal.Decimal{
		"EUR": decimal.NewFromInt(1),
		"USD": decimal.RequireFromString("1.2"),
	})
	f := NewForwarder(table, source, Config{MinMessageWindow: 1000})

	expiry := time.Now().Add(5 * time.Second)
	in := &transfer.Transfer{
		Amount:      decimal.NewFromInt(1000000),
		Destination: "test.receiver",
		Expiry:      expiry,
	}
	from := &transfer.Account{Prefix: "test.sender", Currency: "EUR", Scale: 6}

	tctx, err := runForwarder(t, f, from, in)
	require.NoError(t, err)

	out := tctx.Outgoing.Transfer
	require.NotNil(t, out)
	// 1000000 * (1.2 / 1) * 10^(4 - 6) = 12000
	assert.True(t, out.Amount.Equal(decimal.NewFromInt(12000)), "got %s", out.Amount)
	assert.Equal(t, "test.receiver", out.To)
	assert.Equal(t, expiry.Add(-time.Second), out.Expiry)
	assert.Same(t, usd, tctx.Outgoing.Account)

	// The incoming transfer is never mutated.
	assert.True(t, in.Amount.Equal(decimal.NewFromInt(1000000)))
	assert.Equal(t, expiry, in.Expiry)
}

func TestForwarderAppliesSpread(t *testing.T) {
	table := NewTable()
	table.Set("test.receiver", &transfer.Account{Prefix: "test.receiver", Currency: "USD", Scale: 2})

	source := rates.NewStatic(map[string]decimal.Decimal{
		"EUR": decimal.NewFromInt(1),
		"USD": decimal.NewFromInt(2),
	})
	f := NewForwarder(table, source, Config{Spread: decimal.RequireFromString("0.01")})

	in := &transfer.Transfer{
		Amount:      decimal.NewFromInt(1000),
		Destination: "test.receiver",
		Expiry:      time.Now().Add(5 * time.Second),
	}
	from := &transfer.Account{Prefix: "test.sender", Currency: "EUR", Scale: 2}

	tctx, err := runForwarder(t, f, from, in)
	require.NoError(t, err)
	// 1000 * 2 * 0.99 = 1980
	assert.True(t, tctx.Outgoing.Transfer.Amount.Equal(decimal.NewFromInt(1980)),
		"got %s", tctx.Outgoing.Transfer.Amount)
}

func TestForwarderNoRoute(t *testing.T) {
	f := NewForwarder(NewTable(), rates.NewStatic(nil), Config{})

	in := &transfer.Transfer{
		Amount:      decimal.NewFromInt(1),
		Destination: "nowhere.at.all",
		Expiry:      time.Now().Add(time.Second),
	}
	_, err := runForwarder(t, f, &transfer.Account{Currency: "EUR"}, in)
	require.Error(t, err)
	assert.Equal(t, transfer.CodeNoRouteFound, transfer.ErrorCode(err))
}

func TestForwarderUnknownCurrency(t *testing.T) {
	table := NewTable()
	table.Set("test.receiver", &transfer.Account{Prefix: "test.receiver", Currency: "XXX"})

	source := rates.NewStatic(map[string]decimal.Decimal{"EUR": decimal.NewFromInt(1)})
	f := NewForwarder(table, source, Config{})

	in := &transfer.Transfer{
		Amount:      decimal.NewFromInt(1),
		Destination: "test.receiver",
		Expiry:      time.Now().Add(time.Second),
	}
	_, err := runForwarder(t, f, &transfer.Account{Currency: "EUR"}, in)
	require.Error(t, err)
	assert.Equal(t, transfer.CodeUnknownCurrency, transfer.ErrorCode(err))
}
