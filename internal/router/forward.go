package router

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/pipeline"
	"github.com/terminal-bench/payrelay/internal/rates"
	"github.com/terminal-bench/payrelay/internal/transfer"
)

// Config holds the connector's forwarding parameters.
type Config struct {
	// MinMessageWindow is subtracted from the incoming expiry to leave
	// room for clock skew and processing time at this hop.
	MinMessageWindow int64 // milliseconds

	// Spread is the fractional markup this relay retains on conversion,
	// e.g. 0.002 for 20 basis points.
	Spread decimal.Decimal
}

// Forwarder is the connector handler: it matches the destination against
// the routing table, converts the amount into the next hop's currency and
// rewrites the context's outgoing side. It performs no network I/O itself;
// a downstream handler owns the actual send.
type Forwarder struct {
	table  *Table
	source rates.Source
	cfg    Config
}

func NewForwarder(table *Table, source rates.Source, cfg Config) *Forwarder {
	return &Forwarder{table: table, source: source, cfg: cfg}
}

func (f *Forwarder) Handle(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
	in := tctx.Incoming.Transfer

	route := f.table.Lookup(in.Destination)
	if route == nil {
		log.Printf("router: no route found for destination %s", in.Destination)
		return transfer.ErrNoRoute(in.Destination)
	}

	rate, err := f.rate(ctx, tctx.Incoming.Account, route)
	if err != nil {
		return err
	}

	out := in.Copy()
	out.From = ""
	out.To = route.Prefix
	out.Amount = in.Amount.Mul(rate).Round(0)
	out.Expiry = in.Expiry.Add(-time.Duration(f.cfg.MinMessageWindow) * time.Millisecond)

	tctx.Outgoing.Transfer = out
	tctx.Outgoing.Account = route

	if err := next(); err != nil {
		log.Printf("router: error forwarding transfer to %s: %v", route.Prefix, err)
		return err
	}
	return nil
}

// rate computes the scaled, marked-up conversion rate between the incoming
// and outgoing accounts:
//
//	rate = (toRate / fromRate) * 10^(toScale - fromScale) * (1 - spread)
//
// where unit rates are expressed in a common reference currency.
func (f *Forwarder) rate(ctx context.Context, from, to *transfer.Account) (decimal.Decimal, error) {
	fromRate, err := f.source.Rate(ctx, from.Currency)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := f.source.Rate(ctx, to.Currency)
	if err != nil {
		return decimal.Zero, err
	}
	if fromRate.IsZero() {
		return decimal.Zero, transfer.ErrUnknownCurrency(from.Currency)
	}

	exchangeRate := toRate.Div(fromRate)
	scaled := exchangeRate.Mul(decimal.New(1, to.Scale-from.Scale))
	return scaled.Mul(decimal.NewFromInt(1).Sub(f.cfg.Spread)), nil
}
