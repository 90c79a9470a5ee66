// Package pipeline implements the interceptor chain a relay runs for each
// transfer. Handlers are composed once at startup; each handler may act
// before and after the rest of the chain, so code after the next() call
// observes the downstream outcome and can compensate on failure.
package pipeline

import (
	"context"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// Hop is one side of a transfer as it passes through this relay.
type Hop struct {
	Transfer *transfer.Transfer
	Account  *transfer.Account
}

// Context is the execution state threaded through the chain for a single
// transfer. It is created per transfer and never shared across concurrent
// transfers. Incoming is the transfer as received from the upstream peer;
// Outgoing is the (possibly rewritten) transfer forwarded downstream.
type Context struct {
	Incoming Hop
	Outgoing Hop

	// Fulfillment and ResponseData are set by whichever handler completes
	// the transfer (the terminal receiver, or the forwarding client on
	// behalf of the next hop) and are read on the way back out.
	Fulfillment  []byte
	ResponseData []byte
}

// Next invokes the remainder of the chain. A handler that never calls it
// short-circuits the transfer.
type Next func() error

// Handler processes a transfer and decides whether to pass it on.
type Handler interface {
	Handle(ctx context.Context, tctx *Context, next Next) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, tctx *Context, next Next) error

func (f HandlerFunc) Handle(ctx context.Context, tctx *Context, next Next) error {
	return f(ctx, tctx, next)
}

// Chain is an ordered list of handlers composed into a single entry point.
// The composed chain is reentrant: it may be invoked once per transfer from
// any number of concurrent transfers.
type Chain struct {
	handlers []Handler
}

// NewChain composes handlers in registration order. Execution runs inbound
// in that order and outbound in reverse, so earlier handlers bracket the
// work of later ones.
func NewChain(handlers ...Handler) *Chain {
	return &Chain{handlers: handlers}
}

// Use appends a handler. Must not be called after Run has been invoked.
func (c *Chain) Use(h Handler) {
	c.handlers = append(c.handlers, h)
}

// Run executes the chain for one transfer context.
func (c *Chain) Run(ctx context.Context, tctx *Context) error {
	return c.dispatch(ctx, tctx, 0)
}

func (c *Chain) dispatch(ctx context.Context, tctx *Context, i int) error {
	if i >= len(c.handlers) {
		return nil
	}
	return c.handlers[i].Handle(ctx, tctx, func() error {
		return c.dispatch(ctx, tctx, i+1)
	})
}
