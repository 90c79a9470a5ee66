package httpilp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/terminal-bench/payrelay/internal/auth"
	"github.com/terminal-bench/payrelay/internal/pipeline"
	"github.com/terminal-bench/payrelay/internal/transfer"
	"github.com/terminal-bench/payrelay/pkg/circuit"
)

const defaultTokenTTL = 2 * time.Second

// Client sends transfers to next-hop peers. Calls to each peer run behind
// a circuit breaker; an open breaker or a network failure surfaces as a
// DownstreamForwardingError, while an explicit peer rejection propagates
// as the structured error the peer returned. The two are distinct failure
// kinds: only the former says nothing about whether the peer processed the
// transfer.
type Client struct {
	httpClient *http.Client
	breakers   *circuit.BreakerGroup
	auth       *auth.Service
	localAcct  string
}

// NewClient builds a forwarding client. authService and localAcct are used
// to mint short-lived bearer tokens for peers that have no static token
// configured; authService may be nil if all routes carry tokens.
func NewClient(httpClient *http.Client, breakers *circuit.BreakerGroup, authService *auth.Service, localAcct string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		breakers:   breakers,
		auth:       authService,
		localAcct:  localAcct,
	}
}

// Send delivers one transfer to the peer behind account and returns the
// fulfillment and response data.
func (c *Client) Send(ctx context.Context, t *transfer.Transfer, account *transfer.Account) (fulfillment, data []byte, err error) {
	if account == nil || account.URI == "" {
		return nil, nil, transfer.ErrNoRoute(t.Destination)
	}

	call := func() error {
		fulfillment, data, err = c.send(ctx, t, account)
		return err
	}

	if c.breakers != nil {
		berr := c.breakers.Execute(ctx, account.URI, call)
		if berr == circuit.ErrCircuitOpen || berr == circuit.ErrTooManyRequests {
			return nil, nil, transfer.ErrDownstream(berr)
		}
		return fulfillment, data, berr
	}
	return fulfillment, data, call()
}

func (c *Client) send(ctx context.Context, t *transfer.Transfer, account *transfer.Account) ([]byte, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, account.URI, bytes.NewReader(t.Data))
	if err != nil {
		return nil, nil, transfer.ErrDownstream(err)
	}
	setTransferHeaders(req.Header, t)

	token := account.AuthToken
	if token == "" && c.auth != nil {
		token, err = c.auth.MintToken(c.localAcct, defaultTokenTTL)
		if err != nil {
			return nil, nil, transfer.ErrDownstream(err)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failure or timeout: the peer may or may not have seen
		// the transfer.
		return nil, nil, transfer.ErrDownstream(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, transfer.ErrDownstream(err)
	}

	if resp.StatusCode != http.StatusOK {
		var werr wireError
		if err := json.Unmarshal(body, &werr); err != nil {
			return nil, nil, transfer.ErrDownstream(transfer.NewError(transfer.CodeInternalError, resp.StatusCode, "unparseable peer rejection"))
		}
		return nil, nil, decodeError(resp.StatusCode, werr)
	}

	fulfillment, err := transfer.DecodeCondition(resp.Header.Get(headerFulfillment))
	if err != nil || len(fulfillment) == 0 {
		return nil, nil, transfer.ErrInvalidFulfillment()
	}
	return fulfillment, body, nil
}

// Forward returns the terminal pipeline handler of a connector: it sends
// the rewritten outgoing transfer to the next hop and records the result
// on the context for upstream handlers.
func (c *Client) Forward() pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
		out := tctx.Outgoing.Transfer
		if out == nil {
			return transfer.NewError(transfer.CodeInternalError, http.StatusInternalServerError, "no outgoing transfer attached to context")
		}

		fulfillment, data, err := c.Send(ctx, out, tctx.Outgoing.Account)
		if err != nil {
			log.Printf("httpilp: forwarding to %s failed: %v", tctx.Outgoing.Account.URI, err)
			return err
		}

		tctx.Fulfillment = fulfillment
		tctx.ResponseData = data
		return next()
	})
}
