package httpilp

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payrelay/internal/auth"
	"github.com/terminal-bench/payrelay/internal/pipeline"
	"github.com/terminal-bench/payrelay/internal/transfer"
	"github.com/terminal-bench/payrelay/pkg/circuit"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func init() {
	gin.SetMode(gin.TestMode)
}

// fulfillHandler completes every transfer with a fixed preimage.
func fulfillHandler(fulfillment, responseData []byte) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
		tctx.Fulfillment = fulfillment
		tctx.ResponseData = responseData
		return next()
	})
}

func rejectHandler(err error) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
		return err
	})
}

func startServer(t *testing.T, terminal pipeline.Handler) (*httptest.Server, *auth.Service) {
	t.Helper()
	authService := auth.NewService(testKey)
	server := NewServer(pipeline.NewChain(terminal), authService, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, authService
}

func testTransfer() *transfer.Transfer {
	return &transfer.Transfer{
		Amount:      decimal.NewFromInt(100),
		Destination: "test.receiver.xyz",
		Condition:   transfer.ConditionFromFulfillment([]byte("preimage")),
		Expiry:      time.Now().Add(10 * time.Second).UTC(),
		Data:        []byte("opaque payload"),
	}
}

func peerAccount(t *testing.T, ts *httptest.Server, authService *auth.Service) *transfer.Account {
	t.Helper()
	token, err := authService.MintToken("test.alice", time.Minute)
	require.NoError(t, err)
	return &transfer.Account{
		Prefix:    "test.peer",
		URI:       ts.URL + "/transfers",
		AuthToken: token,
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	fulfillment := []byte("preimage")
	ts, authService := startServer(t, fulfillHandler(fulfillment, []byte("response payload")))

	client := NewClient(nil, nil, nil, "")
	got, data, err := client.Send(context.Background(), testTransfer(), peerAccount(t, ts, authService))
	require.NoError(t, err)
	assert.Equal(t, fulfillment, got)
	assert.Equal(t, []byte("response payload"), data)
}

func TestServerAttachesAuthenticatedAccount(t *testing.T) {
	var seenFrom string
	var seenAccount *transfer.Account
	capture := pipeline.HandlerFunc(func(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
		seenFrom = tctx.Incoming.Transfer.From
		seenAccount = tctx.Incoming.Account
		tctx.Fulfillment = []byte("preimage")
		return next()
	})
	ts, authService := startServer(t, capture)

	client := NewClient(nil, nil, nil, "")
	_, _, err := client.Send(context.Background(), testTransfer(), peerAccount(t, ts, authService))
	require.NoError(t, err)

	assert.Equal(t, "test.alice", seenFrom, "From must come from the token, not the wire")
	require.NotNil(t, seenAccount)
	assert.Equal(t, "test.alice", seenAccount.Prefix)
}

func TestClientPropagatesPeerRejection(t *testing.T) {
	ts, authService := startServer(t, rejectHandler(transfer.ErrNoRoute("test.receiver.xyz")))

	client := NewClient(nil, nil, nil, "")
	_, _, err := client.Send(context.Background(), testTransfer(), peerAccount(t, ts, authService))
	require.Error(t, err)
	assert.Equal(t, transfer.CodeNoRouteFound, transfer.ErrorCode(err))
}

func TestClientPropagatesErrorData(t *testing.T) {
	rejection := transfer.NewError(transfer.CodeApplicationError, 418, "quote response")
	rejection.Data = []byte("encrypted quote payload")
	ts, authService := startServer(t, rejectHandler(rejection))

	client := NewClient(nil, nil, nil, "")
	_, _, err := client.Send(context.Background(), testTransfer(), peerAccount(t, ts, authService))
	require.Error(t, err)

	var perr *transfer.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, transfer.CodeApplicationError, perr.Code)
	assert.Equal(t, []byte("encrypted quote payload"), perr.Data)
}

func TestServerRejectsBadToken(t *testing.T) {
	ts, _ := startServer(t, fulfillHandler([]byte("preimage"), nil))

	client := NewClient(nil, nil, nil, "")
	account := &transfer.Account{URI: ts.URL + "/transfers", AuthToken: "not-a-valid-token"}
	_, _, err := client.Send(context.Background(), testTransfer(), account)
	require.Error(t, err)
	assert.Equal(t, transfer.CodeUnauthorized, transfer.ErrorCode(err))
}

func TestServerRejectsMalformedTransfer(t *testing.T) {
	ts, authService := startServer(t, fulfillHandler([]byte("preimage"), nil))
	token, err := authService.MintToken("test.alice", time.Minute)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/transfers", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	// No ILP-Amount header.

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerReportsUnfulfilledTransfer(t *testing.T) {
	// A handler that neither errors nor fulfills.
	noop := pipeline.HandlerFunc(func(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
		return nil
	})
	ts, authService := startServer(t, noop)

	client := NewClient(nil, nil, nil, "")
	_, _, err := client.Send(context.Background(), testTransfer(), peerAccount(t, ts, authService))
	require.Error(t, err)
	assert.Equal(t, transfer.CodeInternalError, transfer.ErrorCode(err))
}

func TestClientNetworkFailureIsDownstreamError(t *testing.T) {
	client := NewClient(&http.Client{Timeout: 100 * time.Millisecond}, nil, nil, "")
	account := &transfer.Account{URI: "http://127.0.0.1:1/transfers", AuthToken: "x"}

	_, _, err := client.Send(context.Background(), testTransfer(), account)
	require.Error(t, err)
	assert.Equal(t, transfer.CodeDownstreamError, transfer.ErrorCode(err))
}

func TestClientMissingAccount(t *testing.T) {
	client := NewClient(nil, nil, nil, "")
	_, _, err := client.Send(context.Background(), testTransfer(), nil)
	require.Error(t, err)
	assert.Equal(t, transfer.CodeNoRouteFound, transfer.ErrorCode(err))
}

func TestClientBreakerOpensAfterRepeatedOutages(t *testing.T) {
	breakers := circuit.NewBreakerGroup(circuit.Config{MaxFailures: 2, Timeout: time.Minute})
	client := NewClient(&http.Client{Timeout: 100 * time.Millisecond}, breakers, nil, "")
	account := &transfer.Account{URI: "http://127.0.0.1:1/transfers", AuthToken: "x"}

	for i := 0; i < 2; i++ {
		_, _, err := client.Send(context.Background(), testTransfer(), account)
		require.Error(t, err)
	}

	// The breaker is now open: failure is immediate and still surfaces as a
	// downstream error.
	start := time.Now()
	_, _, err := client.Send(context.Background(), testTransfer(), account)
	require.Error(t, err)
	assert.Equal(t, transfer.CodeDownstreamError, transfer.ErrorCode(err))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestTransferHeaderRoundTrip(t *testing.T) {
	original := testTransfer()
	original.Extensions = map[string]string{"Claim": "signed-claim-bytes"}

	h := make(http.Header)
	setTransferHeaders(h, original)

	parsed, err := parseTransfer(h, original.Data)
	require.NoError(t, err)
	assert.True(t, parsed.Amount.Equal(original.Amount))
	assert.Equal(t, original.Destination, parsed.Destination)
	assert.Equal(t, original.Condition, parsed.Condition)
	assert.True(t, parsed.Expiry.Equal(original.Expiry))
	assert.Equal(t, original.Data, parsed.Data)
	assert.Equal(t, "signed-claim-bytes", parsed.Extensions["Claim"])
}

func TestExtensionKeysAreCanonicalized(t *testing.T) {
	original := testTransfer()
	original.Extensions = map[string]string{"claim": "signed-claim-bytes"}

	h := make(http.Header)
	setTransferHeaders(h, original)

	parsed, err := parseTransfer(h, original.Data)
	require.NoError(t, err)

	// Header transport canonicalizes the key: it comes back as "Claim".
	assert.Equal(t, "signed-claim-bytes", parsed.Extensions["Claim"])
	_, ok := parsed.Extensions["claim"]
	assert.False(t, ok)
}

func TestWireErrorRoundTrip(t *testing.T) {
	original := transfer.NewError(transfer.CodeInsufficientBalance, http.StatusForbidden, "under minimum")
	original.Data = []byte{0x01, 0x02, 0x03}

	status, body := encodeError(original)
	decoded := decodeError(status, body)

	assert.Equal(t, original.Code, decoded.Code)
	assert.Equal(t, http.StatusForbidden, decoded.Status)
	assert.Equal(t, original.Message, decoded.Message)
	assert.Equal(t, original.Data, decoded.Data)
}
