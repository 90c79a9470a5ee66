package psk

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/pipeline"
	"github.com/terminal-bench/payrelay/internal/transfer"
)

// defaultOverageTolerance allows received amounts to overshoot the
// expected total by 1% before chunks are rejected.
var defaultOverageTolerance = decimal.RequireFromString("0.01")

// Notification tells the receiving application about payment progress.
// Delivery is deferred until the payment finishes unless NotifyEveryChunk
// is set.
type Notification struct {
	PaymentID uuid.UUID
	Received  decimal.Decimal
	Expected  decimal.Decimal
	Finished  bool
}

// paymentRecord tracks one in-flight chunked payment. Records live for the
// life of the process only; deduplication across restarts is a known gap.
type paymentRecord struct {
	received decimal.Decimal
	expected decimal.Decimal
	finished bool
}

// Receiver is the terminal pipeline handler for PSK payments: it decrypts
// chunk headers, regenerates fulfillments, accumulates per-payment state
// and answers quote probes.
type Receiver struct {
	secret []byte

	// NotifyEveryChunk delivers a notification per accepted chunk rather
	// than only when the payment finishes.
	NotifyEveryChunk bool

	// OnPayment, if set, is invoked for payment notifications.
	OnPayment func(Notification)

	// OverageTolerance overrides the default 1% overshoot allowance.
	OverageTolerance *decimal.Decimal

	mu       sync.Mutex
	payments map[uuid.UUID]*paymentRecord
}

func NewReceiver(secret []byte) (*Receiver, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	return &Receiver{
		secret:   secret,
		payments: make(map[uuid.UUID]*paymentRecord),
	}, nil
}

func (r *Receiver) tolerance() decimal.Decimal {
	if r.OverageTolerance != nil {
		return *r.OverageTolerance
	}
	return defaultOverageTolerance
}

func (r *Receiver) Handle(ctx context.Context, tctx *pipeline.Context, next pipeline.Next) error {
	t := tctx.Incoming.Transfer

	plaintext, err := Decrypt(r.secret, t.Data)
	if err != nil {
		log.Printf("psk: failed to decrypt incoming transfer data: %v", err)
		return transfer.ErrDecryption()
	}

	h, err := parseHeader(plaintext)
	if err != nil {
		return transfer.NewError(transfer.CodeApplicationError, http.StatusBadRequest, err.Error())
	}

	switch h.Type {
	case typeQuote:
		// Answer with the arrived amount so the sender can derive the
		// end-to-end rate; no value moves.
		log.Printf("psk: answering quote probe, amount arrived: %s", t.Amount)
		return errQuoteResponse(r.secret, t.Amount)

	case typeChunk, typeLastChunk:
		return r.handleChunk(tctx, t, h, next)

	default:
		return transfer.NewError(transfer.CodeUnexpectedPayment, http.StatusBadRequest,
			"unknown payment chunk type")
	}
}

func (r *Receiver) handleChunk(tctx *pipeline.Context, t *transfer.Transfer, h header, next pipeline.Next) error {
	// The fulfillment must be reproducible from the exact ciphertext the
	// sender transmitted; a mismatch is fatal for this chunk.
	fulfillment, err := RegenerateFulfillment(r.secret, t.Data, t.Condition)
	if err != nil {
		return err
	}

	lastChunk := h.Type == typeLastChunk

	r.mu.Lock()
	record, ok := r.payments[h.PaymentID]
	if !ok {
		record = &paymentRecord{received: decimal.Zero, expected: maxAmount}
		r.payments[h.PaymentID] = record
	}
	if h.DestinationAmount.GreaterThan(decimal.Zero) {
		record.expected = h.DestinationAmount
	}

	received := record.received.Add(t.Amount)
	limit := record.expected.Mul(decimal.NewFromInt(1).Add(r.tolerance()))
	if record.finished || received.GreaterThan(limit) {
		shortfall := record.expected.Sub(record.received)
		expected := record.expected
		r.mu.Unlock()

		log.Printf("psk: rejecting chunk of %s for payment %s: received %s of expected %s",
			t.Amount, h.PaymentID, received, expected)
		e := transfer.NewError(transfer.CodeApplicationError, http.StatusUnprocessableEntity, "payment chunk exceeds expected amount")
		data, eerr := Encrypt(r.secret, marshalExcess(shortfall, t.Amount))
		if eerr != nil {
			return eerr
		}
		e.Data = data
		return e
	}

	record.received = received
	record.finished = lastChunk || received.GreaterThanOrEqual(record.expected)
	finished := record.finished
	expected := record.expected
	r.mu.Unlock()

	tctx.Fulfillment = fulfillment

	if r.OnPayment != nil && (r.NotifyEveryChunk || finished) {
		r.OnPayment(Notification{
			PaymentID: h.PaymentID,
			Received:  received,
			Expected:  expected,
			Finished:  finished,
		})
	}

	// Every accepted chunk reports the cumulative received amount back,
	// encrypted, so the sender can track real delivery.
	response, err := Encrypt(r.secret, marshalReceived(received))
	if err != nil {
		return err
	}
	tctx.ResponseData = response

	return next()
}
