package psk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// Chunk-size adaptation parameters: multiplicative increase on success,
// multiplicative decrease with a floor on failure, exponential backoff
// between retries. AIMD applied to payment chunks instead of packets.
var (
	startingChunkSize = decimal.NewFromInt(1000)
	chunkIncrease     = decimal.RequireFromString("1.1")
	chunkDecrease     = decimal.RequireFromString("0.5")
	minChunkSize      = decimal.NewFromInt(1)

	maxAmount = decimal.NewFromBigInt(new(big.Int).SetUint64(^uint64(0)), 0)
)

const (
	defaultTransferTimeout = 2 * time.Second
	initialBackoff         = 100 * time.Millisecond
)

// Transport submits one transfer end to end and returns the fulfillment
// and response data, or the structured error the network produced.
type Transport interface {
	Submit(ctx context.Context, t *transfer.Transfer) (fulfillment, data []byte, err error)
}

// Sender drives a chunked payment: it splits a logical payment into many
// small conditional transfers, adapts the chunk size to observed
// success/failure, and tracks actual delivery against the quoted rate.
type Sender struct {
	transport Transport
	secret    []byte

	// TransferTimeout bounds each chunk's expiry. Zero means the default.
	TransferTimeout time.Duration

	// RandomConditionForQuotes makes quote probes unfulfillable by using
	// a random condition instead of the all-zero one.
	RandomConditionForQuotes bool
}

func NewSender(transport Transport, secret []byte) (*Sender, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	return &Sender{transport: transport, secret: secret}, nil
}

// Result summarizes a completed chunked payment.
type Result struct {
	SourceAmount      decimal.Decimal
	DestinationAmount decimal.Decimal
	NumChunks         int
}

// Quote is the exchange-rate information derived from a quote probe.
type Quote struct {
	SourceAmount      decimal.Decimal
	DestinationAmount decimal.Decimal
}

func (s *Sender) timeout() time.Duration {
	if s.TransferTimeout > 0 {
		return s.TransferTimeout
	}
	return defaultTransferTimeout
}

// QuoteSourceAmount asks how much would arrive if sourceAmount were sent.
// The probe moves no value: the receiver rejects it with a structured
// error carrying the encrypted arrived amount.
func (s *Sender) QuoteSourceAmount(ctx context.Context, destination string, sourceAmount decimal.Decimal) (*Quote, error) {
	arrived, err := s.probe(ctx, destination, sourceAmount)
	if err != nil {
		return nil, err
	}
	return &Quote{SourceAmount: sourceAmount, DestinationAmount: arrived}, nil
}

// QuoteDestinationAmount asks how much must be sent for destinationAmount
// to arrive, inferring the rate from a fixed-size probe.
func (s *Sender) QuoteDestinationAmount(ctx context.Context, destination string, destinationAmount decimal.Decimal) (*Quote, error) {
	arrived, err := s.probe(ctx, destination, startingChunkSize)
	if err != nil {
		return nil, err
	}
	if arrived.IsZero() {
		return nil, fmt.Errorf("quote probe of %s arrived as zero, rate unknown", startingChunkSize)
	}
	sourceAmount := destinationAmount.Div(arrived).Mul(startingChunkSize).Round(0)
	return &Quote{SourceAmount: sourceAmount, DestinationAmount: destinationAmount}, nil
}

func (s *Sender) probe(ctx context.Context, destination string, amount decimal.Decimal) (decimal.Decimal, error) {
	condition := make([]byte, transfer.ConditionLength)
	if s.RandomConditionForQuotes {
		fulfillment := uuid.New()
		copy(condition, transfer.ConditionFromFulfillment(fulfillment[:]))
	}

	data, err := Encrypt(s.secret, header{Type: typeQuote}.marshal())
	if err != nil {
		return decimal.Zero, err
	}

	t := &transfer.Transfer{
		Amount:      amount,
		Destination: destination,
		Condition:   condition,
		Expiry:      time.Now().Add(s.timeout()),
		Data:        data,
	}

	_, _, err = s.transport.Submit(ctx, t)
	if err == nil {
		return decimal.Zero, fmt.Errorf("quote probe was unexpectedly fulfilled")
	}

	var perr *transfer.Error
	if !errors.As(err, &perr) || perr.Code != transfer.CodeApplicationError {
		return decimal.Zero, err
	}

	response, derr := Decrypt(s.secret, perr.Data)
	if derr != nil {
		// Not a quote response after all; surface the original error.
		return decimal.Zero, err
	}
	return parseReceived(response)
}

// SendSourceAmount streams chunks until exactly sourceAmount has been sent.
func (s *Sender) SendSourceAmount(ctx context.Context, destination string, sourceAmount decimal.Decimal) (*Result, error) {
	return s.sendChunked(ctx, destination, sourceAmount, decimal.Zero)
}

// DeliverDestinationAmount streams chunks until the receiver reports at
// least destinationAmount delivered, inferring the remaining source amount
// from the observed rate.
func (s *Sender) DeliverDestinationAmount(ctx context.Context, destination string, destinationAmount decimal.Decimal) (*Result, error) {
	return s.sendChunked(ctx, destination, decimal.Zero, destinationAmount)
}

func (s *Sender) sendChunked(ctx context.Context, destination string, sourceAmount, destinationAmount decimal.Decimal) (*Result, error) {
	sourceMode := !sourceAmount.IsZero()
	paymentID := uuid.New()

	amountSent := decimal.Zero
	amountDelivered := decimal.Zero
	numChunks := 0
	chunkSize := startingChunkSize
	backoff := time.Duration(0)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var amountLeftToSend decimal.Decimal
		if sourceMode {
			amountLeftToSend = sourceAmount.Sub(amountSent)
		} else {
			amountLeftToDeliver := destinationAmount.Sub(amountDelivered)
			if amountLeftToDeliver.LessThanOrEqual(decimal.Zero) {
				break
			}
			if amountSent.GreaterThan(decimal.Zero) && amountDelivered.GreaterThan(decimal.Zero) {
				rate := amountDelivered.Div(amountSent)
				amountLeftToSend = amountLeftToDeliver.Div(rate).Ceil()
			} else {
				// No rate observed yet; assume unbounded until the
				// first successful chunk establishes one.
				amountLeftToSend = maxAmount
			}
		}

		if amountLeftToSend.LessThanOrEqual(decimal.Zero) {
			break
		}

		chunk := chunkSize
		h := header{Type: typeChunk, PaymentID: paymentID, DestinationAmount: destinationAmount}
		if amountLeftToSend.LessThanOrEqual(chunkSize) {
			chunk = amountLeftToSend
			h.Type = typeLastChunk
		}

		data, err := Encrypt(s.secret, h.marshal())
		if err != nil {
			return nil, err
		}
		_, condition, err := GenerateCondition(s.secret, data)
		if err != nil {
			return nil, err
		}

		t := &transfer.Transfer{
			Amount:      chunk,
			Destination: destination,
			Condition:   condition,
			Expiry:      time.Now().Add(s.timeout()),
			Data:        data,
		}

		_, responseData, err := s.transport.Submit(ctx, t)
		if err != nil {
			log.Printf("psk: chunk of %s failed, shrinking chunk size: %v", chunk, err)
			chunkSize = chunkSize.Mul(chunkDecrease).Round(0)
			if chunkSize.LessThan(minChunkSize) {
				chunkSize = minChunkSize
			}
			backoff = nextBackoff(backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		amountSent = amountSent.Add(chunk)
		numChunks++
		chunkSize = chunkSize.Mul(chunkIncrease).Round(0)
		backoff = 0

		if received, ok := s.decodeReceived(responseData); ok {
			if received.GreaterThan(amountDelivered) {
				amountDelivered = received
			}
		}
	}

	return &Result{
		SourceAmount:      amountSent,
		DestinationAmount: amountDelivered,
		NumChunks:         numChunks,
	}, nil
}

// decodeReceived extracts the receiver's cumulative received amount from a
// chunk response. Failure degrades to "no response data": the fulfillment
// stands, the sender just learns nothing new about delivery.
func (s *Sender) decodeReceived(responseData []byte) (decimal.Decimal, bool) {
	if len(responseData) == 0 {
		return decimal.Zero, false
	}
	plaintext, err := Decrypt(s.secret, responseData)
	if err != nil {
		log.Printf("psk: could not decrypt chunk response, ignoring: %v", err)
		return decimal.Zero, false
	}
	received, err := parseReceived(plaintext)
	if err != nil {
		log.Printf("psk: malformed chunk response, ignoring: %v", err)
		return decimal.Zero, false
	}
	return received, true
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return initialBackoff
	}
	return current * 2
}
