package psk

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// Chunk types carried in the first byte of the encrypted header.
const (
	typeQuote     = 0
	typeChunk     = 1
	typeLastChunk = 2
)

const headerLength = 1 + 16 + 8

// header is the plaintext structure encrypted into each chunk's data
// payload: type, payment ID and (optionally) the end-to-end destination
// amount the sender is trying to deliver.
type header struct {
	Type              byte
	PaymentID         uuid.UUID
	DestinationAmount decimal.Decimal
}

func (h header) marshal() []byte {
	buf := make([]byte, headerLength)
	buf[0] = h.Type
	copy(buf[1:17], h.PaymentID[:])
	putAmount(buf[17:25], h.DestinationAmount)
	return buf
}

func parseHeader(data []byte) (header, error) {
	if len(data) < headerLength {
		return header{}, fmt.Errorf("payment header too short: %d bytes", len(data))
	}
	var h header
	h.Type = data[0]
	copy(h.PaymentID[:], data[1:17])
	h.DestinationAmount = getAmount(data[17:25])
	return h, nil
}

// putAmount encodes a non-negative integer amount as 8 big-endian bytes.
// Amounts beyond uint64 range are clamped; ledger units this large do not
// occur in practice.
func putAmount(buf []byte, amount decimal.Decimal) {
	v := amount.BigInt()
	if v.Sign() < 0 {
		v = big.NewInt(0)
	}
	if !v.IsUint64() {
		binary.BigEndian.PutUint64(buf, ^uint64(0))
		return
	}
	binary.BigEndian.PutUint64(buf, v.Uint64())
}

func getAmount(buf []byte) decimal.Decimal {
	v := new(big.Int).SetUint64(binary.BigEndian.Uint64(buf))
	return decimal.NewFromBigInt(v, 0)
}

// marshalReceived encodes the cumulative received amount returned to the
// sender with every accepted chunk.
func marshalReceived(received decimal.Decimal) []byte {
	buf := make([]byte, 8)
	putAmount(buf, received)
	return buf
}

func parseReceived(data []byte) (decimal.Decimal, error) {
	if len(data) < 8 {
		return decimal.Zero, fmt.Errorf("received-amount payload too short: %d bytes", len(data))
	}
	return getAmount(data[:8]), nil
}

// marshalExcess encodes the ExcessPayment rejection payload: how much the
// receiver is still waiting for, and the amount of the offending chunk.
func marshalExcess(shortfall, chunkAmount decimal.Decimal) []byte {
	buf := make([]byte, 16)
	putAmount(buf[:8], shortfall)
	putAmount(buf[8:], chunkAmount)
	return buf
}

// errQuoteResponse builds the structured rejection a receiver answers a
// quote probe with: no value moves, but the encrypted arrived amount lets
// the sender derive the end-to-end rate.
func errQuoteResponse(secret []byte, arrived decimal.Decimal) error {
	e := transfer.NewError(transfer.CodeApplicationError, 418, "quote response")
	data, err := Encrypt(secret, marshalReceived(arrived))
	if err != nil {
		return err
	}
	e.Data = data
	return e
}
