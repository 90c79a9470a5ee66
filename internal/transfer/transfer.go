package transfer

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ConditionLength is the size of a transfer condition digest in bytes.
const ConditionLength = sha256.Size

// Transfer is one conditional movement of value between two parties.
// A transfer is immutable once handed to a transport; each hop builds
// its own outgoing copy instead of mutating the incoming one.
type Transfer struct {
	// From and To identify the immediate peers for this hop, not the
	// end-to-end sender/receiver.
	From string
	To   string

	// Amount is in integer ledger units of the hop's account currency.
	Amount      decimal.Decimal
	Destination string
	Condition   []byte
	Expiry      time.Time
	Data        []byte

	// Extensions carries protocol-specific key/value fields such as
	// settlement claims. Nil when unused.
	Extensions map[string]string
}

// Account describes one peer relationship as seen by this relay.
type Account struct {
	// Prefix is the address prefix this account is authoritative for.
	Prefix   string
	Currency string
	Scale    int32

	// URI is the next-hop endpoint for outgoing transfers on this account.
	URI string

	// MinBalance, when set, is the most negative balance tolerated for
	// this peer (its credit line). Nil means the ledger default applies.
	MinBalance *decimal.Decimal

	// AuthToken is presented to the peer when forwarding, if set.
	AuthToken string
}

// Copy returns a shallow copy with its own extension map.
func (t *Transfer) Copy() *Transfer {
	c := *t
	if t.Extensions != nil {
		c.Extensions = make(map[string]string, len(t.Extensions))
		for k, v := range t.Extensions {
			c.Extensions[k] = v
		}
	}
	return &c
}

// Expired reports whether the transfer's expiry has already passed.
func (t *Transfer) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !now.Before(t.Expiry)
}

// Validate checks the invariants every hop requires before processing.
func (t *Transfer) Validate() error {
	if t.Amount.IsNegative() {
		return fmt.Errorf("transfer amount must not be negative: %s", t.Amount)
	}
	if t.Destination == "" {
		return fmt.Errorf("transfer destination is required")
	}
	if len(t.Condition) != 0 && len(t.Condition) != ConditionLength {
		return fmt.Errorf("condition must be %d bytes, got %d", ConditionLength, len(t.Condition))
	}
	return nil
}

// ConditionFromFulfillment derives the condition for a fulfillment preimage.
func ConditionFromFulfillment(fulfillment []byte) []byte {
	digest := sha256.Sum256(fulfillment)
	return digest[:]
}

// VerifyFulfillment reports whether the fulfillment preimage hashes to the
// condition. Comparison is constant time.
func VerifyFulfillment(fulfillment, condition []byte) bool {
	if len(condition) != ConditionLength {
		return false
	}
	digest := sha256.Sum256(fulfillment)
	return subtle.ConstantTimeCompare(digest[:], condition) == 1
}

// EncodeCondition renders a condition or fulfillment for the wire.
func EncodeCondition(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeCondition parses a base64 condition or fulfillment from the wire.
func DecodeCondition(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 condition: %w", err)
	}
	return b, nil
}
