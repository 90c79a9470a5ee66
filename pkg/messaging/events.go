package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects used on the relay's NATS bus.
const (
	// SubjectSettlementClaims carries balance adjustments supplied by a
	// settlement collaborator (e.g. a payment-channel watcher).
	SubjectSettlementClaims = "settlement.claims"

	// Transfer outcome events, published for audit and monitoring.
	SubjectTransferFulfilled = "transfer.fulfilled"
	SubjectTransferRejected  = "transfer.rejected"
)

// SettlementClaim is a settlement-layer instruction to adjust an account's
// balance, applied atomically with the account's next debit.
type SettlementClaim struct {
	ClaimID   uuid.UUID `json:"claim_id"`
	Account   string    `json:"account"`
	Amount    string    `json:"amount"`
	Evidence  string    `json:"evidence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TransferEvent records the outcome of one transfer through the relay.
type TransferEvent struct {
	From        string    `json:"from"`
	To          string    `json:"to,omitempty"`
	Destination string    `json:"destination"`
	Amount      string    `json:"amount"`
	Code        string    `json:"code,omitempty"`
	Fulfilled   bool      `json:"fulfilled"`
	Timestamp   time.Time `json:"timestamp"`
}
