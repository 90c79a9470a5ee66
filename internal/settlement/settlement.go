// Package settlement receives balance-adjustment claims from a settlement
// collaborator (for example a payment-channel watcher running as its own
// process) over NATS, and queues them for the ledger to apply atomically
// with the next debit against the claimed account.
package settlement

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/transfer"
	"github.com/terminal-bench/payrelay/pkg/messaging"
)

// PendingAdjustments accumulates settlement deltas per account until the
// ledger consumes them. Implements ledger.Adjustments.
type PendingAdjustments struct {
	mu      sync.Mutex
	pending map[string]decimal.Decimal
}

func NewPendingAdjustments() *PendingAdjustments {
	return &PendingAdjustments{pending: make(map[string]decimal.Decimal)}
}

// Add accumulates a delta for an account.
func (p *PendingAdjustments) Add(account string, delta decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[account] = p.pending[account].Add(delta)
}

// Take removes and returns the pending delta for an account.
func (p *PendingAdjustments) Take(account string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	delta := p.pending[account]
	delete(p.pending, account)
	return delta
}

// Restore re-queues a delta after a ledger store failure.
func (p *PendingAdjustments) Restore(account string, delta decimal.Decimal) {
	p.Add(account, delta)
}

// Worker consumes settlement claims from the message bus and validates
// them before queueing. Invalid claims are rejected (logged and dropped);
// the settlement layer owns retries.
type Worker struct {
	client      *messaging.Client
	adjustments *PendingAdjustments
	queue       string
}

func NewWorker(client *messaging.Client, adjustments *PendingAdjustments, queue string) *Worker {
	if queue == "" {
		queue = "payrelay"
	}
	return &Worker{client: client, adjustments: adjustments, queue: queue}
}

// Start subscribes to the settlement claims subject.
func (w *Worker) Start() error {
	return w.client.QueueSubscribe(messaging.SubjectSettlementClaims, w.queue, w.handle)
}

func (w *Worker) handle(msg *nats.Msg) {
	var claim messaging.SettlementClaim
	if err := json.Unmarshal(msg.Data, &claim); err != nil {
		log.Printf("settlement: dropping malformed claim: %v", err)
		return
	}
	if claim.Account == "" {
		log.Printf("settlement: dropping claim %s with no account", claim.ClaimID)
		return
	}
	delta, err := decimal.NewFromString(claim.Amount)
	if err != nil {
		log.Printf("settlement: dropping claim %s with bad amount %q: %v", claim.ClaimID, claim.Amount, err)
		return
	}

	w.adjustments.Add(claim.Account, delta)
	log.Printf("settlement: queued adjustment %s for account %s (claim %s)", delta, claim.Account, claim.ClaimID)
}

// Publisher emits transfer outcome events for audit. A nil Publisher is a
// no-op, so relays can run without a message bus.
type Publisher struct {
	client *messaging.Client
}

func NewPublisher(client *messaging.Client) *Publisher {
	return &Publisher{client: client}
}

// TransferFulfilled records a completed transfer.
func (p *Publisher) TransferFulfilled(ctx context.Context, t *transfer.Transfer) {
	if p == nil || p.client == nil {
		return
	}
	p.publish(ctx, messaging.SubjectTransferFulfilled, messaging.TransferEvent{
		From:        t.From,
		To:          t.To,
		Destination: t.Destination,
		Amount:      t.Amount.String(),
		Fulfilled:   true,
		Timestamp:   time.Now().UTC(),
	})
}

// TransferRejected records a failed transfer with its protocol code.
func (p *Publisher) TransferRejected(ctx context.Context, t *transfer.Transfer, err error) {
	if p == nil || p.client == nil {
		return
	}
	p.publish(ctx, messaging.SubjectTransferRejected, messaging.TransferEvent{
		From:        t.From,
		To:          t.To,
		Destination: t.Destination,
		Amount:      t.Amount.String(),
		Code:        transfer.ErrorCode(err),
		Fulfilled:   false,
		Timestamp:   time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, event messaging.TransferEvent) {
	if err := p.client.Publish(ctx, subject, event); err != nil {
		log.Printf("settlement: failed to publish %s event: %v", subject, err)
	}
}
