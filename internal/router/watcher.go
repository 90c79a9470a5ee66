package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// routeEntry is the JSON document stored in etcd for one route, keyed by
// <keyPrefix><addressPrefix>.
type routeEntry struct {
	Currency   string `json:"currency"`
	Scale      int32  `json:"scale"`
	URI        string `json:"uri"`
	MinBalance string `json:"min_balance,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
}

// Watcher keeps a routing table in sync with route entries in etcd, so
// routes can be added and withdrawn without restarting the relay.
type Watcher struct {
	client    *clientv3.Client
	table     *Table
	keyPrefix string
}

func NewWatcher(client *clientv3.Client, table *Table, keyPrefix string) *Watcher {
	if !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}
	return &Watcher{client: client, table: table, keyPrefix: keyPrefix}
}

// Load populates the table with all existing entries and returns the
// revision to start watching from.
func (w *Watcher) Load(ctx context.Context) (int64, error) {
	resp, err := w.client.Get(ctx, w.keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to load routes from etcd: %w", err)
	}
	for _, kv := range resp.Kvs {
		w.apply(string(kv.Key), kv.Value)
	}
	return resp.Header.Revision, nil
}

// Run loads the current routes and applies changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	rev, err := w.Load(ctx)
	if err != nil {
		return err
	}

	ch := w.client.Watch(ctx, w.keyPrefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range ch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("route watch failed: %w", err)
		}
		for _, ev := range resp.Events {
			key := string(ev.Kv.Key)
			switch ev.Type {
			case clientv3.EventTypePut:
				w.apply(key, ev.Kv.Value)
			case clientv3.EventTypeDelete:
				prefix := strings.TrimPrefix(key, w.keyPrefix)
				w.table.Delete(prefix)
				log.Printf("router: route withdrawn for prefix %s", prefix)
			}
		}
	}
	return ctx.Err()
}

func (w *Watcher) apply(key string, value []byte) {
	prefix := strings.TrimPrefix(key, w.keyPrefix)

	var entry routeEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		log.Printf("router: ignoring malformed route entry for %s: %v", prefix, err)
		return
	}

	account := &transfer.Account{
		Prefix:    prefix,
		Currency:  entry.Currency,
		Scale:     entry.Scale,
		URI:       entry.URI,
		AuthToken: entry.AuthToken,
	}
	if entry.MinBalance != "" {
		min, err := decimal.NewFromString(entry.MinBalance)
		if err != nil {
			log.Printf("router: ignoring route entry for %s with bad min_balance: %v", prefix, err)
			return
		}
		account.MinBalance = &min
	}

	w.table.Set(prefix, account)
	log.Printf("router: route added for prefix %s via %s", prefix, entry.URI)
}
