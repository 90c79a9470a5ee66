// Package router picks the next hop for a transfer and converts the amount
// between the incoming and outgoing account currencies.
package router

import (
	"strings"
	"sync"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// Table is a routing table keyed by address prefix. Lookup selects the
// longest prefix that matches the destination. Two distinct prefixes of
// equal length can never both match one destination, so the only possible
// tie is a duplicate registration, which replaces the earlier entry.
//
// The table may be mutated at runtime (e.g. by the etcd watcher), so all
// access is guarded.
type Table struct {
	mu     sync.RWMutex
	routes map[string]*transfer.Account
}

func NewTable() *Table {
	return &Table{routes: make(map[string]*transfer.Account)}
}

// Set adds or replaces the route for a prefix.
func (t *Table) Set(prefix string, account *transfer.Account) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[prefix] = account
}

// Delete removes the route for a prefix, if present.
func (t *Table) Delete(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, prefix)
}

// Lookup returns the route whose prefix is the longest prefix of
// destination, or nil if no route matches.
func (t *Table) Lookup(destination string) *transfer.Account {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var longest string
	var match *transfer.Account
	for prefix, account := range t.routes {
		if strings.HasPrefix(destination, prefix) && len(prefix) > len(longest) {
			longest = prefix
			match = account
		}
	}
	return match
}

// Len returns the number of configured routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
