package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

// Fetcher retrieves a full rate snapshot from an upstream feed.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Cache holds the current rate snapshot. It must be populated by Connect
// before the relay accepts transfers; a transfer never observes a
// half-initialized cache. Refresh runs periodically in the background and
// concurrent refreshes are collapsed into one upstream call.
type Cache struct {
	fetcher  Fetcher
	interval time.Duration

	mu    sync.RWMutex
	rates map[string]decimal.Decimal
	ready bool

	group singleflight.Group
}

func NewCache(fetcher Fetcher, refreshInterval time.Duration) *Cache {
	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}
	return &Cache{
		fetcher:  fetcher,
		interval: refreshInterval,
	}
}

// Connect performs the initial snapshot fetch. The relay must not accept
// transfers until Connect has returned.
func (c *Cache) Connect(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		return fmt.Errorf("failed to load initial exchange rates: %w", err)
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// Run refreshes the cache until ctx is cancelled. A failed refresh keeps
// the previous snapshot; rates go stale rather than vanish.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				log.Printf("rates: refresh failed, keeping previous snapshot: %v", err)
			}
		}
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		snapshot, err := c.fetcher.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.rates = snapshot
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// Rate implements Source.
func (c *Cache) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return decimal.Zero, fmt.Errorf("rate cache not connected")
	}
	rate, ok := c.rates[currency]
	if !ok {
		return decimal.Zero, transfer.ErrUnknownCurrency(currency)
	}
	return rate, nil
}

// Apply updates a single rate in place, e.g. from the streaming feed.
func (c *Cache) Apply(currency string, rate decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rates == nil {
		c.rates = make(map[string]decimal.Decimal)
	}
	c.rates[currency] = rate
}

// HTTPFetcher polls a fixer.io-style REST endpoint returning
// {"base": "EUR", "rates": {"USD": 1.2, ...}}. The base currency itself is
// reported at rate 1.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate feed returned status %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode rate feed response: %w", err)
	}

	snapshot := make(map[string]decimal.Decimal, len(body.Rates)+1)
	if body.Base != "" {
		snapshot[body.Base] = decimal.NewFromInt(1)
	}
	for currency, rate := range body.Rates {
		snapshot[currency] = decimal.NewFromFloat(rate)
	}
	return snapshot, nil
}
