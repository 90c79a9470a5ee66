package rates

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Stream applies live rate updates from a websocket feed to a Cache. It is
// an optional supplement to the periodic REST refresh: the cache stays
// correct without it, just less fresh.
type Stream struct {
	URL       string
	Cache     *Cache
	Reconnect time.Duration
}

type rateUpdate struct {
	Currency string  `json:"currency"`
	Rate     float64 `json:"rate"`
}

// Run reads updates until ctx is cancelled, redialing on connection loss.
func (s *Stream) Run(ctx context.Context) {
	wait := s.Reconnect
	if wait <= 0 {
		wait = 5 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.readLoop(ctx); err != nil && ctx.Err() == nil {
			log.Printf("rates: stream disconnected, redialing in %s: %v", wait, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Stream) readLoop(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var update rateUpdate
		if err := conn.ReadJSON(&update); err != nil {
			return err
		}
		if update.Currency == "" || update.Rate <= 0 {
			continue
		}
		s.Cache.Apply(update.Currency, decimal.NewFromFloat(update.Rate))
	}
}
