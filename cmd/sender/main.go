package main

import (
	"context"
	"encoding/base64"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/psk"
	"github.com/terminal-bench/payrelay/internal/transfer"
	"github.com/terminal-bench/payrelay/internal/transport/httpilp"
	"github.com/terminal-bench/payrelay/pkg/circuit"
)

// connectorTransport submits every chunk to a single configured connector.
type connectorTransport struct {
	client  *httpilp.Client
	account *transfer.Account
}

func (t *connectorTransport) Submit(ctx context.Context, tr *transfer.Transfer) ([]byte, []byte, error) {
	return t.client.Send(ctx, tr, t.account)
}

func main() {
	var (
		connectorURL = flag.String("connector", getenv("CONNECTOR_URL", "http://localhost:3000/transfers"), "connector transfer endpoint")
		token        = flag.String("token", os.Getenv("CONNECTOR_TOKEN"), "bearer token for the connector")
		destination  = flag.String("destination", "", "destination address")
		sourceAmt    = flag.String("source-amount", "", "exact amount to send from this side")
		destAmt      = flag.String("destination-amount", "", "amount that must arrive at the destination")
		quoteOnly    = flag.Bool("quote", false, "probe the rate without moving value")
		timeout      = flag.Duration("timeout", 2*time.Second, "per-chunk transfer timeout")
	)
	flag.Parse()

	if *destination == "" {
		log.Fatalf("-destination is required")
	}
	if (*sourceAmt == "") == (*destAmt == "") {
		log.Fatalf("exactly one of -source-amount or -destination-amount is required")
	}

	secret, err := base64.StdEncoding.DecodeString(os.Getenv("PSK_SECRET"))
	if err != nil {
		log.Fatalf("PSK_SECRET must be base64 encoded: %v", err)
	}

	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     10 * time.Second,
		HalfOpenMax: 3,
	})
	client := httpilp.NewClient(&http.Client{Timeout: 10 * time.Second}, breakers, nil, "")
	transport := &connectorTransport{
		client: client,
		account: &transfer.Account{
			URI:       *connectorURL,
			AuthToken: *token,
		},
	}

	sender, err := psk.NewSender(transport, secret)
	if err != nil {
		log.Fatalf("Failed to create sender: %v", err)
	}
	sender.TransferTimeout = *timeout

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	if *quoteOnly {
		runQuote(ctx, sender, *destination, *sourceAmt, *destAmt)
		return
	}

	var result *psk.Result
	if *sourceAmt != "" {
		result, err = sender.SendSourceAmount(ctx, *destination, decimal.RequireFromString(*sourceAmt))
	} else {
		result, err = sender.DeliverDestinationAmount(ctx, *destination, decimal.RequireFromString(*destAmt))
	}
	if err != nil {
		log.Fatalf("Payment failed: %v", err)
	}
	log.Printf("payment complete: sent %s, delivered %s in %d chunks",
		result.SourceAmount, result.DestinationAmount, result.NumChunks)
}

func runQuote(ctx context.Context, sender *psk.Sender, destination, sourceAmt, destAmt string) {
	var (
		quote *psk.Quote
		err   error
	)
	if sourceAmt != "" {
		quote, err = sender.QuoteSourceAmount(ctx, destination, decimal.RequireFromString(sourceAmt))
	} else {
		quote, err = sender.QuoteDestinationAmount(ctx, destination, decimal.RequireFromString(destAmt))
	}
	if err != nil {
		log.Fatalf("Quote failed: %v", err)
	}
	log.Printf("quote: sending %s delivers %s", quote.SourceAmount, quote.DestinationAmount)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
