package main

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/auth"
	"github.com/terminal-bench/payrelay/internal/ledger"
	"github.com/terminal-bench/payrelay/internal/pipeline"
	"github.com/terminal-bench/payrelay/internal/psk"
	"github.com/terminal-bench/payrelay/internal/settlement"
	"github.com/terminal-bench/payrelay/internal/transport/httpilp"
	"github.com/terminal-bench/payrelay/pkg/messaging"
)

func main() {
	port := getenv("PORT", "3001")

	jwtSecret, err := base64.StdEncoding.DecodeString(os.Getenv("JWT_SECRET"))
	if err != nil || len(jwtSecret) < 32 {
		log.Fatalf("JWT_SECRET must be at least 32 base64-encoded bytes")
	}
	pskSecret, err := base64.StdEncoding.DecodeString(os.Getenv("PSK_SECRET"))
	if err != nil {
		log.Fatalf("PSK_SECRET must be base64 encoded: %v", err)
	}

	receiver, err := psk.NewReceiver(pskSecret)
	if err != nil {
		log.Fatalf("Failed to create receiver: %v", err)
	}
	receiver.NotifyEveryChunk = os.Getenv("NOTIFY_EVERY_CHUNK") == "true"
	receiver.OnPayment = func(n psk.Notification) {
		if n.Finished {
			log.Printf("payment %s finished: received %s", n.PaymentID, n.Received)
			return
		}
		log.Printf("payment %s progress: received %s of %s", n.PaymentID, n.Received, n.Expected)
	}

	var publisher *settlement.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		msgClient, err := messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "payrelay-receiver",
			ReconnectWait:  time.Second,
			MaxReconnects:  -1,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()
		publisher = settlement.NewPublisher(msgClient)
	}

	store := ledger.NewMemoryStore()
	defer store.Close()
	tracker := ledger.NewTracker(store,
		ledger.WithDefaultMinBalance(decimalEnv("DEFAULT_MIN_BALANCE", decimal.Zero)))

	chain := pipeline.NewChain(
		pipeline.RejectExpired(nil),
		tracker.Incoming(),
		receiver,
	)

	authService := auth.NewService(jwtSecret)
	server := httpilp.NewServer(chain, authService, publisher)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: server.Handler(),
	}

	go func() {
		log.Printf("receiver listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func decimalEnv(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		return decimal.RequireFromString(v)
	}
	return fallback
}
