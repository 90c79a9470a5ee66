package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/payrelay/internal/auth"
	"github.com/terminal-bench/payrelay/internal/ledger"
	"github.com/terminal-bench/payrelay/internal/pipeline"
	"github.com/terminal-bench/payrelay/internal/rates"
	"github.com/terminal-bench/payrelay/internal/router"
	"github.com/terminal-bench/payrelay/internal/settlement"
	"github.com/terminal-bench/payrelay/internal/transfer"
	"github.com/terminal-bench/payrelay/internal/transport/httpilp"
	"github.com/terminal-bench/payrelay/pkg/circuit"
	"github.com/terminal-bench/payrelay/pkg/messaging"
)

type routeConfig struct {
	Currency   string `json:"currency"`
	Scale      int32  `json:"scale"`
	URI        string `json:"uri"`
	MinBalance string `json:"min_balance,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
}

func main() {
	port := getenv("PORT", "3000")
	localAcct := getenv("CONNECTOR_ADDRESS", "")

	secret, err := base64.StdEncoding.DecodeString(os.Getenv("JWT_SECRET"))
	if err != nil || len(secret) < 32 {
		log.Fatalf("JWT_SECRET must be at least 32 base64-encoded bytes")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Balance store: postgres, redis, or in-memory in that order of
	// preference, depending on what is configured.
	store := buildStore()
	defer store.Close()

	table := router.NewTable()
	loadRoutes(table)

	source, runRates := buildRates(ctx)

	g, ctx := errgroup.WithContext(ctx)
	if runRates != nil {
		g.Go(func() error { runRates(ctx); return nil })
	}

	// Optional dynamic routes from etcd.
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		etcdClient, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{endpoints},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer etcdClient.Close()

		watcher := router.NewWatcher(etcdClient, table, getenv("ETCD_ROUTE_PREFIX", "/payrelay/routes/"))
		g.Go(func() error { return watcher.Run(ctx) })
	}

	// Optional settlement collaborator over NATS.
	adjustments := settlement.NewPendingAdjustments()
	var publisher *settlement.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		msgClient, err := messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "payrelay-connector",
			ReconnectWait:  time.Second,
			MaxReconnects:  -1,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()

		worker := settlement.NewWorker(msgClient, adjustments, "")
		if err := worker.Start(); err != nil {
			log.Fatalf("Failed to start settlement worker: %v", err)
		}
		publisher = settlement.NewPublisher(msgClient)
	}

	tracker := ledger.NewTracker(store,
		ledger.WithDefaultMinBalance(decimalEnv("DEFAULT_MIN_BALANCE", decimal.Zero)),
		ledger.WithAdjustments(adjustments),
	)

	forwarder := router.NewForwarder(table, source, router.Config{
		MinMessageWindow: int64Env("MIN_MESSAGE_WINDOW_MS", 1000),
		Spread:           decimalEnv("SPREAD", decimal.Zero),
	})

	authService := auth.NewService(secret)
	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	})
	client := httpilp.NewClient(&http.Client{Timeout: 10 * time.Second}, breakers, authService, localAcct)

	chain := pipeline.NewChain(
		pipeline.RejectExpired(nil),
	)
	if ratio := os.Getenv("BANDWIDTH_INCREASE_RATIO"); ratio != "" {
		// An unset maximum means no floor on the credit line; a zero
		// maximum would pin every peer's minimum balance at 0.
		var max *decimal.Decimal
		if v := os.Getenv("BANDWIDTH_MAXIMUM"); v != "" {
			m := decimal.RequireFromString(v)
			max = &m
		}
		chain.Use(ledger.NewBandwidthAdjuster(decimal.RequireFromString(ratio), max))
	}
	chain.Use(tracker.Incoming())
	chain.Use(pipeline.ValidateFulfillment())
	chain.Use(forwarder)
	chain.Use(tracker.Outgoing())
	chain.Use(client.Forward())

	server := httpilp.NewServer(chain, authService, publisher)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: server.Handler(),
	}

	g.Go(func() error {
		log.Printf("connector listening on :%s with %d routes", port, table.Len())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := g.Wait(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

func buildStore() ledger.Store {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		return ledger.NewPostgresStore(db)
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		return ledger.NewRedisStore(redis.NewClient(&redis.Options{Addr: redisURL}), "")
	}
	log.Printf("no DATABASE_URL or REDIS_URL configured, balances are in-memory only")
	return ledger.NewMemoryStore()
}

// buildRates returns the rate source and, for polled sources, the refresh
// loop to run in the background. The cache is fully populated before the
// connector starts accepting transfers.
func buildRates(ctx context.Context) (rates.Source, func(context.Context)) {
	if url := os.Getenv("RATES_URL"); url != "" {
		cache := rates.NewCache(&rates.HTTPFetcher{URL: url}, durationEnv("RATES_REFRESH", time.Minute))
		if err := cache.Connect(ctx); err != nil {
			log.Fatalf("Failed to load exchange rates: %v", err)
		}
		run := cache.Run
		if wsURL := os.Getenv("RATES_WS_URL"); wsURL != "" {
			stream := &rates.Stream{URL: wsURL, Cache: cache}
			run = func(ctx context.Context) {
				go stream.Run(ctx)
				cache.Run(ctx)
			}
		}
		return cache, run
	}

	static := make(map[string]decimal.Decimal)
	if raw := os.Getenv("RATES_STATIC"); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			log.Fatalf("Invalid RATES_STATIC: %v", err)
		}
		for currency, rate := range parsed {
			static[currency] = decimal.RequireFromString(rate)
		}
	}
	return rates.NewStatic(static), nil
}

func loadRoutes(table *router.Table) {
	raw := os.Getenv("ROUTES")
	if path := os.Getenv("ROUTES_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("Failed to read routes file: %v", err)
		}
		raw = string(data)
	}
	if raw == "" {
		log.Printf("no routes configured, relying on dynamic route updates")
		return
	}

	var routes map[string]routeConfig
	if err := json.Unmarshal([]byte(raw), &routes); err != nil {
		log.Fatalf("Invalid routes configuration: %v", err)
	}
	for prefix, cfg := range routes {
		account := &transfer.Account{
			Prefix:    prefix,
			Currency:  cfg.Currency,
			Scale:     cfg.Scale,
			URI:       cfg.URI,
			AuthToken: cfg.AuthToken,
		}
		if cfg.MinBalance != "" {
			min := decimal.RequireFromString(cfg.MinBalance)
			account.MinBalance = &min
		}
		table.Set(prefix, account)
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

func int64Env(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		parsed, err := json.Number(v).Int64()
		if err != nil {
			log.Fatalf("Invalid %s: %v", key, err)
		}
		return parsed
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("Invalid %s: %v", key, err)
		}
		return parsed
	}
	return fallback
}
