package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"

	"github.com/okulov-dev/traceflow/engine"
	"github.com/okulov-dev/traceflow/internal/observability"
	"github.com/okulov-dev/traceflow/payload"
	"github.com/okulov-dev/traceflow/signalcache"
	"github.com/okulov-dev/traceflow/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "migrate failed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: engine <serve|migrate> [flags]")
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	listen := flags.String("listen", ":8080", "Listen address")
	dispatchers := flags.Int("dispatchers", 4, "Number of dispatcher workers")
	natsURL := flags.String("nats-url", os.Getenv("NATS_URL"), "NATS server URL for the signal cache (in-memory cache when empty)")
	cacheBucket := flags.String("signal-cache-bucket", "traceflow-signals", "JetStream KV bucket for the signal cache")
	cacheTTL := flags.Duration("signal-cache-ttl", engine.DefaultSignalTTL, "Signal cache entry TTL")
	s3Bucket := flags.String("s3-bucket", os.Getenv("TRACEFLOW_S3_BUCKET"), "S3 bucket for instance outputs (disabled when empty)")
	s3Prefix := flags.String("s3-prefix", "", "S3 key prefix for instance outputs")
	s3Region := flags.String("s3-region", "", "S3 region for instance outputs")
	retryDelay := flags.Duration("retry-delay", 5*time.Second, "Delay between dependency readiness polls")
	maxRetries := flags.Int("max-dependency-retries", 120, "Readiness polls before an instance is force-failed")
	visibilityTimeout := flags.Duration("visibility-timeout", 30*time.Second, "Queue redelivery window")
	sweepInterval := flags.Duration("sweep-interval", time.Minute, "Health sweeper interval")
	defaultTimeout := flags.Duration("default-timeout", 5*time.Minute, "Execution timeout for definitions without one")
	staleAfter := flags.Duration("stale-after", time.Hour, "PENDING age before an instance is reported stuck")
	cronSync := flags.Duration("cron-sync-interval", engine.DefaultCronSyncInterval, "Cron definition reconcile interval")
	_ = flags.Parse(args)

	if *databaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	logger := observability.NewLogger("engine")
	metrics := observability.NewMetrics(nil)

	cache, err := openSignalCache(*natsURL, *cacheBucket, *cacheTTL)
	if err != nil {
		return err
	}

	var payloads engine.PayloadStore
	if *s3Bucket != "" {
		payloads, err = payload.NewS3Store(ctx, payload.S3Config{
			Bucket: *s3Bucket,
			Prefix: *s3Prefix,
			Region: *s3Region,
		})
		if err != nil {
			return err
		}
	}

	signals := engine.NewSignalService(store, cache, observability.NewLogger("engine.signals"), metrics)
	lifecycle := engine.NewService(store, store, store, nil, nil, observability.NewLogger("engine.lifecycle"), metrics)
	sweeper := engine.NewSweeper(store, lifecycle, engine.SweeperConfig{
		Interval:       *sweepInterval,
		DefaultTimeout: *defaultTimeout,
		StaleAfter:     *staleAfter,
	}, observability.NewLogger("engine.sweeper"), metrics)
	cronSched := engine.NewCronScheduler(lifecycle, store, *cronSync, observability.NewLogger("engine.cron"))

	var wg sync.WaitGroup
	for i := 0; i < *dispatchers; i++ {
		dispatcher := engine.NewDispatcher(store, store, signals, lifecycle, nil, engine.DispatcherConfig{
			WorkerID:             fmt.Sprintf("dispatcher-%d", i),
			RetryDelay:           *retryDelay,
			MaxDependencyRetries: *maxRetries,
			VisibilityTimeout:    *visibilityTimeout,
		}, observability.NewLogger("engine.dispatcher"), metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		cronSched.Run(ctx)
	}()

	handler := engine.NewHTTPHandler(lifecycle, signals, store, payloads, observability.NewLogger("engine.http"))
	server := &http.Server{
		Addr:              *listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("engine started", "event", "engine_started",
		"listen", *listen, "dispatchers", *dispatchers)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	wg.Wait()
	return nil
}

func runMigrate(args []string) error {
	flags := flag.NewFlagSet("migrate", flag.ExitOnError)
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	_ = flags.Parse(args)

	if *databaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}

	ctx := context.Background()
	db, err := openDB(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	return state.NewStore(db).ApplyMigrations(ctx)
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func openSignalCache(natsURL, bucket string, ttl time.Duration) (engine.SignalCache, error) {
	if natsURL == "" {
		return signalcache.NewMemoryCache(), nil
	}
	nc, err := nats.Connect(natsURL, nats.Name("traceflow-engine"))
	if err != nil {
		return nil, err
	}
	return signalcache.NewNATSCache(nc, bucket, ttl)
}
