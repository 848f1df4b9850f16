// caseledgerd runs the case core HTTP server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/juris-labs/caseledger/pkg/api"
	"github.com/juris-labs/caseledger/pkg/config"
	"github.com/juris-labs/caseledger/pkg/dedup"
	"github.com/juris-labs/caseledger/pkg/engine"
	"github.com/juris-labs/caseledger/pkg/eventlog"
	"github.com/juris-labs/caseledger/pkg/observability"
	"github.com/juris-labs/caseledger/pkg/policy"
	"github.com/juris-labs/caseledger/pkg/workspace"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "caseledger",
		ServiceVersion: "1.0.0",
		Environment:    envOrDefault("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	profile := policy.Default()
	if cfg.PolicyProfile != "" {
		profile, err = policy.Load(cfg.PolicyProfile)
		if err != nil {
			return err
		}
		slog.Info("policy profile loaded", "path", cfg.PolicyProfile)
	}

	alert := func(ctx context.Context, ie *eventlog.IntegrityError) {
		eventlog.LogAlert(ctx, ie)
		obs.RecordIntegrityAlert(ctx)
	}
	store, log, cleanup, err := openStores(ctx, cfg.DatabaseURL, alert)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []engine.Option{engine.WithMetrics(obs)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		opts = append(opts, engine.WithDedup(dedup.NewRedisCounter(rdb, "", 24*time.Hour)))
		slog.Info("duplicate counter enabled", "addr", cfg.RedisAddr)
	}

	eng, err := engine.New(store, log, profile, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(eng, slog.Default()).Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStores picks the persistence backend from the database URL: Postgres
// for postgres:// URLs, SQLite for a file path, in-memory when empty.
func openStores(ctx context.Context, databaseURL string, alert eventlog.AlertFunc) (workspace.Store, eventlog.Log, func(), error) {
	if databaseURL == "" {
		slog.Info("running with in-memory storage")
		log := eventlog.NewMemory(eventlog.WithMemoryAlert(alert))
		return workspace.NewMemoryStore(log), log, func() {}, nil
	}

	driver, dialect := "sqlite", eventlog.DialectSQLite
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver, dialect = "postgres", eventlog.DialectPostgres
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	cleanup := func() { _ = db.Close() }

	if err := db.PingContext(ctx); err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}

	log := eventlog.NewSQL(db, dialect, eventlog.WithSQLAlert(alert))
	if err := log.Init(ctx); err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	store := workspace.NewSQLStore(db, dialect, log)
	if err := store.Init(ctx); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	slog.Info("storage initialized", "driver", driver)
	return store, log, cleanup, nil
}

func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
