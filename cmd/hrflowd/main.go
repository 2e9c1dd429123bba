// Command hrflowd serves the workflow orchestration API over HTTP and
// runs the worker pool and timer service in the same process.
//
// Backends are selected by flags: in-memory by default, -sqlite for a
// single-node durable setup, -postgres (optionally with -redis) for a
// multi-node one.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/agentichr/hrflow"
)

func main() {
	var (
		addr            = flag.String("addr", ":8080", "HTTP listen address")
		sqlitePath      = flag.String("sqlite", "", "SQLite database path (durable single-node)")
		postgresDSN     = flag.String("postgres", "", "PostgreSQL DSN (durable multi-node)")
		redisAddr       = flag.String("redis", "", "Redis address for the shared dispatch queue")
		collaboratorURL = flag.String("collaborator-url", "", "base URL of the internal HR services")
		workers         = flag.Int("workers", 4, "worker pool concurrency")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	obs := hrflow.NewPrometheusObserver(registry)

	cfg := hrflow.RuntimeConfig{
		CollaboratorBaseURL: *collaboratorURL,
		Observer:            hrflow.NewCompositeObserver(obs, hrflow.NewLoggingObserver(logger)),
		Workers:             *workers,
		Logger:              logger,
	}
	if *redisAddr != "" {
		cfg.RedisClient = redis.NewClient(&redis.Options{Addr: *redisAddr})
	}

	rt, err := buildRuntime(cfg, *sqlitePath, *postgresDSN)
	if err != nil {
		logger.Error("init runtime", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newRouter(rt, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(ctx) })
	g.Go(func() error {
		logger.Info("listening", "addr", *addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown", "error", err)
		os.Exit(1)
	}
}

func buildRuntime(cfg hrflow.RuntimeConfig, sqlitePath, postgresDSN string) (*hrflow.Runtime, error) {
	switch {
	case postgresDSN != "":
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			return nil, err
		}
		return hrflow.NewPostgresRuntime(db, cfg)
	case sqlitePath != "":
		db, err := sql.Open("sqlite", sqlitePath)
		if err != nil {
			return nil, err
		}
		return hrflow.NewSQLiteRuntime(db, cfg)
	default:
		return hrflow.NewInMemoryRuntime(cfg)
	}
}
