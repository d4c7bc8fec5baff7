// Command jobchaind runs a worker process: it wires the configured
// StateAdapter, NotifyAdapter and ObservabilityAdapter into one Engine,
// registers the example job types, and runs the worker loop until an
// interrupt or SIGTERM is received, grounded on the corpus's recurring-task
// worker main (connect, build collaborators, select loop over tickers and a
// signal channel).
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rezkam/jobchain/internal/client"
	"github.com/rezkam/jobchain/internal/config"
	"github.com/rezkam/jobchain/internal/engine"
	"github.com/rezkam/jobchain/internal/examplejobs"
	"github.com/rezkam/jobchain/internal/jobtype"
	"github.com/rezkam/jobchain/internal/notify"
	"github.com/rezkam/jobchain/internal/notify/inprocess"
	"github.com/rezkam/jobchain/internal/notify/pgnotify"
	"github.com/rezkam/jobchain/internal/observability"
	"github.com/rezkam/jobchain/internal/stateadapter"
	"github.com/rezkam/jobchain/internal/stateadapter/memstate"
	"github.com/rezkam/jobchain/internal/stateadapter/pgstate"
	"github.com/rezkam/jobchain/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obsAdapter, shutdownObs, err := buildObservability(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("build observability: %v", err)
	}
	defer shutdownObs(context.Background())

	state, notifyAdapter, closeBackend, err := buildBackend(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("build storage backend: %v", err)
	}
	defer closeBackend()

	types := jobtype.NewTypedRegistry()
	examplejobs.Register(types)

	eng := engine.New(state, notifyAdapter, obsAdapter, types)
	cl := client.New(eng)
	_ = cl // exposed to in-process callers that import this binary's packages; exercised by examplejobs' seed path below

	workerCfg := worker.DefaultConfig()
	workerCfg.WorkerID = cfg.Worker.WorkerID
	workerCfg.Concurrency = cfg.Worker.Concurrency
	workerCfg.LeaseMs = cfg.Worker.LeaseMs
	workerCfg.RenewEvery = cfg.Worker.RenewEvery
	workerCfg.PollInterval = cfg.Worker.PollInterval
	workerCfg.ReapInterval = cfg.Worker.ReapInterval
	if raw := os.Getenv("JOBCHAIN_WORKER_TYPE_NAMES"); raw != "" {
		workerCfg.TypeNames = strings.Split(raw, ",")
	}

	w := worker.New(eng, workerCfg, worker.LoggingMiddleware())

	slog.InfoContext(ctx, "jobchaind starting",
		"env", cfg.Env, "worker_id", workerCfg.WorkerID, "concurrency", workerCfg.Concurrency,
		"postgres", cfg.Postgres.DSN != "")

	if len(os.Args) > 1 && os.Args[1] == "seed" {
		if err := examplejobs.SeedDemoChain(ctx, cl); err != nil {
			slog.ErrorContext(ctx, "seed demo chain failed", "error", err)
		}
	}

	w.Start(ctx)
	slog.InfoContext(ctx, "jobchaind stopped")
}

func buildObservability(ctx context.Context, cfg config.ObservabilityConfig) (observability.Adapter, func(context.Context) error, error) {
	if !cfg.OTelEnabled {
		return observability.NoOp(), func(context.Context) error { return nil }, nil
	}
	return observability.NewOTel(ctx, observability.Config{Enabled: true, ServiceName: cfg.ServiceName})
}

// buildBackend wires the in-memory reference StateAdapter and NotifyAdapter
// when no Postgres DSN is configured, or the pgstate/pgnotify pair
// otherwise. The returned close func releases whatever was opened.
func buildBackend(ctx context.Context, cfg config.PostgresConfig) (stateadapter.StateAdapter, notify.Adapter, func(), error) {
	if cfg.DSN == "" {
		return memstate.New(), inprocess.New(), func() {}, nil
	}

	pool, err := pgstate.Open(ctx, pgstate.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	notifier := pgnotify.New(pool)
	closeFn := func() {
		notifier.Close()
		pool.Close()
	}
	return pgstate.New(pool), notifier, closeFn, nil
}
