package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/waveline/bridge-gateway/internal/bridge"
	"github.com/waveline/bridge-gateway/internal/config"
	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/db"
	"github.com/waveline/bridge-gateway/internal/history"
	"github.com/waveline/bridge-gateway/internal/jobs"
	"github.com/waveline/bridge-gateway/internal/keystore"
	"github.com/waveline/bridge-gateway/internal/metrics"
	"github.com/waveline/bridge-gateway/internal/recovery"
	"github.com/waveline/bridge-gateway/internal/retry"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.Load()
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	pool, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("db connect")
		exitCode = 1
		return
	}
	defer pool.Close()

	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(pool)
	stop := make(chan struct{})
	defer close(stop)
	go poolStats.Start(10*time.Second, stop)

	store := core.NewStore(pool)
	ks := keystore.NewPostgres(pool)
	backend := jobs.NewPostgresBackend(pool)

	client := bridge.NewHTTPClient(log, bridge.Options{
		QPS:         cfg.BridgeQPS,
		Burst:       cfg.BridgeBurst,
		SendTimeout: cfg.BridgeSendTimeout,
	})

	engine := jobs.NewEngine(backend, log, jobs.Options{
		BatchSize:    cfg.WorkerBatch,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPoll,
		IdleSleep:    cfg.WorkerIdleSleep,
		DBBackoffMin: cfg.WorkerBackoffMin,
		DBBackoffMax: cfg.WorkerBackoffMax,
	})

	dispatcher := retry.NewDispatcher(store, client, ks, ks, backend, log)
	dispatcher.Register(engine)

	sweeper := recovery.NewSweeper(store, client, ks, ks, backend, log)
	sweeper.Register(engine)

	ingester := history.NewIngester(store, ks, ks, client, log)
	ingester.Register(engine)

	// Periodic triggers: the recovery sweep runs on the low priority class
	// so live sends always win, and orphaned job claims are reaped.
	go runTriggers(rootCtx, backend, cfg.SweepInterval, log)

	// ---- Healthz / metrics ----
	go serveOps(log)

	if err := engine.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("engine exited")
		exitCode = 1
		return
	}
}

func runTriggers(ctx context.Context, backend *jobs.PostgresBackend, interval time.Duration, log zerolog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		// A worker that died mid-job leaves its claim in 'running' forever;
		// hand those back to the queue before the next sweep.
		if n, err := backend.ReapStale(ctx, jobs.StaleClaimWindow); err != nil {
			log.Error().Err(err).Msg("stale claim reap failed")
		} else if n > 0 {
			log.Warn().Int("count", n).Msg("requeued stale job claims")
		}

		if err := backend.Schedule(ctx, recovery.SweepJobName, struct{}{}, 0, jobs.PriorityLow); err != nil {
			log.Error().Err(err).Msg("sweep trigger failed")
		}
	}
}

func serveOps(log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	addr := os.Getenv("HEALTH_ADDR")
	if addr == "" {
		addr = "0.0.0.0:9090"
	}
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("ops server")
	}
}
