package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/waveline/bridge-gateway/internal/bridge"
	"github.com/waveline/bridge-gateway/internal/config"
	"github.com/waveline/bridge-gateway/internal/core"
	"github.com/waveline/bridge-gateway/internal/db"
	"github.com/waveline/bridge-gateway/internal/httpapi"
	"github.com/waveline/bridge-gateway/internal/jobs"
	"github.com/waveline/bridge-gateway/internal/keystore"
	"github.com/waveline/bridge-gateway/internal/metrics"
	"github.com/waveline/bridge-gateway/internal/recovery"
	"github.com/waveline/bridge-gateway/internal/retry"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	metrics.MustRegister()

	store := core.NewStore(pool)
	ks := keystore.NewPostgres(pool)
	sched := jobs.NewPostgresBackend(pool)

	client := bridge.NewHTTPClient(log, bridge.Options{
		QPS:         cfg.BridgeQPS,
		Burst:       cfg.BridgeBurst,
		SendTimeout: cfg.BridgeSendTimeout,
	})
	dispatcher := retry.NewDispatcher(store, client, ks, ks, sched, log)
	sweeper := recovery.NewSweeper(store, client, ks, ks, sched, log)

	srv := httpapi.NewServer(pool, dispatcher, sweeper, sched, log)
	server := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cancel()
	_ = server.Shutdown(shutdownCtx)
}
