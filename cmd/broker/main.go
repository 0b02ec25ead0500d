// Command broker runs the WebSocket pub/sub broker: it wires the
// Durable Log Store and Broker actors, mounts the /ws/{sessionId}
// upgrade handler plus health and metrics endpoints, and serves until
// an interrupt or terminate signal arrives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/wsbroker/internal/admission"
	"github.com/adred-codev/wsbroker/internal/broker"
	"github.com/adred-codev/wsbroker/internal/config"
	"github.com/adred-codev/wsbroker/internal/datalog"
	"github.com/adred-codev/wsbroker/internal/logging"
	"github.com/adred-codev/wsbroker/internal/metrics"
	"github.com/adred-codev/wsbroker/internal/ratelimit"
	"github.com/adred-codev/wsbroker/internal/session"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "text", Component: "boot"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.Print()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "broker"})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("broker exited with error")
	}
}

// run wires every component, serves HTTP until a shutdown signal
// arrives, and drains cleanly.
func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	store, err := datalog.New(cfg.DataDir, cfg.LogStoreMailboxSize, logging.New(logging.Config{
		Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "datalog",
	}))
	if err != nil {
		return err
	}

	metricsCollector := metrics.New()
	metricsCollector.ConnectionsMax.Set(float64(cfg.MaxConnections))
	store.SetMetrics(metricsCollector)

	b := broker.New(store, cfg.BrokerMailboxSize, logging.New(logging.Config{
		Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "broker",
	}))
	b.SetMetrics(metricsCollector)

	limiter := ratelimit.New(cfg.SubmitRatePerClient, cfg.SubmitBurstPerClient)

	guard := admission.New(admission.Config{
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimitBytes:   cfg.MemoryLimit,
		SampleInterval:     cfg.MetricsInterval,
	}, logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "admission"}))
	guard.SetMetrics(metricsCollector)

	go store.Run(ctx)
	go b.Run(ctx)
	go guard.Run(ctx)

	sessionLogger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "session"})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", session.NewUpgradeHandler(ctx, session.HandlerConfig{
		Broker:         b,
		Store:          store,
		Limiter:        limiter,
		Guard:          guard,
		Metrics:        metricsCollector,
		SendBufferSize: cfg.SessionSendBufferSize,
		Logger:         sessionLogger,
	}))
	mux.HandleFunc("/health", handleHealth(b))
	mux.Handle("/metrics", metricsCollector.Handler())

	httpServer := &http.Server{
		Addr:           cfg.Addr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("broker listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
		logger.Info().Msg("shutdown signal received, draining connections")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during HTTP shutdown")
	}

	// Stop the Broker and Durable Log Store actors only after the HTTP
	// server has stopped accepting new connections. Shutdown does not
	// wait for hijacked WebSocket connections; sessions still open here
	// close their connections when ctx is cancelled.
	cancel()

	logger.Info().Msg("broker shut down cleanly")
	return nil
}

type healthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	Subscriptions int    `json:"subscriptions"`
}

func handleHealth(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		snap, err := b.Snapshot(ctx)
		if err != nil {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(healthResponse{
			Status:        "ok",
			Sessions:      snap.SessionCount,
			Subscriptions: len(snap.Subscriptions),
		})
	}
}
