// Command pumpfeed loads configuration, wires every component together,
// and runs until an interrupt or terminate signal, per spec §5/§6 and
// SPEC_FULL.md §10's lifecycle contract. Grounded on the teacher's
// cmd/main.go load-config/build-components/start/wait-for-shutdown shape.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"

	"pumpfeed/internal/config"
	"pumpfeed/internal/fetcher"
	"pumpfeed/internal/hub"
	"pumpfeed/internal/logging"
	"pumpfeed/internal/logsub"
	"pumpfeed/internal/metrics"
	"pumpfeed/internal/pipeline"
	"pumpfeed/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Tune GOMAXPROCS to the container's actual CPU quota before anything
	// else starts a worker pool.
	_, maxprocsErr := maxprocs.Set()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "console").Error().Err(err).Msg("configuration failed")
		return 1
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Msg("starting pumpfeed")
	if maxprocsErr != nil {
		logger.Warn().Err(maxprocsErr).Msg("failed to set GOMAXPROCS, falling back to runtime default")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	h := hub.New(cfg.HubRingCapacity, m)

	fetchCfg := fetcher.Config{
		MaxInflight:    cfg.MaxInflightFetch,
		QueueHighWater: cfg.FetchQueueHighWater,
		Timeout:        time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
		MaxRetries:     cfg.FetchMaxRetries,
	}
	txFetcher := fetcher.New(cfg.UpstreamHTTPURL, fetchCfg, m, logging.Component(logger, "fetcher"))

	logsubClient := logsub.New(logsub.Config{
		URL:         cfg.UpstreamWSSURL,
		ProgramID:   cfg.ProgramID,
		Commitment:  "confirmed",
		BackoffBase: time.Duration(cfg.ReconnectBaseSeconds) * time.Second,
		BackoffCap:  time.Duration(cfg.ReconnectCapSeconds) * time.Second,
	}, m, logging.Component(logger, "logsub"))

	eventPipeline := pipeline.New(cfg.ProgramID, txFetcher, txFetcher.Results(), h, m, logging.Component(logger, "pipeline"))

	srv := server.New(server.Config{
		Port:                   strconv.Itoa(cfg.ServerPort),
		SubscriberWriteTimeout: time.Duration(cfg.SubscriberWriteTimeoutSeconds) * time.Second,
		MetricsEnabled:         cfg.MetricsEnabled,
		HealthzEnabled:         cfg.HealthzEnabled,
		ShutdownGrace:          time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
	}, h, logsubClient, m, logging.Component(logger, "server"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	go txFetcher.Run(ctx)
	go logsubClient.Run(ctx)
	go eventPipeline.Run(ctx, logsubClient.Notifications())

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, draining")
		if err := <-errCh; err != nil {
			logger.Error().Err(err).Msg("server did not shut down cleanly")
			return 1
		}
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server exited unexpectedly")
			return 1
		}
	}

	logger.Info().Msg("pumpfeed stopped")
	return 0
}
