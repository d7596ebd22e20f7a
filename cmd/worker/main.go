package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"timeclock/internal/config"
	"timeclock/internal/hook"
	"timeclock/internal/logging"
	"timeclock/internal/queue"
	"timeclock/internal/store"
)

// Worker consumes ingestion-run notifications and runs the after-fetch script
// for each one.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New("timeclock-worker", logging.Config{Level: cfg.LogLevel, Pretty: !cfg.Production()})

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var q queue.Queue
	switch cfg.QueueBackend {
	case "redis":
		rdb := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, 0)
		defer rdb.Close()
		if !rdb.Healthy(ctx) {
			logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet, consumer will keep retrying")
		}
		q = queue.NewRedisQueue(rdb.Client, cfg.QueueKey)
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("timeclock-worker"), nats.MaxReconnects(-1))
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("nats connect failed")
		}
		defer nc.Drain()
		q = queue.NewNATSQueue(nc, cfg.QueueKey)
	default:
		logger.Fatal().Msg("the worker needs QUEUE_BACKEND=redis or nats; the memory queue is process-local")
	}

	if cfg.AfterFetchScript == "" {
		logger.Warn().Msg("AFTER_FETCH_SCRIPT is empty, runs will be acknowledged without action")
	}
	runner := hook.NewExec(cfg.AfterFetchScript, logging.Component(logger, "hook"))

	logger.Info().Str("backend", cfg.QueueBackend).Msg("worker started, waiting for messages")
	if err := hook.Consume(ctx, q, runner, logger); err != nil {
		logger.Fatal().Err(err).Msg("queue consume init failed")
	}

	logger.Info().Msg("worker stopped")
}
