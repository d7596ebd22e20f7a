package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"timeclock/internal/attendance"
	"timeclock/internal/config"
	"timeclock/internal/device"
	"timeclock/internal/hook"
	"timeclock/internal/httpapi"
	"timeclock/internal/httpmiddleware"
	"timeclock/internal/logging"
	"timeclock/internal/metrics"
	"timeclock/internal/queue"
	"timeclock/internal/scheduler"
	"timeclock/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New("timeclock-api", logging.Config{Level: cfg.LogLevel, Pretty: !cfg.Production()})

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api failed")
	}
}

func run(cfg config.App, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	loc := cfg.Location()

	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	checks := map[string]httpapi.HealthCheck{"db": db.Healthy}
	var postFetch attendance.PostFetchHook
	switch cfg.HookMode {
	case "queue":
		q, closeQueue, check, err := newQueue(cfg)
		if err != nil {
			return err
		}
		defer closeQueue()
		if check != nil {
			checks[cfg.QueueBackend] = check
		}
		if cfg.QueueBackend == "memory" {
			// No worker can reach a process-local queue, so drain it here.
			runner := hook.NewExec(cfg.AfterFetchScript, logging.Component(logger, "hook"))
			if err := hook.Drain(ctx, q, runner, logging.Component(logger, "hook")); err != nil {
				return err
			}
		}
		postFetch = hook.NewPublisher(q)
	default:
		postFetch = hook.NewExec(cfg.AfterFetchScript, logging.Component(logger, "hook"))
	}

	if cfg.Device.UseSDK {
		logger.Warn().Msg("no vendor SDK client is linked into this build; ZK_USE_SDK falls back to the tcp socket")
	}
	dev := device.New(device.NewConfigHolder(cfg.Device),
		device.WithLocation(loc),
		device.WithLogger(logging.Component(logger, "device")),
	)

	repo := attendance.NewRepository(db.Client, db.Driver)
	svc := attendance.NewService(dev, attendance.NewReconciler(repo, repo, loc), repo, repo, loc,
		attendance.WithHook(postFetch),
		attendance.WithImportBase(cfg.ImportBaseDir),
		attendance.WithServiceLogger(logging.Component(logger, "attendance")),
	)

	if cfg.AutoIngest {
		sched := scheduler.New(svc, svc, scheduler.Config{
			Interval:            cfg.IngestInterval(),
			IntervalAfterCutoff: cfg.IngestIntervalAfterCutoff(),
		},
			scheduler.WithLocation(loc),
			scheduler.WithLogger(logging.Component(logger, "scheduler")),
		)
		go sched.Run(ctx)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logging.Component(logger, "http")))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware("/healthz", "/metrics"))

	httpapi.New(svc, dev, repo, checks, logging.Component(logger, "http")).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("db", cfg.DBDriver).Bool("auto_ingest", cfg.AutoIngest).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced shutdown")
	}
	logger.Info().Msg("server exited")
	return nil
}

// newQueue builds the configured queue backend and returns a closer for its
// connection plus an optional health check.
func newQueue(cfg config.App) (queue.Queue, func(), httpapi.HealthCheck, error) {
	switch cfg.QueueBackend {
	case "redis":
		rdb := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, 0)
		return queue.NewRedisQueue(rdb.Client, cfg.QueueKey), func() { _ = rdb.Close() }, rdb.Healthy, nil
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("timeclock-api"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, nil, nil, err
		}
		check := func(context.Context) bool { return nc.IsConnected() }
		return queue.NewNATSQueue(nc, cfg.QueueKey), func() { _ = nc.Drain() }, check, nil
	default:
		return queue.NewInMemory(64), func() {}, nil, nil
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if path == "/healthz" || path == "/metrics" {
			return
		}
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
