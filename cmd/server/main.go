package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-dispatch/internal/auth"
	"github.com/example/fleet-dispatch/internal/config"
	"github.com/example/fleet-dispatch/internal/dispatch"
	httpapi "github.com/example/fleet-dispatch/internal/http"
	"github.com/example/fleet-dispatch/internal/ingest"
	"github.com/example/fleet-dispatch/internal/location"
	"github.com/example/fleet-dispatch/internal/logging"
	"github.com/example/fleet-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	checks := map[string]httpapi.Pinger{}

	var cache location.Cache = location.NewMemoryCache()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rcache := location.NewRedisCache(rc, cfg.RedisKeyPrefix)
		cache = rcache
		checks["redis"] = rcache
		logger.Info("location cache", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		logger.Warn("REDIS_ADDR not set; using in-process location cache")
	}

	var trips storage.TripStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(cfg.PGDSN, cfg.MigrationsDir); err != nil {
				return err
			}
			logger.Info("migrations applied", "dir", cfg.MigrationsDir)
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		checks["postgres"] = pg
		trips = storage.NewBreakerStore(pg, storage.NewCircuitBreaker("trip-store", logger))
	} else {
		logger.Warn("PG_DSN not set; using in-process trip store")
		trips = storage.NewMemoryStore()
	}

	var sinks ingest.Fanout
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, ingest.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaTripTopic, logger))
	}
	if cfg.AMQPURL != "" {
		ap, err := ingest.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		sinks = append(sinks, ingest.NewAsync(ap, "amqp", cfg.AMQPPublishBuffer, cfg.AMQPPublishTimeout, logger))
	}
	var events ingest.Publisher
	if len(sinks) > 0 {
		events = sinks
		defer func() {
			if err := sinks.Close(); err != nil {
				logger.Warn("closing event sinks", "error", err)
			}
		}()
	}

	hub := dispatch.NewHub(cache, trips, dispatch.Options{
		SendBuffer: cfg.WSSendBuffer,
		Events:     events,
		Logger:     logger,
	})
	api := httpapi.NewServer(httpapi.Options{
		Hub:  hub,
		Auth: auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Conn: dispatch.ConnConfig{
			PingInterval:    cfg.WSPingInterval,
			PongWait:        cfg.WSPongWait,
			WriteWait:       cfg.WSWriteWait,
			MaxMessageBytes: cfg.WSMaxMessageBytes,
		},
		AllowedOrigins: cfg.WSAllowedOrigins,
		Checks:         checks,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fleet-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Shutdown()
	return srv.Shutdown(shutdownCtx)
}
