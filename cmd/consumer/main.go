// Command consumer projects the driver location stream into a Redis
// location cache, so replicas that did not receive an update over a socket
// still serve current snapshots.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/fleet-dispatch/internal/config"
	"github.com/example/fleet-dispatch/internal/location"
	"github.com/example/fleet-dispatch/internal/logging"
	"github.com/example/fleet-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	cacheUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_cache_updates_total",
		Help: "Total successful location cache updates",
	})
	cacheStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_cache_stale_total",
		Help: "Total messages skipped because the cache already held a newer point",
	})
	cacheErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_cache_errors_total",
		Help: "Total location cache update failures",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, cacheUpdates, cacheStale, cacheErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	cache := location.NewRedisCache(rc, cfg.RedisKeyPrefix)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := cache.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, cache, logger)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, w location.Projector, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		rec, err := decodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Info("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		applied, err := updateCacheWithRetry(ctx, w, rec, 3, 200*time.Millisecond)
		if err != nil {
			cacheErrors.WithLabelValues(models.KindOf(err)).Inc()
			logger.Warn("cache update failed", "driver_id", rec.DriverID, "org", rec.OrganizationID, "error", err)
			continue
		}
		if !applied {
			cacheStale.Inc()
			continue
		}
		cacheUpdates.Inc()
	}
}

func decodeLocation(b []byte) (models.DriverLocationRecord, error) {
	var rec models.DriverLocationRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, err
	}
	if rec.DriverID == "" || rec.OrganizationID == "" {
		return rec, errors.New("missing driver or organization id")
	}
	if rec.UpdatedAt.IsZero() {
		return rec, errors.New("missing updatedAt")
	}
	if !rec.Point().Valid() {
		return rec, errors.New("coordinates out of range")
	}
	return rec, nil
}

// updateCacheWithRetry retries transient failures with exponential backoff.
// An organization mismatch is final and returned at once. The result reports
// whether rec was newer than the cached point and therefore written.
func updateCacheWithRetry(ctx context.Context, w location.Projector, rec models.DriverLocationRecord, attempts int, delay time.Duration) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var applied bool
		if applied, err = w.Project(ctx, rec); err == nil {
			return applied, nil
		}
		if errors.Is(err, models.ErrOrganizationMismatch) || i == attempts-1 {
			return false, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		delay *= 2
	}
	return false, err
}
