package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the hub process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	WSSendBuffer      int
	WSPingInterval    time.Duration
	WSPongWait        time.Duration
	WSWriteWait       time.Duration
	WSMaxMessageBytes int64
	WSAllowedOrigins  []string

	JWTSecret string
	JWTIssuer string

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaTripTopic     string

	AMQPURL            string
	AMQPExchange       string
	AMQPPublishBuffer  int
	AMQPPublishTimeout time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		WSSendBuffer:       64,
		WSPingInterval:     30 * time.Second,
		WSPongWait:         60 * time.Second,
		WSWriteWait:        10 * time.Second,
		WSMaxMessageBytes:  8 << 10,
		RedisKeyPrefix:     "fleet:",
		MigrationsDir:      "migrations",
		KafkaLocationTopic: "driver-locations",
		KafkaTripTopic:     "trip-status",
		AMQPExchange:       "fleet_events",
		AMQPPublishBuffer:  1024,
		AMQPPublishTimeout: 2 * time.Second,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSPongWait, "WS_PONG_WAIT", &errs)
	setDurationFromEnv(&cfg.WSWriteWait, "WS_WRITE_WAIT", &errs)
	setInt64FromEnv(&cfg.WSMaxMessageBytes, "WS_MAX_MESSAGE_BYTES", &errs)
	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		cfg.WSAllowedOrigins = splitAndTrim(origins)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaTripTopic, "KAFKA_TRIP_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setIntFromEnv(&cfg.AMQPPublishBuffer, "AMQP_PUBLISH_BUFFER", &errs)
	setDurationFromEnv(&cfg.AMQPPublishTimeout, "AMQP_PUBLISH_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if cfg.WSPingInterval >= cfg.WSPongWait {
		errs = append(errs, fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT"))
	}
	if cfg.AMQPPublishBuffer <= 0 {
		errs = append(errs, fmt.Errorf("AMQP_PUBLISH_BUFFER must be > 0"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE=true requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the location projector.
type ConsumerConfig struct {
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroup     string
	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string
	LogLevel       string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaTopic:     "driver-locations",
		KafkaGroup:     "fleet-location-projector",
		RedisAddr:      "localhost:6379",
		RedisKeyPrefix: "fleet:",
		LogLevel:       "info",
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
