package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/example/campus-ride-matching/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaRideTopic     string

	PGDSN string

	PushEndpoint string
	PushKey      string

	OSRMURL     string
	ETASpeedMps float64
	ETACacheTTL time.Duration

	PointsFile      string
	DriverCapacity  int
	LocationMaxAge  time.Duration
	Retention       models.Retention
	WSSendBuffer    int
	WSAllowedOrigin string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":5500",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaRideTopic:     "ride-events",
		ETASpeedMps:        6,
		ETACacheTTL:        30 * time.Second,
		DriverCapacity:     6,
		LocationMaxAge:     5 * time.Minute,
		Retention:          models.RetainArchive,
		WSSendBuffer:       256,
		LogLevel:           "info",
	}
}

// LoadServerConfig reads .env (when present) and the process environment.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load(".env")

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = SplitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	if v := os.Getenv("ETA_SPEED_MPS"); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid ETA_SPEED_MPS: %w", err))
		} else {
			cfg.ETASpeedMps = f
		}
	}
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.PointsFile, "POINTS_FILE")
	setIntFromEnv(&cfg.DriverCapacity, "DRIVER_CAPACITY", &errs)
	setDurationFromEnv(&cfg.LocationMaxAge, "LOCATION_MAX_AGE", &errs)
	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setStringFromEnv(&cfg.WSAllowedOrigin, "WS_ALLOWED_ORIGIN")

	if v := strings.TrimSpace(os.Getenv("RIDE_RETENTION")); v != "" {
		cfg.Retention = models.Retention(strings.ToLower(v))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	errs = append(errs, cfg.Validate()...)
	return cfg, errors.Join(errs...)
}

// Validate checks cross-field constraints. It is also run after flags override
// environment values.
func (c ServerConfig) Validate() []error {
	var errs []error
	if c.DriverCapacity <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_CAPACITY must be > 0"))
	}
	if c.LocationMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_MAX_AGE must be > 0"))
	}
	if c.ETASpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_SPEED_MPS must be > 0"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	switch c.Retention {
	case models.RetainArchive, models.RetainDelete:
	default:
		errs = append(errs, fmt.Errorf("RIDE_RETENTION must be %q or %q, got %q", models.RetainArchive, models.RetainDelete, c.Retention))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := cast.ToIntE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

// SplitAndTrim splits a comma separated list, dropping empty items.
func SplitAndTrim(v string) []string {
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

// ConsumerConfig configures the location projector that copies the Kafka
// location topic into the Redis GEO index.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load(".env")

	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-matching-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	if brokers := SplitAndTrim(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.KafkaBrokers = brokers
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	var errs []error
	if cfg.KafkaTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_LOCATION_TOPIC must not be empty"))
	}
	return cfg, errors.Join(errs...)
}
