package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/campus-ride-matching/internal/config"
	"github.com/example/campus-ride-matching/internal/geo"
	"github.com/example/campus-ride-matching/internal/logging"
	"github.com/example/campus-ride-matching/internal/models"
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
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// allow some flags for local runs
	flags := pflag.NewFlagSet("consumer", pflag.ExitOnError)
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flags.StringVar(&cfg.KafkaGroup, "group", cfg.KafkaGroup, "kafka consumer group")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	_ = flags.Parse(os.Args[1:])

	log := logging.NewLogger("location-consumer", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down consumer")
				return
			}
			log.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		d, err := decodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			log.Warn("invalid message", "offset", m.Offset, "err", err)
			continue
		}

		// Try updating Redis with retries and small backoff
		if err := updateRedisWithRetry(ctx, radapter, cfg.RedisGeoKey, d, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Error("redis update failed", "driver_id", d.DriverID, "err", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeLocation(raw []byte) (*models.DriverLocation, error) {
	var d models.DriverLocation
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.DriverID == "" {
		return nil, fmt.Errorf("missing driverId")
	}
	if !d.Loc.Valid() {
		return nil, fmt.Errorf("coordinate %v,%v out of range", d.Loc.Lat, d.Loc.Lon)
	}
	return &d, nil
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry writes the position and the metadata hash the server's
// RedisGeo index reads, retrying each step with backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, key string, d *models.DriverLocation, attempts int, delay time.Duration) error {
	meta := map[string]interface{}{"name": d.Name, "updated": d.UpdatedAt.UTC().Format(time.RFC3339)}
	for i := 0; i < attempts; i++ {
		if err := rc.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := rc.HSet(ctx, geo.MetaKey(d.DriverID), meta); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
