package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/campus-ride-matching/internal/config"
	"github.com/example/campus-ride-matching/internal/dispatch"
	"github.com/example/campus-ride-matching/internal/eta"
	"github.com/example/campus-ride-matching/internal/gateway"
	"github.com/example/campus-ride-matching/internal/geo"
	httpapi "github.com/example/campus-ride-matching/internal/http"
	"github.com/example/campus-ride-matching/internal/ingest"
	"github.com/example/campus-ride-matching/internal/ledger"
	"github.com/example/campus-ride-matching/internal/logging"
	"github.com/example/campus-ride-matching/internal/matcher"
	"github.com/example/campus-ride-matching/internal/presence"
	"github.com/example/campus-ride-matching/internal/queue"
	"github.com/example/campus-ride-matching/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	flags.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	flags.StringVar(&cfg.PointsFile, "points", cfg.PointsFile, "YAML file with pickup points (built-in set when empty)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flags.BoolVar(&cfg.RunMigrations, "migrate", cfg.RunMigrations, "apply schema migrations before serving")
	flags.IntVar(&cfg.DriverCapacity, "driver-capacity", cfg.DriverCapacity, "seats given to newly registered drivers")
	_ = flags.Parse(os.Args[1:])
	if err := errors.Join(cfg.Validate()...); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logging.NewLogger("ride-matching", cfg.LogLevel)
	slog.SetDefault(log)

	points, err := config.LoadPoints(cfg.PointsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	checks := map[string]func(context.Context) error{}
	var index geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		index = rg
		checks["redis"] = rg.Ping
	}

	var routing eta.Client
	if cfg.OSRMURL != "" {
		routing = eta.NewOSRMClient(cfg.OSRMURL)
	}
	estimator := eta.NewEstimator(routing, cfg.ETASpeedMps, cfg.ETACacheTTL)

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic)
		defer kp.Close()
	}

	registry := presence.NewRegistry(store, log)
	q := queue.NewManager(store, points, cfg.Retention, log)
	seats := ledger.New(store, log)
	ws := dispatch.NewWSRegistry(cfg.WSSendBuffer, cfg.WSAllowedOrigin, log)
	notify := dispatch.NewCoordinator(ws, registry, log)
	if cfg.PushEndpoint != "" {
		notify.SetPusher(dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey))
	}

	m := &matcher.Service{Store: store, Queue: q, Seats: seats, Notify: notify, Retention: cfg.Retention, Log: log}
	gw := &gateway.Gateway{
		Store:          store,
		Presence:       registry,
		Queue:          q,
		Ledger:         seats,
		Matcher:        m,
		Notify:         notify,
		Geo:            index,
		Conns:          ws,
		DriverCapacity: cfg.DriverCapacity,
		LocationMaxAge: cfg.LocationMaxAge,
		Log:            log,
	}
	if kp != nil {
		m.Journal = kp
		gw.Journal = kp
	}
	ws.SetHandler(gw)

	if err := gw.Resync(ctx); err != nil {
		return fmt.Errorf("rebuild state from store: %w", err)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Store:          store,
		Queue:          q,
		Ledger:         seats,
		Geo:            index,
		ETA:            estimator,
		WS:             http.HandlerFunc(ws.ServeWS),
		Checks:         checks,
		LocationMaxAge: cfg.LocationMaxAge,
		Logger:         log,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("ride-matching listening", "addr", cfg.HTTPAddr, "points", len(points), "retention", cfg.Retention)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		ws.Close()
		return err
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		log.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(cfg.PGDSN, log); err != nil {
			return nil, err
		}
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return ps, nil
}
