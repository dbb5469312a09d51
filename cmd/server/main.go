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
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/thimpu-create/cab-microservice-api/internal/config"
	"github.com/thimpu-create/cab-microservice-api/internal/dispatch"
	"github.com/thimpu-create/cab-microservice-api/internal/geo"
	httpapi "github.com/thimpu-create/cab-microservice-api/internal/http"
	"github.com/thimpu-create/cab-microservice-api/internal/ingest"
	"github.com/thimpu-create/cab-microservice-api/internal/logging"
	"github.com/thimpu-create/cab-microservice-api/internal/matcher"
	"github.com/thimpu-create/cab-microservice-api/internal/notifier"
	"github.com/thimpu-create/cab-microservice-api/internal/rides"
	"github.com/thimpu-create/cab-microservice-api/internal/storage"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file; environment variables override it")
	pflag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := dispatch.NewRegistry(cfg.WSWriteTimeout, logger)
	locations := geo.NewService(store, cfg.RedisGeoKey, logger)
	lifecycle := rides.NewLifecycle(store, cfg.RideRequestTTL, cfg.RideAssignmentTTL, logger)
	events := notifier.New(store, cfg.RedisChannel, logger)
	svc := matcher.New(locations, lifecycle, dispatch.NewFanout(reg), events,
		matcher.Config{RadiusKm: cfg.MatchRadiusKm, SpeedMps: cfg.DefaultSpeedMps}, logger)
	events.Handle = svc.HandleChannelEvent

	opts := httpapi.Options{
		Matcher:     svc,
		Registry:    reg,
		Store:       store,
		ServiceName: cfg.ServiceName,
		Instance:    events.Instance(),
		Logger:      logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		opts.Locations = kp
		logger.Info("location updates go through kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return events.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("ride-matching listening", "addr", cfg.HTTPAddr, "instance", events.Instance())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		reg.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore connects to Redis when configured and otherwise falls back to
// the in-process store, which only suits a single instance.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, using in-memory coordination store")
		return storage.NewMemoryStore(), nil
	}
	rs := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("connected to redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return rs, nil
}
