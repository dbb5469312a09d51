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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/thimpu-create/cab-microservice-api/internal/config"
	"github.com/thimpu-create/cab-microservice-api/internal/dispatch"
	"github.com/thimpu-create/cab-microservice-api/internal/geo"
	"github.com/thimpu-create/cab-microservice-api/internal/ingest"
	"github.com/thimpu-create/cab-microservice-api/internal/logging"
	"github.com/thimpu-create/cab-microservice-api/internal/matcher"
	"github.com/thimpu-create/cab-microservice-api/internal/models"
	"github.com/thimpu-create/cab-microservice-api/internal/rides"
	"github.com/thimpu-create/cab-microservice-api/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	storeUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "consumer_store_updates_total",
		Help:      "Total location updates applied to the coordination store",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "consumer_store_errors_total",
		Help:      "Total location updates dropped after exhausting retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, storeUpdates, storeErrors)
}

func main() {
	metricsAddr := pflag.String("metrics-addr", ":2112", "address to serve prometheus metrics on")
	configPath := pflag.String("config", "", "path to a YAML config file; environment variables override it")
	pflag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName+"-consumer")
	slog.SetDefault(logger)

	if err := run(cfg, *metricsAddr, logger); err != nil {
		logger.Error("consumer exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, metricsAddr string, logger *slog.Logger) error {
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	store := storage.NewRedisStore(redisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer store.Close()

	// No sessions live in this process, so relays to requesters are no-ops
	// here; the store writes are what matter.
	applier := matcher.New(
		geo.NewService(store, cfg.RedisGeoKey, logger),
		rides.NewLifecycle(store, cfg.RideRequestTTL, cfg.RideAssignmentTTL, logger),
		dispatch.NewFanout(dispatch.NewRegistry(cfg.WSWriteTimeout, logger)),
		nil,
		matcher.Config{RadiusKm: cfg.MatchRadiusKm, SpeedMps: cfg.DefaultSpeedMps},
		logger,
	)

	metrics := &http.Server{Addr: metricsAddr, Handler: metricsMux(store), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error("kafka reader", "error", fmt.Sprintf(msg, args...))
		}),
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup)
	consume(ctx, r, applier, logger)
	logger.Info("shutting down consumer")
	return nil
}

func metricsMux(store storage.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// MessageReader is the slice of *kafka.Reader the consume loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// LocationApplier records one location update. *matcher.Service in
// production, a fake in tests.
type LocationApplier interface {
	ApplyLocation(ctx context.Context, u models.LocationUpdate) error
}

// consume drains r until ctx is done. Read errors back off exponentially;
// bad messages are counted and skipped.
func consume(ctx context.Context, r MessageReader, a LocationApplier, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			if !sleep(ctx, backoff) {
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

		u, err := ingest.DecodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "error", err, "offset", m.Offset, "partition", m.Partition)
			continue
		}

		if err := applyWithRetry(ctx, a, u, 3, 200*time.Millisecond); err != nil {
			storeErrors.Inc()
			logger.Error("location update failed", "driver_id", u.WorkerID, "error", err)
			continue
		}
		storeUpdates.Inc()
	}
}

// applyWithRetry applies u, retrying with a doubling delay.
func applyWithRetry(ctx context.Context, a LocationApplier, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = a.ApplyLocation(ctx, u); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
