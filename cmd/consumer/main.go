// The consumer applies the Kafka driver-location stream to the shared
// location store, so API processes can scale without each ingesting GPS
// traffic themselves.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
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
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_stale_total",
		Help: "Total out-of-order samples dropped",
	})
	storeUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_updates_total",
		Help: "Total successful location store updates",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total location store errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, storeUpdates, storeErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	var regStore registry.Store
	if cfg.PGDSN != "" {
		if ps, err := registry.NewPostgresStore(cfg.PGDSN); err == nil {
			regStore = ps
		} else {
			logger.Warn("driver store init failed, running without persistence", "error", err)
		}
	}
	reg := registry.New(regStore, logger)

	var store location.Store
	if cfg.RedisAddr != "" {
		store = location.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, reg, nil)
	} else {
		store = location.NewMemoryStore(reg, nil)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := ingest.NewReader(brokers, cfg.KafkaTopic, cfg.KafkaGroup)
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var pos models.DriverPosition
		if err := json.Unmarshal(m.Value, &pos); err != nil || pos.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		if err := applyWithRetry(ctx, store, pos, 3, 200*time.Millisecond); err != nil {
			if errors.Is(err, location.ErrStaleSample) {
				msgsStale.Inc()
				continue
			}
			storeErrors.Inc()
			logger.Warn("store update failed", "driver_id", pos.DriverID, "error", err)
			continue
		}
		storeUpdates.Inc()
	}
}

// Updater is the single store operation the consumer exercises, split out
// so tests can fail it deterministically.
type Updater interface {
	Update(ctx context.Context, pos models.DriverPosition) error
}

// applyWithRetry retries transient store failures with exponential backoff.
// Stale samples are not transient and surface immediately.
func applyWithRetry(ctx context.Context, store Updater, pos models.DriverPosition, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = store.Update(ctx, pos)
		if err == nil || errors.Is(err, location.ErrStaleSample) {
			return err
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
