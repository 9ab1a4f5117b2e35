package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/eventbus"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/scorer"
	"github.com/example/ride-dispatch/internal/settings"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations && cfg.PGDSN != "" {
		runMigrations(cfg.PGDSN, logger)
	}

	bus := eventbus.New()
	bus.OnDrop(observability.BusEventsDropped.Inc)

	var regStore registry.Store
	if cfg.PGDSN != "" {
		ps, err := registry.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("driver store init failed", "error", err)
			os.Exit(1)
		}
		regStore = ps
	}
	reg := registry.New(regStore, logger)

	var locStore location.Store
	if cfg.RedisAddr != "" {
		locStore = location.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, reg, bus)
		logger.Info("using redis location store", "addr", cfg.RedisAddr)
	} else {
		locStore = location.NewMemoryStore(reg, bus)
		logger.Info("using in-memory location store")
	}

	sweeper := location.NewSweeper(locStore, cfg.SweepInterval, cfg.StaleAfter, logger)
	sweeper.OnSweep(func(stale int) { observability.StaleDriversTotal.Add(float64(stale)) })
	go sweeper.Run(ctx)

	var ledgerStore ledger.Store
	if cfg.PGDSN != "" {
		ps, err := ledger.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("ride store init failed", "error", err)
			os.Exit(1)
		}
		ledgerStore = ps
	} else {
		ledgerStore = ledger.NewMemoryStore()
	}
	rides := ledger.NewService(ledgerStore, bus, logger)

	resolver := &eta.Resolver{
		Cache:    eta.NewCache(cfg.ETACacheTTL),
		SpeedKmh: cfg.DefaultSpeedKmh,
	}
	switch {
	case cfg.GoogleMapsAPIKey != "":
		gc, err := eta.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			logger.Error("google maps client init failed", "error", err)
			os.Exit(1)
		}
		resolver.Client = gc
		logger.Info("using google distance matrix for eta")
	case cfg.OSRMEndpoint != "":
		resolver.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		logger.Info("using osrm for eta", "endpoint", cfg.OSRMEndpoint)
	}

	set := settings.NewStore(settings.Settings{
		AutoDispatchEnabled:        cfg.AutoDispatchEnabled,
		AutoDispatchTimeoutSeconds: cfg.AutoDispatchTimeoutSeconds,
		MatchingRadiusKm:           cfg.MatchingRadiusKm,
		MinDriverRating:            cfg.MinDriverRating,
		RequiresDriverConfirmation: cfg.RequiresDriverConfirmation,
	}, bus)

	sched := dispatch.NewScheduler(dispatch.Config{
		MaxRetries:      cfg.DispatchMaxRetries,
		RetryBackoff:    cfg.DispatchRetryBackoff,
		RadiusGrowth:    cfg.DispatchRadiusGrowth,
		MaxRadiusKm:     cfg.DispatchMaxRadiusKm,
		CandidateLimit:  cfg.DispatchCandidateLimit,
		DeclineCooldown: cfg.DispatchDeclineCooldown,
		OfferTimeout:    cfg.DispatchOfferTimeout,
	}, rides, reg, locStore, scorer.New(scorer.DefaultConfig()), resolver, set, bus, logger)
	defer sched.Stop()

	if cfg.StripeAPIKey != "" {
		proc := payments.NewProcessor(
			payments.NewStripeClient(cfg.StripeAPIKey),
			rides,
			payments.DistanceFare(cfg.FareBaseCents, cfg.FarePerKmCents),
			cfg.FareCurrency,
			logger,
		)
		go proc.Run(ctx, bus.Subscribe(eventbus.All, 256))
		logger.Info("stripe payment processor enabled")
	}

	if cfg.AMQPURL != "" {
		bridge, err := eventbus.NewAMQPBridge(cfg.AMQPURL, logger)
		if err != nil {
			logger.Error("rabbitmq bridge init failed", "error", err)
			os.Exit(1)
		}
		defer bridge.Close()
		go bridge.Run(ctx, bus.Subscribe(eventbus.All, 256))
		logger.Info("rabbitmq bridge enabled")
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		logger.Info("kafka producer enabled", "topic", cfg.KafkaTopic)
	}

	api := httpapi.NewServer(httpapi.Server{
		Locations:   locStore,
		Registry:    reg,
		Ledger:      rides,
		Scheduler:   sched,
		Settings:    set,
		Tokens:      auth.NewTokenManager(cfg.JWTSecret, cfg.DriverTokenTTL),
		Kafka:       producer,
		Hub:         eventbus.NewHub(bus, logger),
		NearbyLimit: cfg.DispatchCandidateLimit,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// runMigrations applies migrations/001_init.sql when MIGRATE=true, mirroring
// local-dev convenience rather than a full migration tool.
func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_init.sql")
}
