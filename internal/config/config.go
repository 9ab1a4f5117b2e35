package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch engine
// process. Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	AMQPURL string

	PGDSN string

	JWTSecret      string
	DriverTokenTTL time.Duration

	StripeAPIKey   string
	FareBaseCents  int64
	FarePerKmCents int64
	FareCurrency   string

	GoogleMapsAPIKey string
	OSRMEndpoint     string
	ETACacheTTL      time.Duration
	DefaultSpeedKmh  float64

	// location staleness
	StaleAfter    time.Duration
	SweepInterval time.Duration

	// dispatch loop
	DispatchMaxRetries      int
	DispatchRetryBackoff    time.Duration
	DispatchRadiusGrowth    float64
	DispatchMaxRadiusKm     float64
	DispatchCandidateLimit  int
	DispatchDeclineCooldown time.Duration
	DispatchOfferTimeout    time.Duration

	// runtime settings defaults, adjustable over the admin API afterwards
	AutoDispatchEnabled        bool
	AutoDispatchTimeoutSeconds int
	MatchingRadiusKm           float64
	MinDriverRating            float64
	RequiresDriverConfirmation bool

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey: "drivers_geo",
		KafkaTopic:  "driver-locations",
		KafkaGroup:  "ride-dispatch-consumer",

		DriverTokenTTL: 24 * time.Hour,

		FareBaseCents:  500,
		FarePerKmCents: 120,
		FareCurrency:   "usd",

		ETACacheTTL:     30 * time.Second,
		DefaultSpeedKmh: 30,

		StaleAfter:    3 * time.Minute,
		SweepInterval: 10 * time.Second,

		DispatchMaxRetries:      5,
		DispatchRetryBackoff:    10 * time.Second,
		DispatchRadiusGrowth:    1.5,
		DispatchMaxRadiusKm:     15,
		DispatchCandidateLimit:  8,
		DispatchDeclineCooldown: 2 * time.Minute,
		DispatchOfferTimeout:    30 * time.Second,

		AutoDispatchEnabled:        true,
		AutoDispatchTimeoutSeconds: 30,
		MatchingRadiusKm:           3,
		MinDriverRating:            0,

		LogLevel: "info",
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

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.DriverTokenTTL, "DRIVER_TOKEN_TTL", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setInt64FromEnv(&cfg.FareBaseCents, "FARE_BASE_CENTS", &errs)
	setInt64FromEnv(&cfg.FarePerKmCents, "FARE_PER_KM_CENTS", &errs)
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")

	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedKmh, "DEFAULT_SPEED_KMH", &errs)

	setDurationFromEnv(&cfg.StaleAfter, "LOCATION_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "LOCATION_SWEEP_INTERVAL", &errs)

	setIntFromEnv(&cfg.DispatchMaxRetries, "DISPATCH_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.DispatchRetryBackoff, "DISPATCH_RETRY_BACKOFF", &errs)
	setFloatFromEnv(&cfg.DispatchRadiusGrowth, "DISPATCH_RADIUS_GROWTH", &errs)
	setFloatFromEnv(&cfg.DispatchMaxRadiusKm, "DISPATCH_MAX_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.DispatchCandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.DispatchDeclineCooldown, "DISPATCH_DECLINE_COOLDOWN", &errs)
	setDurationFromEnv(&cfg.DispatchOfferTimeout, "DISPATCH_OFFER_TIMEOUT", &errs)

	setBoolFromEnv(&cfg.AutoDispatchEnabled, "AUTO_DISPATCH_ENABLED")
	setIntFromEnv(&cfg.AutoDispatchTimeoutSeconds, "AUTO_DISPATCH_TIMEOUT_SECONDS", &errs)
	setFloatFromEnv(&cfg.MatchingRadiusKm, "MATCHING_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.MinDriverRating, "MIN_DRIVER_RATING", &errs)
	setBoolFromEnv(&cfg.RequiresDriverConfirmation, "REQUIRES_DRIVER_CONFIRMATION")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DispatchMaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RETRIES must be > 0"))
	}
	if cfg.MatchingRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHING_RADIUS_KM must be > 0"))
	}
	if cfg.DispatchCandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}

	return cfg, errors.Join(errs...)
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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

func setBoolFromEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = strings.EqualFold(v, "true") || v == "1"
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
