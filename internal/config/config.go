package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables (optionally seeded from a .env
// file) with defaults that let the binary run locally on sqlite and in-memory
// indexes without extra setup.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`

	KafkaBrokers        []string `envconfig:"KAFKA_BROKERS"`
	KafkaLocationTopic  string   `envconfig:"KAFKA_LOCATION_TOPIC" default:"driver-locations"`
	KafkaJobEventsTopic string   `envconfig:"KAFKA_JOB_EVENTS_TOPIC" default:"job-events"`

	DBDriver      string        `envconfig:"DB_DRIVER" default:"postgres"`
	DBDSN         string        `envconfig:"PG_DSN"`
	RunMigrations bool          `envconfig:"MIGRATE" default:"false"`
	StoreTimeout  time.Duration `envconfig:"STORE_TIMEOUT" default:"3s"`

	Dispatch DispatchConfig
	Notify   NotifyConfig

	OSRMEndpoint    string        `envconfig:"OSRM_ENDPOINT"`
	ETACacheTTL     time.Duration `envconfig:"ETA_CACHE_TTL" default:"1m"`
	DefaultSpeedMps float64       `envconfig:"MATCHER_DEFAULT_SPEED_MPS" default:"10"`

	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// DispatchConfig holds the domain knobs for matching, offers and payouts.
type DispatchConfig struct {
	CommissionPct      float64       `envconfig:"COMMISSION_PCT" default:"15"`
	OfferTTL           time.Duration `envconfig:"OFFER_TTL" default:"60s"`
	OfferRetention     time.Duration `envconfig:"OFFER_RETENTION" default:"5m"`
	OfferSweepSchedule string        `envconfig:"OFFER_SWEEP_SCHEDULE" default:"@every 30s"`
	SearchRadiusKm     float64       `envconfig:"SEARCH_RADIUS_KM" default:"10"`
	CandidateLimit     int           `envconfig:"CANDIDATE_LIMIT" default:"10"`
	LocationFreshness  time.Duration `envconfig:"LOCATION_FRESHNESS" default:"2m"`
}

type NotifyConfig struct {
	Endpoint    string        `envconfig:"NOTIFY_ENDPOINT"`
	Key         string        `envconfig:"NOTIFY_KEY"`
	MaxAttempts int           `envconfig:"NOTIFY_MAX_ATTEMPTS" default:"3"`
	Backoff     time.Duration `envconfig:"NOTIFY_BACKOFF" default:"200ms"`
	Workers     int           `envconfig:"NOTIFY_WORKERS" default:"4"`
	QueueSize   int           `envconfig:"NOTIFY_QUEUE_SIZE" default:"256"`
}

// ConsumerConfig configures the driver-location Kafka consumer.
type ConsumerConfig struct {
	MetricsAddr   string   `envconfig:"METRICS_ADDR" default:":2112"`
	KafkaBrokers  []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic    string   `envconfig:"KAFKA_LOCATION_TOPIC" default:"driver-locations"`
	KafkaGroup    string   `envconfig:"KAFKA_GROUP" default:"field-dispatch-consumer"`
	RedisAddr     string   `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string   `envconfig:"REDIS_PASSWORD"`
	RedisDB       int      `envconfig:"REDIS_DB" default:"0"`
	RedisGeoKey   string   `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`
	MaxAttempts   int      `envconfig:"CONSUMER_MAX_ATTEMPTS" default:"3"`
	LogLevel      string   `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadServerConfig() (ServerConfig, error) {
	if err := loadDotEnv(); err != nil {
		return ServerConfig{}, err
	}
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

// Validate reports every invalid field at once.
func (c ServerConfig) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "postgres":
		if c.DBDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for DB_DRIVER=postgres"))
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be > 0"))
	}
	if err := c.Dispatch.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Notify.Workers <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_WORKERS must be > 0"))
	}
	if c.Notify.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be > 0"))
	}
	return errors.Join(errs...)
}

func (d DispatchConfig) Validate() error {
	var errs []error
	if d.CommissionPct < 0 || d.CommissionPct > 100 {
		errs = append(errs, fmt.Errorf("COMMISSION_PCT must be within [0,100]"))
	}
	if d.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be > 0"))
	}
	if d.OfferRetention < 0 {
		errs = append(errs, fmt.Errorf("OFFER_RETENTION must be >= 0"))
	}
	if d.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_KM must be > 0"))
	}
	if d.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("CANDIDATE_LIMIT must be > 0"))
	}
	if d.LocationFreshness < 0 {
		errs = append(errs, fmt.Errorf("LOCATION_FRESHNESS must be >= 0"))
	}
	return errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	if err := loadDotEnv(); err != nil {
		return ConsumerConfig{}, err
	}
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ConsumerConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_MAX_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

func trimAll(raw []string) []string {
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
