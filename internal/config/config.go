package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr   string `env:"METRICS_ADDR" envDefault:":9090"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"internal/storage/migrations"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	CatalogPath   string `env:"CATALOG_PATH" envDefault:"config/catalog.yaml"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`

	Engine  Engine  `envPrefix:"ENGINE_"`
	Saga    Saga    `envPrefix:"SAGA_"`
	Cloud   Cloud   `envPrefix:"CLOUD_"`
	DNS     DNS     `envPrefix:"DNS_"`
	Panel   Panel   `envPrefix:"PANEL_"`
	Kafka   Kafka   `envPrefix:"KAFKA_"`
	Tracing Tracing `envPrefix:"TRACING_"`
}

// Engine tunes the job engine. The claim ratios split spare worker capacity
// between fresh and retrying jobs.
type Engine struct {
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	Workers           int           `env:"WORKERS" envDefault:"16"`
	PendingRatio      float64       `env:"PENDING_RATIO" envDefault:"0.8"`
	RetryingRatio     float64       `env:"RETRYING_RATIO" envDefault:"0.3"`
	DefaultMaxRetries int           `env:"DEFAULT_MAX_RETRIES" envDefault:"5"`
	MinBackoff        time.Duration `env:"MIN_BACKOFF" envDefault:"30s"`
	MaxBackoff        time.Duration `env:"MAX_BACKOFF" envDefault:"1h"`
	Retention         time.Duration `env:"RETENTION" envDefault:"168h"`
	CleanupSchedule   string        `env:"CLEANUP_SCHEDULE" envDefault:"@every 10m"`
	StaleAfter        time.Duration `env:"STALE_AFTER" envDefault:"30m"`
	CleanupLockID     int64         `env:"CLEANUP_LOCK_ID" envDefault:"42"`
}

type Saga struct {
	BusyTimeout      time.Duration `env:"BUSY_TIMEOUT" envDefault:"15m"`
	NodeReadyTimeout time.Duration `env:"NODE_READY_TIMEOUT" envDefault:"5m"`
	ServerPort       int           `env:"SERVER_PORT" envDefault:"25565"`
}

type Cloud struct {
	BaseURL string   `env:"BASE_URL" envDefault:"https://api.hetzner.cloud/v1"`
	Token   string   `env:"TOKEN"`
	Image   string   `env:"IMAGE" envDefault:"ubuntu-24.04"`
	SSHKeys []string `env:"SSH_KEYS"`
}

type DNS struct {
	BaseURL string `env:"BASE_URL" envDefault:"https://api.cloudflare.com/client/v4"`
	Token   string `env:"TOKEN"`
	ZoneID  string `env:"ZONE_ID"`
	Domain  string `env:"DOMAIN"`
}

type Panel struct {
	BaseURL        string `env:"BASE_URL"`
	ApplicationKey string `env:"APPLICATION_KEY"`
	ClientKey      string `env:"CLIENT_KEY"`
	OwnerUserID    int    `env:"OWNER_USER_ID" envDefault:"1"`
	SSHUser        string `env:"SSH_USER" envDefault:"root"`
	SSHKeyPath     string `env:"SSH_KEY_PATH"`
}

type Kafka struct {
	Brokers []string `env:"BROKERS"`
	Topic   string   `env:"TOPIC" envDefault:"billing-events"`
	GroupID string   `env:"GROUP_ID" envDefault:"provisioning"`
}

type Tracing struct {
	Enabled    bool    `env:"ENABLED" envDefault:"false"`
	Endpoint   string  `env:"ENDPOINT"`
	SampleRate float64 `env:"SAMPLE_RATE" envDefault:"1"`
}

// Parse reads the configuration from the environment and validates it.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) Validate() error {
	e := c.Engine
	switch {
	case e.Workers <= 0:
		return errors.New("ENGINE_WORKERS must be positive")
	case e.PollInterval <= 0:
		return errors.New("ENGINE_POLL_INTERVAL must be positive")
	case e.PendingRatio <= 0 || e.PendingRatio > 1:
		return errors.Errorf("ENGINE_PENDING_RATIO must be in (0, 1], got %v", e.PendingRatio)
	case e.RetryingRatio <= 0 || e.RetryingRatio > 1:
		return errors.Errorf("ENGINE_RETRYING_RATIO must be in (0, 1], got %v", e.RetryingRatio)
	case e.DefaultMaxRetries <= 0:
		return errors.New("ENGINE_DEFAULT_MAX_RETRIES must be positive")
	case e.MinBackoff > e.MaxBackoff:
		return errors.New("ENGINE_MIN_BACKOFF must not exceed ENGINE_MAX_BACKOFF")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("TRACING_ENDPOINT is required when tracing is enabled")
	}
	return nil
}
