package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`

	PlatformOperatorID   uuid.UUID       `env:"PLATFORM_OPERATOR_ID,required"`
	DefaultCommissionPct decimal.Decimal `env:"DEFAULT_COMMISSION_PCT" envDefault:"10"`
	MinWithdrawalAmount  int64           `env:"MIN_WITHDRAWAL_AMOUNT" envDefault:"1000"`

	RunProcessor            bool          `env:"RUN_PROCESSOR" envDefault:"true"`
	InstanceID              string        `env:"INSTANCE_ID"`
	DistributionSchedule    string        `env:"DISTRIBUTION_SCHEDULE" envDefault:"@every 1m"`
	DistributionMaxRetries  int           `env:"DISTRIBUTION_MAX_RETRIES" envDefault:"5"`
	DistributionBatchSize   int           `env:"DISTRIBUTION_BATCH_SIZE" envDefault:"100"`
	DistributionStaleAfter  time.Duration `env:"DISTRIBUTION_STALE_AFTER" envDefault:"10m"`

	RedisURL   string        `env:"REDIS_URL"`
	RunLockTTL time.Duration `env:"RUN_LOCK_TTL" envDefault:"5m"`
}

// Load reads an optional .env file (values already in the environment win) and
// parses the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config.Load: dotenv: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "tutorpay"
		}
		cfg.InstanceID = host
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.PlatformOperatorID == uuid.Nil {
		return errors.New("PLATFORM_OPERATOR_ID must not be the nil uuid")
	}
	if c.DefaultCommissionPct.IsNegative() || c.DefaultCommissionPct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("DEFAULT_COMMISSION_PCT %s outside [0,100]", c.DefaultCommissionPct)
	}
	if c.MinWithdrawalAmount < 0 {
		return errors.New("MIN_WITHDRAWAL_AMOUNT must not be negative")
	}
	if c.DistributionMaxRetries < 1 {
		return errors.New("DISTRIBUTION_MAX_RETRIES must be at least 1")
	}
	if c.DistributionBatchSize < 1 {
		return errors.New("DISTRIBUTION_BATCH_SIZE must be at least 1")
	}
	if c.DistributionStaleAfter <= 0 {
		return errors.New("DISTRIBUTION_STALE_AFTER must be positive")
	}
	if c.RunLockTTL <= 0 {
		return errors.New("RUN_LOCK_TTL must be positive")
	}
	if _, err := cron.ParseStandard(c.DistributionSchedule); err != nil {
		return fmt.Errorf("DISTRIBUTION_SCHEDULE: %w", err)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
