package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	ScraperURL    string `env:"SCRAPER_URL"`

	Concurrency   int           `env:"CONCURRENCY" envDefault:"4"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	LeaseDuration time.Duration `env:"LEASE_DURATION" envDefault:"60s"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	GracePeriod   time.Duration `env:"GRACE_PERIOD" envDefault:"30s"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("CONCURRENCY must be at least 1")
	case c.MaxAttempts < 1:
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	case c.LeaseDuration <= 0, c.PollInterval <= 0, c.SweepInterval <= 0, c.GracePeriod <= 0:
		return fmt.Errorf("durations must be positive")
	}
	return nil
}
