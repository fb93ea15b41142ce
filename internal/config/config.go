// Package config содержит логику чтения конфигурации сервиса маркетплейса.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса маркетплейса.
//
// Строковые параметры задаются флагами и переопределяются переменными окружения.
// Параметры push-канала и фоновых задач задаются только окружением.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	RedisURL              string `env:"REDIS_URL"`
	PaymentServiceAddress string `env:"PAYMENT_SERVICE_ADDRESS"`
	AuthSecret            string `env:"AUTH_SECRET"`
	ListingsFile          string `env:"LISTINGS_FILE"`

	PushQueueSize     int           `env:"PUSH_QUEUE_SIZE" envDefault:"1024"`
	PushWorkers       int           `env:"PUSH_WORKERS" envDefault:"4"`
	PushSendTimeout   time.Duration `env:"PUSH_SEND_TIMEOUT" envDefault:"2s"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.RedisURL, "r", "", "redis URL for cross-instance push fan-out")
	flag.StringVar(&cfg.PaymentServiceAddress, "p", "", "payment service address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret used to sign auth tokens")
	flag.StringVar(&cfg.ListingsFile, "l", "", "JSON file with listings to upsert on startup")

	flag.Parse()

	overrides := []struct {
		dst *string
		env string
	}{
		{&cfg.RunAddress, fromEnv.RunAddress},
		{&cfg.DatabaseURI, fromEnv.DatabaseURI},
		{&cfg.RedisURL, fromEnv.RedisURL},
		{&cfg.PaymentServiceAddress, fromEnv.PaymentServiceAddress},
		{&cfg.AuthSecret, fromEnv.AuthSecret},
		{&cfg.ListingsFile, fromEnv.ListingsFile},
	}
	for _, o := range overrides {
		if o.env != "" {
			*o.dst = o.env
		}
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.PushQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_QUEUE_SIZE must be positive, got %d", c.PushQueueSize))
	}
	if c.PushWorkers <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_WORKERS must be positive, got %d", c.PushWorkers))
	}
	if c.PushSendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_SEND_TIMEOUT must be positive, got %s", c.PushSendTimeout))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.PollInterval))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_INTERVAL must be positive, got %s", c.ReconcileInterval))
	}
	return errors.Join(errs...)
}
