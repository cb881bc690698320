// Package config содержит логику чтения конфигурации сервиса диспетчеризации.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса диспетчеризации.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	GeocoderAddress   string `env:"GEOCODER_ADDRESS"`
	PaymentAddress    string `env:"PAYMENT_ADDRESS"`
	AuthSecret        string `env:"AUTH_SECRET"`
	CommissionPercent int64  `env:"COMMISSION_PERCENT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGeocoderAddress := cfg.GeocoderAddress
	envPaymentAddress := cfg.PaymentAddress
	envAuthSecret := cfg.AuthSecret
	envCommissionPercent := cfg.CommissionPercent

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GeocoderAddress, "g", "", "reverse geocoder address")
	flag.StringVar(&cfg.PaymentAddress, "p", "", "payment gateway address")
	flag.StringVar(&cfg.AuthSecret, "s", "dispatch-secret", "secret key for auth cookies")
	flag.Int64Var(&cfg.CommissionPercent, "c", 20, "platform commission percent")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGeocoderAddress != "" {
		cfg.GeocoderAddress = envGeocoderAddress
	}
	if envPaymentAddress != "" {
		cfg.PaymentAddress = envPaymentAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envCommissionPercent != 0 {
		cfg.CommissionPercent = envCommissionPercent
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.CommissionPercent <= 0 || cfg.CommissionPercent >= 100 {
		return nil, fmt.Errorf("commission percent out of range: %d", cfg.CommissionPercent)
	}

	return cfg, nil
}
