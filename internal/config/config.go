// Package config содержит логику чтения конфигурации платформы fundchain.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации платформы fundchain.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	LedgerAddress     string        `env:"LEDGER_ADDRESS"`
	ContentGateways   string        `env:"CONTENT_GATEWAYS"`
	PinServiceAddress string        `env:"PIN_SERVICE_ADDRESS"`
	AuthSecret        string        `env:"AUTH_SECRET"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL"`
}

// GatewayList возвращает список шлюзов контента в порядке приоритета.
func (c *Config) GatewayList() []string {
	var res []string
	for _, g := range strings.Split(c.ContentGateways, ",") {
		g = strings.TrimSpace(g)
		if g != "" {
			res = append(res, g)
		}
	}
	return res
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envLedgerAddress := cfg.LedgerAddress
	envGateways := cfg.ContentGateways
	envPinService := cfg.PinServiceAddress
	envAuthSecret := cfg.AuthSecret
	envReconcileInterval := cfg.ReconcileInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.LedgerAddress, "l", "", "ledger service address")
	flag.StringVar(&cfg.ContentGateways, "g", "http://localhost:8081,https://ipfs.io/ipfs,https://gateway.pinata.cloud/ipfs,https://cloudflare-ipfs.com/ipfs", "comma-separated content gateway base URLs")
	flag.StringVar(&cfg.PinServiceAddress, "p", "", "pin service address")
	flag.StringVar(&cfg.AuthSecret, "s", "fundchain-secret", "secret key for auth cookies")
	flag.DurationVar(&cfg.ReconcileInterval, "i", 10*time.Second, "interval between reconciliation passes")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envLedgerAddress != "" {
		cfg.LedgerAddress = envLedgerAddress
	}
	if envGateways != "" {
		cfg.ContentGateways = envGateways
	}
	if envPinService != "" {
		cfg.PinServiceAddress = envPinService
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envReconcileInterval != 0 {
		cfg.ReconcileInterval = envReconcileInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Second
	}

	return cfg, nil
}
