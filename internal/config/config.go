package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string     `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string     `env:"DB_PATH" envDefault:"data/escape.db"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	SPADir   string     `env:"SPA_DIR" envDefault:"../web/dist"`

	// RoomsFile replaces the embedded room catalog when set.
	RoomsFile string `env:"ROOMS_FILE"`

	AgentURL     string        `env:"AGENT_URL"`
	AgentAPIKey  string        `env:"AGENT_API_KEY"`
	AgentTimeout time.Duration `env:"AGENT_TIMEOUT" envDefault:"30s"`

	VictoryDelay      time.Duration `env:"VICTORY_DELAY" envDefault:"8s"`
	SessionQueueDepth int           `env:"SESSION_QUEUE_DEPTH" envDefault:"4"`

	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`
	BulkConcurrency   int    `env:"BULK_CONCURRENCY" envDefault:"4"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.AgentTimeout <= 0 {
		return nil, fmt.Errorf("AGENT_TIMEOUT must be positive, got %s", cfg.AgentTimeout)
	}
	if cfg.SessionQueueDepth <= 0 {
		return nil, fmt.Errorf("SESSION_QUEUE_DEPTH must be positive, got %d", cfg.SessionQueueDepth)
	}
	return &cfg, nil
}
