/*
Package config loads server configuration from the environment.

A .env file in the working directory is loaded first when present, so
local development doesn't need exported variables. Every value has a
sensible default; the server runs with no configuration at all.

VARIABLES:
  PORT            HTTP listen port              (default 8080)
  DB_PATH         SQLite database path          (default ./data/loyalty.db)
  SWEEP_INTERVAL  Expiry sweep interval         (default 1h)
  LOG_LEVEL       logrus level: debug..error    (default info)
  SEED_FILE       Optional JSON seed document   (default none)
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server configuration.
type Config struct {
	Port          string
	DBPath        string
	SweepInterval time.Duration
	LogLevel      string
	SeedFile      string
}

// Load reads configuration from .env (if present) and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		DBPath:   getEnv("DB_PATH", "./data/loyalty.db"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		SeedFile: getEnv("SEED_FILE", ""),
	}

	interval := getEnv("SWEEP_INTERVAL", "1h")
	d, err := time.ParseDuration(interval)
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL %q: %w", interval, err)
	}
	cfg.SweepInterval = d

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
