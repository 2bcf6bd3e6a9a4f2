// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config centralizes the environment variables PipeWeave reads
// at startup, the way continuumworker's main.go used to inline them.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeContinuous  Mode = "continuous"
	ModeTickDriven  Mode = "tick-driven"
)

type LogLevel string

const (
	LogMinimal  LogLevel = "minimal"
	LogNormal   LogLevel = "normal"
	LogDetailed LogLevel = "detailed"
)

// Config is every knob named in spec.md §6 plus the observability
// exporter toggle the OTel wiring needs.
type Config struct {
	DatabaseURL           string
	SecretKey             string
	Mode                  Mode
	Port                  string
	MaxConcurrency        int
	PollIntervalMs        int
	LogLevel              LogLevel
	DLQRetentionDays      int
	DefaultIdempotencyTTL int
	DefaultMaxRetryDelay  int

	// OTelExporter selects "stdout" (default, local dev) or "otlp".
	OTelExporter  string
	OTelEndpoint  string
}

// Load reads configuration from the environment, optionally seeded by a
// .env file. Unlike the teacher's main.go, a missing .env is tolerated:
// production deployments set real environment variables and never ship
// a dotfile.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SecretKey:             os.Getenv("SECRET_KEY"),
		Mode:                  Mode(getenvDefault("MODE", string(ModeContinuous))),
		Port:                  getenvDefault("PORT", "8080"),
		MaxConcurrency:        getenvIntDefault("MAX_CONCURRENCY", 10),
		PollIntervalMs:        getenvIntDefault("POLL_INTERVAL_MS", 1000),
		LogLevel:              LogLevel(getenvDefault("LOG_LEVEL", string(LogNormal))),
		DLQRetentionDays:      getenvIntDefault("DLQ_RETENTION_DAYS", 30),
		DefaultIdempotencyTTL: getenvIntDefault("DEFAULT_IDEMPOTENCY_TTL_SEC", 3600),
		DefaultMaxRetryDelay:  getenvIntDefault("DEFAULT_MAX_RETRY_DELAY_MS", 300000),
		OTelExporter:          getenvDefault("OTEL_EXPORTER", "stdout"),
		OTelEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("SECRET_KEY is required")
	}
	if cfg.Mode != ModeContinuous && cfg.Mode != ModeTickDriven {
		return nil, fmt.Errorf("MODE must be %q or %q, got %q", ModeContinuous, ModeTickDriven, cfg.Mode)
	}
	if cfg.OTelEndpoint != "" {
		cfg.OTelExporter = "otlp"
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
