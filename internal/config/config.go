// Package config loads runner configuration from an optional yaml file with
// environment overrides on top of built-in defaults.
package config

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ronappleton/arazzo-runner/internal/engine"
	"github.com/ronappleton/arazzo-runner/internal/policy"
	"github.com/ronappleton/arazzo-runner/internal/retry"
)

type Config struct {
	DatabaseURL string          `yaml:"database_url"`
	Engine      engine.Config   `yaml:"engine"`
	Policy      policy.Config   `yaml:"policy"`
	Retry       retry.Config    `yaml:"retry"`
	Events      EventsConfig    `yaml:"events"`
	Log         LogConfig       `yaml:"log"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

type EventsConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	CollectorURL   string `yaml:"collector_url"`
	CollectorToken string `yaml:"collector_token"`
	Stdout         bool   `yaml:"stdout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

func Default() Config {
	return Config{
		Engine: engine.DefaultConfig(),
		Policy: policy.Default(),
		Retry:  retry.Default(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "arazzo-runner",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("ARAZZO_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	} else if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ARAZZO_WEBHOOK_URL")); v != "" {
		cfg.Events.WebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ARAZZO_COLLECTOR_URL")); v != "" {
		cfg.Events.CollectorURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ARAZZO_COLLECTOR_TOKEN")); v != "" {
		cfg.Events.CollectorToken = v
	}
	if v := strings.TrimSpace(os.Getenv("ARAZZO_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("ARAZZO_LOG_FORMAT")); v != "" {
		cfg.Log.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Enabled = true
		if cfg.Telemetry.OTLPEndpoint == "" {
			cfg.Telemetry.OTLPEndpoint = v
		}
	}

	return cfg, nil
}
