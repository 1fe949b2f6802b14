package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/zap"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Config is the process configuration, read from the environment.
type Config struct {
	EnvName         string `env:"ENV_NAME"          validate:"oneof=production staging development local"`
	LogLevel        string `env:"LOG_LEVEL"`
	OtelLibraryName string `env:"OTEL_LIBRARY_NAME" validate:"required"`
	Version         string `env:"VERSION"`

	EnableTelemetry       bool   `env:"ENABLE_TELEMETRY"`
	OtelServiceName       string `env:"OTEL_RESOURCE_SERVICE_NAME"  validate:"required"`
	OtelCollectorEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" validate:"required_if=EnableTelemetry true"`

	ServerAddress string `env:"SERVER_ADDRESS" validate:"required"`
	ConnectorURL  string `env:"CONNECTOR_URL"  validate:"required,url"`

	RedisHost      string `env:"REDIS_HOST"       validate:"required"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB"         validate:"gte=0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX"`

	LeaseDurationMS    int64 `env:"LEASE_DURATION_MS"    validate:"gte=0"`
	FinalizeIntervalMS int64 `env:"FINALIZE_INTERVAL_MS" validate:"gte=0"`
	ScanIntervalMS     int64 `env:"SCAN_INTERVAL_MS"     validate:"gte=0"`
	ShutdownTimeoutMS  int64 `env:"SHUTDOWN_TIMEOUT_MS"  validate:"gte=0"`

	LedgerAddress         string `env:"LEDGER_ADDRESS"`
	LedgerPrecision       int32  `env:"LEDGER_PRECISION"         validate:"gte=0,lte=255"`
	LedgerMinSettleAmount string `env:"LEDGER_MIN_SETTLE_AMOUNT" validate:"omitempty,numeric"`
	LedgerValidityWindow  uint64 `env:"LEDGER_VALIDITY_WINDOW"`
	LedgerBlockIntervalMS int64  `env:"LEDGER_BLOCK_INTERVAL_MS" validate:"gte=0"`
}

func defaultConfig() Config {
	engineDefaults := engine.DefaultConfig()

	return Config{
		EnvName:               "local",
		LogLevel:              "info",
		OtelLibraryName:       "github.com/LerianStudio/lib-settlement",
		Version:               "0.0.0",
		OtelServiceName:       "settlement-engine",
		OtelCollectorEndpoint: "localhost:4317",
		ServerAddress:         ":3000",
		ConnectorURL:          "http://localhost:7771",
		RedisHost:             "localhost:6379",
		LeaseDurationMS:       engineDefaults.LeaseDuration.Milliseconds(),
		FinalizeIntervalMS:    engineDefaults.FinalizeInterval.Milliseconds(),
		ScanIntervalMS:        engineDefaults.ScanInterval.Milliseconds(),
		ShutdownTimeoutMS:     engineDefaults.ShutdownTimeout.Milliseconds(),
		LedgerPrecision:       9,
		LedgerValidityWindow:  20,
		LedgerBlockIntervalMS: 3000,
	}
}

// loadConfig overlays the environment on the defaults and validates the result.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if err := settlement.SetConfigFromEnvVars(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	cfg.EnvName = strings.ToLower(strings.TrimSpace(cfg.EnvName))

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c Config) loggerConfig() zap.Config {
	return zap.Config{
		Environment:     zap.Environment(c.EnvName),
		Level:           c.LogLevel,
		OTelLibraryName: c.OtelLibraryName,
	}
}

func (c Config) telemetryConfig(logger log.Logger) *opentelemetry.TelemetryConfig {
	return &opentelemetry.TelemetryConfig{
		LibraryName:               c.OtelLibraryName,
		ServiceName:               c.OtelServiceName,
		ServiceVersion:            c.Version,
		DeploymentEnv:             c.EnvName,
		CollectorExporterEndpoint: c.OtelCollectorEndpoint,
		EnableTelemetry:           c.EnableTelemetry,
		Logger:                    logger,
	}
}

func (c Config) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.LeaseDuration = millis(c.LeaseDurationMS)
	cfg.FinalizeInterval = millis(c.FinalizeIntervalMS)
	cfg.ScanInterval = millis(c.ScanIntervalMS)
	cfg.ShutdownTimeout = millis(c.ShutdownTimeoutMS)

	return cfg
}

func (c Config) minSettleAmount() decimal.Decimal {
	if c.LedgerMinSettleAmount == "" {
		return decimal.Zero
	}

	return decimal.RequireFromString(c.LedgerMinSettleAmount)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
