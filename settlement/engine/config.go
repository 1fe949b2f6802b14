package engine

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/backoff"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultLeaseDuration    = time.Minute
	defaultFinalizeInterval = 5 * time.Second
	defaultScanInterval     = 5 * time.Second
	defaultPassLockExpiry   = 30 * time.Second
	defaultShutdownTimeout  = 30 * time.Second
)

// Config controls lease timing and the background passes.
type Config struct {
	// LeaseDuration is how long funds stay reserved for a transaction whose
	// outcome is unknown and which carries no ledger height bound.
	LeaseDuration time.Duration `validate:"gte=0"`
	// FinalizeInterval is the period of the lease finalize pass.
	FinalizeInterval time.Duration `validate:"gte=0"`
	// ScanInterval is the period of the incoming ledger scan.
	ScanInterval time.Duration `validate:"gte=0"`
	// PassLockExpiry bounds how long one instance may hold a pass lock.
	PassLockExpiry time.Duration `validate:"gte=0"`
	// ShutdownTimeout bounds the wait for in-flight settlement chains.
	ShutdownTimeout time.Duration `validate:"gte=0"`
	// NotifyPolicy bounds connector notification retries.
	NotifyPolicy backoff.Policy `validate:"-"`
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider `validate:"-"`
}

// DefaultConfig returns the baseline engine configuration.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:    defaultLeaseDuration,
		FinalizeInterval: defaultFinalizeInterval,
		ScanInterval:     defaultScanInterval,
		PassLockExpiry:   defaultPassLockExpiry,
		ShutdownTimeout:  defaultShutdownTimeout,
		NotifyPolicy:     backoff.DefaultPolicy(),
	}
}

func (cfg *Config) normalize() {
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}

	if cfg.FinalizeInterval == 0 {
		cfg.FinalizeInterval = defaultFinalizeInterval
	}

	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = defaultScanInterval
	}

	if cfg.PassLockExpiry == 0 {
		cfg.PassLockExpiry = defaultPassLockExpiry
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
}

func (cfg Config) validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}

	return nil
}

// Option customizes an Engine.
type Option func(*Engine)

// WithConfig replaces the engine configuration. Zero durations fall back to
// their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the tracer used for engine spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithLockManager guards the background passes across engine instances.
// Without one, every instance runs every pass.
func WithLockManager(locks PassLocker) Option {
	return func(e *Engine) {
		e.locks = locks
	}
}

// WithClock overrides the clock used to judge lease expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
