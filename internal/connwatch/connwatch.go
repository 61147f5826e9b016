// Package connwatch waits for external services (the model server, MCP
// endpoints) to become reachable before a run starts, probing with
// exponential backoff.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second transient dial errors. connwatch covers multi-second
// outages such as a model server that is still loading weights.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnreachable is returned when every probe failed.
var ErrUnreachable = errors.New("service unreachable")

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of probe attempts (default: 5).
	MaxRetries int

	// ProbeTimeout limits how long each individual probe call may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the schedule 2s, 4s, 8s, 16s between
// five attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// WaitReady probes until probe succeeds, the retries are exhausted or
// ctx ends. name identifies the service in logs and errors. It returns
// nil once the service answered, ErrUnreachable wrapping the last probe
// error, or ctx's error.
func WaitReady(ctx context.Context, name string, probe ProbeFunc, cfg BackoffConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		err = probe(probeCtx)
		cancel()

		if err == nil {
			logger.Info("service connected", "service", name, "after_attempts", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == cfg.MaxRetries {
			break
		}

		logger.Warn("service not reachable, retrying",
			"service", name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrUnreachable, name, cfg.MaxRetries, err)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
