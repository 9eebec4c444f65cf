// Package health runs the periodic liveness sweep over active providers.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/mcphost/mcphost/pkg/supervisor"
)

const (
	// defaultTick is how often the monitor wakes to look for due probes.
	defaultTick = 30 * time.Second

	// defaultInterval is the per-provider probe spacing when a provider
	// does not declare its own.
	defaultInterval = 60 * time.Second
)

// Checker is the slice of the supervisor the monitor needs.
type Checker interface {
	List() []supervisor.Snapshot
	HealthCheck(ctx context.Context, id string) error
}

// Options configure a Monitor.
type Options struct {
	Logger *slog.Logger

	// Tick overrides the sweep cadence, for tests.
	Tick time.Duration

	// DefaultInterval overrides the per-provider probe spacing fallback.
	DefaultInterval time.Duration
}

// Monitor periodically probes active providers. Probe failures are reported
// by the supervisor (status transition, restart scheduling) and logged here;
// the monitor itself never stops on them.
type Monitor struct {
	checker  Checker
	logger   *slog.Logger
	tick     time.Duration
	interval time.Duration
}

// NewMonitor builds a Monitor over the given checker.
func NewMonitor(checker Checker, opts *Options) *Monitor {
	m := &Monitor{checker: checker, tick: defaultTick, interval: defaultInterval}
	if opts != nil {
		if opts.Logger != nil {
			m.logger = opts.Logger
		}
		if opts.Tick > 0 {
			m.tick = opts.Tick
		}
		if opts.DefaultInterval > 0 {
			m.interval = opts.DefaultInterval
		}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Run sweeps until ctx is canceled. Intended to be launched as a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	m.logger.Info("health monitor running", "tick", m.tick)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case now := <-ticker.C:
			m.sweep(ctx, now)
		}
	}
}

// sweep probes every active provider whose own interval has elapsed.
// Providers in other states are skipped; error-state ones are the restart
// scheduler's business, not the monitor's.
func (m *Monitor) sweep(ctx context.Context, now time.Time) {
	for _, snap := range m.checker.List() {
		if snap.Status != supervisor.StatusActive {
			continue
		}
		interval := snap.Provider.HealthCheckInterval
		if interval <= 0 {
			interval = m.interval
		}
		if !snap.LastHealthCheck.IsZero() && now.Sub(snap.LastHealthCheck) < interval {
			continue
		}
		if err := m.checker.HealthCheck(ctx, snap.Provider.ID); err != nil {
			m.logger.Warn("health probe failed", "provider", snap.Provider.ID, "error", err)
		}
	}
}
