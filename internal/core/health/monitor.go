// Package health runs the periodic staleness check that keeps the
// availability flag honest when no frames are arriving.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hawky358/ha-creality-ws/internal/core/telemetry"
)

// minInterval floors the check cadence so a tiny staleness threshold
// cannot spin the ticker.
const minInterval = 5 * time.Second

// Monitor recomputes the availability flag on a fixed cadence,
// independent of frame arrival.
type Monitor struct {
	store    *telemetry.Store
	interval time.Duration
	log      *slog.Logger

	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
}

// NewMonitor creates a monitor ticking at a third of the staleness
// threshold, floored at minInterval.
func NewMonitor(store *telemetry.Store, staleAfter time.Duration, log *slog.Logger) *Monitor {
	interval := staleAfter / 3
	if interval < minInterval {
		interval = minInterval
	}
	return &Monitor{store: store, interval: interval, log: log}
}

// Start launches the periodic check and returns immediately.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Load() {
		return fmt.Errorf("health: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	m.running.Store(true)

	go m.run(ctx)
	return nil
}

// Stop halts the periodic check. It is idempotent.
func (m *Monitor) Stop(_ context.Context) error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	m.cancel()
	<-m.stopped
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.stopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Debug("staleness monitor started", "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Unconditional notify: externally-driven presentation
			// state must be re-evaluated even when the flag has not
			// flipped.
			m.store.NotifyAvailability()
		}
	}
}
