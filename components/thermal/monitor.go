package thermal

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/utils"
)

// repeatLogInterval bounds how often an unchanged warm/hot/critical state is logged again.
const repeatLogInterval = 30 * time.Second

// Monitor polls a Source in the background and keeps the latest Snapshot. Thresholds are re-read
// from the thermal config section on every poll.
type Monitor struct {
	cfg    *config.Store
	source Source
	clock  clock.Clock
	logger logging.Logger

	mu        sync.Mutex
	snap      Snapshot
	repeatLog map[State]*rate.Sometimes

	workersMu sync.Mutex
	workers   utils.StoppableWorkers
}

// NewMonitor returns a monitor in the unknown state. A nil clk means the wall clock.
func NewMonitor(cfg *config.Store, source Source, clk clock.Clock, logger logging.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		cfg:       cfg,
		source:    source,
		clock:     clk,
		logger:    logger,
		snap:      Snapshot{State: StateUnknown},
		repeatLog: map[State]*rate.Sometimes{},
	}
}

func (m *Monitor) thresholds() config.Thermal {
	cfg, err := m.cfg.Thermal()
	if err != nil {
		m.logger.Debugw("invalid thermal config, using defaults", "error", err)
	}
	return cfg
}

// Poll reads the source once, classifies the reading and stores it. A read failure counts as no
// signal.
func (m *Monitor) Poll(ctx context.Context) Snapshot {
	temp, err := m.source.TemperatureC(ctx)
	if err != nil {
		m.logger.Debugw("reading CPU temperature", "error", err)
		temp = 0
	}
	cfg := m.thresholds()
	snap := Snapshot{
		State:        Classify(temp, cfg),
		TemperatureC: temp,
		ThrottleFPS:  ThrottleFor(temp, cfg),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := snap.State != m.snap.State
	m.snap = snap
	m.logStateLocked(snap, changed)
	return snap
}

func (m *Monitor) logStateLocked(snap Snapshot, changed bool) {
	var emit func()
	switch snap.State {
	case StateCritical:
		emit = func() {
			m.logger.Warnf("CPU temperature CRITICAL: %.1f°C, throttling to minimum processing rate", snap.TemperatureC)
		}
	case StateHot:
		emit = func() {
			m.logger.Warnf("CPU temperature HOT: %.1f°C, auto-throttling processing", snap.TemperatureC)
		}
	case StateWarm:
		emit = func() {
			m.logger.Infof("CPU temperature warm: %.1f°C", snap.TemperatureC)
		}
	default:
		if changed {
			m.logger.Infow("thermal state changed", "state", snap.State, "temperature_c", snap.TemperatureC)
		}
		return
	}

	if changed {
		m.repeatLog[snap.State] = &rate.Sometimes{Interval: repeatLogInterval}
	}
	limiter, ok := m.repeatLog[snap.State]
	if !ok {
		limiter = &rate.Sometimes{Interval: repeatLogInterval}
		m.repeatLog[snap.State] = limiter
	}
	limiter.Do(emit)
}

// Start polls immediately and then once per poll interval until Stop. Calling Start on a running
// monitor does nothing.
func (m *Monitor) Start() {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	if m.workers != nil {
		return
	}
	interval := m.thresholds().PollInterval()
	ticker := m.clock.Ticker(interval)
	m.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		defer ticker.Stop()
		for {
			m.Poll(ctx)
			if next := m.thresholds().PollInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	m.logger.Info("thermal monitor started")
}

// Stop ends the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	if m.workers == nil {
		return
	}
	m.workers.Stop()
	m.workers = nil
}

// Snapshot returns the latest reading.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// State returns the latest state.
func (m *Monitor) State() State {
	return m.Snapshot().State
}

// TemperatureC returns the latest temperature, 0 when unknown.
func (m *Monitor) TemperatureC() float64 {
	return m.Snapshot().TemperatureC
}

// AutoThrottleFPS is the cap implied by the latest temperature under the current thresholds; 0
// means no cap.
func (m *Monitor) AutoThrottleFPS() float64 {
	return ThrottleFor(m.TemperatureC(), m.thresholds())
}
