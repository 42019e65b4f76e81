// Package lights controls the LED ring that illuminates retroreflective targets. Without a usable
// GPIO driver every operation still updates state and config but drives nothing.
package lights

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/utils"
)

// Modes.
const (
	ModeOn    = "on"
	ModeOff   = "off"
	ModeBlink = "blink"
)

const blinkPeriod = 500 * time.Millisecond

// A Driver sets the LED duty cycle in percent.
type Driver interface {
	SetDuty(pct float64) error
	Close() error
}

// State is what the status surface shows.
type State struct {
	Enabled       bool   `json:"enabled"`
	Brightness    int    `json:"brightness"`
	Mode          string `json:"mode"`
	GPIOAvailable bool   `json:"gpio_available"`
}

// Manager applies the lights section to a driver.
type Manager struct {
	cfg    *config.Store
	driver Driver
	clock  clock.Clock
	logger logging.Logger

	mu      sync.Mutex
	state   config.Lights
	blinkOn bool
	workers utils.StoppableWorkers
}

// NewManager reads the lights section and applies it. A nil driver means no GPIO is available.
// A nil clk means the wall clock.
func NewManager(cfg *config.Store, driver Driver, clk clock.Clock, logger logging.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{cfg: cfg, driver: driver, clock: clk, logger: logger}
	if driver == nil {
		logger.Warn("gpio not available; light control disabled")
	}
	m.Reload()
	return m
}

// Reload re-reads the lights section.
func (m *Manager) Reload() {
	st, err := m.cfg.Lights()
	if err != nil {
		m.logger.Warnw("invalid lights config, using defaults", "error", err)
		st = config.DefaultLights()
	}
	st.Mode = normalizeMode(st.Mode)
	st.Brightness = clampBrightness(st.Brightness)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	m.applyLocked()
}

// OnConfigChange implements config.Listener.
func (m *Manager) OnConfigChange(keys []string, _ any) error {
	if len(keys) > 0 && keys[0] == config.SectionLights {
		m.Reload()
	}
	return nil
}

// SetEnabled switches the lights on or off and persists the choice.
func (m *Manager) SetEnabled(enabled bool) error {
	m.mu.Lock()
	m.state.Enabled = enabled
	m.applyLocked()
	m.mu.Unlock()
	return m.cfg.Set(config.SectionLights, "enabled", enabled)
}

// SetBrightness sets brightness, clamped to 0..100, and persists it.
func (m *Manager) SetBrightness(pct int) error {
	pct = clampBrightness(pct)
	m.mu.Lock()
	m.state.Brightness = pct
	m.applyLocked()
	m.mu.Unlock()
	return m.cfg.Set(config.SectionLights, "brightness", pct)
}

// SetMode selects on, off or blink and persists it.
func (m *Manager) SetMode(mode string) error {
	mode = strings.ToLower(mode)
	if mode != ModeOn && mode != ModeOff && mode != ModeBlink {
		return errors.Errorf("unknown lights mode %q", mode)
	}
	m.mu.Lock()
	m.state.Mode = mode
	m.applyLocked()
	m.mu.Unlock()
	return m.cfg.Set(config.SectionLights, "mode", mode)
}

// State returns the current settings.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Enabled:       m.state.Enabled,
		Brightness:    m.state.Brightness,
		Mode:          m.state.Mode,
		GPIOAvailable: m.driver != nil,
	}
}

// Close stops blinking and turns the lights off.
func (m *Manager) Close() error {
	m.mu.Lock()
	workers := m.workers
	m.workers = nil
	m.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
	if m.driver == nil {
		return nil
	}
	return m.driver.Close()
}

func (m *Manager) dutyLocked() float64 {
	if !m.state.Enabled || m.state.Mode == ModeOff {
		return 0
	}
	if m.state.Mode == ModeBlink && !m.blinkOn {
		return 0
	}
	return float64(m.state.Brightness)
}

func (m *Manager) applyLocked() {
	blinking := m.state.Enabled && m.state.Mode == ModeBlink
	switch {
	case blinking && m.workers == nil:
		m.blinkOn = true
		m.workers = utils.NewStoppableWorkers(m.blink)
	case !blinking && m.workers != nil:
		// stopping waits for the blink goroutine, which takes mu
		workers := m.workers
		m.workers = nil
		m.mu.Unlock()
		workers.Stop()
		m.mu.Lock()
	}
	m.setDutyLocked()
}

func (m *Manager) setDutyLocked() {
	if m.driver == nil {
		return
	}
	if err := m.driver.SetDuty(m.dutyLocked()); err != nil {
		m.logger.Warnw("light apply error", "error", err)
	}
}

func (m *Manager) blink(ctx context.Context) {
	ticker := m.clock.Ticker(blinkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		m.blinkOn = !m.blinkOn
		m.setDutyLocked()
		m.mu.Unlock()
	}
}

func normalizeMode(mode string) string {
	switch mode = strings.ToLower(mode); mode {
	case ModeOff, ModeBlink:
		return mode
	default:
		return ModeOn
	}
}

func clampBrightness(pct int) int {
	return max(0, min(100, pct))
}
