// Package thermal watches the CPU temperature and turns it into a processing-rate cap. Temperature
// never stops the system; it only lowers the frame rate.
package thermal

import (
	"github.com/xnav-frc/xnav/config"
)

// State is the classified thermal condition.
type State string

// The thermal states, coolest first. StateUnknown means no temperature signal.
const (
	StateUnknown  State = "unknown"
	StateOK       State = "ok"
	StateWarm     State = "warm"
	StateHot      State = "hot"
	StateCritical State = "critical"
)

// Snapshot is the latest reading and what it implies.
type Snapshot struct {
	State        State   `json:"state"`
	TemperatureC float64 `json:"temperature_c"`
	ThrottleFPS  float64 `json:"throttle_fps"`
}

// Classify maps a temperature to a state. A reading of exactly 0 means the sensor could not be
// read.
func Classify(tempC float64, cfg config.Thermal) State {
	switch {
	case tempC == 0:
		return StateUnknown
	case tempC >= cfg.TempCritC:
		return StateCritical
	case tempC >= cfg.TempHotC:
		return StateHot
	case tempC >= cfg.TempWarnC:
		return StateWarm
	default:
		return StateOK
	}
}

// ThrottleFor is the frame rate cap for a temperature; 0 means no cap.
func ThrottleFor(tempC float64, cfg config.Thermal) float64 {
	switch {
	case tempC >= cfg.TempCritC:
		return cfg.ThrottleFPSCrit
	case tempC >= cfg.TempHotC:
		return cfg.ThrottleFPSHot
	default:
		return 0
	}
}
