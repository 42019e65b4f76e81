package pipeline

import (
	"sync"
	"time"

	"github.com/xnav-frc/xnav/utils"
)

// EffectiveCap is the more restrictive positive cap of manual and thermal, or 0 when neither caps.
func EffectiveCap(manual, thermal float64) float64 {
	return utils.MinPositive(manual, thermal)
}

// maxFrameGap bounds the gap a tiny cap asks for, so the conversion to Duration cannot overflow.
const maxFrameGap = time.Hour

func minFrameGap(capFPS float64) time.Duration {
	gap := float64(time.Second) / capFPS
	if gap >= float64(maxFrameGap) {
		return maxFrameGap
	}
	return time.Duration(gap)
}

// ThrottleGate drops frames that arrive sooner than 1/cap after the last accepted one. Only the
// last accepted timestamp is kept.
type ThrottleGate struct {
	mu      sync.Mutex
	last    time.Duration
	hasLast bool
}

// Allow reports whether a frame captured at ts should be processed under capFPS, recording it as
// accepted when it is. A non-positive cap accepts everything.
func (g *ThrottleGate) Allow(ts time.Duration, capFPS float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	// a timestamp behind the last accepted one means the source restarted its clock
	if capFPS > 0 && g.hasLast && ts >= g.last {
		if ts-g.last < minFrameGap(capFPS) {
			return false
		}
	}
	g.last = ts
	g.hasLast = true
	return true
}

// Reset forgets the last accepted frame.
func (g *ThrottleGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hasLast = false
	g.last = 0
}
