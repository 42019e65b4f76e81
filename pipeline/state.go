package pipeline

import (
	"slices"
	"sync"
	"time"

	"github.com/xnav-frc/xnav/components/thermal"
	"github.com/xnav-frc/xnav/telemetry"
	"github.com/xnav-frc/xnav/vision/apriltag"
	"github.com/xnav-frc/xnav/vision/pose"
)

// Pipeline status values.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
)

// Result is the output of one processed frame.
type Result struct {
	Detections           []apriltag.Detection `json:"detections"`
	RobotPose            pose.RobotPose       `json:"robot_pose"`
	Offset               pose.OffsetResult    `json:"offset_point"`
	FPS                  float64              `json:"fps"`
	LatencyMs            float64              `json:"latency_ms"`
	ThermalState         thermal.State        `json:"thermal_state"`
	TemperatureC         float64              `json:"temperature_c"`
	EffectiveThrottleFPS float64              `json:"effective_throttle_fps"`
	MatchMode            bool                 `json:"match_mode"`
	Status               string               `json:"status"`
	FrameSeq             uint64               `json:"frame_seq"`
	Timestamp            time.Duration        `json:"timestamp_ns"`
}

// Clone returns a copy sharing no slices with r.
func (r Result) Clone() Result {
	out := r
	if r.Detections != nil {
		out.Detections = make([]apriltag.Detection, len(r.Detections))
		for i, d := range r.Detections {
			out.Detections[i] = d.Clone()
		}
	}
	out.RobotPose.TagIDs = slices.Clone(r.RobotPose.TagIDs)
	return out
}

// Telemetry is the transport form of r.
func (r Result) Telemetry() telemetry.Frame {
	return telemetry.Frame{
		Seq:        r.FrameSeq,
		Detections: r.Detections,
		RobotPose:  r.RobotPose,
		Offset:     r.Offset,
		FPS:        r.FPS,
		LatencyMs:  r.LatencyMs,
		Thermal: thermal.Snapshot{
			State:        r.ThermalState,
			TemperatureC: r.TemperatureC,
		},
		EffectiveThrottleFPS: r.EffectiveThrottleFPS,
		MatchMode:            r.MatchMode,
	}
}

// StateStore owns the latest result. Writers replace it wholesale and readers get copies.
type StateStore struct {
	mu     sync.Mutex
	result Result
}

// NewStateStore starts in the starting status.
func NewStateStore() *StateStore {
	return &StateStore{result: Result{Status: StatusStarting, ThermalState: thermal.StateUnknown}}
}

// Snapshot returns a deep copy of the latest result.
func (s *StateStore) Snapshot() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result.Clone()
}

// Replace installs r, keeping the current status.
func (s *StateStore) Replace(r Result) {
	r = r.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Status = s.result.Status
	s.result = r
}

// SetStatus changes only the status.
func (s *StateStore) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result.Status = status
}
