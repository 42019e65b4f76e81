// Package telemetry publishes per-frame results to the robot controller and reads the controller's
// inputs back. Topic names follow the /XNav/... NetworkTables layout.
package telemetry

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/xnav-frc/xnav/components/thermal"
	"github.com/xnav-frc/xnav/vision/apriltag"
	"github.com/xnav-frc/xnav/vision/pose"
)

// Root is the prefix of every topic.
const Root = "/XNav/"

// Input topic names.
const (
	InputTurretAngle   = "input/turretAngle"
	InputTurretEnabled = "input/turretEnabled"
	InputMatchMode     = "input/matchMode"
)

// Frame is everything published for one processed camera frame.
type Frame struct {
	Seq                  uint64
	Detections           []apriltag.Detection
	RobotPose            pose.RobotPose
	Offset               pose.OffsetResult
	FPS                  float64
	LatencyMs            float64
	Thermal              thermal.Snapshot
	EffectiveThrottleFPS float64
	MatchMode            bool
}

// Inputs are the values the robot controller sends back.
type Inputs struct {
	TurretAngle   float64 `json:"turret_angle"`
	TurretEnabled bool    `json:"turret_enabled"`
	MatchMode     bool    `json:"match_mode"`
}

// A Transport carries frames and status to the controller and inputs back. Publishing is best
// effort; callers log and drop errors. ReadInputs never blocks and falls back to the last known or
// default values.
type Transport interface {
	Publish(ctx context.Context, frame Frame) error
	PublishStatus(ctx context.Context, status string) error
	ReadInputs() Inputs
	Connected() bool
	Close() error
}

// PrimaryTarget is the closest detection. ok is false when there are none.
func PrimaryTarget(dets []apriltag.Detection) (apriltag.Detection, bool) {
	if len(dets) == 0 {
		return apriltag.Detection{}, false
	}
	return lo.MinBy(dets, func(a, b apriltag.Detection) bool { return a.Distance < b.Distance }), true
}

// Topics flattens a frame into full topic name → value.
func Topics(f Frame) map[string]any {
	ids := lo.Map(f.Detections, func(d apriltag.Detection, _ int) int64 { return int64(d.ID) })
	topics := map[string]any{
		"hasTarget":  len(f.Detections) > 0,
		"numTargets": int64(len(f.Detections)),
		"fps":        f.FPS,
		"latencyMs":  f.LatencyMs,
		"tagIds":     ids,
		"matchMode":  f.MatchMode,
		"frameSeq":   int64(f.Seq),

		"thermal/state":        string(f.Thermal.State),
		"thermal/temperatureC": f.Thermal.TemperatureC,
		"throttleFps":          f.EffectiveThrottleFPS,
	}

	primaryID := int64(-1)
	if primary, ok := PrimaryTarget(f.Detections); ok {
		primaryID = int64(primary.ID)
	}
	topics["primaryTagId"] = primaryID

	for _, d := range f.Detections {
		prefix := fmt.Sprintf("targets/%d/", d.ID)
		topics[prefix+"tx"] = d.TX
		topics[prefix+"ty"] = d.TY
		topics[prefix+"x"] = d.Translation.X
		topics[prefix+"y"] = d.Translation.Y
		topics[prefix+"z"] = d.Translation.Z
		topics[prefix+"distance"] = d.Distance
		topics[prefix+"yaw"] = d.Yaw
		topics[prefix+"pitch"] = d.Pitch
		topics[prefix+"roll"] = d.Roll
	}

	robotPose := make([]float64, 6)
	if p := f.RobotPose; p.Valid {
		robotPose = []float64{p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw}
	}
	topics["robotPose"] = robotPose

	topics["offsetPoint/valid"] = f.Offset.Valid
	if o := f.Offset; o.Valid {
		topics["offsetPoint/x"] = o.X
		topics["offsetPoint/y"] = o.Y
		topics["offsetPoint/z"] = o.Z
		topics["offsetPoint/directDistance"] = o.DirectDistance
		topics["offsetPoint/tx"] = o.TX
		topics["offsetPoint/ty"] = o.TY
	}
	return lo.MapKeys(topics, func(_ any, name string) string { return Root + name })
}

// Noop drops everything and reports default inputs.
type Noop struct{}

// Publish implements Transport.
func (Noop) Publish(context.Context, Frame) error { return nil }

// PublishStatus implements Transport.
func (Noop) PublishStatus(context.Context, string) error { return nil }

// ReadInputs implements Transport.
func (Noop) ReadInputs() Inputs { return Inputs{} }

// Connected implements Transport.
func (Noop) Connected() bool { return false }

// Close implements Transport.
func (Noop) Close() error { return nil }
