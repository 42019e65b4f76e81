// Package pose turns camera-frame tag detections into turret-compensated targets, a fused
// field-centric robot pose and an offset-point target.
package pose

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/fieldmap"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/spatialmath"
	"github.com/xnav-frc/xnav/utils"
	"github.com/xnav-frc/xnav/vision/apriltag"
)

// turretEpsilonDeg is the turret angle below which compensation is skipped.
const turretEpsilonDeg = 1e-6

// RobotPose is the robot's fused pose in field coordinates: meters and degrees. The zero value is
// the invalid pose.
type RobotPose struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Roll   float64 `json:"roll"`
	Pitch  float64 `json:"pitch"`
	Yaw    float64 `json:"yaw"`
	Valid  bool    `json:"valid"`
	TagIDs []int   `json:"source_tag_ids"`
}

// OffsetResult locates a point defined in a tag's frame, expressed in the camera frame.
type OffsetResult struct {
	TagID          int     `json:"tag_id"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Z              float64 `json:"z"`
	DistanceX      float64 `json:"distance_x"`
	DistanceY      float64 `json:"distance_y"`
	DistanceZ      float64 `json:"distance_z"`
	DirectDistance float64 `json:"direct_distance"`
	TX             float64 `json:"tx"`
	TY             float64 `json:"ty"`
	Valid          bool    `json:"valid"`
}

// Calculator holds the current field map and reads mount parameters from config on every call.
type Calculator struct {
	cfg    *config.Store
	logger logging.Logger

	mu       sync.RWMutex
	fieldMap *fieldmap.FieldMap

	mountWarn rate.Sometimes
}

// New returns a Calculator with no field map.
func New(cfg *config.Store, logger logging.Logger) *Calculator {
	return &Calculator{
		cfg:       cfg,
		logger:    logger,
		mountWarn: rate.Sometimes{Interval: 30 * time.Second},
	}
}

// SetFieldMap replaces the field map. nil disables robot pose estimation.
func (c *Calculator) SetFieldMap(fm *fieldmap.FieldMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fieldMap = fm
}

// FieldMap returns the current field map, which may be nil.
func (c *Calculator) FieldMap() *fieldmap.FieldMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fieldMap
}

// ApplyTurretCompensation reports detections as if the camera were fixed to the robot rather than
// a turret rotated by angleDeg about the camera's vertical axis. The input is never modified; below
// a negligible angle the input slice itself is returned.
func (c *Calculator) ApplyTurretCompensation(dets []apriltag.Detection, angleDeg float64) []apriltag.Detection {
	if math.Abs(angleDeg) < turretEpsilonDeg {
		return dets
	}
	rot := spatialmath.RotY(utils.DegToRad(angleDeg))
	out := make([]apriltag.Detection, 0, len(dets))
	for _, d := range dets {
		if !d.HasPose() {
			out = append(out, d)
			continue
		}
		out = append(out, d.Rotated(rot))
	}
	return out
}

// CameraToRobot is the fixed camera-in-robot transform: Rz(yaw)·Ry(pitch)·Rx(roll) with the
// configured offsets.
func CameraToRobot(mount config.CameraMount) spatialmath.Pose {
	rot := spatialmath.NewEulerAnglesDegrees(mount.Roll, mount.Pitch, mount.Yaw).RotationMatrix()
	return spatialmath.NewPose(rot, r3.Vector{X: mount.XOffset, Y: mount.YOffset, Z: mount.ZOffset})
}

// ComputeRobotPose fuses one robot pose estimate per detection that has a pose and a field map
// entry. Translations are averaged; rotations are averaged as hemisphere-aligned quaternions.
// Without a non-empty field map, qualifying tags, or a readable camera_mount section the result is
// invalid.
func (c *Calculator) ComputeRobotPose(dets []apriltag.Detection) RobotPose {
	fm := c.FieldMap()
	if fm.Len() == 0 {
		return RobotPose{}
	}

	mount, err := c.cfg.CameraMount()
	if err != nil {
		c.mountWarn.Do(func() {
			c.logger.Warnw("camera_mount is malformed; robot pose disabled", "error", err)
		})
		return RobotPose{}
	}
	robotInCamera := CameraToRobot(mount).Invert()

	var (
		xs, ys, zs []float64
		quats      []quat.Number
		ids        []int
	)
	for _, d := range dets {
		if !d.HasPose() {
			continue
		}
		tag, ok := fm.Tag(d.ID)
		if !ok {
			continue
		}
		cameraInField := spatialmath.Compose(tag.Pose(), d.Pose.Pose().Invert())
		robotInField := spatialmath.Compose(cameraInField, robotInCamera)

		xs = append(xs, robotInField.Translation.X)
		ys = append(ys, robotInField.Translation.Y)
		zs = append(zs, robotInField.Translation.Z)
		quats = append(quats, robotInField.Rotation.Quaternion())
		ids = append(ids, d.ID)
	}
	if len(ids) == 0 {
		return RobotPose{}
	}

	q := spatialmath.AverageQuaternions(quats)
	roll, pitch, yaw := spatialmath.RotationMatrixFromQuaternion(q).EulerAngles().Degrees()
	return RobotPose{
		X:      stat.Mean(xs, nil),
		Y:      stat.Mean(ys, nil),
		Z:      stat.Mean(zs, nil),
		Roll:   roll,
		Pitch:  pitch,
		Yaw:    yaw,
		Valid:  true,
		TagIDs: ids,
	}
}

// ComputeOffsetPoint places the configured offset, given in the target tag's frame, into the
// camera frame as t + R·offset. It is invalid when disabled or when the target tag is not seen
// with a pose.
func (c *Calculator) ComputeOffsetPoint(dets []apriltag.Detection, cfg config.OffsetPoint) OffsetResult {
	if !cfg.Enabled {
		return OffsetResult{}
	}
	for _, d := range dets {
		if d.ID != cfg.TagID || !d.HasPose() {
			continue
		}
		p := d.Pose.Pose().Apply(r3.Vector{X: cfg.X, Y: cfg.Y, Z: cfg.Z})
		tx, ty := apriltag.AnglesFromTranslation(p)
		return OffsetResult{
			TagID:          cfg.TagID,
			X:              p.X,
			Y:              p.Y,
			Z:              p.Z,
			DistanceX:      math.Abs(p.X),
			DistanceY:      math.Abs(p.Y),
			DistanceZ:      math.Abs(p.Z),
			DirectDistance: p.Norm(),
			TX:             tx,
			TY:             ty,
			Valid:          true,
		}
	}
	return OffsetResult{}
}
