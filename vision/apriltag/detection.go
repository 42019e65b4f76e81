// Package apriltag turns the output of a tag-decoding backend into camera-frame tag detections.
// Decoding itself is delegated to a registered Backend.
package apriltag

import (
	"math"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/xnav-frc/xnav/spatialmath"
	"github.com/xnav-frc/xnav/utils"
)

// TagPose3D is a tag's pose in the camera frame as estimated by the backend.
type TagPose3D struct {
	Rotation    spatialmath.RotationMatrix
	Translation r3.Vector
}

// Pose is the tag-in-camera transform.
func (p *TagPose3D) Pose() spatialmath.Pose {
	return spatialmath.NewPose(p.Rotation, p.Translation)
}

// RawDetection is one tag as reported by a backend, before any derived values are computed.
type RawDetection struct {
	ID             int
	Hamming        int
	DecisionMargin float64
	Center         r2.Point
	Corners        []r2.Point
	// Pose is nil unless the backend estimated one.
	Pose *TagPose3D
}

// Detection is one observed tag in a frame. Translation is in meters in the camera frame, angles
// are degrees. When Pose is set, Distance, TX and TY are derived from Translation; otherwise TX and
// TY come from the pixel center and Distance is 0.
//
// A Detection is treated as immutable once built. Operations that change it return a new value.
type Detection struct {
	ID          int
	Translation r3.Vector
	Distance    float64
	TX          float64
	TY          float64
	Roll        float64
	Pitch       float64
	Yaw         float64

	Center  r2.Point
	Corners []r2.Point

	Pose *TagPose3D

	Hamming        int
	DecisionMargin float64
	Timestamp      time.Duration
}

// NewDetection derives a Detection from raw backend output. The raw corners and pose are copied.
func NewDetection(raw RawDetection, cam Intrinsics, ts time.Duration) Detection {
	det := Detection{
		ID:             raw.ID,
		Center:         raw.Center,
		Corners:        append([]r2.Point(nil), raw.Corners...),
		Hamming:        raw.Hamming,
		DecisionMargin: raw.DecisionMargin,
		Timestamp:      ts,
	}
	det.TX = utils.RadToDeg(math.Atan2(raw.Center.X-cam.Cx, cam.Fx))
	det.TY = -utils.RadToDeg(math.Atan2(raw.Center.Y-cam.Cy, cam.Fy))

	if raw.Pose != nil {
		det.setPose(raw.Pose.Rotation, raw.Pose.Translation)
	}
	return det
}

// setPose stores a fresh pose and recomputes everything derived from it.
func (d *Detection) setPose(rot spatialmath.RotationMatrix, t r3.Vector) {
	d.Pose = &TagPose3D{Rotation: rot, Translation: t}
	d.Translation = t
	d.Distance = t.Norm()
	d.TX, d.TY = AnglesFromTranslation(t)
	d.Roll, d.Pitch, d.Yaw = rot.RollPitchYaw().Degrees()
}

// HasPose reports whether the backend produced a 3D pose for this tag.
func (d Detection) HasPose() bool {
	return d.Pose != nil
}

// Clone returns a copy that shares no memory with d.
func (d Detection) Clone() Detection {
	out := d
	out.Corners = append([]r2.Point(nil), d.Corners...)
	if d.Pose != nil {
		p := *d.Pose
		out.Pose = &p
	}
	return out
}

// Rotated returns a new detection as seen from a camera rotated by rot: translation R·t and
// orientation R·R_tag, with distance and angles recomputed. A detection without a pose is returned
// as an unchanged copy.
func (d Detection) Rotated(rot spatialmath.RotationMatrix) Detection {
	out := d.Clone()
	if d.Pose == nil {
		return out
	}
	out.setPose(rot.Mul(d.Pose.Rotation), rot.Apply(d.Pose.Translation))
	return out
}

// AnglesFromTranslation gives the horizontal and vertical angles in degrees from the camera axis to
// a camera-frame point: tx = atan2(x, z), ty = -atan2(y, z).
func AnglesFromTranslation(t r3.Vector) (tx, ty float64) {
	return utils.RadToDeg(math.Atan2(t.X, t.Z)), -utils.RadToDeg(math.Atan2(t.Y, t.Z))
}
