package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/num/quat"

	"github.com/xnav-frc/xnav/utils"
)

// EulerAngles are roll, pitch and yaw in radians, applied as extrinsic rotations about x, then y,
// then z.
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// NewEulerAnglesDegrees builds EulerAngles from values in degrees.
func NewEulerAnglesDegrees(roll, pitch, yaw float64) EulerAngles {
	return EulerAngles{
		Roll:  utils.DegToRad(roll),
		Pitch: utils.DegToRad(pitch),
		Yaw:   utils.DegToRad(yaw),
	}
}

// Degrees returns roll, pitch and yaw in degrees.
func (ea EulerAngles) Degrees() (roll, pitch, yaw float64) {
	return utils.RadToDeg(ea.Roll), utils.RadToDeg(ea.Pitch), utils.RadToDeg(ea.Yaw)
}

// RotationMatrix returns Rz(yaw)·Ry(pitch)·Rx(roll).
func (ea EulerAngles) RotationMatrix() RotationMatrix {
	return RotZ(ea.Yaw).Mul(RotY(ea.Pitch)).Mul(RotX(ea.Roll))
}

// QuaternionToEulerAngles converts a quaternion directly to roll, pitch and yaw without building
// a matrix. Pitch saturates at ±90° when the quaternion is not unit length.
func QuaternionToEulerAngles(q quat.Number) EulerAngles {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	roll := math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))

	sinp := 2 * (w*y - z*x)
	var pitch float64
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}

	yaw := math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return EulerAngles{Roll: roll, Pitch: pitch, Yaw: yaw}
}

// degenerateQuaternionNorm is the norm below which an averaged quaternion is considered to have
// cancelled out.
const degenerateQuaternionNorm = 1e-9

// NormalizeQuaternion scales q to unit length. A degenerate q yields the identity and false.
func NormalizeQuaternion(q quat.Number) (quat.Number, bool) {
	norm := quat.Abs(q)
	if norm < degenerateQuaternionNorm {
		return quat.Number{Real: 1}, false
	}
	return quat.Scale(1/norm, q), true
}

// QuaternionDot is the 4D dot product of two quaternions.
func QuaternionDot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// AverageQuaternions fuses orientations by normalized component mean. Every quaternion is first
// flipped into the hemisphere of the first one, since q and -q encode the same rotation and would
// otherwise cancel. An empty input or a degenerate mean returns the identity.
func AverageQuaternions(qs []quat.Number) quat.Number {
	if len(qs) == 0 {
		return quat.Number{Real: 1}
	}
	var sum quat.Number
	for i, q := range qs {
		if i > 0 && QuaternionDot(qs[0], q) < 0 {
			q = quat.Scale(-1, q)
		}
		sum = quat.Add(sum, q)
	}
	avg, _ := NormalizeQuaternion(quat.Scale(1/float64(len(qs)), sum))
	return avg
}

// QuaternionAlmostEqual is an equality test for all the float components of a quaternion. Note
// that q and -q are treated as different here.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	return utils.Float64AlmostEqual(a.Imag, b.Imag, tol) &&
		utils.Float64AlmostEqual(a.Jmag, b.Jmag, tol) &&
		utils.Float64AlmostEqual(a.Kmag, b.Kmag, tol) &&
		utils.Float64AlmostEqual(a.Real, b.Real, tol)
}

// SameRotation reports whether two quaternions encode the same rotation, treating q and -q as
// equal.
func SameRotation(a, b quat.Number, tol float64) bool {
	return QuaternionAlmostEqual(a, b, tol) || QuaternionAlmostEqual(a, quat.Scale(-1, b), tol)
}
