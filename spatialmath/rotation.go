// Package spatialmath defines the rotations, quaternions and rigid transforms used to move tag
// observations between the camera, robot and field frames.
//
// Frames are right-handed. Camera frames have +z forward, +x right and +y down. Angles are
// radians inside this package; callers convert at their API boundary.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// RotationMatrix is a 3x3 rotation matrix stored in row-major order.
type RotationMatrix struct {
	mat [9]float64
}

// NewRotationMatrix builds a rotation from nine row-major values. No orthonormality check is made.
func NewRotationMatrix(m [9]float64) RotationMatrix {
	return RotationMatrix{mat: m}
}

// NewRotationMatrixFromRows builds a rotation from three row vectors.
func NewRotationMatrixFromRows(rows [3][3]float64) RotationMatrix {
	var r RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.mat[3*i+j] = rows[i][j]
		}
	}
	return r
}

// IdentityRotation returns the rotation that does nothing.
func IdentityRotation() RotationMatrix {
	return RotationMatrix{mat: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// RotX is a rotation of theta radians about the x axis.
func RotX(theta float64) RotationMatrix {
	s, c := math.Sincos(theta)
	return RotationMatrix{mat: [9]float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	}}
}

// RotY is a rotation of theta radians about the y axis. For a camera frame this is the vertical
// (yaw) axis.
func RotY(theta float64) RotationMatrix {
	s, c := math.Sincos(theta)
	return RotationMatrix{mat: [9]float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	}}
}

// RotZ is a rotation of theta radians about the z axis.
func RotZ(theta float64) RotationMatrix {
	s, c := math.Sincos(theta)
	return RotationMatrix{mat: [9]float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	}}
}

// At returns the element at the given row and column.
func (r RotationMatrix) At(row, col int) float64 {
	return r.mat[3*row+col]
}

// Values returns a copy of the row-major elements.
func (r RotationMatrix) Values() [9]float64 {
	return r.mat
}

// Rows returns the matrix as three row arrays.
func (r RotationMatrix) Rows() [3][3]float64 {
	return [3][3]float64{
		{r.mat[0], r.mat[1], r.mat[2]},
		{r.mat[3], r.mat[4], r.mat[5]},
		{r.mat[6], r.mat[7], r.mat[8]},
	}
}

// Mul returns r·o.
func (r RotationMatrix) Mul(o RotationMatrix) RotationMatrix {
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += r.mat[3*i+k] * o.mat[3*k+j]
			}
			out.mat[3*i+j] = sum
		}
	}
	return out
}

// Apply rotates v.
func (r RotationMatrix) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r.mat[0]*v.X + r.mat[1]*v.Y + r.mat[2]*v.Z,
		Y: r.mat[3]*v.X + r.mat[4]*v.Y + r.mat[5]*v.Z,
		Z: r.mat[6]*v.X + r.mat[7]*v.Y + r.mat[8]*v.Z,
	}
}

// Transpose returns the transpose, which for a rotation is its inverse.
func (r RotationMatrix) Transpose() RotationMatrix {
	m := r.mat
	return RotationMatrix{mat: [9]float64{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}}
}

// AlmostEqual reports whether every element of r and o is within tol.
func (r RotationMatrix) AlmostEqual(o RotationMatrix, tol float64) bool {
	for i := range r.mat {
		if math.Abs(r.mat[i]-o.mat[i]) > tol {
			return false
		}
	}
	return true
}

// Quaternion converts the rotation to a unit quaternion using Shepperd's method, branching on
// the largest diagonal term to stay numerically stable.
func (r RotationMatrix) Quaternion() quat.Number {
	m := r.mat
	r00, r01, r02 := m[0], m[1], m[2]
	r10, r11, r12 := m[3], m[4], m[5]
	r20, r21, r22 := m[6], m[7], m[8]

	trace := r00 + r11 + r22
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		return quat.Number{
			Real: 0.25 / s,
			Imag: (r21 - r12) * s,
			Jmag: (r02 - r20) * s,
			Kmag: (r10 - r01) * s,
		}
	case r00 > r11 && r00 > r22:
		s := 2 * math.Sqrt(1+r00-r11-r22)
		return quat.Number{
			Real: (r21 - r12) / s,
			Imag: 0.25 * s,
			Jmag: (r01 + r10) / s,
			Kmag: (r02 + r20) / s,
		}
	case r11 > r22:
		s := 2 * math.Sqrt(1+r11-r00-r22)
		return quat.Number{
			Real: (r02 - r20) / s,
			Imag: (r01 + r10) / s,
			Jmag: 0.25 * s,
			Kmag: (r12 + r21) / s,
		}
	default:
		s := 2 * math.Sqrt(1+r22-r00-r11)
		return quat.Number{
			Real: (r10 - r01) / s,
			Imag: (r02 + r20) / s,
			Jmag: (r12 + r21) / s,
			Kmag: 0.25 * s,
		}
	}
}

// RotationMatrixFromQuaternion converts a quaternion to a rotation matrix. The quaternion is used
// as given; callers normalize first when the source is not trusted to be unit length.
func RotationMatrixFromQuaternion(q quat.Number) RotationMatrix {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return RotationMatrix{mat: [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}}
}

// gimbalLockThreshold is the |R[2,0]| above which pitch is treated as ±90°.
const gimbalLockThreshold = 0.9999

// EulerAngles decomposes the rotation as extrinsic yaw·pitch·roll (R = Rz·Ry·Rx). Near ±90°
// pitch, roll is pinned to zero and the whole heading is carried by yaw.
func (r RotationMatrix) EulerAngles() EulerAngles {
	r20 := r.At(2, 0)
	pitch := math.Asin(math.Max(-1, math.Min(1, -r20)))
	if math.Abs(r20) < gimbalLockThreshold {
		return EulerAngles{
			Roll:  math.Atan2(r.At(2, 1), r.At(2, 2)),
			Pitch: pitch,
			Yaw:   math.Atan2(r.At(1, 0), r.At(0, 0)),
		}
	}
	return EulerAngles{
		Roll:  0,
		Pitch: pitch,
		Yaw:   math.Atan2(-r.At(0, 1), r.At(1, 1)),
	}
}

// RollPitchYaw decomposes the rotation with the same axis order as EulerAngles but without the
// gimbal-lock branch, using atan2 for pitch. This is the form reported for individual tag
// orientations.
func (r RotationMatrix) RollPitchYaw() EulerAngles {
	r21, r22 := r.At(2, 1), r.At(2, 2)
	return EulerAngles{
		Roll:  math.Atan2(r21, r22),
		Pitch: math.Atan2(-r.At(2, 0), math.Hypot(r21, r22)),
		Yaw:   math.Atan2(r.At(1, 0), r.At(0, 0)),
	}
}
