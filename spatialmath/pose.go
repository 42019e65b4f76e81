package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is a rigid transform: a rotation followed by a translation. A Pose named "A in B" maps
// points expressed in frame A into frame B.
type Pose struct {
	Rotation    RotationMatrix
	Translation r3.Vector
}

// NewPose builds a pose from a rotation and translation.
func NewPose(rotation RotationMatrix, translation r3.Vector) Pose {
	return Pose{Rotation: rotation, Translation: translation}
}

// IdentityPose is the transform that does nothing.
func IdentityPose() Pose {
	return Pose{Rotation: IdentityRotation()}
}

// Matrix returns the 4x4 homogeneous form of the pose.
func (p Pose) Matrix() *mat.Dense {
	m := p.Rotation.mat
	t := p.Translation
	return mat.NewDense(4, 4, []float64{
		m[0], m[1], m[2], t.X,
		m[3], m[4], m[5], t.Y,
		m[6], m[7], m[8], t.Z,
		0, 0, 0, 1,
	})
}

// PoseFromMatrix reads the rotation and translation blocks of a 4x4 homogeneous matrix. The
// bottom row is ignored.
func PoseFromMatrix(m mat.Matrix) Pose {
	var rot RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.mat[3*i+j] = m.At(i, j)
		}
	}
	return Pose{
		Rotation:    rot,
		Translation: r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)},
	}
}

// Compose returns the transform a·b, i.e. b applied first and then a.
func Compose(a, b Pose) Pose {
	var out mat.Dense
	out.Mul(a.Matrix(), b.Matrix())
	return PoseFromMatrix(&out)
}

// Invert returns the inverse rigid transform (Rᵀ, -Rᵀ·t).
func (p Pose) Invert() Pose {
	rt := p.Rotation.Transpose()
	return Pose{Rotation: rt, Translation: rt.Apply(p.Translation).Mul(-1)}
}

// Apply transforms the point v.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return p.Rotation.Apply(v).Add(p.Translation)
}

// AlmostEqual compares rotation and translation element-wise within tol.
func (p Pose) AlmostEqual(o Pose, tol float64) bool {
	return p.Rotation.AlmostEqual(o.Rotation, tol) &&
		p.Translation.Sub(o.Translation).Norm() <= tol
}
