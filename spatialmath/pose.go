// Package spatialmath defines the rigid-body geometry used by the SLAM backend: SE3 poses, their
// exponential and logarithm maps, and cuboid object landmarks.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform in 3D, a rotation (unit quaternion) followed by a translation.
// The zero value is not a valid pose, use NewZeroPose instead.
type Pose struct {
	rotation    quat.Number
	translation r3.Vector
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{rotation: quat.Number{Real: 1}}
}

// NewPose returns a pose with the given translation and rotation. The rotation is normalized; a
// zero quaternion is treated as no rotation.
func NewPose(translation r3.Vector, rotation quat.Number) Pose {
	return Pose{rotation: normalizeQuat(rotation), translation: translation}
}

// NewPoseFromPoint returns a pose with no rotation.
func NewPoseFromPoint(translation r3.Vector) Pose {
	return Pose{rotation: quat.Number{Real: 1}, translation: translation}
}

// Point returns the translation of the pose.
func (p Pose) Point() r3.Vector {
	return p.translation
}

// Quaternion returns the rotation of the pose as a unit quaternion.
func (p Pose) Quaternion() quat.Number {
	if p.rotation == (quat.Number{}) {
		return quat.Number{Real: 1}
	}
	return p.rotation
}

// Transform maps a point from the pose's source frame into its destination frame.
func (p Pose) Transform(pt r3.Vector) r3.Vector {
	return rotateVector(p.Quaternion(), pt).Add(p.translation)
}

// RotationMatrix returns the 3x3 rotation matrix of the pose.
func (p Pose) RotationMatrix() *mat.Dense {
	q := p.Quaternion()
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

func (p Pose) String() string {
	q := p.Quaternion()
	return fmt.Sprintf("{X:%.4f Y:%.4f Z:%.4f | W:%.4f I:%.4f J:%.4f K:%.4f}",
		p.translation.X, p.translation.Y, p.translation.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
}

// Compose returns a∘b, the transform that applies b first and then a.
func Compose(a, b Pose) Pose {
	return Pose{
		rotation:    normalizeQuat(quat.Mul(a.Quaternion(), b.Quaternion())),
		translation: a.Transform(b.translation),
	}
}

// PoseInverse returns the inverse transform.
func PoseInverse(p Pose) Pose {
	conj := quat.Conj(p.Quaternion())
	return Pose{
		rotation:    conj,
		translation: rotateVector(conj, p.translation).Mul(-1),
	}
}

// PoseBetween returns the pose that takes a to b, i.e. a⁻¹∘b.
func PoseBetween(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// PoseAlmostEqual returns whether two poses are within epsilon of each other in translation and
// in quaternion components (up to the quaternion sign ambiguity).
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	if a.translation.Sub(b.translation).Norm() > epsilon {
		return false
	}
	qa, qb := a.Quaternion(), b.Quaternion()
	return quatAlmostEqual(qa, qb, epsilon) || quatAlmostEqual(qa, quat.Scale(-1, qb), epsilon)
}

func quatAlmostEqual(a, b quat.Number, epsilon float64) bool {
	return math.Abs(a.Real-b.Real) <= epsilon &&
		math.Abs(a.Imag-b.Imag) <= epsilon &&
		math.Abs(a.Jmag-b.Jmag) <= epsilon &&
		math.Abs(a.Kmag-b.Kmag) <= epsilon
}

func normalizeQuat(q quat.Number) quat.Number {
	norm := quat.Abs(q)
	if norm == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/norm, q)
}

// rotateVector rotates v by the unit quaternion q.
func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	u := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	t := u.Cross(v).Mul(2)
	return v.Add(t.Mul(q.Real)).Add(u.Cross(t))
}
