package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// CuboidDoF is the number of degrees of freedom of a cuboid: 6 for the pose, 3 for the dimensions.
const CuboidDoF = 9

// Cuboid is a rigid box. Pose maps object coordinates into the parent frame and Scale holds the
// half extents along the object axes.
type Cuboid struct {
	Pose  Pose
	Scale r3.Vector
}

// NewCuboid returns a cuboid at the given pose with the given half extents.
func NewCuboid(pose Pose, scale r3.Vector) Cuboid {
	return Cuboid{Pose: pose, Scale: scale}
}

// TransformTo expresses the cuboid in the frame whose pose in the parent frame is twc, e.g.
// a world cuboid in a camera frame when twc is the camera-to-world pose.
func (c Cuboid) TransformTo(twc Pose) Cuboid {
	return Cuboid{Pose: Compose(PoseInverse(twc), c.Pose), Scale: c.Scale}
}

// TransformFrom is the inverse of TransformTo.
func (c Cuboid) TransformFrom(twc Pose) Cuboid {
	return Cuboid{Pose: Compose(twc, c.Pose), Scale: c.Scale}
}

// LogError returns the 9-vector difference between c and other: the SE3 log of other⁻¹∘c
// followed by the difference of the half extents.
func (c Cuboid) LogError(other Cuboid) [CuboidDoF]float64 {
	poseDiff := LogSE3(PoseBetween(other.Pose, c.Pose))
	scaleDiff := c.Scale.Sub(other.Scale)
	var out [CuboidDoF]float64
	copy(out[:6], poseDiff[:])
	out[6], out[7], out[8] = scaleDiff.X, scaleDiff.Y, scaleDiff.Z
	return out
}

// ExpUpdate applies a 9-vector increment: the pose is right-multiplied by exp of the first six
// entries and the last three are added to the half extents.
func (c Cuboid) ExpUpdate(delta [CuboidDoF]float64) Cuboid {
	var xi [6]float64
	copy(xi[:], delta[:6])
	return Cuboid{
		Pose:  Compose(c.Pose, ExpSE3(xi)),
		Scale: c.Scale.Add(r3.Vector{X: delta[6], Y: delta[7], Z: delta[8]}),
	}
}

// Corners returns the eight corners of the cuboid in the parent frame.
func (c Cuboid) Corners() [8]r3.Vector {
	var out [8]r3.Vector
	i := 0
	for _, sx := range []float64{-1, 1} {
		for _, sy := range []float64{-1, 1} {
			for _, sz := range []float64{-1, 1} {
				out[i] = c.Pose.Transform(r3.Vector{X: sx * c.Scale.X, Y: sy * c.Scale.Y, Z: sz * c.Scale.Z})
				i++
			}
		}
	}
	return out
}

func (c Cuboid) String() string {
	return fmt.Sprintf("cuboid{pose: %v, scale: (%.3f, %.3f, %.3f)}", c.Pose, c.Scale.X, c.Scale.Y, c.Scale.Z)
}
