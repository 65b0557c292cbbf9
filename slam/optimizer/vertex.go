package optimizer

import (
	"fmt"

	"github.com/golang/geo/r3"

	"go.viam.com/objectslam/spatialmath"
)

// VertexKind identifies the parameterisation of a vertex.
type VertexKind int

const (
	// VertexSE3Expmap is a camera-from-world pose, updated on the left by the exponential map.
	VertexSE3Expmap VertexKind = iota
	// VertexPointXYZ is a 3D world point.
	VertexPointXYZ
	// VertexCuboid is a 9-DoF world cuboid, updated on the right by the exponential map.
	VertexCuboid
)

func (k VertexKind) String() string {
	if info, ok := vertexKinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("VertexKind(%d)", int(k))
}

// estimate is the union of every vertex payload. Only the field matching the vertex kind is used.
type estimate struct {
	pose   spatialmath.Pose
	point  r3.Vector
	cuboid spatialmath.Cuboid
}

type vertexKindInfo struct {
	name  string
	dim   int
	oplus func(est *estimate, delta []float64)
}

var vertexKinds = map[VertexKind]vertexKindInfo{
	VertexSE3Expmap: {
		name: "VertexSE3Expmap",
		dim:  6,
		oplus: func(est *estimate, delta []float64) {
			var xi [6]float64
			copy(xi[:], delta)
			est.pose = spatialmath.Compose(spatialmath.ExpSE3(xi), est.pose)
		},
	},
	VertexPointXYZ: {
		name: "VertexPointXYZ",
		dim:  3,
		oplus: func(est *estimate, delta []float64) {
			est.point = est.point.Add(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
		},
	},
	VertexCuboid: {
		name: "VertexCuboid",
		dim:  spatialmath.CuboidDoF,
		oplus: func(est *estimate, delta []float64) {
			var d [spatialmath.CuboidDoF]float64
			copy(d[:], delta)
			est.cuboid = est.cuboid.ExpUpdate(d)
		},
	},
}

// Vertex is a node of the factor graph. Vertices are owned by the SparseOptimizer they are added
// to and must not be shared between optimizers.
type Vertex struct {
	id           int
	kind         VertexKind
	fixed        bool
	marginalized bool
	est          estimate
	backup       []estimate

	// set by InitializeOptimization; -1 when the vertex is not part of the active problem
	offset   int
	marginal int
}

func newVertex(id int, kind VertexKind, est estimate) *Vertex {
	return &Vertex{id: id, kind: kind, est: est, offset: -1, marginal: -1}
}

// NewPoseVertex returns a vertex holding a camera-from-world pose.
func NewPoseVertex(id int, tcw spatialmath.Pose) *Vertex {
	return newVertex(id, VertexSE3Expmap, estimate{pose: tcw})
}

// NewPointVertex returns a vertex holding a world point.
func NewPointVertex(id int, pt r3.Vector) *Vertex {
	return newVertex(id, VertexPointXYZ, estimate{point: pt})
}

// NewCuboidVertex returns a vertex holding a world cuboid.
func NewCuboidVertex(id int, c spatialmath.Cuboid) *Vertex {
	return newVertex(id, VertexCuboid, estimate{cuboid: c})
}

// ID returns the vertex id.
func (v *Vertex) ID() int { return v.id }

// Kind returns the vertex parameterisation.
func (v *Vertex) Kind() VertexKind { return v.kind }

// Dimension returns the number of degrees of freedom of the vertex.
func (v *Vertex) Dimension() int { return vertexKinds[v.kind].dim }

// Fixed returns whether the vertex is held constant.
func (v *Vertex) Fixed() bool { return v.fixed }

// SetFixed sets whether the vertex is held constant.
func (v *Vertex) SetFixed(fixed bool) { v.fixed = fixed }

// Marginalized returns whether the vertex is eliminated by the Schur complement.
func (v *Vertex) Marginalized() bool { return v.marginalized }

// SetMarginalized sets whether the vertex is eliminated by the Schur complement.
func (v *Vertex) SetMarginalized(marginalized bool) { v.marginalized = marginalized }

// Pose returns the estimate of a VertexSE3Expmap.
func (v *Vertex) Pose() spatialmath.Pose { return v.est.pose }

// Point returns the estimate of a VertexPointXYZ.
func (v *Vertex) Point() r3.Vector { return v.est.point }

// Cuboid returns the estimate of a VertexCuboid.
func (v *Vertex) Cuboid() spatialmath.Cuboid { return v.est.cuboid }

// Oplus applies an increment of length Dimension to the estimate.
func (v *Vertex) Oplus(delta []float64) {
	vertexKinds[v.kind].oplus(&v.est, delta)
}

func (v *Vertex) push() {
	v.backup = append(v.backup, v.est)
}

func (v *Vertex) pop() {
	v.est = v.backup[len(v.backup)-1]
	v.backup = v.backup[:len(v.backup)-1]
}

func (v *Vertex) discardTop() {
	v.backup = v.backup[:len(v.backup)-1]
}
