package optimizer

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/objectslam/rimage/transform"
	"go.viam.com/objectslam/spatialmath"
)

// EdgeKind identifies the residual an edge computes.
type EdgeKind int

const (
	// EdgeProjectXYZ is the monocular reprojection error of a point (vertex 0) in a camera (vertex 1).
	EdgeProjectXYZ EdgeKind = iota
	// EdgeStereoProjectXYZ is the stereo reprojection error (u, v, u_right) of a point (vertex 0) in
	// a camera (vertex 1).
	EdgeStereoProjectXYZ
	// EdgeSE3Cuboid is the 9-DoF difference between a world cuboid (vertex 1) and its
	// camera-frame measurement mapped through a camera pose (vertex 0).
	EdgeSE3Cuboid
)

func (k EdgeKind) String() string {
	if info, ok := edgeKinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("EdgeKind(%d)", int(k))
}

type edgeKindInfo struct {
	name        string
	dim         int
	vertexKinds []VertexKind
	computeErr  func(e *Edge) []float64
	// nil for residuals without a depth notion
	depthPositive func(e *Edge) bool
}

var edgeKinds = map[EdgeKind]edgeKindInfo{
	EdgeProjectXYZ: {
		name:          "EdgeProjectXYZ",
		dim:           2,
		vertexKinds:   []VertexKind{VertexPointXYZ, VertexSE3Expmap},
		computeErr:    monoError,
		depthPositive: pointDepthPositive,
	},
	EdgeStereoProjectXYZ: {
		name:          "EdgeStereoProjectXYZ",
		dim:           3,
		vertexKinds:   []VertexKind{VertexPointXYZ, VertexSE3Expmap},
		computeErr:    stereoError,
		depthPositive: pointDepthPositive,
	},
	EdgeSE3Cuboid: {
		name:        "EdgeSE3Cuboid",
		dim:         spatialmath.CuboidDoF,
		vertexKinds: []VertexKind{VertexSE3Expmap, VertexCuboid},
		computeErr:  cuboidError,
	},
}

// Edge is a residual between vertices of the factor graph.
type Edge struct {
	kind        EdgeKind
	vertices    []*Vertex
	measurement []float64
	cuboidMeas  spatialmath.Cuboid
	information *mat.SymDense
	kernel      RobustKernel
	intrinsics  *transform.PinholeCameraIntrinsics
	level       int
}

// NewMonoEdge returns an EdgeProjectXYZ for a pixel observation.
func NewMonoEdge(
	point, pose *Vertex,
	obs r2.Point,
	information *mat.SymDense,
	intrinsics *transform.PinholeCameraIntrinsics,
) (*Edge, error) {
	return newEdge(EdgeProjectXYZ, []*Vertex{point, pose}, []float64{obs.X, obs.Y}, information, intrinsics)
}

// NewStereoEdge returns an EdgeStereoProjectXYZ for a (u, v, u_right) observation. intrinsics
// must carry the stereo baseline.
func NewStereoEdge(
	point, pose *Vertex,
	obs [3]float64,
	information *mat.SymDense,
	intrinsics *transform.PinholeCameraIntrinsics,
) (*Edge, error) {
	if !intrinsics.IsStereo() {
		return nil, errors.New("stereo edge needs intrinsics with a baseline")
	}
	return newEdge(EdgeStereoProjectXYZ, []*Vertex{point, pose}, obs[:], information, intrinsics)
}

// NewCuboidEdge returns an EdgeSE3Cuboid whose measurement is the cuboid in the camera frame.
func NewCuboidEdge(pose, cuboid *Vertex, meas spatialmath.Cuboid, information *mat.SymDense) (*Edge, error) {
	e, err := newEdge(EdgeSE3Cuboid, []*Vertex{pose, cuboid}, nil, information, nil)
	if err != nil {
		return nil, err
	}
	e.cuboidMeas = meas
	return e, nil
}

func newEdge(
	kind EdgeKind,
	vertices []*Vertex,
	measurement []float64,
	information *mat.SymDense,
	intrinsics *transform.PinholeCameraIntrinsics,
) (*Edge, error) {
	info := edgeKinds[kind]
	for i, v := range vertices {
		if v == nil {
			return nil, errors.Errorf("%s: vertex %d is nil", info.name, i)
		}
		if v.kind != info.vertexKinds[i] {
			return nil, errors.Errorf("%s: vertex %d must be %s, got %s", info.name, i, info.vertexKinds[i], v.kind)
		}
	}
	if information == nil || information.SymmetricDim() != info.dim {
		return nil, errors.Errorf("%s: information must be %dx%d", info.name, info.dim, info.dim)
	}
	if kind != EdgeSE3Cuboid {
		if err := intrinsics.CheckValid(); err != nil {
			return nil, errors.Wrap(err, info.name)
		}
	}
	return &Edge{
		kind:        kind,
		vertices:    vertices,
		measurement: measurement,
		information: information,
		intrinsics:  intrinsics,
	}, nil
}

// IdentityInformation returns scale·I of the given dimension.
func IdentityInformation(dim int, scale float64) *mat.SymDense {
	info := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		info.SetSym(i, i, scale)
	}
	return info
}

// Kind returns the residual kind.
func (e *Edge) Kind() EdgeKind { return e.kind }

// Dimension returns the residual length.
func (e *Edge) Dimension() int { return edgeKinds[e.kind].dim }

// Vertex returns the i-th vertex of the edge.
func (e *Edge) Vertex(i int) *Vertex { return e.vertices[i] }

// Information returns the inverse measurement covariance.
func (e *Edge) Information() *mat.SymDense { return e.information }

// RobustKernel returns the kernel or nil.
func (e *Edge) RobustKernel() RobustKernel { return e.kernel }

// SetRobustKernel sets the kernel; nil removes it.
func (e *Edge) SetRobustKernel(k RobustKernel) { e.kernel = k }

// Level returns the edge level. InitializeOptimization only activates edges of one level.
func (e *Edge) Level() int { return e.level }

// SetLevel sets the edge level.
func (e *Edge) SetLevel(level int) { e.level = level }

// Error returns the residual at the current vertex estimates.
func (e *Edge) Error() []float64 {
	return edgeKinds[e.kind].computeErr(e)
}

// Chi2 returns eᵀΩe at the current vertex estimates, without the robust kernel.
func (e *Edge) Chi2() float64 {
	return e.chi2(e.Error())
}

func (e *Edge) chi2(err []float64) float64 {
	v := mat.NewVecDense(len(err), err)
	return mat.Inner(v, e.information, v)
}

// IsDepthPositive returns whether the point lies in front of the camera. Edges without a depth
// notion always report true.
func (e *Edge) IsDepthPositive() bool {
	fn := edgeKinds[e.kind].depthPositive
	if fn == nil {
		return true
	}
	return fn(e)
}

func (e *Edge) pointInCamera() r3.Vector {
	return e.vertices[1].est.pose.Transform(e.vertices[0].est.point)
}

func monoError(e *Edge) []float64 {
	px := e.intrinsics.Project(e.pointInCamera())
	return []float64{e.measurement[0] - px.X, e.measurement[1] - px.Y}
}

func stereoError(e *Edge) []float64 {
	proj := e.intrinsics.ProjectStereo(e.pointInCamera())
	return []float64{
		e.measurement[0] - proj[0],
		e.measurement[1] - proj[1],
		e.measurement[2] - proj[2],
	}
}

func pointDepthPositive(e *Edge) bool {
	return e.pointInCamera().Z > 0
}

func cuboidError(e *Edge) []float64 {
	tcw := e.vertices[0].est.pose
	expected := e.cuboidMeas.TransformFrom(spatialmath.PoseInverse(tcw))
	diff := e.vertices[1].est.cuboid.LogError(expected)
	return diff[:]
}
