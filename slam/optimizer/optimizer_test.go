package optimizer

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/objectslam/logging"
	"go.viam.com/objectslam/rimage/transform"
	"go.viam.com/objectslam/spatialmath"
)

var testIntrinsics = &transform.PinholeCameraIntrinsics{
	Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240, BF: 40,
}

func cameraAt(center r3.Vector) spatialmath.Pose {
	return spatialmath.PoseInverse(spatialmath.NewPoseFromPoint(center))
}

func observe(tcw spatialmath.Pose, pt r3.Vector) r2.Point {
	return testIntrinsics.Project(tcw.Transform(pt))
}

func TestHuber(t *testing.T) {
	h := NewHuber(2)
	rho, w := h.Robustify(3)
	test.That(t, rho, test.ShouldEqual, 3.)
	test.That(t, w, test.ShouldEqual, 1.)

	rho, w = h.Robustify(16)
	test.That(t, rho, test.ShouldAlmostEqual, 2*4*2-4)
	test.That(t, w, test.ShouldAlmostEqual, 0.5)
	test.That(t, h.Delta(), test.ShouldEqual, 2.)
}

func TestGraphConstruction(t *testing.T) {
	o := NewSparseOptimizer(logging.NewTestLogger(t))
	pose := NewPoseVertex(0, spatialmath.NewZeroPose())
	point := NewPointVertex(1, r3.Vector{Z: 5})
	test.That(t, o.AddVertex(pose), test.ShouldBeNil)
	err := o.AddVertex(NewPointVertex(0, r3.Vector{}))
	test.That(t, err, test.ShouldWrap, ErrDuplicateVertex)

	// vertices in the wrong slots
	_, err = NewMonoEdge(pose, point, r2.Point{}, IdentityInformation(2, 1), testIntrinsics)
	test.That(t, err.Error(), test.ShouldContainSubstring, "vertex 0 must be VertexPointXYZ")

	_, err = NewMonoEdge(point, pose, r2.Point{}, IdentityInformation(3, 1), testIntrinsics)
	test.That(t, err.Error(), test.ShouldContainSubstring, "information must be 2x2")

	mono := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
	_, err = NewStereoEdge(point, pose, [3]float64{}, IdentityInformation(3, 1), mono)
	test.That(t, err, test.ShouldNotBeNil)

	e, err := NewMonoEdge(point, pose, r2.Point{X: 320, Y: 240}, IdentityInformation(2, 1), testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	err = o.AddEdge(e)
	test.That(t, err, test.ShouldWrap, ErrUnknownVertex)

	test.That(t, o.AddVertex(point), test.ShouldBeNil)
	test.That(t, o.AddEdge(e), test.ShouldBeNil)
	test.That(t, e.Chi2(), test.ShouldAlmostEqual, 0)
	test.That(t, e.IsDepthPositive(), test.ShouldBeTrue)

	got, ok := o.Vertex(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldEqual, point)
	test.That(t, len(o.Vertices()), test.ShouldEqual, 2)

	_, err = o.Optimize(context.Background(), 1)
	test.That(t, err, test.ShouldBeError, ErrNotInitialized)
}

func TestEdgeResiduals(t *testing.T) {
	tcw := cameraAt(r3.Vector{X: 0.5})
	pt := r3.Vector{X: 1, Y: -0.5, Z: 4}
	pose := NewPoseVertex(0, tcw)
	point := NewPointVertex(1, pt)

	pc := tcw.Transform(pt)
	stereoObs := testIntrinsics.ProjectStereo(pc)
	stereo, err := NewStereoEdge(point, pose, stereoObs, IdentityInformation(3, 2), testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stereo.Chi2(), test.ShouldAlmostEqual, 0, 1e-12)

	// one pixel off in u_right only
	stereoObs[2]++
	stereo, err = NewStereoEdge(point, pose, stereoObs, IdentityInformation(3, 2), testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stereo.Chi2(), test.ShouldAlmostEqual, 2, 1e-9)

	behind := NewPointVertex(2, r3.Vector{Z: -4})
	mono, err := NewMonoEdge(behind, pose, r2.Point{}, IdentityInformation(2, 1), testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mono.IsDepthPositive(), test.ShouldBeFalse)

	cuboid := spatialmath.NewCuboid(spatialmath.NewPose(r3.Vector{X: 1, Z: 6}, spatialmath.ExpSO3(r3.Vector{Z: 0.4})), r3.Vector{X: 1, Y: 0.5, Z: 0.5})
	cv := NewCuboidVertex(3, cuboid)
	meas := cuboid.TransformTo(spatialmath.PoseInverse(tcw))
	ce, err := NewCuboidEdge(pose, cv, meas, IdentityInformation(spatialmath.CuboidDoF, 1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ce.Chi2(), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, ce.IsDepthPositive(), test.ShouldBeTrue)
	test.That(t, ce.Kind().String(), test.ShouldEqual, "EdgeSE3Cuboid")
}

func TestBundleAdjustmentConverges(t *testing.T) {
	logger := logging.NewTestLogger(t)
	o := NewSparseOptimizer(logger)

	truePoses := []spatialmath.Pose{
		cameraAt(r3.Vector{X: -1}),
		cameraAt(r3.Vector{X: 0}),
		cameraAt(r3.Vector{X: 1, Y: 0.2}),
	}
	var truePoints []r3.Vector
	for i := 0; i < 12; i++ {
		truePoints = append(truePoints, r3.Vector{
			X: -1.5 + 0.3*float64(i),
			Y: math.Sin(float64(i)),
			Z: 5 + math.Cos(float64(i)),
		})
	}

	poseVertices := make([]*Vertex, len(truePoses))
	for i, tcw := range truePoses {
		init := tcw
		if i == 2 {
			init = spatialmath.Compose(spatialmath.ExpSE3([6]float64{0.01, -0.02, 0.01, 0.05, -0.03, 0.04}), tcw)
		}
		poseVertices[i] = NewPoseVertex(i, init)
		poseVertices[i].SetFixed(i < 2)
		test.That(t, o.AddVertex(poseVertices[i]), test.ShouldBeNil)
	}
	pointVertices := make([]*Vertex, len(truePoints))
	for j, pt := range truePoints {
		pointVertices[j] = NewPointVertex(10+j, pt.Add(r3.Vector{X: 0.1, Y: -0.05, Z: 0.2}))
		pointVertices[j].SetMarginalized(true)
		test.That(t, o.AddVertex(pointVertices[j]), test.ShouldBeNil)
		for i, tcw := range truePoses {
			e, err := NewMonoEdge(pointVertices[j], poseVertices[i], observe(tcw, pt), IdentityInformation(2, 1), testIntrinsics)
			test.That(t, err, test.ShouldBeNil)
			e.SetRobustKernel(NewHuber(math.Sqrt(5.991)))
			test.That(t, o.AddEdge(e), test.ShouldBeNil)
		}
	}

	test.That(t, o.InitializeOptimization(0), test.ShouldBeNil)
	initial := o.ActiveChi2()
	test.That(t, initial, test.ShouldBeGreaterThan, 1.)

	n, err := o.Optimize(context.Background(), 30)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldBeGreaterThan, 0)
	test.That(t, o.ActiveChi2(), test.ShouldBeLessThan, 1e-6)

	test.That(t, spatialmath.PoseAlmostEqual(poseVertices[2].Pose(), truePoses[2], 1e-4), test.ShouldBeTrue)
	// fixed vertices never move
	test.That(t, spatialmath.PoseAlmostEqual(poseVertices[0].Pose(), truePoses[0], 0), test.ShouldBeTrue)
	for j, pt := range truePoints {
		test.That(t, pointVertices[j].Point().Sub(pt).Norm(), test.ShouldBeLessThan, 1e-3)
	}
}

func TestTriangulateOnlyPoints(t *testing.T) {
	o := NewSparseOptimizer(logging.NewTestLogger(t))
	poses := []spatialmath.Pose{cameraAt(r3.Vector{X: -1}), cameraAt(r3.Vector{X: 1})}
	truth := r3.Vector{X: 0.3, Y: 0.2, Z: 6}

	point := NewPointVertex(5, truth.Add(r3.Vector{X: -0.3, Z: 0.5}))
	point.SetMarginalized(true)
	test.That(t, o.AddVertex(point), test.ShouldBeNil)
	for i, tcw := range poses {
		v := NewPoseVertex(i, tcw)
		v.SetFixed(true)
		test.That(t, o.AddVertex(v), test.ShouldBeNil)
		e, err := NewMonoEdge(point, v, observe(tcw, truth), IdentityInformation(2, 1), testIntrinsics)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, o.AddEdge(e), test.ShouldBeNil)
	}
	test.That(t, o.InitializeOptimization(0), test.ShouldBeNil)
	_, err := o.Optimize(context.Background(), 20)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, point.Point().Sub(truth).Norm(), test.ShouldBeLessThan, 1e-4)
}

func TestCuboidVertexConverges(t *testing.T) {
	o := NewSparseOptimizer(logging.NewTestLogger(t))
	tcw := cameraAt(r3.Vector{X: 0.2})
	pose := NewPoseVertex(0, tcw)
	pose.SetFixed(true)

	truth := spatialmath.NewCuboid(spatialmath.NewPose(r3.Vector{Z: 5}, spatialmath.ExpSO3(r3.Vector{Y: 0.3})), r3.Vector{X: 1, Y: 0.4, Z: 0.6})
	start := truth.ExpUpdate([spatialmath.CuboidDoF]float64{0.05, 0.02, -0.04, 0.3, -0.2, 0.1, 0.1, -0.05, 0.02})
	cv := NewCuboidVertex(1, start)
	test.That(t, o.AddVertex(pose), test.ShouldBeNil)
	test.That(t, o.AddVertex(cv), test.ShouldBeNil)

	meas := truth.TransformTo(spatialmath.PoseInverse(tcw))
	e, err := NewCuboidEdge(pose, cv, meas, IdentityInformation(spatialmath.CuboidDoF, 4))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, o.AddEdge(e), test.ShouldBeNil)

	test.That(t, o.InitializeOptimization(0), test.ShouldBeNil)
	_, err = o.Optimize(context.Background(), 20)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.Chi2(), test.ShouldBeLessThan, 1e-8)
	test.That(t, spatialmath.PoseAlmostEqual(cv.Cuboid().Pose, truth.Pose, 1e-4), test.ShouldBeTrue)
	test.That(t, cv.Cuboid().Scale.Sub(truth.Scale).Norm(), test.ShouldBeLessThan, 1e-4)
}

func TestLevelsAndForceStop(t *testing.T) {
	o := NewSparseOptimizer(logging.NewTestLogger(t))
	tcw := cameraAt(r3.Vector{})
	truth := r3.Vector{Z: 4}
	pose := NewPoseVertex(0, tcw)
	pose.SetFixed(true)
	point := NewPointVertex(1, truth)
	test.That(t, o.AddVertex(pose), test.ShouldBeNil)
	test.That(t, o.AddVertex(point), test.ShouldBeNil)

	inlier, err := NewMonoEdge(point, pose, observe(tcw, truth), IdentityInformation(2, 1), testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	outlier, err := NewMonoEdge(point, pose, r2.Point{X: 10, Y: 10}, IdentityInformation(2, 1), testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	outlier.SetLevel(1)
	test.That(t, o.AddEdge(inlier), test.ShouldBeNil)
	test.That(t, o.AddEdge(outlier), test.ShouldBeNil)

	test.That(t, o.InitializeOptimization(0), test.ShouldBeNil)
	test.That(t, o.ActiveEdges(), test.ShouldResemble, []*Edge{inlier})
	test.That(t, o.ActiveChi2(), test.ShouldAlmostEqual, 0)
	test.That(t, outlier.Chi2(), test.ShouldBeGreaterThan, 1000.)

	stop := atomic.NewBool(true)
	o.SetForceStopFlag(stop)
	n, err := o.Optimize(context.Background(), 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)

	stop.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err = o.Optimize(ctx, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)
}
