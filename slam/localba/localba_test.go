package localba

import (
	"context"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/objectslam/logging"
	"go.viam.com/objectslam/rimage/transform"
	"go.viam.com/objectslam/slam/mapping"
	"go.viam.com/objectslam/spatialmath"
)

var testIntrinsics = &transform.PinholeCameraIntrinsics{
	Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240, BF: 40,
}

func cameraAt(center r3.Vector) spatialmath.Pose {
	return spatialmath.PoseInverse(spatialmath.NewPoseFromPoint(center))
}

// threeView is keyframes 0 and 1 covisible with each other, keyframe 2 only sharing points. The
// point under test sits in slot 0; anchors follow it in slots 1.. and are seen exactly by all
// three keyframes.
type threeView struct {
	m       *mapping.Map
	kfs     []*mapping.KeyFrame
	mp      *mapping.MapPoint
	anchors []*mapping.MapPoint
	truth   r3.Vector
	poses   []spatialmath.Pose
}

// anchorPoints constrain the pose of keyframe 1 independently of the point under test.
var anchorPoints = []r3.Vector{
	{X: -0.8, Y: -0.4, Z: 4},
	{X: 0.7, Y: 0.3, Z: 4.5},
	{X: -0.3, Y: 0.5, Z: 5.5},
	{X: 0.9, Y: -0.5, Z: 6},
	{X: -1.0, Y: 0.2, Z: 6.5},
	{X: 0.4, Y: -0.3, Z: 7},
	{X: 0.0, Y: 0.6, Z: 4.8},
	{X: -0.6, Y: -0.1, Z: 5.2},
}

func newThreeView(t *testing.T, perturbV float64, initialOffset r3.Vector) *threeView {
	t.Helper()
	return newAnchoredThreeView(t, perturbV, initialOffset, nil)
}

func newAnchoredThreeView(t *testing.T, perturbV float64, initialOffset r3.Vector, anchors []r3.Vector) *threeView {
	t.Helper()
	fx := &threeView{
		m:     mapping.NewMap(),
		truth: r3.Vector{X: 0.1, Y: -0.2, Z: 5},
		poses: []spatialmath.Pose{
			cameraAt(r3.Vector{X: -0.5}),
			cameraAt(r3.Vector{X: 0.5}),
			cameraAt(r3.Vector{X: 0.5, Y: 0.3, Z: -3}),
		},
	}
	for i, tcw := range fx.poses {
		px := testIntrinsics.Project(tcw.Transform(fx.truth))
		octave := 0
		if i == 2 {
			px.Y += perturbV
			octave = 1
		}
		kps := []mapping.KeyPoint{{Pt: px, Octave: octave, Right: -1}}
		for _, pw := range anchors {
			kps = append(kps, mapping.KeyPoint{Pt: testIntrinsics.Project(tcw.Transform(pw)), Right: -1})
		}
		kf, err := mapping.NewKeyFrame(uint64(i), tcw, testIntrinsics, mapping.DefaultPyramid(), kps)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fx.m.AddKeyFrame(kf), test.ShouldBeNil)
		fx.kfs = append(fx.kfs, kf)
	}
	fx.mp = mapping.NewMapPoint(0, fx.truth.Add(initialOffset), fx.kfs[0])
	test.That(t, fx.m.AddMapPoint(fx.mp), test.ShouldBeNil)
	for _, kf := range fx.kfs {
		test.That(t, mapping.Link(kf, fx.mp, 0), test.ShouldBeNil)
	}
	for i, pw := range anchors {
		mp := mapping.NewMapPoint(uint64(i+1), pw, fx.kfs[0])
		test.That(t, fx.m.AddMapPoint(mp), test.ShouldBeNil)
		for _, kf := range fx.kfs {
			test.That(t, mapping.Link(kf, mp, i+1), test.ShouldBeNil)
		}
		fx.anchors = append(fx.anchors, mp)
	}
	fx.kfs[0].AddConnection(fx.kfs[1], 1+len(anchors))
	fx.kfs[1].AddConnection(fx.kfs[0], 1+len(anchors))
	return fx
}

func newAdjuster(t *testing.T) *LocalBundleAdjuster {
	t.Helper()
	ba, err := NewLocalBundleAdjuster(DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return ba
}

func TestRunErrors(t *testing.T) {
	ba := newAdjuster(t)
	_, err := ba.Run(context.Background(), nil, mapping.NewMap(), nil)
	test.That(t, err, test.ShouldBeError, ErrNilKeyFrame)

	fx := newThreeView(t, 0, r3.Vector{})
	_, err = ba.Run(context.Background(), fx.kfs[1], nil, nil)
	test.That(t, err, test.ShouldBeError, ErrNilMap)

	cfg := DefaultConfig()
	cfg.CoarseIterations = 0
	cfg.ChiSquareMono = -1
	_, err = NewLocalBundleAdjuster(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "local_ba: coarse_iterations")
	test.That(t, err.Error(), test.ShouldContainSubstring, "chi2_mono")
}

func TestConsistentThreeViews(t *testing.T) {
	fx := newThreeView(t, 0, r3.Vector{X: 0.05, Y: 0.02, Z: -0.1})
	res, err := newAdjuster(t).Run(context.Background(), fx.kfs[1], fx.m, nil)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, res.LocalKeyFrames, test.ShouldResemble, []uint64{1, 0})
	test.That(t, res.FixedKeyFrames, test.ShouldResemble, []uint64{2})
	test.That(t, res.MonoEdges, test.ShouldEqual, 3)
	test.That(t, res.Refined, test.ShouldBeTrue)
	test.That(t, res.Outliers, test.ShouldBeEmpty)
	test.That(t, fx.mp.WorldPos().Sub(fx.truth).Norm(), test.ShouldBeLessThan, 1e-3)

	// origin and anchor never move
	test.That(t, spatialmath.PoseAlmostEqual(fx.kfs[0].Pose(), fx.poses[0], 1e-12), test.ShouldBeTrue)
	test.That(t, spatialmath.PoseAlmostEqual(fx.kfs[2].Pose(), fx.poses[2], 1e-12), test.ShouldBeTrue)
	test.That(t, fx.mp.NumObservations(), test.ShouldEqual, 3)
	test.That(t, fx.m.UpdateCount(), test.ShouldEqual, uint64(1))
	test.That(t, res.String(), test.ShouldContainSubstring, "fixed keyframes")
}

func TestPerturbedObservationIsPruned(t *testing.T) {
	fx := newAnchoredThreeView(t, 50, r3.Vector{}, anchorPoints)
	res, err := newAdjuster(t).Run(context.Background(), fx.kfs[1], fx.m, nil)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, res.LocalKeyFrames, test.ShouldResemble, []uint64{1, 0})
	test.That(t, res.FixedKeyFrames, test.ShouldResemble, []uint64{2})
	test.That(t, res.MonoEdges, test.ShouldEqual, 3*(1+len(anchorPoints)))
	test.That(t, res.Outliers, test.ShouldResemble, []Outlier{{KeyFrameID: 2, MapPointID: 0}})
	test.That(t, res.ExcludedEdges, test.ShouldEqual, 1)
	test.That(t, res.Refined, test.ShouldBeTrue)

	test.That(t, fx.kfs[2].MapPoint(0), test.ShouldBeNil)
	test.That(t, fx.mp.IsInKeyFrame(fx.kfs[2]), test.ShouldBeFalse)
	test.That(t, fx.mp.IsInKeyFrame(fx.kfs[0]), test.ShouldBeTrue)
	test.That(t, fx.mp.IsInKeyFrame(fx.kfs[1]), test.ShouldBeTrue)
	test.That(t, fx.mp.IsBad(), test.ShouldBeFalse)

	// once the outlier is gone the two clean views triangulate the point again
	test.That(t, fx.mp.WorldPos().Sub(fx.truth).Norm(), test.ShouldBeLessThan, 0.01)
	test.That(t, spatialmath.PoseAlmostEqual(fx.kfs[0].Pose(), fx.poses[0], 1e-12), test.ShouldBeTrue)
	test.That(t, spatialmath.PoseAlmostEqual(fx.kfs[1].Pose(), fx.poses[1], 1e-3), test.ShouldBeTrue)
	for i, mp := range fx.anchors {
		test.That(t, mp.NumObservations(), test.ShouldEqual, 3)
		test.That(t, mp.WorldPos().Sub(anchorPoints[i]).Norm(), test.ShouldBeLessThan, 0.01)
	}
}

func TestStopBeforeSolving(t *testing.T) {
	fx := newThreeView(t, 50, r3.Vector{X: 0.05})
	before := fx.mp.WorldPos()
	poseBefore := fx.kfs[1].Pose()

	res, err := newAdjuster(t).Run(context.Background(), fx.kfs[1], fx.m, atomic.NewBool(true))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Aborted, test.ShouldBeTrue)
	test.That(t, res.Outliers, test.ShouldBeEmpty)
	test.That(t, fx.m.UpdateCount(), test.ShouldEqual, uint64(0))
	test.That(t, fx.mp.WorldPos(), test.ShouldResemble, before)
	test.That(t, fx.kfs[1].Pose(), test.ShouldResemble, poseBefore)
	test.That(t, fx.mp.NumObservations(), test.ShouldEqual, 3)
	test.That(t, res.String(), test.ShouldContainSubstring, "aborted")

	// a cancelled context behaves the same
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err = newAdjuster(t).Run(ctx, fx.kfs[1], fx.m, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Aborted, test.ShouldBeTrue)
	test.That(t, fx.m.UpdateCount(), test.ShouldEqual, uint64(0))
}

func TestStopBetweenPasses(t *testing.T) {
	fx := newThreeView(t, 50, r3.Vector{})
	stop := atomic.NewBool(false)
	ba := newAdjuster(t)
	passes := []int{}
	ba.passHook = func(pass int) {
		passes = append(passes, pass)
		stop.Store(true)
	}

	res, err := ba.Run(context.Background(), fx.kfs[1], fx.m, stop)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, passes, test.ShouldResemble, []int{1})
	test.That(t, res.Aborted, test.ShouldBeFalse)
	test.That(t, res.Refined, test.ShouldBeFalse)
	test.That(t, res.RefineIterations, test.ShouldEqual, 0)
	test.That(t, res.ExcludedEdges, test.ShouldEqual, 0)
	test.That(t, res.Outliers, test.ShouldResemble, []Outlier{{KeyFrameID: 2, MapPointID: 0}})
	test.That(t, fx.m.UpdateCount(), test.ShouldEqual, uint64(1))
	test.That(t, fx.mp.IsInKeyFrame(fx.kfs[2]), test.ShouldBeFalse)
}

func TestTriggerAlwaysLocal(t *testing.T) {
	fx := newThreeView(t, 0, r3.Vector{})
	fx.kfs[1].SetBad(true)
	w := selectWindow(fx.kfs[1])
	test.That(t, w.local[0], test.ShouldEqual, fx.kfs[1])
	test.That(t, w.roles[fx.kfs[1]], test.ShouldEqual, roleLocal)

	// a keyframe with no neighbours is a window of one
	lonely := newThreeView(t, 0, r3.Vector{})
	w = selectWindow(lonely.kfs[2])
	test.That(t, keyFrameIDs(w.local), test.ShouldResemble, []uint64{2})
}

func TestBadNeighbourIsNeitherLocalNorFixed(t *testing.T) {
	fx := newThreeView(t, 0, r3.Vector{})
	fx.kfs[0].SetBad(true)

	w := selectWindow(fx.kfs[1])
	w.aggregateLandmarks()
	w.collectFixed(fx.m, false)
	test.That(t, keyFrameIDs(w.local), test.ShouldResemble, []uint64{1})
	test.That(t, keyFrameIDs(w.fixed), test.ShouldResemble, []uint64{2})
	test.That(t, w.roles[fx.kfs[0]], test.ShouldEqual, roleLocal)

	// a bad keyframe seen only through points is tagged but not used
	fx = newThreeView(t, 0, r3.Vector{})
	fx.kfs[2].SetBad(true)
	w = selectWindow(fx.kfs[1])
	w.aggregateLandmarks()
	w.collectFixed(fx.m, false)
	test.That(t, w.fixed, test.ShouldBeEmpty)
	test.That(t, w.roles[fx.kfs[2]], test.ShouldEqual, roleFixed)

	g, err := buildGraph(w, DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(g.mono), test.ShouldEqual, 2)
}

// objectScene adds a cuboid seen by keyframes 0 and 1 and a second point on keyframe 0.
func objectScene(t *testing.T, quality float64) (*threeView, *mapping.ObjectLandmark) {
	t.Helper()
	fx := newThreeView(t, 0, r3.Vector{})
	lm := mapping.NewObjectLandmark(3,
		0,
		spatialmath.NewCuboid(spatialmath.NewPose(r3.Vector{Z: 6}, spatialmath.ExpSO3(r3.Vector{Y: 0.2})), r3.Vector{X: 0.5, Y: 0.3, Z: 0.4}),
		quality)
	test.That(t, fx.m.AddObjectLandmark(lm), test.ShouldBeNil)
	fx.kfs[0].AddObject(lm)
	fx.kfs[1].AddObject(lm)
	return fx, lm
}

func TestGraphIDsAreOrdered(t *testing.T) {
	fx, _ := objectScene(t, 0.8)
	w := selectWindow(fx.kfs[1])
	w.aggregateLandmarks()
	w.collectFixed(fx.m, false)
	g, err := buildGraph(w, DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	poseMax, objectMin, objectMax, pointMin := -1, int(^uint(0)>>1), -1, int(^uint(0)>>1)
	for _, v := range g.opt.Vertices() {
		switch v.Kind().String() {
		case "VertexSE3Expmap":
			poseMax = max(poseMax, v.ID())
		case "VertexCuboid":
			objectMin = min(objectMin, v.ID())
			objectMax = max(objectMax, v.ID())
		case "VertexPointXYZ":
			pointMin = min(pointMin, v.ID())
			test.That(t, v.Marginalized(), test.ShouldBeTrue)
		}
	}
	test.That(t, poseMax, test.ShouldEqual, 2)
	test.That(t, objectMin, test.ShouldEqual, 2+1+3)
	test.That(t, poseMax, test.ShouldBeLessThan, objectMin)
	test.That(t, objectMax, test.ShouldBeLessThan, pointMin)
	test.That(t, pointMin, test.ShouldEqual, 2+3+2+0)

	// id 0 is the origin, the other local keyframe is free, the anchor is fixed
	v0, _ := g.opt.Vertex(0)
	v1, _ := g.opt.Vertex(1)
	v2, _ := g.opt.Vertex(2)
	test.That(t, v0.Fixed(), test.ShouldBeTrue)
	test.That(t, v1.Fixed(), test.ShouldBeFalse)
	test.That(t, v2.Fixed(), test.ShouldBeTrue)

	// every window point is seen by a local or fixed keyframe
	for _, mp := range w.points {
		seen := false
		for _, obs := range mp.Observations() {
			if r := w.roles[obs.KeyFrame]; r == roleLocal || r == roleFixed {
				seen = true
			}
		}
		test.That(t, seen, test.ShouldBeTrue)
	}
}

func TestObjectEdgeInformation(t *testing.T) {
	for _, quality := range []float64{0.8, 0.4} {
		fx, _ := objectScene(t, quality)
		w := selectWindow(fx.kfs[1])
		w.aggregateLandmarks()
		w.collectFixed(fx.m, false)
		g, err := buildGraph(w, DefaultConfig(), logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)

		// one object edge per monocular observation of a local keyframe that sees the object
		test.That(t, len(g.cuboid), test.ShouldEqual, 2)
		for _, e := range g.cuboid {
			info := e.Information()
			for i := 0; i < 9; i++ {
				test.That(t, info.At(i, i), test.ShouldAlmostEqual, (2*quality)*(2*quality))
			}
			test.That(t, info.At(0, 1), test.ShouldEqual, 0.)
			test.That(t, e.RobustKernel(), test.ShouldBeNil)
		}
	}
	full := objectInformation(0.8, 1)
	half := objectInformation(0.4, 1)
	test.That(t, half.At(4, 4), test.ShouldAlmostEqual, full.At(4, 4)/4)
}

func TestObjectsAreCommitted(t *testing.T) {
	fx, lm := objectScene(t, 0.9)
	before := lm.Cuboid()

	res, err := newAdjuster(t).Run(context.Background(), fx.kfs[1], fx.m, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Objects, test.ShouldEqual, 1)
	test.That(t, res.CuboidEdges, test.ShouldEqual, 2)
	test.That(t, res.Outliers, test.ShouldBeEmpty)

	// measurements agree with the landmark, so it is written back where it was
	after := lm.Cuboid()
	test.That(t, after.Pose.Point().Sub(before.Pose.Point()).Norm(), test.ShouldBeLessThan, 1e-3)
	test.That(t, after.Scale.Sub(before.Scale).Norm(), test.ShouldBeLessThan, 1e-3)
	test.That(t, fx.m.UpdateCount(), test.ShouldEqual, uint64(1))
}

func TestAnchorObjectObservers(t *testing.T) {
	fx, lm := objectScene(t, 0.5)
	extra, err := mapping.NewKeyFrame(7, cameraAt(r3.Vector{Y: 1}), testIntrinsics, mapping.DefaultPyramid(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fx.m.AddKeyFrame(extra), test.ShouldBeNil)
	extra.AddObject(lm)

	w := selectWindow(fx.kfs[1])
	w.aggregateLandmarks()
	w.collectFixed(fx.m, false)
	test.That(t, keyFrameIDs(w.fixed), test.ShouldResemble, []uint64{2})

	w = selectWindow(fx.kfs[1])
	w.aggregateLandmarks()
	w.collectFixed(fx.m, true)
	test.That(t, keyFrameIDs(w.fixed), test.ShouldResemble, []uint64{2, 7})
}

func TestFinalGatingIsPure(t *testing.T) {
	fx := newThreeView(t, 50, r3.Vector{})
	cfg := DefaultConfig()
	w := selectWindow(fx.kfs[1])
	w.aggregateLandmarks()
	w.collectFixed(fx.m, false)
	g, err := buildGraph(w, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.opt.InitializeOptimization(0), test.ShouldBeNil)
	_, err = g.opt.Optimize(context.Background(), cfg.CoarseIterations)
	test.That(t, err, test.ShouldBeNil)

	first := g.finalOutliers(cfg)
	second := g.finalOutliers(cfg)
	test.That(t, second, test.ShouldResemble, first)
	test.That(t, len(first), test.ShouldEqual, 1)
	test.That(t, first[0].keyFrame, test.ShouldEqual, fx.kfs[2])
	// levels and kernels are untouched by final gating
	test.That(t, first[0].edge.Level(), test.ShouldEqual, 0)
	test.That(t, first[0].edge.RobustKernel(), test.ShouldNotBeNil)
}

func TestStereoObservations(t *testing.T) {
	m := mapping.NewMap()
	truth := r3.Vector{X: 0.2, Y: 0.1, Z: 4}
	var kfs []*mapping.KeyFrame
	for i, center := range []r3.Vector{{X: -0.3}, {X: 0.3}} {
		tcw := cameraAt(center)
		obs := testIntrinsics.ProjectStereo(tcw.Transform(truth))
		kf, err := mapping.NewKeyFrame(uint64(i), tcw, testIntrinsics, mapping.DefaultPyramid(),
			[]mapping.KeyPoint{{Pt: r2.Point{X: obs[0], Y: obs[1]}, Octave: 0, Right: obs[2]}})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.AddKeyFrame(kf), test.ShouldBeNil)
		kfs = append(kfs, kf)
	}
	mp := mapping.NewMapPoint(4, truth.Add(r3.Vector{Z: 0.2}), nil)
	test.That(t, m.AddMapPoint(mp), test.ShouldBeNil)
	for _, kf := range kfs {
		test.That(t, mapping.Link(kf, mp, 0), test.ShouldBeNil)
	}
	kfs[1].UpdateConnections(1)

	res, err := newAdjuster(t).Run(context.Background(), kfs[1], m, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.StereoEdges, test.ShouldEqual, 2)
	test.That(t, res.MonoEdges, test.ShouldEqual, 0)
	test.That(t, res.Outliers, test.ShouldBeEmpty)
	test.That(t, mp.WorldPos().Sub(truth).Norm(), test.ShouldBeLessThan, 1e-2)
}
