package scene

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/samber/lo"
	"go.viam.com/test"

	"go.viam.com/objectslam/logging"
	"go.viam.com/objectslam/slam/localba"
	"go.viam.com/objectslam/slam/mapping"
	"go.viam.com/objectslam/spatialmath"
)

func TestGenerateIsDeterministic(t *testing.T) {
	a, truthA, err := Generate(DefaultGenerateOptions())
	test.That(t, err, test.ShouldBeNil)
	b, truthB, err := Generate(DefaultGenerateOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a, test.ShouldResemble, b)
	test.That(t, truthA.Points, test.ShouldResemble, truthB.Points)

	opts := DefaultGenerateOptions()
	opts.KeyFrames = 1
	_, _, err = Generate(opts)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at least 2 keyframes")
}

func TestSaveLoad(t *testing.T) {
	opts := DefaultGenerateOptions()
	opts.StereoFraction = 0.3
	s, _, err := Generate(opts)
	test.That(t, err, test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "scene.json")
	test.That(t, s.Save(path), test.ShouldBeNil)
	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, s)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "opening scene")
}

func TestValidate(t *testing.T) {
	s, _, err := Generate(DefaultGenerateOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Validate(), test.ShouldBeNil)

	s.KeyFrames = append(s.KeyFrames, KeyFrame{ID: 0, Objects: []uint64{99}})
	s.MapPoints = append(s.MapPoints,
		MapPoint{ID: 1000, Observations: []Observation{{KeyFrameID: 42}}},
		MapPoint{ID: 1001, Observations: []Observation{{KeyFrameID: 1, Slot: 100000}}},
	)
	err = s.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "duplicate keyframe id 0")
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown object 99")
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown keyframe 42")
	test.That(t, err.Error(), test.ShouldContainSubstring, "slot 100000 of keyframe 1")

	_, err = s.Build()
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBuildAndSnapshot(t *testing.T) {
	s, _, err := Generate(DefaultGenerateOptions())
	test.That(t, err, test.ShouldBeNil)
	s.KeyFrames[3].Bad = true
	s.MapPoints[0].Bad = true

	m, err := s.Build()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(m.KeyFrames()), test.ShouldEqual, len(s.KeyFrames))
	test.That(t, len(m.MapPoints()), test.ShouldEqual, len(s.MapPoints))
	test.That(t, len(m.ObjectLandmarks()), test.ShouldEqual, len(s.Objects))

	kf3, ok := m.KeyFrame(3)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, kf3.IsBad(), test.ShouldBeTrue)
	mp0, ok := m.MapPoint(s.MapPoints[0].ID)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, mp0.IsBad(), test.ShouldBeTrue)

	// every observation is linked on both sides
	for _, smp := range s.MapPoints {
		mp, _ := m.MapPoint(smp.ID)
		test.That(t, mp.NumObservations(), test.ShouldEqual, len(smp.Observations))
		for _, obs := range smp.Observations {
			kf, _ := m.KeyFrame(obs.KeyFrameID)
			test.That(t, kf.MapPoint(obs.Slot), test.ShouldEqual, mp)
		}
	}

	// the cameras see most of the same points, so they are all covisible
	kf4, _ := m.KeyFrame(4)
	test.That(t, len(kf4.CovisibleKeyFrames()), test.ShouldEqual, 4)

	snap := Snapshot(m, s.Intrinsics, s.Pyramid())
	test.That(t, snap.MapPoints, test.ShouldResemble, s.MapPoints)
	test.That(t, len(snap.KeyFrames), test.ShouldEqual, len(s.KeyFrames))
	for i, skf := range snap.KeyFrames {
		test.That(t, skf.ID, test.ShouldEqual, s.KeyFrames[i].ID)
		test.That(t, skf.Bad, test.ShouldEqual, s.KeyFrames[i].Bad)
		test.That(t, skf.KeyPoints, test.ShouldResemble, s.KeyFrames[i].KeyPoints)
		test.That(t, spatialmath.PoseAlmostEqual(skf.Pose.SpatialPose(), s.KeyFrames[i].Pose.SpatialPose(), 1e-12),
			test.ShouldBeTrue)
	}
	test.That(t, snap.Validate(), test.ShouldBeNil)
}

func TestAdjustGeneratedScene(t *testing.T) {
	opts := DefaultGenerateOptions()
	opts.OutlierFraction = 0.1
	opts.StereoFraction = 0.3
	s, truth, err := Generate(opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, truth.Outliers, test.ShouldNotBeEmpty)

	m, err := s.Build()
	test.That(t, err, test.ShouldBeNil)
	trigger, _ := m.KeyFrame(uint64(opts.KeyFrames - 1))

	ba, err := localba.NewLocalBundleAdjuster(localba.DefaultConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	res, err := ba.Run(context.Background(), trigger, m, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Refined, test.ShouldBeTrue)
	test.That(t, len(res.LocalKeyFrames), test.ShouldEqual, opts.KeyFrames)
	test.That(t, res.StereoEdges, test.ShouldBeGreaterThan, 0)
	test.That(t, res.CuboidEdges, test.ShouldBeGreaterThan, 0)

	injected := lo.SliceToMap(truth.Outliers, func(o Outlier) (localba.Outlier, bool) {
		return localba.Outlier{KeyFrameID: o.KeyFrameID, MapPointID: o.MapPointID}, true
	})
	test.That(t, len(res.Outliers), test.ShouldEqual, len(injected))
	for _, o := range res.Outliers {
		test.That(t, injected[o], test.ShouldBeTrue)
		kf, _ := m.KeyFrame(o.KeyFrameID)
		mp, _ := m.MapPoint(o.MapPointID)
		test.That(t, mp.IsInKeyFrame(kf), test.ShouldBeFalse)
	}

	errs := lo.Map(m.MapPoints(), func(mp *mapping.MapPoint, _ int) float64 {
		return mp.WorldPos().Sub(truth.Points[mp.ID()]).Norm()
	})
	test.That(t, lo.Sum(errs)/float64(len(errs)), test.ShouldBeLessThan, 0.1)
}
