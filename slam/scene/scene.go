// Package scene reads and writes map regions as JSON, builds a mapping.Map out of them and
// generates synthetic ones with known ground truth.
package scene

import (
	"encoding/json"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/objectslam/rimage/transform"
	"go.viam.com/objectslam/slam/mapping"
	"go.viam.com/objectslam/spatialmath"
)

// Pose is a camera-from-world transform. Quaternion is stored as w, x, y, z.
type Pose struct {
	Translation [3]float64 `json:"translation"`
	Quaternion  [4]float64 `json:"quaternion"`
}

// NewPose converts a spatialmath pose.
func NewPose(p spatialmath.Pose) Pose {
	t, q := p.Point(), p.Quaternion()
	return Pose{
		Translation: [3]float64{t.X, t.Y, t.Z},
		Quaternion:  [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
	}
}

// SpatialPose converts back to a spatialmath pose.
func (p Pose) SpatialPose() spatialmath.Pose {
	return spatialmath.NewPose(vector(p.Translation), quat.Number{
		Real: p.Quaternion[0], Imag: p.Quaternion[1], Jmag: p.Quaternion[2], Kmag: p.Quaternion[3],
	})
}

// KeyPoint is one detected feature of a keyframe. Right is negative for monocular features.
type KeyPoint struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Octave int     `json:"octave"`
	Right  float64 `json:"right"`
}

// KeyFrame is a serialized keyframe. Objects lists the ids of the object landmarks it observes.
type KeyFrame struct {
	ID        uint64     `json:"id"`
	Pose      Pose       `json:"pose"`
	Bad       bool       `json:"bad,omitempty"`
	KeyPoints []KeyPoint `json:"keypoints"`
	Objects   []uint64   `json:"objects,omitempty"`
}

// Observation is a keyframe keypoint slot matched to a map point.
type Observation struct {
	KeyFrameID uint64 `json:"keyframe_id"`
	Slot       int    `json:"slot"`
}

// MapPoint is a serialized map point.
type MapPoint struct {
	ID           uint64        `json:"id"`
	Position     [3]float64    `json:"position"`
	Bad          bool          `json:"bad,omitempty"`
	Observations []Observation `json:"observations"`
}

// Object is a serialized cuboid object landmark. Scale holds the half extents.
type Object struct {
	ID      uint64     `json:"id"`
	ClassID int        `json:"class_id"`
	Pose    Pose       `json:"pose"`
	Scale   [3]float64 `json:"scale"`
	Quality float64    `json:"quality"`
}

// Scene is a map region seen by a single camera.
type Scene struct {
	Intrinsics      transform.PinholeCameraIntrinsics `json:"intrinsics"`
	ScaleFactor     float64                           `json:"scale_factor,omitempty"`
	Levels          int                               `json:"levels,omitempty"`
	MinSharedPoints int                               `json:"min_shared_points,omitempty"`

	KeyFrames []KeyFrame `json:"keyframes"`
	MapPoints []MapPoint `json:"map_points"`
	Objects   []Object   `json:"objects,omitempty"`
}

func vector(v [3]float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

func array(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

// Pyramid returns the scale pyramid of the scene, using the ORB defaults for unset fields.
func (s *Scene) Pyramid() mapping.Pyramid {
	p := mapping.DefaultPyramid()
	if s.ScaleFactor != 0 {
		p.ScaleFactor = s.ScaleFactor
	}
	if s.Levels != 0 {
		p.Levels = s.Levels
	}
	return p
}

func (s *Scene) minShared() int {
	if s.MinSharedPoints > 0 {
		return s.MinSharedPoints
	}
	return mapping.DefaultMinSharedPoints
}

// Validate checks that ids are unique and every reference resolves.
func (s *Scene) Validate() error {
	var errs error
	if err := s.Intrinsics.CheckValid(); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "intrinsics"))
	}
	if err := s.Pyramid().Validate(); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, id := range lo.FindDuplicates(lo.Map(s.KeyFrames, func(kf KeyFrame, _ int) uint64 { return kf.ID })) {
		errs = multierr.Append(errs, errors.Errorf("duplicate keyframe id %d", id))
	}
	for _, id := range lo.FindDuplicates(lo.Map(s.MapPoints, func(mp MapPoint, _ int) uint64 { return mp.ID })) {
		errs = multierr.Append(errs, errors.Errorf("duplicate map point id %d", id))
	}
	for _, id := range lo.FindDuplicates(lo.Map(s.Objects, func(o Object, _ int) uint64 { return o.ID })) {
		errs = multierr.Append(errs, errors.Errorf("duplicate object id %d", id))
	}

	keyFrames := lo.KeyBy(s.KeyFrames, func(kf KeyFrame) uint64 { return kf.ID })
	objects := lo.KeyBy(s.Objects, func(o Object) uint64 { return o.ID })
	for _, kf := range s.KeyFrames {
		for _, id := range kf.Objects {
			if _, ok := objects[id]; !ok {
				errs = multierr.Append(errs, errors.Errorf("keyframe %d observes unknown object %d", kf.ID, id))
			}
		}
	}
	for _, mp := range s.MapPoints {
		for _, obs := range mp.Observations {
			kf, ok := keyFrames[obs.KeyFrameID]
			if !ok {
				errs = multierr.Append(errs, errors.Errorf("map point %d observed by unknown keyframe %d", mp.ID, obs.KeyFrameID))
				continue
			}
			if obs.Slot < 0 || obs.Slot >= len(kf.KeyPoints) {
				errs = multierr.Append(errs, errors.Errorf("map point %d uses slot %d of keyframe %d with %d keypoints",
					mp.ID, obs.Slot, kf.ID, len(kf.KeyPoints)))
			}
		}
	}
	return errs
}

// Build creates a map holding the scene. Covisibility is derived from the shared points.
func (s *Scene) Build() (*mapping.Map, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m := mapping.NewMap()
	pyramid := s.Pyramid()
	intrinsics := s.Intrinsics

	for _, o := range s.Objects {
		lm := mapping.NewObjectLandmark(o.ID, o.ClassID,
			spatialmath.NewCuboid(o.Pose.SpatialPose(), vector(o.Scale)), o.Quality)
		if err := m.AddObjectLandmark(lm); err != nil {
			return nil, err
		}
	}

	kfs := make([]*mapping.KeyFrame, 0, len(s.KeyFrames))
	for _, skf := range s.KeyFrames {
		kps := lo.Map(skf.KeyPoints, func(kp KeyPoint, _ int) mapping.KeyPoint {
			return mapping.KeyPoint{Pt: r2.Point{X: kp.X, Y: kp.Y}, Octave: kp.Octave, Right: kp.Right}
		})
		kf, err := mapping.NewKeyFrame(skf.ID, skf.Pose.SpatialPose(), &intrinsics, pyramid, kps)
		if err != nil {
			return nil, err
		}
		for _, id := range skf.Objects {
			lm, _ := m.ObjectLandmark(id)
			kf.AddObject(lm)
		}
		if err := m.AddKeyFrame(kf); err != nil {
			return nil, err
		}
		kfs = append(kfs, kf)
	}

	var bad []*mapping.MapPoint
	for _, smp := range s.MapPoints {
		var ref *mapping.KeyFrame
		if len(smp.Observations) > 0 {
			ref, _ = m.KeyFrame(smp.Observations[0].KeyFrameID)
		}
		mp := mapping.NewMapPoint(smp.ID, vector(smp.Position), ref)
		if err := m.AddMapPoint(mp); err != nil {
			return nil, err
		}
		for _, obs := range smp.Observations {
			kf, _ := m.KeyFrame(obs.KeyFrameID)
			if err := mapping.Link(kf, mp, obs.Slot); err != nil {
				return nil, errors.Wrapf(err, "map point %d", smp.ID)
			}
		}
		mp.UpdateNormalAndDepth()
		if smp.Bad {
			bad = append(bad, mp)
		}
	}

	for _, kf := range kfs {
		kf.UpdateConnections(s.minShared())
	}
	for i, skf := range s.KeyFrames {
		kfs[i].SetBad(skf.Bad)
	}
	for _, mp := range bad {
		mp.SetBad(true)
	}
	return m, nil
}

// Snapshot captures the current state of a map as a scene using the given camera.
func Snapshot(m *mapping.Map, intrinsics transform.PinholeCameraIntrinsics, pyramid mapping.Pyramid) *Scene {
	s := &Scene{
		Intrinsics:  intrinsics,
		ScaleFactor: pyramid.ScaleFactor,
		Levels:      pyramid.Levels,
	}
	for _, kf := range m.KeyFrames() {
		skf := KeyFrame{ID: kf.ID(), Pose: NewPose(kf.Pose()), Bad: kf.IsBad()}
		for slot := 0; slot < kf.NumKeyPoints(); slot++ {
			kp := kf.KeyPoint(slot)
			skf.KeyPoints = append(skf.KeyPoints, KeyPoint{X: kp.Pt.X, Y: kp.Pt.Y, Octave: kp.Octave, Right: kp.Right})
		}
		skf.Objects = lo.Map(kf.Objects(), func(lm *mapping.ObjectLandmark, _ int) uint64 { return lm.ID() })
		s.KeyFrames = append(s.KeyFrames, skf)
	}
	for _, mp := range m.MapPoints() {
		s.MapPoints = append(s.MapPoints, MapPoint{
			ID:       mp.ID(),
			Position: array(mp.WorldPos()),
			Bad:      mp.IsBad(),
			Observations: lo.Map(mp.Observations(), func(obs mapping.Observation, _ int) Observation {
				return Observation{KeyFrameID: obs.KeyFrame.ID(), Slot: obs.Slot}
			}),
		})
	}
	for _, lm := range m.ObjectLandmarks() {
		c := lm.Cuboid()
		s.Objects = append(s.Objects, Object{
			ID:      lm.ID(),
			ClassID: lm.ClassID(),
			Pose:    NewPose(c.Pose),
			Scale:   array(c.Scale),
			Quality: lm.Quality(),
		})
	}
	return s
}

// Load reads a scene from a JSON file.
func Load(path string) (*Scene, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening scene %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var s Scene
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, errors.Wrapf(err, "decoding scene %q", path)
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid scene %q", path)
	}
	return &s, nil
}

// Save writes the scene to a JSON file.
func (s *Scene) Save(path string) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating scene %q", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
