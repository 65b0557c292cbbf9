package scene

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/objectslam/rimage/transform"
	"go.viam.com/objectslam/slam/mapping"
	"go.viam.com/objectslam/spatialmath"
)

// GenerateOptions describes a synthetic scene: a row of cameras along +X looking down +Z at a slab
// of points and a few cuboid objects.
type GenerateOptions struct {
	Seed      int64 `json:"seed"`
	KeyFrames int   `json:"keyframes"`
	Points    int   `json:"points"`
	Objects   int   `json:"objects"`

	// Baseline is the distance between consecutive cameras.
	Baseline float64 `json:"baseline"`
	// Depth is the mean distance from the cameras to the points.
	Depth float64 `json:"depth"`

	// PixelNoise is the standard deviation of the keypoint noise.
	PixelNoise float64 `json:"pixel_noise"`
	// PositionNoise and PoseNoise perturb the initial estimates away from ground truth. Keyframe
	// 0 is never perturbed.
	PositionNoise float64 `json:"position_noise"`
	PoseNoise     float64 `json:"pose_noise"`

	// OutlierFraction of the points get one observation shifted by OutlierPixels. Only points
	// seen at least three times are corrupted.
	OutlierFraction float64 `json:"outlier_fraction"`
	OutlierPixels   float64 `json:"outlier_pixels"`
	// StereoFraction of the observations carry a right image coordinate.
	StereoFraction float64 `json:"stereo_fraction"`

	// Intrinsics overrides DefaultIntrinsics.
	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsics,omitempty"`
}

// DefaultGenerateOptions returns a small, well conditioned scene.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		Seed:          1,
		KeyFrames:     5,
		Points:        120,
		Objects:       2,
		Baseline:      0.2,
		Depth:         6,
		PixelNoise:    0.5,
		PositionNoise: 0.02,
		OutlierPixels: 40,
	}
}

// DefaultIntrinsics is the camera synthetic scenes are rendered with.
func DefaultIntrinsics() transform.PinholeCameraIntrinsics {
	return transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240, BF: 40,
	}
}

// GroundTruth is what a generated scene was rendered from.
type GroundTruth struct {
	Poses    map[uint64]spatialmath.Pose
	Points   map[uint64]r3.Vector
	Outliers []Outlier
}

// Outlier is a corrupted observation.
type Outlier struct {
	KeyFrameID uint64
	MapPointID uint64
}

func (o GenerateOptions) validate() error {
	switch {
	case o.KeyFrames < 2:
		return errors.Errorf("need at least 2 keyframes, got %d", o.KeyFrames)
	case o.Points < 1:
		return errors.Errorf("need at least 1 point, got %d", o.Points)
	case o.Objects < 0:
		return errors.Errorf("object count must not be negative, got %d", o.Objects)
	case o.Depth <= 0:
		return errors.Errorf("depth must be positive, got %v", o.Depth)
	case o.OutlierFraction < 0 || o.OutlierFraction > 1:
		return errors.Errorf("outlier fraction must be in [0, 1], got %v", o.OutlierFraction)
	case o.StereoFraction < 0 || o.StereoFraction > 1:
		return errors.Errorf("stereo fraction must be in [0, 1], got %v", o.StereoFraction)
	}
	if o.Intrinsics != nil {
		return o.Intrinsics.CheckValid()
	}
	return nil
}

// Generate renders a synthetic scene.
func Generate(opts GenerateOptions) (*Scene, *GroundTruth, error) {
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed)) //nolint:gosec
	intrinsics := DefaultIntrinsics()
	if opts.Intrinsics != nil {
		intrinsics = *opts.Intrinsics
	}
	pyramid := mapping.DefaultPyramid()

	s := &Scene{Intrinsics: intrinsics, MinSharedPoints: mapping.DefaultMinSharedPoints}
	truth := &GroundTruth{Poses: map[uint64]spatialmath.Pose{}, Points: map[uint64]r3.Vector{}}

	span := opts.Baseline * float64(opts.KeyFrames-1)
	for i := 0; i < opts.KeyFrames; i++ {
		center := r3.Vector{X: -span/2 + opts.Baseline*float64(i)}
		tcw := spatialmath.PoseInverse(spatialmath.NewPoseFromPoint(center))
		truth.Poses[uint64(i)] = tcw

		initial := tcw
		if i > 0 && opts.PoseNoise > 0 {
			initial = spatialmath.Compose(spatialmath.ExpSE3([6]float64{
				rng.NormFloat64() * opts.PoseNoise / 10, rng.NormFloat64() * opts.PoseNoise / 10, rng.NormFloat64() * opts.PoseNoise / 10,
				rng.NormFloat64() * opts.PoseNoise, rng.NormFloat64() * opts.PoseNoise, rng.NormFloat64() * opts.PoseNoise,
			}), tcw)
		}
		s.KeyFrames = append(s.KeyFrames, KeyFrame{ID: uint64(i), Pose: NewPose(initial)})
	}

	// points are back-projected from the central part of the image of a camera at the origin,
	// which is also the middle of the row
	w, h := float64(intrinsics.Width), float64(intrinsics.Height)
	for id := 0; id < opts.Points; id++ {
		pw := intrinsics.PixelToPoint(
			w*(0.15+0.7*rng.Float64()),
			h*(0.15+0.7*rng.Float64()),
			opts.Depth+(rng.Float64()*2-1)*opts.Depth/4,
		)
		mp := MapPoint{ID: uint64(id)}
		for i := range s.KeyFrames {
			kp, ok := render(rng, &intrinsics, pyramid, truth.Poses[uint64(i)], pw, opts)
			if !ok {
				continue
			}
			mp.Observations = append(mp.Observations, Observation{KeyFrameID: uint64(i), Slot: len(s.KeyFrames[i].KeyPoints)})
			s.KeyFrames[i].KeyPoints = append(s.KeyFrames[i].KeyPoints, kp)
		}
		if len(mp.Observations) == 0 {
			continue
		}
		truth.Points[mp.ID] = pw
		mp.Position = array(pw.Add(r3.Vector{
			X: rng.NormFloat64() * opts.PositionNoise,
			Y: rng.NormFloat64() * opts.PositionNoise,
			Z: rng.NormFloat64() * opts.PositionNoise,
		}))

		if len(mp.Observations) >= 3 && rng.Float64() < opts.OutlierFraction {
			obs := mp.Observations[rng.Intn(len(mp.Observations))]
			angle := rng.Float64() * 2 * math.Pi
			kp := &s.KeyFrames[obs.KeyFrameID].KeyPoints[obs.Slot]
			kp.X += opts.OutlierPixels * math.Cos(angle)
			kp.Y += opts.OutlierPixels * math.Sin(angle)
			truth.Outliers = append(truth.Outliers, Outlier{KeyFrameID: obs.KeyFrameID, MapPointID: mp.ID})
		}
		s.MapPoints = append(s.MapPoints, mp)
	}

	for id := 0; id < opts.Objects; id++ {
		center := intrinsics.PixelToPoint(w*(0.3+0.4*rng.Float64()), h*(0.3+0.4*rng.Float64()), opts.Depth)
		rot := spatialmath.ExpSO3(r3.Vector{Y: (rng.Float64()*2 - 1) * math.Pi / 4})
		s.Objects = append(s.Objects, Object{
			ID:      uint64(id),
			ClassID: id,
			Pose:    NewPose(spatialmath.NewPose(center, rot)),
			Scale:   [3]float64{0.2 + rng.Float64()*0.3, 0.2 + rng.Float64()*0.3, 0.2 + rng.Float64()*0.3},
			Quality: 0.5 + rng.Float64()*0.5,
		})
		for i := range s.KeyFrames {
			if px, err := intrinsics.CheckedProject(truth.Poses[uint64(i)].Transform(center)); err == nil && intrinsics.InImage(px) {
				s.KeyFrames[i].Objects = append(s.KeyFrames[i].Objects, uint64(id))
			}
		}
	}
	return s, truth, nil
}

// render projects a world point into a camera, adding pixel noise. It fails for points behind
// the camera or outside the image.
func render(
	rng *rand.Rand,
	intrinsics *transform.PinholeCameraIntrinsics,
	pyramid mapping.Pyramid,
	tcw spatialmath.Pose,
	pw r3.Vector,
	opts GenerateOptions,
) (KeyPoint, bool) {
	pc := tcw.Transform(pw)
	px, err := intrinsics.CheckedProject(pc)
	if err != nil || !intrinsics.InImage(px) {
		return KeyPoint{}, false
	}
	octave := rng.Intn(3)
	sigma := opts.PixelNoise * pyramid.ScaleFactorAt(octave)
	kp := KeyPoint{
		X:      px.X + rng.NormFloat64()*sigma,
		Y:      px.Y + rng.NormFloat64()*sigma,
		Octave: octave,
		Right:  -1,
	}
	if intrinsics.IsStereo() && rng.Float64() < opts.StereoFraction {
		kp.Right = kp.X - intrinsics.BF/pc.Z + rng.NormFloat64()*sigma
		if kp.Right < 0 {
			kp.Right = -1
		}
	}
	return kp, true
}
