package localba

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/objectslam/logging"
	"go.viam.com/objectslam/slam/mapping"
	"go.viam.com/objectslam/slam/optimizer"
)

// observationEdge is a reprojection edge together with the observation it came from.
type observationEdge struct {
	edge     *optimizer.Edge
	keyFrame *mapping.KeyFrame
	mapPoint *mapping.MapPoint
}

// readback copies an optimized vertex into the map entity it was built from.
type readback struct {
	vertex *optimizer.Vertex
	apply  func(v *optimizer.Vertex)
}

// graph is the factor graph of one run, keyed by vertex id.
type graph struct {
	opt *optimizer.SparseOptimizer

	maxKeyFrameID uint64
	maxObjectID   uint64

	mono   []observationEdge
	stereo []observationEdge
	cuboid []*optimizer.Edge

	poseReadbacks   []readback
	objectReadbacks []readback
	pointReadbacks  []readback
}

func (g *graph) poseVertexID(kf *mapping.KeyFrame) int {
	return int(kf.ID())
}

func (g *graph) objectVertexID(lm *mapping.ObjectLandmark) int {
	return int(g.maxKeyFrameID + 1 + lm.ID())
}

func (g *graph) pointVertexID(mp *mapping.MapPoint) int {
	return int(g.maxKeyFrameID + g.maxObjectID + 2 + mp.ID())
}

// objectInformation is the information of an object edge for a landmark of quality q.
func objectInformation(quality, scale float64) *mat.SymDense {
	return optimizer.IdentityInformation(9, scale*(2*quality)*(2*quality))
}

// buildGraph instantiates the vertices and edges for a window.
func buildGraph(w *window, cfg Config, logger logging.Logger) (*graph, error) {
	g := &graph{opt: optimizer.NewSparseOptimizer(logger)}

	for _, kf := range w.local {
		v := optimizer.NewPoseVertex(g.poseVertexID(kf), kf.Pose())
		v.SetFixed(kf.ID() == cfg.OriginKeyFrameID)
		if err := g.opt.AddVertex(v); err != nil {
			return nil, err
		}
		g.poseReadbacks = append(g.poseReadbacks, readback{vertex: v, apply: func(v *optimizer.Vertex) {
			kf.SetPose(v.Pose())
		}})
		g.maxKeyFrameID = max(g.maxKeyFrameID, kf.ID())
	}
	for _, kf := range w.fixed {
		v := optimizer.NewPoseVertex(g.poseVertexID(kf), kf.Pose())
		v.SetFixed(true)
		if err := g.opt.AddVertex(v); err != nil {
			return nil, err
		}
		g.maxKeyFrameID = max(g.maxKeyFrameID, kf.ID())
	}

	for _, lm := range w.objects {
		v := optimizer.NewCuboidVertex(g.objectVertexID(lm), lm.Cuboid())
		if err := g.opt.AddVertex(v); err != nil {
			return nil, err
		}
		g.objectReadbacks = append(g.objectReadbacks, readback{vertex: v, apply: func(v *optimizer.Vertex) {
			lm.SetPoseAndDimension(v.Cuboid())
		}})
		g.maxObjectID = max(g.maxObjectID, lm.ID())
	}

	huberMono := optimizer.NewHuber(math.Sqrt(cfg.ChiSquareMono))
	huberStereo := optimizer.NewHuber(math.Sqrt(cfg.ChiSquareStereo))
	for _, mp := range w.points {
		pv := optimizer.NewPointVertex(g.pointVertexID(mp), mp.WorldPos())
		pv.SetMarginalized(true)
		if err := g.opt.AddVertex(pv); err != nil {
			return nil, err
		}
		g.pointReadbacks = append(g.pointReadbacks, readback{vertex: pv, apply: func(v *optimizer.Vertex) {
			mp.SetWorldPos(v.Point())
			mp.UpdateNormalAndDepth()
		}})

		for _, obs := range mp.Observations() {
			kf := obs.KeyFrame
			if kf.IsBad() {
				continue
			}
			kfv, ok := g.opt.Vertex(g.poseVertexID(kf))
			if !ok || kfv.Kind() != optimizer.VertexSE3Expmap {
				continue
			}
			if err := g.addObservation(w, cfg, pv, kfv, kf, mp, obs.Slot, huberMono, huberStereo); err != nil {
				return nil, errors.Wrapf(err, "keyframe %d observing point %d", kf.ID(), mp.ID())
			}
		}
	}
	return g, nil
}

func (g *graph) addObservation(
	w *window,
	cfg Config,
	pv, kfv *optimizer.Vertex,
	kf *mapping.KeyFrame,
	mp *mapping.MapPoint,
	slot int,
	huberMono, huberStereo optimizer.RobustKernel,
) error {
	kp := kf.KeyPoint(slot)
	invSigma2 := kf.InvLevelSigma2(kp.Octave)

	if kp.IsStereo() {
		e, err := optimizer.NewStereoEdge(pv, kfv, [3]float64{kp.Pt.X, kp.Pt.Y, kp.Right},
			optimizer.IdentityInformation(3, invSigma2), kf.Intrinsics())
		if err != nil {
			return err
		}
		e.SetRobustKernel(huberStereo)
		if err := g.opt.AddEdge(e); err != nil {
			return err
		}
		g.stereo = append(g.stereo, observationEdge{edge: e, keyFrame: kf, mapPoint: mp})
		return nil
	}

	e, err := optimizer.NewMonoEdge(pv, kfv, kp.Pt, optimizer.IdentityInformation(2, invSigma2), kf.Intrinsics())
	if err != nil {
		return err
	}
	e.SetRobustKernel(huberMono)
	if err := g.opt.AddEdge(e); err != nil {
		return err
	}
	g.mono = append(g.mono, observationEdge{edge: e, keyFrame: kf, mapPoint: mp})

	// every monocular observation also ties the keyframe to the objects it sees
	for _, obj := range w.objectsSeenBy(kf) {
		ov, ok := g.opt.Vertex(g.objectVertexID(obj.landmark))
		if !ok {
			return errors.Errorf("object landmark %d has no vertex", obj.landmark.ID())
		}
		ce, err := optimizer.NewCuboidEdge(kfv, ov, obj.inCamera, objectInformation(obj.landmark.Quality(), cfg.ObjectInfoScale))
		if err != nil {
			return err
		}
		if err := g.opt.AddEdge(ce); err != nil {
			return err
		}
		g.cuboid = append(g.cuboid, ce)
	}
	return nil
}
