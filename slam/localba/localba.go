// Package localba refines the neighbourhood of a new keyframe: the keyframes covisible with it,
// the points and cuboid objects they observe, anchored by the other keyframes that see those
// points. Observations that stay inconsistent after optimization are removed from the map.
package localba

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"

	"go.viam.com/objectslam/logging"
	"go.viam.com/objectslam/slam/mapping"
)

var (
	// ErrNilKeyFrame is returned when Run is given no triggering keyframe.
	ErrNilKeyFrame = errors.New("local bundle adjustment needs a keyframe")
	// ErrNilMap is returned when Run is given no map.
	ErrNilMap = errors.New("local bundle adjustment needs a map")
)

// LocalBundleAdjuster runs local bundle adjustment. It holds no per-run state, but runs over
// overlapping map regions must not be concurrent.
type LocalBundleAdjuster struct {
	cfg    Config
	logger logging.Logger

	// called after each pass with the pass number
	passHook func(pass int)
}

// NewLocalBundleAdjuster returns an adjuster with a validated config.
func NewLocalBundleAdjuster(cfg Config, logger logging.Logger) (*LocalBundleAdjuster, error) {
	if err := cfg.Validate("local_ba"); err != nil {
		return nil, err
	}
	return &LocalBundleAdjuster{cfg: cfg, logger: logger}, nil
}

// Config returns the adjuster's config.
func (ba *LocalBundleAdjuster) Config() Config {
	return ba.cfg
}

func stopRequested(ctx context.Context, stop *atomic.Bool) bool {
	return ctx.Err() != nil || stop.Load()
}

// Run optimizes the window of trigger. stop may be nil; when it is set (or ctx is done) before the
// solver starts the run returns without touching the map, and when it is set during the coarse
// pass the refinement is skipped but the results so far are still committed.
func (ba *LocalBundleAdjuster) Run(
	ctx context.Context,
	trigger *mapping.KeyFrame,
	m *mapping.Map,
	stop *atomic.Bool,
) (*Result, error) {
	ctx, span := trace.StartSpan(ctx, "localba::LocalBundleAdjustment")
	defer span.End()

	if trigger == nil {
		return nil, ErrNilKeyFrame
	}
	if m == nil {
		return nil, ErrNilMap
	}
	if stop == nil {
		stop = atomic.NewBool(false)
	}
	start := time.Now()

	w := selectWindow(trigger)
	w.aggregateLandmarks()
	w.collectFixed(m, ba.cfg.AnchorObjectObservers)

	res := &Result{
		TriggerID:      trigger.ID(),
		LocalKeyFrames: keyFrameIDs(w.local),
		FixedKeyFrames: keyFrameIDs(w.fixed),
		MapPoints:      len(w.points),
		Objects:        len(w.objects),
	}

	g, err := buildGraph(w, ba.cfg, ba.logger)
	if err != nil {
		return nil, errors.Wrapf(err, "building graph for keyframe %d", trigger.ID())
	}
	res.MonoEdges, res.StereoEdges, res.CuboidEdges = len(g.mono), len(g.stereo), len(g.cuboid)

	if stopRequested(ctx, stop) {
		res.Aborted = true
		res.Duration = time.Since(start)
		ba.logger.CDebugf(ctx, "local bundle adjustment of keyframe %d stopped before solving", trigger.ID())
		return res, nil
	}

	g.opt.SetForceStopFlag(stop)
	if err := g.opt.InitializeOptimization(0); err != nil {
		return nil, err
	}
	res.InitialChi2 = g.opt.ActiveChi2()
	if res.CoarseIterations, err = g.opt.Optimize(ctx, ba.cfg.CoarseIterations); err != nil {
		return nil, err
	}
	ba.afterPass(1)

	if !stopRequested(ctx, stop) {
		res.ExcludedEdges = g.gateForRefinement(ba.cfg)
		if err := g.opt.InitializeOptimization(0); err != nil {
			return nil, err
		}
		if res.RefineIterations, err = g.opt.Optimize(ctx, ba.cfg.RefineIterations); err != nil {
			return nil, err
		}
		res.Refined = true
		ba.afterPass(2)
	}

	outliers := g.finalOutliers(ba.cfg)
	res.summarizeChi2(g.chi2Values(ba.cfg))
	for _, oe := range outliers {
		res.Outliers = append(res.Outliers, Outlier{KeyFrameID: oe.keyFrame.ID(), MapPointID: oe.mapPoint.ID()})
	}

	g.commit(m, outliers)
	res.Duration = time.Since(start)

	ba.logger.CDebugw(ctx, "local bundle adjustment done",
		"trigger", res.TriggerID,
		"local", len(res.LocalKeyFrames),
		"fixed", len(res.FixedKeyFrames),
		"points", res.MapPoints,
		"objects", res.Objects,
		"edges", res.MonoEdges+res.StereoEdges+res.CuboidEdges,
		"initial_chi2", res.InitialChi2,
		"final_chi2", res.FinalChi2,
		"chi2_p95", res.Chi2P95,
		"outliers", len(res.Outliers),
		"refined", res.Refined,
	)
	return res, nil
}

func (ba *LocalBundleAdjuster) afterPass(pass int) {
	if ba.passHook != nil {
		ba.passHook(pass)
	}
}
