package localba

import (
	"github.com/samber/lo"

	"go.viam.com/objectslam/slam/mapping"
	"go.viam.com/objectslam/spatialmath"
)

// role is the part a keyframe plays in one run.
type role int

const (
	roleNone role = iota
	roleLocal
	roleFixed
)

// cachedObject is an object landmark expressed in the frame of a local keyframe.
type cachedObject struct {
	landmark *mapping.ObjectLandmark
	inCamera spatialmath.Cuboid
}

// window is the per-run selection: which keyframes are optimized, which anchor the problem, and
// the landmarks they see. It replaces any "included in run X" state on the shared entities and is
// dropped with the run.
type window struct {
	trigger *mapping.KeyFrame
	roles   map[*mapping.KeyFrame]role

	local []*mapping.KeyFrame
	fixed []*mapping.KeyFrame

	points     []*mapping.MapPoint
	pointSeen  map[*mapping.MapPoint]bool
	objects    []*mapping.ObjectLandmark
	objectSeen map[*mapping.ObjectLandmark]bool
	// relative object measurements per local keyframe, in keyframe object order
	objectCache map[*mapping.KeyFrame][]cachedObject
}

// selectWindow returns the trigger plus its direct covisible neighbours that are not bad. A
// neighbour takes the local role before its bad flag is consulted, so a bad neighbour is neither
// optimized nor eligible as an anchor. The trigger itself is not checked.
func selectWindow(trigger *mapping.KeyFrame) *window {
	w := &window{
		trigger:     trigger,
		roles:       map[*mapping.KeyFrame]role{trigger: roleLocal},
		local:       []*mapping.KeyFrame{trigger},
		pointSeen:   map[*mapping.MapPoint]bool{},
		objectSeen:  map[*mapping.ObjectLandmark]bool{},
		objectCache: map[*mapping.KeyFrame][]cachedObject{},
	}
	for _, kf := range trigger.CovisibleKeyFrames() {
		if kf == trigger {
			continue
		}
		w.roles[kf] = roleLocal
		if !kf.IsBad() {
			w.local = append(w.local, kf)
		}
	}
	return w
}

// aggregateLandmarks collects every good point matched by a local keyframe once, every object
// landmark they observe once, and the object-in-camera measurement of each (keyframe, object) pair.
func (w *window) aggregateLandmarks() {
	for _, kf := range w.local {
		for _, mp := range kf.MapPointMatches() {
			if mp == nil || mp.IsBad() || w.pointSeen[mp] {
				continue
			}
			w.pointSeen[mp] = true
			w.points = append(w.points, mp)
		}

		twc := kf.PoseInverse()
		for _, lm := range kf.Objects() {
			if !w.objectSeen[lm] {
				w.objectSeen[lm] = true
				w.objects = append(w.objects, lm)
			}
			w.objectCache[kf] = append(w.objectCache[kf], cachedObject{
				landmark: lm,
				inCamera: lm.Cuboid().TransformTo(twc),
			})
		}
	}
}

// collectFixed anchors the window with every keyframe that observes a window point but is not
// local. If anchorObjects is set, keyframes of the map observing a window object are anchors too.
func (w *window) collectFixed(m *mapping.Map, anchorObjects bool) {
	for _, mp := range w.points {
		for _, obs := range mp.Observations() {
			w.tryFix(obs.KeyFrame)
		}
	}
	if !anchorObjects {
		return
	}
	for _, kf := range m.KeyFrames() {
		if lo.SomeBy(kf.Objects(), func(lm *mapping.ObjectLandmark) bool { return w.objectSeen[lm] }) {
			w.tryFix(kf)
		}
	}
}

func (w *window) tryFix(kf *mapping.KeyFrame) {
	if w.roles[kf] != roleNone {
		return
	}
	w.roles[kf] = roleFixed
	if !kf.IsBad() {
		w.fixed = append(w.fixed, kf)
	}
}

// objectsSeenBy returns the cached measurements of a local keyframe.
func (w *window) objectsSeenBy(kf *mapping.KeyFrame) []cachedObject {
	return w.objectCache[kf]
}

func keyFrameIDs(kfs []*mapping.KeyFrame) []uint64 {
	return lo.Map(kfs, func(kf *mapping.KeyFrame, _ int) uint64 { return kf.ID() })
}
