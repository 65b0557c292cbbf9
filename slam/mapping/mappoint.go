package mapping

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"go.uber.org/atomic"
)

// Observation links a map point to the keypoint slot of a keyframe that sees it.
type Observation struct {
	KeyFrame *KeyFrame
	Slot     int
}

// MapPoint is a 3D point landmark.
type MapPoint struct {
	id uint64

	posMu       sync.RWMutex
	worldPos    r3.Vector
	normal      r3.Vector
	minDistance float64
	maxDistance float64

	featMu       sync.RWMutex
	observations map[*KeyFrame]int
	refKF        *KeyFrame

	bad atomic.Bool
}

// NewMapPoint returns a point at a world position. refKF is the keyframe that created it and is
// used for the scale invariance distances; it may be nil.
func NewMapPoint(id uint64, worldPos r3.Vector, refKF *KeyFrame) *MapPoint {
	return &MapPoint{
		id:           id,
		worldPos:     worldPos,
		observations: map[*KeyFrame]int{},
		refKF:        refKF,
	}
}

// ID returns the point id.
func (mp *MapPoint) ID() uint64 {
	return mp.id
}

// WorldPos returns the position in world coordinates.
func (mp *MapPoint) WorldPos() r3.Vector {
	mp.posMu.RLock()
	defer mp.posMu.RUnlock()
	return mp.worldPos
}

// SetWorldPos overwrites the position.
func (mp *MapPoint) SetWorldPos(pos r3.Vector) {
	mp.posMu.Lock()
	defer mp.posMu.Unlock()
	mp.worldPos = pos
}

// Normal returns the mean viewing direction as of the last UpdateNormalAndDepth.
func (mp *MapPoint) Normal() r3.Vector {
	mp.posMu.RLock()
	defer mp.posMu.RUnlock()
	return mp.normal
}

// MinDistanceInvariance returns the closest distance the point is expected to be detected from.
func (mp *MapPoint) MinDistanceInvariance() float64 {
	mp.posMu.RLock()
	defer mp.posMu.RUnlock()
	return 0.8 * mp.minDistance
}

// MaxDistanceInvariance returns the farthest distance the point is expected to be detected from.
func (mp *MapPoint) MaxDistanceInvariance() float64 {
	mp.posMu.RLock()
	defer mp.posMu.RUnlock()
	return 1.2 * mp.maxDistance
}

// IsBad returns whether the point has been culled.
func (mp *MapPoint) IsBad() bool {
	return mp.bad.Load()
}

// SetBad flags the point as culled.
func (mp *MapPoint) SetBad(bad bool) {
	mp.bad.Store(bad)
}

// ReferenceKeyFrame returns the keyframe the point's distances are measured from.
func (mp *MapPoint) ReferenceKeyFrame() *KeyFrame {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	return mp.refKF
}

// AddObservation records that kf sees the point in a slot. It does not touch kf's matches.
func (mp *MapPoint) AddObservation(kf *KeyFrame, slot int) {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	mp.observations[kf] = slot
	if mp.refKF == nil {
		mp.refKF = kf
	}
}

// EraseObservation drops kf from the observers. If kf was the reference keyframe another observer
// takes its place. A point left with fewer than two observing keyframes is flagged bad; a stereo
// observation counts as one keyframe like any other.
func (mp *MapPoint) EraseObservation(kf *KeyFrame) {
	mp.featMu.Lock()
	defer mp.featMu.Unlock()
	if _, ok := mp.observations[kf]; !ok {
		return
	}
	delete(mp.observations, kf)
	if mp.refKF == kf {
		mp.refKF = nil
		if remaining := mp.sortedObservationsLocked(); len(remaining) > 0 {
			mp.refKF = remaining[0].KeyFrame
		}
	}
	if len(mp.observations) < 2 {
		mp.bad.Store(true)
	}
}

// Observations returns the observers ordered by keyframe id.
func (mp *MapPoint) Observations() []Observation {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	return mp.sortedObservationsLocked()
}

// NumObservations returns the number of observing keyframes.
func (mp *MapPoint) NumObservations() int {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	return len(mp.observations)
}

// IsInKeyFrame returns whether kf observes the point.
func (mp *MapPoint) IsInKeyFrame(kf *KeyFrame) bool {
	mp.featMu.RLock()
	defer mp.featMu.RUnlock()
	_, ok := mp.observations[kf]
	return ok
}

func (mp *MapPoint) sortedObservationsLocked() []Observation {
	out := make([]Observation, 0, len(mp.observations))
	for kf, slot := range mp.observations {
		out = append(out, Observation{KeyFrame: kf, Slot: slot})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyFrame.id < out[j].KeyFrame.id })
	return out
}

// UpdateNormalAndDepth recomputes the mean viewing direction over all observers and the distance
// range from the reference keyframe's pyramid level.
func (mp *MapPoint) UpdateNormalAndDepth() {
	if mp.IsBad() {
		return
	}
	mp.featMu.RLock()
	observations := mp.sortedObservationsLocked()
	refKF := mp.refKF
	refSlot, refObserved := mp.observations[refKF]
	mp.featMu.RUnlock()
	if len(observations) == 0 || refKF == nil || !refObserved {
		return
	}

	pos := mp.WorldPos()
	normal := r3.Vector{}
	n := 0
	for _, obs := range observations {
		dir := pos.Sub(obs.KeyFrame.CameraCenter())
		if dir.Norm() == 0 {
			continue
		}
		normal = normal.Add(dir.Normalize())
		n++
	}

	dist := pos.Sub(refKF.CameraCenter()).Norm()
	pyramid := refKF.Pyramid()
	level := refKF.KeyPoint(refSlot).Octave
	maxDistance := dist * pyramid.ScaleFactorAt(level)
	minDistance := maxDistance / pyramid.ScaleFactorAt(pyramid.Levels-1)

	mp.posMu.Lock()
	defer mp.posMu.Unlock()
	mp.maxDistance = maxDistance
	mp.minDistance = minDistance
	if n > 0 {
		mp.normal = normal.Mul(1 / float64(n))
	}
}
