package mapping

import (
	"sort"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/objectslam/rimage/transform"
	"go.viam.com/objectslam/spatialmath"
)

// DefaultMinSharedPoints is the covisibility weight threshold used by UpdateConnections.
const DefaultMinSharedPoints = 15

// KeyPoint is an undistorted feature observation. Right is the matching column in the right
// image of a stereo pair, negative when the keypoint has no stereo match.
type KeyPoint struct {
	Pt     r2.Point `json:"pt"`
	Octave int      `json:"octave"`
	Right  float64  `json:"right"`
}

// IsStereo returns whether the keypoint has a right image coordinate.
func (kp KeyPoint) IsStereo() bool {
	return kp.Right >= 0
}

// KeyFrame is a camera snapshot retained in the map. Its keypoints and calibration are immutable;
// its pose, matches and covisibility links are guarded by their own locks.
type KeyFrame struct {
	id         uint64
	intrinsics *transform.PinholeCameraIntrinsics
	pyramid    Pyramid
	keyPoints  []KeyPoint

	poseMu sync.RWMutex
	tcw    spatialmath.Pose

	featMu  sync.RWMutex
	matches []*MapPoint
	objects []*ObjectLandmark

	connMu           sync.RWMutex
	connectedWeights map[*KeyFrame]int
	orderedConnected []*KeyFrame

	bad atomic.Bool
}

// NewKeyFrame returns a keyframe with the given camera-from-world pose and keypoints.
func NewKeyFrame(
	id uint64,
	tcw spatialmath.Pose,
	intrinsics *transform.PinholeCameraIntrinsics,
	pyramid Pyramid,
	keyPoints []KeyPoint,
) (*KeyFrame, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "keyframe %d", id)
	}
	if err := pyramid.Validate(); err != nil {
		return nil, errors.Wrapf(err, "keyframe %d", id)
	}
	kps := make([]KeyPoint, len(keyPoints))
	copy(kps, keyPoints)
	return &KeyFrame{
		id:               id,
		intrinsics:       intrinsics,
		pyramid:          pyramid,
		keyPoints:        kps,
		tcw:              tcw,
		matches:          make([]*MapPoint, len(kps)),
		connectedWeights: map[*KeyFrame]int{},
	}, nil
}

// ID returns the keyframe id.
func (kf *KeyFrame) ID() uint64 {
	return kf.id
}

// Intrinsics returns the camera calibration.
func (kf *KeyFrame) Intrinsics() *transform.PinholeCameraIntrinsics {
	return kf.intrinsics
}

// Pyramid returns the scale pyramid the keypoints were extracted on.
func (kf *KeyFrame) Pyramid() Pyramid {
	return kf.pyramid
}

// NumKeyPoints returns the number of keypoint slots.
func (kf *KeyFrame) NumKeyPoints() int {
	return len(kf.keyPoints)
}

// KeyPoint returns the keypoint in a slot.
func (kf *KeyFrame) KeyPoint(slot int) KeyPoint {
	return kf.keyPoints[slot]
}

// InvLevelSigma2 returns the measurement weight of a keypoint detected on the given octave.
func (kf *KeyFrame) InvLevelSigma2(octave int) float64 {
	return kf.pyramid.InvLevelSigma2(octave)
}

// Pose returns Tcw, the camera-from-world transform.
func (kf *KeyFrame) Pose() spatialmath.Pose {
	kf.poseMu.RLock()
	defer kf.poseMu.RUnlock()
	return kf.tcw
}

// PoseInverse returns Twc, the world-from-camera transform.
func (kf *KeyFrame) PoseInverse() spatialmath.Pose {
	return spatialmath.PoseInverse(kf.Pose())
}

// CameraCenter returns the optical center in world coordinates.
func (kf *KeyFrame) CameraCenter() r3.Vector {
	return kf.PoseInverse().Point()
}

// SetPose overwrites Tcw.
func (kf *KeyFrame) SetPose(tcw spatialmath.Pose) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.tcw = tcw
}

// IsBad returns whether the keyframe has been culled.
func (kf *KeyFrame) IsBad() bool {
	return kf.bad.Load()
}

// SetBad flags the keyframe as culled. Removing it from the map is the caller's business.
func (kf *KeyFrame) SetBad(bad bool) {
	kf.bad.Store(bad)
}

// AddMapPoint attaches a map point to a keypoint slot.
func (kf *KeyFrame) AddMapPoint(mp *MapPoint, slot int) error {
	if slot < 0 || slot >= len(kf.keyPoints) {
		return errors.Errorf("keyframe %d has no keypoint slot %d", kf.id, slot)
	}
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	kf.matches[slot] = mp
	return nil
}

// EraseMapPointMatch clears whichever slot holds mp.
func (kf *KeyFrame) EraseMapPointMatch(mp *MapPoint) {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	for i, match := range kf.matches {
		if match == mp {
			kf.matches[i] = nil
		}
	}
}

// MapPointMatches returns a copy of the slot-indexed matches. Unmatched slots are nil.
func (kf *KeyFrame) MapPointMatches() []*MapPoint {
	kf.featMu.RLock()
	defer kf.featMu.RUnlock()
	out := make([]*MapPoint, len(kf.matches))
	copy(out, kf.matches)
	return out
}

// MapPoint returns the match in a slot or nil.
func (kf *KeyFrame) MapPoint(slot int) *MapPoint {
	kf.featMu.RLock()
	defer kf.featMu.RUnlock()
	if slot < 0 || slot >= len(kf.matches) {
		return nil
	}
	return kf.matches[slot]
}

// AddObject records that this keyframe observes an object landmark. Adding the same landmark
// twice is a no-op.
func (kf *KeyFrame) AddObject(lm *ObjectLandmark) {
	kf.featMu.Lock()
	defer kf.featMu.Unlock()
	for _, existing := range kf.objects {
		if existing == lm {
			return
		}
	}
	kf.objects = append(kf.objects, lm)
}

// Objects returns the object landmarks this keyframe observes, in insertion order.
func (kf *KeyFrame) Objects() []*ObjectLandmark {
	kf.featMu.RLock()
	defer kf.featMu.RUnlock()
	out := make([]*ObjectLandmark, len(kf.objects))
	copy(out, kf.objects)
	return out
}

// AddConnection sets the covisibility weight towards another keyframe.
func (kf *KeyFrame) AddConnection(other *KeyFrame, weight int) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if existing, ok := kf.connectedWeights[other]; ok && existing == weight {
		return
	}
	kf.connectedWeights[other] = weight
	kf.updateBestCovisiblesLocked()
}

// EraseConnection drops the covisibility link towards another keyframe.
func (kf *KeyFrame) EraseConnection(other *KeyFrame) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if _, ok := kf.connectedWeights[other]; !ok {
		return
	}
	delete(kf.connectedWeights, other)
	kf.updateBestCovisiblesLocked()
}

// CovisibleKeyFrames returns every connected keyframe ordered by decreasing weight.
func (kf *KeyFrame) CovisibleKeyFrames() []*KeyFrame {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	out := make([]*KeyFrame, len(kf.orderedConnected))
	copy(out, kf.orderedConnected)
	return out
}

// BestCovisibilityKeyFrames returns at most n connected keyframes with the highest weight.
func (kf *KeyFrame) BestCovisibilityKeyFrames(n int) []*KeyFrame {
	all := kf.CovisibleKeyFrames()
	if len(all) > n {
		return all[:n]
	}
	return all
}

// Weight returns the number of map points shared with another keyframe, as of the last update.
func (kf *KeyFrame) Weight(other *KeyFrame) int {
	kf.connMu.RLock()
	defer kf.connMu.RUnlock()
	return kf.connectedWeights[other]
}

// UpdateConnections recomputes the covisibility links of this keyframe from its current matches.
// Keyframes sharing at least minShared points become neighbours; if none qualifies, the one with
// the most shared points is kept. Links are updated on both sides.
func (kf *KeyFrame) UpdateConnections(minShared int) {
	counter := map[*KeyFrame]int{}
	for _, mp := range kf.MapPointMatches() {
		if mp == nil || mp.IsBad() {
			continue
		}
		for _, obs := range mp.Observations() {
			if obs.KeyFrame == kf {
				continue
			}
			counter[obs.KeyFrame]++
		}
	}
	if len(counter) == 0 {
		return
	}

	var best *KeyFrame
	bestWeight := 0
	kept := map[*KeyFrame]int{}
	for other, weight := range counter {
		if weight > bestWeight || (weight == bestWeight && best != nil && other.id < best.id) {
			best, bestWeight = other, weight
		}
		if weight >= minShared {
			kept[other] = weight
			other.AddConnection(kf, weight)
		}
	}
	if len(kept) == 0 {
		kept[best] = bestWeight
		best.AddConnection(kf, bestWeight)
	}

	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.connectedWeights = kept
	kf.updateBestCovisiblesLocked()
}

func (kf *KeyFrame) updateBestCovisiblesLocked() {
	ordered := make([]*KeyFrame, 0, len(kf.connectedWeights))
	for other := range kf.connectedWeights {
		ordered = append(ordered, other)
	}
	sort.Slice(ordered, func(i, j int) bool {
		wi, wj := kf.connectedWeights[ordered[i]], kf.connectedWeights[ordered[j]]
		if wi != wj {
			return wi > wj
		}
		return ordered[i].id < ordered[j].id
	})
	kf.orderedConnected = ordered
}
