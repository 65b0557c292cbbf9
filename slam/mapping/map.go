// Package mapping holds the shared SLAM map: keyframes, point landmarks, cuboid object landmarks
// and the covisibility links between keyframes.
package mapping

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Map owns every keyframe and landmark. Entities guard their own fields; updateMu serializes the
// multi-entity mutations that readers must observe atomically, see Update.
type Map struct {
	updateMu sync.Mutex
	updates  atomic.Uint64

	mu        sync.RWMutex
	keyFrames map[uint64]*KeyFrame
	mapPoints map[uint64]*MapPoint
	objects   map[uint64]*ObjectLandmark
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		keyFrames: map[uint64]*KeyFrame{},
		mapPoints: map[uint64]*MapPoint{},
		objects:   map[uint64]*ObjectLandmark{},
	}
}

// Update runs fn while holding the map-wide update lock.
func (m *Map) Update(fn func()) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	m.updates.Inc()
	fn()
}

// UpdateCount returns how many times the update lock has been taken.
func (m *Map) UpdateCount() uint64 {
	return m.updates.Load()
}

// AddKeyFrame registers a keyframe. Ids must be unique.
func (m *Map) AddKeyFrame(kf *KeyFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keyFrames[kf.ID()]; ok {
		return errors.Errorf("keyframe %d already in map", kf.ID())
	}
	m.keyFrames[kf.ID()] = kf
	return nil
}

// AddMapPoint registers a map point. Ids must be unique.
func (m *Map) AddMapPoint(mp *MapPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mapPoints[mp.ID()]; ok {
		return errors.Errorf("map point %d already in map", mp.ID())
	}
	m.mapPoints[mp.ID()] = mp
	return nil
}

// AddObjectLandmark registers an object landmark. Ids must be unique.
func (m *Map) AddObjectLandmark(lm *ObjectLandmark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[lm.ID()]; ok {
		return errors.Errorf("object landmark %d already in map", lm.ID())
	}
	m.objects[lm.ID()] = lm
	return nil
}

// KeyFrame returns a keyframe by id.
func (m *Map) KeyFrame(id uint64) (*KeyFrame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyFrames[id]
	return kf, ok
}

// MapPoint returns a map point by id.
func (m *Map) MapPoint(id uint64) (*MapPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.mapPoints[id]
	return mp, ok
}

// ObjectLandmark returns an object landmark by id.
func (m *Map) ObjectLandmark(id uint64) (*ObjectLandmark, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lm, ok := m.objects[id]
	return lm, ok
}

// KeyFrames returns every keyframe ordered by id.
func (m *Map) KeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(m.keyFrames))
	for _, kf := range m.keyFrames {
		out = append(out, kf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// MapPoints returns every map point ordered by id.
func (m *Map) MapPoints() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapPoint, 0, len(m.mapPoints))
	for _, mp := range m.mapPoints {
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ObjectLandmarks returns every object landmark ordered by id.
func (m *Map) ObjectLandmarks() []*ObjectLandmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ObjectLandmark, 0, len(m.objects))
	for _, lm := range m.objects {
		out = append(out, lm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Link records an observation on both the keyframe and the point.
func Link(kf *KeyFrame, mp *MapPoint, slot int) error {
	if err := kf.AddMapPoint(mp, slot); err != nil {
		return err
	}
	mp.AddObservation(kf, slot)
	return nil
}

// Unlink removes an observation from both the keyframe and the point.
func Unlink(kf *KeyFrame, mp *MapPoint) {
	kf.EraseMapPointMatch(mp)
	mp.EraseObservation(kf)
}
