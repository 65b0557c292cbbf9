package mapping

import (
	"sync"

	"go.viam.com/objectslam/spatialmath"
)

// ObjectLandmark is a cuboid object in the map.
type ObjectLandmark struct {
	id      uint64
	classID int

	mu      sync.RWMutex
	cuboid  spatialmath.Cuboid
	quality float64
}

// NewObjectLandmark returns a landmark with a world-frame cuboid and a detection quality in [0, 1].
func NewObjectLandmark(id uint64, classID int, cuboid spatialmath.Cuboid, quality float64) *ObjectLandmark {
	return &ObjectLandmark{id: id, classID: classID, cuboid: cuboid, quality: quality}
}

// ID returns the landmark id.
func (lm *ObjectLandmark) ID() uint64 {
	return lm.id
}

// ClassID returns the detector class the landmark was created from.
func (lm *ObjectLandmark) ClassID() int {
	return lm.classID
}

// Cuboid returns the world-frame cuboid.
func (lm *ObjectLandmark) Cuboid() spatialmath.Cuboid {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.cuboid
}

// SetPoseAndDimension overwrites the cuboid.
func (lm *ObjectLandmark) SetPoseAndDimension(c spatialmath.Cuboid) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.cuboid = c
}

// Quality returns the detection confidence used to weight object residuals.
func (lm *ObjectLandmark) Quality() float64 {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.quality
}

// SetQuality overwrites the detection confidence.
func (lm *ObjectLandmark) SetQuality(q float64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.quality = q
}
