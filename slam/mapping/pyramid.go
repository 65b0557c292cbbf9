package mapping

import (
	"math"

	"github.com/pkg/errors"
)

// Default ORB pyramid parameters.
const (
	DefaultScaleFactor = 1.2
	DefaultLevels      = 8
)

// Pyramid describes the image scale pyramid keypoints were extracted on. Octave n is the image
// downscaled by ScaleFactor^n.
type Pyramid struct {
	ScaleFactor float64 `json:"scale_factor"`
	Levels      int     `json:"levels"`
}

// DefaultPyramid returns the ORB defaults.
func DefaultPyramid() Pyramid {
	return Pyramid{ScaleFactor: DefaultScaleFactor, Levels: DefaultLevels}
}

// Validate ensures the pyramid is usable.
func (p Pyramid) Validate() error {
	if p.ScaleFactor < 1 {
		return errors.Errorf("pyramid scale factor must be at least 1, got %v", p.ScaleFactor)
	}
	if p.Levels < 1 {
		return errors.Errorf("pyramid must have at least one level, got %d", p.Levels)
	}
	return nil
}

// ScaleFactorAt returns ScaleFactor^octave. Octaves outside the pyramid are clamped.
func (p Pyramid) ScaleFactorAt(octave int) float64 {
	return math.Pow(p.ScaleFactor, float64(p.clamp(octave)))
}

// LevelSigma2 returns the squared scale factor of an octave, the variance of a keypoint detected
// there relative to octave 0.
func (p Pyramid) LevelSigma2(octave int) float64 {
	s := p.ScaleFactorAt(octave)
	return s * s
}

// InvLevelSigma2 returns the inverse of LevelSigma2, the measurement weight of a keypoint.
func (p Pyramid) InvLevelSigma2(octave int) float64 {
	return 1 / p.LevelSigma2(octave)
}

func (p Pyramid) clamp(octave int) int {
	if octave < 0 {
		return 0
	}
	if p.Levels > 0 && octave >= p.Levels {
		return p.Levels - 1
	}
	return octave
}
