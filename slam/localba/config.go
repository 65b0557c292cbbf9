package localba

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Chi-square 95% quantiles for 2 and 3 degrees of freedom.
const (
	DefaultChiSquareMono   = 5.991
	DefaultChiSquareStereo = 7.815
)

// Config tunes a local bundle adjustment run.
type Config struct {
	// CoarseIterations is the budget of the robust first pass.
	CoarseIterations int `json:"coarse_iterations"`
	// RefineIterations is the budget of the inlier-only second pass.
	RefineIterations int `json:"refine_iterations"`
	// ChiSquareMono and ChiSquareStereo gate monocular and stereo observations. Their square
	// roots are the Huber break points.
	ChiSquareMono   float64 `json:"chi2_mono"`
	ChiSquareStereo float64 `json:"chi2_stereo"`
	// OriginKeyFrameID is the keyframe whose pose anchors the map; it is never moved.
	OriginKeyFrameID uint64 `json:"origin_keyframe_id"`
	// AnchorObjectObservers also fixes keyframes that only see a window object landmark.
	AnchorObjectObservers bool `json:"anchor_object_observers"`
	// ObjectInfoScale multiplies the (2·quality)² information of object edges.
	ObjectInfoScale float64 `json:"object_info_scale"`
}

// DefaultConfig returns the settings local mapping runs with.
func DefaultConfig() Config {
	return Config{
		CoarseIterations: 5,
		RefineIterations: 10,
		ChiSquareMono:    DefaultChiSquareMono,
		ChiSquareStereo:  DefaultChiSquareStereo,
		ObjectInfoScale:  1,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	var errs error
	if cfg.CoarseIterations <= 0 {
		errs = multierr.Append(errs, errors.Errorf("%s: coarse_iterations must be positive, got %d", path, cfg.CoarseIterations))
	}
	if cfg.RefineIterations < 0 {
		errs = multierr.Append(errs, errors.Errorf("%s: refine_iterations must not be negative, got %d", path, cfg.RefineIterations))
	}
	if cfg.ChiSquareMono <= 0 {
		errs = multierr.Append(errs, errors.Errorf("%s: chi2_mono must be positive, got %v", path, cfg.ChiSquareMono))
	}
	if cfg.ChiSquareStereo <= 0 {
		errs = multierr.Append(errs, errors.Errorf("%s: chi2_stereo must be positive, got %v", path, cfg.ChiSquareStereo))
	}
	if cfg.ObjectInfoScale <= 0 {
		errs = multierr.Append(errs, errors.Errorf("%s: object_info_scale must be positive, got %v", path, cfg.ObjectInfoScale))
	}
	return errs
}
