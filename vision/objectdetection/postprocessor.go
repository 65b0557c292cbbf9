package objectdetection

import (
	"sort"
	"strings"
)

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewAreaFilter returns a function that filters out detections below a certain area.
func NewAreaFilter(area int) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.BoundingBox().Dx()*d.BoundingBox().Dy() >= area {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Score() >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewLabelFilter returns a function that keeps only detections with one of the chosen labels.
// Does not filter when labels is empty.
func NewLabelFilter(labels ...string) Postprocessor {
	keep := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		keep[strings.ToLower(l)] = struct{}{}
	}
	return func(in []Detection) []Detection {
		if len(keep) == 0 {
			return in
		}
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if _, ok := keep[strings.ToLower(d.Label())]; ok {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewNMSFilter returns a function that runs class agnostic non-maximum suppression: a detection
// is dropped when it overlaps a higher scoring kept one by more than iouThreshold.
func NewNMSFilter(iouThreshold float64) Postprocessor {
	return func(in []Detection) []Detection {
		sorted := make([]Detection, len(in))
		copy(sorted, in)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score() > sorted[j].Score() })

		out := make([]Detection, 0, len(sorted))
		for _, d := range sorted {
			suppressed := false
			for _, kept := range out {
				if IoU(d, kept) > iouThreshold {
					suppressed = true
					break
				}
			}
			if !suppressed {
				out = append(out, d)
			}
		}
		return out
	}
}

// IoU is the intersection over union of two bounding boxes.
func IoU(a, b Detection) float64 {
	ra, rb := *a.BoundingBox(), *b.BoundingBox()
	inter := ra.Intersect(rb)
	interArea := inter.Dx() * inter.Dy()
	union := ra.Dx()*ra.Dy() + rb.Dx()*rb.Dy() - interArea
	if union <= 0 {
		return 0
	}
	return float64(interArea) / float64(union)
}
