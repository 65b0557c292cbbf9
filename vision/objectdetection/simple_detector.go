package objectdetection

import (
	"context"
	"image"
	"image/color"
)

// simpleDetector converts an image to gray and then finds the connected components with values below a certain
// luminance threshold. threshold is between 0.0 and 256.0, with 256.0 being white, and 0.0 being black.
type simpleDetector struct {
	threshold float64
	label     string
}

// NewSimpleDetector creates a detector useful for testing object pipelines without a network. It finds pixels
// darker than the threshold and returns a bounding box around each 4-connected component, labeled with label.
func NewSimpleDetector(threshold float64, label string) Detector {
	sd := &simpleDetector{threshold: threshold, label: label}
	return sd.Inference
}

// Inference takes in an image frame and returns the detection bounding boxes found in the image.
func (sd *simpleDetector) Inference(ctx context.Context, img image.Image) ([]Detection, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	seen := make([]bool, width*bounds.Dy())
	index := func(p image.Point) int {
		return (p.Y-bounds.Min.Y)*width + (p.X - bounds.Min.X)
	}

	detections := []Detection{}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			pt := image.Point{x, y}
			if seen[index(pt)] {
				continue
			}
			seen[index(pt)] = true
			if !sd.pass(img.At(x, y)) {
				continue
			}
			queue := []image.Point{pt}
			x0, y0, x1, y1 := pt.X, pt.Y, pt.X, pt.Y // the bounding box of the segment
			for len(queue) != 0 {
				p := queue[0]
				queue = queue[1:]
				x0, x1 = min(x0, p.X), max(x1, p.X)
				y0, y1 = min(y0, p.Y), max(y1, p.Y)
				queue = append(queue, sd.neighbors(p, img, seen, index)...)
			}
			detections = append(detections, NewDetection(image.Rect(x0, y0, x1+1, y1+1), 1.0, sd.label))
		}
	}
	return detections, nil
}

func (sd *simpleDetector) pass(c color.Color) bool {
	lum := float64(color.GrayModel.Convert(c).(color.Gray).Y)
	return lum < sd.threshold
}

func (sd *simpleDetector) neighbors(pt image.Point, img image.Image, seen []bool, index func(image.Point) int) []image.Point {
	bounds := img.Bounds()
	out := make([]image.Point, 0, 4)
	for _, p := range []image.Point{{pt.X, pt.Y - 1}, {pt.X, pt.Y + 1}, {pt.X - 1, pt.Y}, {pt.X + 1, pt.Y}} {
		if !p.In(bounds) || seen[index(p)] {
			continue
		}
		seen[index(p)] = true
		if sd.pass(img.At(p.X, p.Y)) {
			out = append(out, p)
		}
	}
	return out
}
