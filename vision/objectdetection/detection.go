// Package objectdetection turns images into labeled 2D bounding boxes. Object landmarks of the
// map are initialized from these detections.
package objectdetection

import (
	"context"
	"fmt"
	"image"

	"github.com/pkg/errors"
)

// Detection returns a bounding box around an object together with its class and score.
type Detection interface {
	BoundingBox() *image.Rectangle
	Score() float64
	Label() string
	ClassID() int
}

// Detector returns the detections found in an image.
type Detector func(context.Context, image.Image) ([]Detection, error)

// Preprocessor prepares an image before it is handed to a Detector.
type Preprocessor func(image.Image) image.Image

// Build zips up a preprocessor, detector and postprocessor into a single detector. Only the
// detector is required.
func Build(prep Preprocessor, det Detector, post Postprocessor) (Detector, error) {
	if det == nil {
		return nil, errors.New("object detection pipeline must have a Detector")
	}
	if prep == nil {
		prep = func(img image.Image) image.Image { return img }
	}
	if post == nil {
		post = func(in []Detection) []Detection { return in }
	}
	return func(ctx context.Context, img image.Image) ([]Detection, error) {
		dets, err := det(ctx, prep(img))
		if err != nil {
			return nil, err
		}
		return post(dets), nil
	}, nil
}

// NewDetection creates a simple 2D detection. The class id is -1.
func NewDetection(boundingBox image.Rectangle, score float64, label string) Detection {
	return &detection2D{boundingBox: boundingBox, score: score, label: label, classID: -1}
}

// NewClassDetection creates a 2D detection of a known class.
func NewClassDetection(boundingBox image.Rectangle, score float64, classID int, label string) Detection {
	return &detection2D{boundingBox: boundingBox, score: score, label: label, classID: classID}
}

type detection2D struct {
	boundingBox image.Rectangle
	score       float64
	label       string
	classID     int
}

func (d *detection2D) BoundingBox() *image.Rectangle {
	return &d.boundingBox
}

func (d *detection2D) Score() float64 {
	return d.score
}

func (d *detection2D) Label() string {
	return d.label
}

func (d *detection2D) ClassID() int {
	return d.classID
}

func (d *detection2D) String() string {
	return fmt.Sprintf("Label: %s, Score: %.2f, Box: %v", d.label, d.score, d.boundingBox)
}
