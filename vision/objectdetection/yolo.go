package objectdetection

import (
	"context"
	"image"
	"strconv"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gorgonia.org/tensor"
)

const (
	// YOLOInputSize is the side of the square image the network consumes.
	YOLOInputSize = 416
	// DefaultConfidenceThreshold drops boxes whose best class score is lower.
	DefaultConfidenceThreshold = 0.5
	// DefaultNMSThreshold is the overlap above which the weaker of two boxes is suppressed.
	DefaultNMSThreshold = 0.45

	// YOLOInputName and YOLOOutputName are the tensor names exchanged with the network.
	YOLOInputName  = "image"
	YOLOOutputName = "detections"
)

// Network runs a model on named tensors.
type Network interface {
	Infer(ctx context.Context, inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error)
}

// YOLOConfig configures a YOLO detector.
type YOLOConfig struct {
	InputWidth          int      `json:"input_width"`
	InputHeight         int      `json:"input_height"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	NMSThreshold        float64  `json:"nms_threshold"`
	Labels              []string `json:"labels,omitempty"`
}

// DefaultYOLOConfig returns the Darknet YOLOv3 settings.
func DefaultYOLOConfig() YOLOConfig {
	return YOLOConfig{
		InputWidth:          YOLOInputSize,
		InputHeight:         YOLOInputSize,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		NMSThreshold:        DefaultNMSThreshold,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *YOLOConfig) Validate(path string) error {
	var errs error
	if cfg.InputWidth != YOLOInputSize || cfg.InputHeight != YOLOInputSize {
		errs = multierr.Append(errs, errors.Errorf("%s: input must be %dx%d, got %dx%d",
			path, YOLOInputSize, YOLOInputSize, cfg.InputWidth, cfg.InputHeight))
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		errs = multierr.Append(errs, errors.Errorf("%s: confidence_threshold must be in [0, 1], got %v", path, cfg.ConfidenceThreshold))
	}
	if cfg.NMSThreshold < 0 || cfg.NMSThreshold > 1 {
		errs = multierr.Append(errs, errors.Errorf("%s: nms_threshold must be in [0, 1], got %v", path, cfg.NMSThreshold))
	}
	return errs
}

// NewYOLODetector returns a detector that feeds a resized, normalized CHW image to net and decodes
// its Darknet layout output: one row per box of (cx, cy, w, h, objectness, class scores...), with
// coordinates relative to the image size.
func NewYOLODetector(net Network, cfg YOLOConfig) (Detector, error) {
	if net == nil {
		return nil, errors.New("yolo detector needs a network")
	}
	if err := cfg.Validate("yolo"); err != nil {
		return nil, err
	}
	det := func(ctx context.Context, img image.Image) ([]Detection, error) {
		input := ImageToTensor(resize.Resize(uint(cfg.InputWidth), uint(cfg.InputHeight), img, resize.Bilinear))
		outputs, err := net.Infer(ctx, map[string]*tensor.Dense{YOLOInputName: input})
		if err != nil {
			return nil, errors.Wrap(err, "yolo inference")
		}
		out, ok := outputs[YOLOOutputName]
		if !ok {
			return nil, errors.Errorf("network returned no %q tensor", YOLOOutputName)
		}
		return DecodeYOLO(out, img.Bounds(), cfg)
	}
	return Build(nil, det, NewNMSFilter(cfg.NMSThreshold))
}

// ImageToTensor converts an image to a 1x3xHxW float32 tensor with channels scaled to [0, 1].
func ImageToTensor(img image.Image) *tensor.Dense {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, 3*w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			data[i] = float32(r) / 0xffff
			data[w*h+i] = float32(g) / 0xffff
			data[2*w*h+i] = float32(bl) / 0xffff
		}
	}
	return tensor.New(tensor.WithShape(1, 3, h, w), tensor.WithBacking(data))
}

// DecodeYOLO turns a [N, 5+C] or [1, N, 5+C] output tensor into detections in the pixel frame
// of bounds. Rows whose objectness falls below the confidence threshold are dropped before any
// class is considered; the rest keep their best class score if it reaches the threshold.
func DecodeYOLO(out *tensor.Dense, bounds image.Rectangle, cfg YOLOConfig) ([]Detection, error) {
	shape := out.Shape()
	var rows, cols int
	switch {
	case len(shape) == 2:
		rows, cols = shape[0], shape[1]
	case len(shape) == 3 && shape[0] == 1:
		rows, cols = shape[1], shape[2]
	default:
		return nil, errors.Errorf("unexpected yolo output shape %v", shape)
	}
	if cols < 6 {
		return nil, errors.Errorf("yolo output rows need at least 6 values, got %d", cols)
	}
	values, err := float64Data(out)
	if err != nil {
		return nil, err
	}

	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	var dets []Detection
	for r := 0; r < rows; r++ {
		row := values[r*cols : (r+1)*cols]
		if row[4] < cfg.ConfidenceThreshold {
			continue
		}
		best, score := -1, 0.
		for c, s := range row[5:] {
			if best < 0 || s > score {
				best, score = c, s
			}
		}
		if score < cfg.ConfidenceThreshold {
			continue
		}
		cx, cy, bw, bh := row[0]*w, row[1]*h, row[2]*w, row[3]*h
		box := image.Rect(
			int(cx-bw/2), int(cy-bh/2),
			int(cx+bw/2), int(cy+bh/2),
		).Add(bounds.Min).Intersect(bounds)
		label := strconv.Itoa(best)
		if best < len(cfg.Labels) {
			label = cfg.Labels[best]
		}
		dets = append(dets, NewClassDetection(box, score, best, label))
	}
	return dets, nil
}

func float64Data(t *tensor.Dense) ([]float64, error) {
	switch data := t.Data().(type) {
	case []float64:
		return data, nil
	case []float32:
		out := make([]float64, len(data))
		for i, v := range data {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported yolo output type %v", t.Dtype())
	}
}
