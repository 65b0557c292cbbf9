package objectdetection

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ImageSource produces images, e.g. the frames of a camera. The returned release function is
// called once the image is no longer used.
type ImageSource interface {
	Next(ctx context.Context) (image.Image, func(), error)
}

// Source "pulls" an image from src at a fixed rate and applies the detector to it, caching the latest result.
type Source struct {
	src         ImageSource
	imageInput  chan *Result
	imageOutput chan *Result
	cancel      context.CancelFunc
	done        chan struct{}
	started     bool
	ticker      *time.Ticker

	mu    sync.RWMutex
	cache *Result
}

// Result holds the image a detector ran on and the detections it produced.
type Result struct {
	OriginalImage image.Image
	Detections    []Detection
	Err           error
}

func buildAndStartPipeline(ctx context.Context, det Detector) (chan *Result, chan *Result) {
	detection := func(in <-chan *Result, out chan<- *Result) {
		for r := range in {
			if r.Err == nil {
				r.Detections, r.Err = det(ctx, r.OriginalImage)
			}
			out <- r
		}
		close(out)
	}
	images := make(chan *Result)
	detected := make(chan *Result)
	utils.PanicCapturingGo(func() { detection(images, detected) })
	return images, detected
}

// NewSource builds the pipeline from an input ImageSource and a Detector. The first result is
// computed before returning; afterwards a new one is computed fps times per second.
func NewSource(src ImageSource, det Detector, fps float64) (*Source, error) {
	if src == nil {
		return nil, errors.New("object detection source must include an image source to pull from")
	}
	if det == nil {
		return nil, errors.New("object detector function cannot be nil")
	}
	if fps <= 0 {
		return nil, errors.Errorf("fps must be positive, got %v", fps)
	}
	ctx, cancel := context.WithCancel(context.Background())
	in, out := buildAndStartPipeline(ctx, det)
	s := &Source{
		src:         src,
		imageInput:  in,
		imageOutput: out,
		cancel:      cancel,
		done:        make(chan struct{}),
		ticker:      time.NewTicker(time.Duration(float64(time.Second) / fps)),
	}
	r := s.runPipeline(ctx)
	if r.Err != nil {
		s.Close()
		return nil, r.Err
	}
	s.cache = r
	s.started = true
	utils.PanicCapturingGo(func() { s.startUpdater(ctx) })
	return s, nil
}

// Close stops the updater and the pipeline.
func (s *Source) Close() {
	s.ticker.Stop()
	s.cancel()
	if s.started {
		<-s.done
	}
	close(s.imageInput)
}

// startUpdater is running in background and updates detections on the ticker.
func (s *Source) startUpdater(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.ticker.C:
			r := s.runPipeline(ctx)
			s.mu.Lock()
			s.cache = r
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Source) runPipeline(ctx context.Context) *Result {
	r := &Result{}
	var release func()
	r.OriginalImage, release, r.Err = s.src.Next(ctx)
	if release != nil {
		defer release()
	}
	s.imageInput <- r
	return <-s.imageOutput
}

// NextResult returns the latest detections.
func (s *Source) NextResult(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache, s.cache.Err
}
