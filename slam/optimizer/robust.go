package optimizer

import "math"

// RobustKernel reweights the squared error of an edge. Robustify returns the robustified cost
// rho(e2) and its first derivative, which scales the edge information during linearisation.
type RobustKernel interface {
	Robustify(e2 float64) (rho, weight float64)
	Delta() float64
}

// Huber is quadratic up to Delta and linear beyond it.
type Huber struct {
	delta float64
}

// NewHuber returns a Huber kernel with the given break point.
func NewHuber(delta float64) *Huber {
	return &Huber{delta: delta}
}

// Delta returns the break point.
func (h *Huber) Delta() float64 {
	return h.delta
}

// Robustify implements RobustKernel.
func (h *Huber) Robustify(e2 float64) (float64, float64) {
	dsqr := h.delta * h.delta
	if e2 <= dsqr {
		return e2, 1
	}
	sqrte := math.Sqrt(e2)
	return 2*sqrte*h.delta - dsqr, h.delta / sqrte
}
