package optimizer

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// linearSystem holds the normal equations H·dx = b, split into the camera block (every free,
// non-marginalized vertex) and one small block per marginalized vertex with its camera couplings.
type linearSystem struct {
	camDim int
	hcc    *mat.Dense
	bc     []float64
	blocks []*marginalBlock
}

type marginalBlock struct {
	vertex *Vertex
	hmm    *mat.Dense
	bm     []float64
	// camera vertex -> dim(camera) x dim(marginal) coupling
	hcm map[*Vertex]*mat.Dense
}

func newLinearSystem(camDim int, marginals []*Vertex) *linearSystem {
	sys := &linearSystem{camDim: camDim, bc: make([]float64, camDim)}
	if camDim > 0 {
		sys.hcc = mat.NewDense(camDim, camDim, nil)
	}
	for _, v := range marginals {
		dim := v.Dimension()
		sys.blocks = append(sys.blocks, &marginalBlock{
			vertex: v,
			hmm:    mat.NewDense(dim, dim, nil),
			bm:     make([]float64, dim),
			hcm:    map[*Vertex]*mat.Dense{},
		})
	}
	return sys
}

// addGradient accumulates b -= Jᵀ·Ω·e for a vertex.
func (sys *linearSystem) addGradient(v *Vertex, grad *mat.VecDense) {
	switch {
	case v.offset >= 0:
		for i := 0; i < grad.Len(); i++ {
			sys.bc[v.offset+i] -= grad.AtVec(i)
		}
	case v.marginal >= 0:
		bm := sys.blocks[v.marginal].bm
		for i := 0; i < grad.Len(); i++ {
			bm[i] -= grad.AtVec(i)
		}
	}
}

// addBlock accumulates the Jaᵀ·Ω·Jb block of H between two vertices of an edge.
func (sys *linearSystem) addBlock(va, vb *Vertex, block *mat.Dense) {
	switch {
	case va.offset >= 0 && vb.offset >= 0:
		rows, cols := block.Dims()
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				sys.hcc.Set(va.offset+r, vb.offset+c, sys.hcc.At(va.offset+r, vb.offset+c)+block.At(r, c))
			}
		}
	case va.offset >= 0 && vb.marginal >= 0:
		mb := sys.blocks[vb.marginal]
		if existing, ok := mb.hcm[va]; ok {
			existing.Add(existing, block)
		} else {
			mb.hcm[va] = mat.DenseCopyOf(block)
		}
	case va.marginal >= 0 && va == vb:
		mb := sys.blocks[va.marginal]
		mb.hmm.Add(mb.hmm, block)
	}
}

func (sys *linearSystem) maxDiagonal() float64 {
	maxDiag := 0.
	for i := 0; i < sys.camDim; i++ {
		if d := sys.hcc.At(i, i); d > maxDiag {
			maxDiag = d
		}
	}
	for _, mb := range sys.blocks {
		dim, _ := mb.hmm.Dims()
		for i := 0; i < dim; i++ {
			if d := mb.hmm.At(i, i); d > maxDiag {
				maxDiag = d
			}
		}
	}
	if maxDiag == 0 {
		return 1
	}
	return maxDiag
}

// solve solves (H + λI)·dx = b by eliminating the marginal blocks. It returns the camera step,
// the per-marginal steps, and false when a damped block is not invertible.
func (sys *linearSystem) solve(lambda float64) ([]float64, [][]float64, bool) {
	var (
		s   *mat.Dense
		rhs *mat.VecDense
	)
	if sys.camDim > 0 {
		s = mat.DenseCopyOf(sys.hcc)
		rhs = mat.NewVecDense(sys.camDim, nil)
		for i := 0; i < sys.camDim; i++ {
			s.Set(i, i, s.At(i, i)+lambda)
			rhs.SetVec(i, sys.bc[i])
		}
	}

	invs := make([]*mat.Dense, len(sys.blocks))
	for bi, mb := range sys.blocks {
		dim, _ := mb.hmm.Dims()
		damped := mat.DenseCopyOf(mb.hmm)
		for i := 0; i < dim; i++ {
			damped.Set(i, i, damped.At(i, i)+lambda)
		}
		var inv mat.Dense
		if err := inv.Inverse(damped); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
				return nil, nil, false
			}
		}
		invs[bi] = &inv

		if sys.camDim == 0 {
			continue
		}
		cams := mb.sortedCameras()
		bm := mat.NewVecDense(dim, mb.bm)
		for _, ca := range cams {
			var y mat.Dense
			y.Mul(mb.hcm[ca], &inv)

			var yb mat.VecDense
			yb.MulVec(&y, bm)
			for i := 0; i < yb.Len(); i++ {
				rhs.SetVec(ca.offset+i, rhs.AtVec(ca.offset+i)-yb.AtVec(i))
			}
			for _, cb := range cams {
				var ywt mat.Dense
				ywt.Mul(&y, mb.hcm[cb].T())
				rows, cols := ywt.Dims()
				for r := 0; r < rows; r++ {
					for c := 0; c < cols; c++ {
						s.Set(ca.offset+r, cb.offset+c, s.At(ca.offset+r, cb.offset+c)-ywt.At(r, c))
					}
				}
			}
		}
	}

	dc := make([]float64, sys.camDim)
	if sys.camDim > 0 {
		sym := mat.NewSymDense(sys.camDim, nil)
		for r := 0; r < sys.camDim; r++ {
			for c := r; c < sys.camDim; c++ {
				sym.SetSym(r, c, (s.At(r, c)+s.At(c, r))/2)
			}
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(sym); !ok {
			return nil, nil, false
		}
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, rhs); err != nil {
			return nil, nil, false
		}
		copy(dc, x.RawVector().Data)
	}

	dm := make([][]float64, len(sys.blocks))
	for bi, mb := range sys.blocks {
		dim, _ := mb.hmm.Dims()
		r := mat.VecDenseCopyOf(mat.NewVecDense(dim, mb.bm))
		for _, ca := range mb.sortedCameras() {
			var wtdc mat.VecDense
			wtdc.MulVec(mb.hcm[ca].T(), mat.NewVecDense(ca.Dimension(), dc[ca.offset:ca.offset+ca.Dimension()]))
			r.SubVec(r, &wtdc)
		}
		var step mat.VecDense
		step.MulVec(invs[bi], r)
		dm[bi] = make([]float64, dim)
		copy(dm[bi], step.RawVector().Data)
	}
	return dc, dm, true
}

// predictedReduction returns dxᵀ(λ·dx + b), the cost decrease the linear model predicts.
func (sys *linearSystem) predictedReduction(lambda float64, dc []float64, dm [][]float64) float64 {
	sum := 0.
	for i, d := range dc {
		sum += d * (lambda*d + sys.bc[i])
	}
	for bi, mb := range sys.blocks {
		for i, d := range dm[bi] {
			sum += d * (lambda*d + mb.bm[i])
		}
	}
	return sum
}

func (mb *marginalBlock) sortedCameras() []*Vertex {
	cams := make([]*Vertex, 0, len(mb.hcm))
	for v := range mb.hcm {
		cams = append(cams, v)
	}
	sort.Slice(cams, func(i, j int) bool { return cams[i].id < cams[j].id })
	return cams
}
