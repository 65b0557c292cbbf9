// Package optimizer is a small sparse nonlinear least-squares solver for bundle adjustment. It
// follows the g2o model: typed vertices and edges, edge levels, robust kernels, Levenberg-Marquardt
// steps on the normal equations, and Schur-complement elimination of marginalized point vertices.
package optimizer

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/objectslam/logging"
)

var (
	// ErrDuplicateVertex is returned when a vertex id is added twice.
	ErrDuplicateVertex = errors.New("vertex id already in graph")
	// ErrUnknownVertex is returned when an edge refers to a vertex that is not in the graph.
	ErrUnknownVertex = errors.New("vertex not in graph")
	// ErrNotInitialized is returned by Optimize before InitializeOptimization.
	ErrNotInitialized = errors.New("optimizer not initialized")
)

const (
	defaultTau                   = 1e-5
	defaultMaxTrialsAfterFailure = 10
	jacobianStep                 = 1e-6
)

// SparseOptimizer owns a factor graph and solves it. It is not safe for concurrent use.
type SparseOptimizer struct {
	logger    logging.Logger
	vertices  map[int]*Vertex
	edges     []*Edge
	forceStop *atomic.Bool

	initialized    bool
	activeEdges    []*Edge
	activeVertices []*Vertex
	camDim         int
	marginals      []*Vertex

	lambda float64
	ni     float64
}

// NewSparseOptimizer returns an empty optimizer.
func NewSparseOptimizer(logger logging.Logger) *SparseOptimizer {
	return &SparseOptimizer{logger: logger, vertices: map[int]*Vertex{}}
}

// AddVertex adds a vertex to the graph.
func (o *SparseOptimizer) AddVertex(v *Vertex) error {
	if _, ok := o.vertices[v.id]; ok {
		return errors.Wrapf(ErrDuplicateVertex, "%s %d", v.kind, v.id)
	}
	o.vertices[v.id] = v
	o.initialized = false
	return nil
}

// AddEdge adds an edge. All its vertices must already be in the graph.
func (o *SparseOptimizer) AddEdge(e *Edge) error {
	for _, v := range e.vertices {
		if o.vertices[v.id] != v {
			return errors.Wrapf(ErrUnknownVertex, "%s references %s %d", e.kind, v.kind, v.id)
		}
	}
	o.edges = append(o.edges, e)
	o.initialized = false
	return nil
}

// Vertex returns a vertex by id.
func (o *SparseOptimizer) Vertex(id int) (*Vertex, bool) {
	v, ok := o.vertices[id]
	return v, ok
}

// Vertices returns every vertex ordered by id.
func (o *SparseOptimizer) Vertices() []*Vertex {
	out := make([]*Vertex, 0, len(o.vertices))
	for _, v := range o.vertices {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Edges returns every edge in insertion order.
func (o *SparseOptimizer) Edges() []*Edge {
	return o.edges
}

// ActiveEdges returns the edges selected by the last InitializeOptimization.
func (o *SparseOptimizer) ActiveEdges() []*Edge {
	return o.activeEdges
}

// SetForceStopFlag installs a flag that aborts Optimize between iterations when set.
func (o *SparseOptimizer) SetForceStopFlag(flag *atomic.Bool) {
	o.forceStop = flag
}

func (o *SparseOptimizer) stopRequested(ctx context.Context) bool {
	return ctx.Err() != nil || (o.forceStop != nil && o.forceStop.Load())
}

// InitializeOptimization selects the edges of the given level as the active problem and orders
// the free vertices they touch for the linear system.
func (o *SparseOptimizer) InitializeOptimization(level int) error {
	o.activeEdges = o.activeEdges[:0]
	touched := map[*Vertex]bool{}
	for _, e := range o.edges {
		if e.level != level {
			continue
		}
		marginalCount := 0
		for _, v := range e.vertices {
			if !v.fixed && v.marginalized {
				marginalCount++
			}
		}
		if marginalCount > 1 {
			return errors.Errorf("%s connects %d marginalized vertices", e.kind, marginalCount)
		}
		o.activeEdges = append(o.activeEdges, e)
		for _, v := range e.vertices {
			touched[v] = true
		}
	}

	for _, v := range o.vertices {
		v.offset, v.marginal = -1, -1
	}
	o.activeVertices = o.activeVertices[:0]
	for v := range touched {
		o.activeVertices = append(o.activeVertices, v)
	}
	sort.Slice(o.activeVertices, func(i, j int) bool { return o.activeVertices[i].id < o.activeVertices[j].id })

	o.camDim = 0
	o.marginals = o.marginals[:0]
	for _, v := range o.activeVertices {
		switch {
		case v.fixed:
		case v.marginalized:
			v.marginal = len(o.marginals)
			o.marginals = append(o.marginals, v)
		default:
			v.offset = o.camDim
			o.camDim += v.Dimension()
		}
	}
	o.initialized = true
	return nil
}

// ActiveChi2 returns the sum of eᵀΩe over the active edges.
func (o *SparseOptimizer) ActiveChi2() float64 {
	sum := 0.
	for _, e := range o.activeEdges {
		sum += e.Chi2()
	}
	return sum
}

// ActiveRobustChi2 returns the sum of the robustified costs over the active edges.
func (o *SparseOptimizer) ActiveRobustChi2() float64 {
	sum := 0.
	for _, e := range o.activeEdges {
		chi2 := e.Chi2()
		if e.kernel != nil {
			chi2, _ = e.kernel.Robustify(chi2)
		}
		sum += chi2
	}
	return sum
}

// Optimize runs up to iterations Levenberg-Marquardt iterations on the active problem and returns
// how many were performed. It stops early when the force-stop flag is set, ctx is done, or no step
// can reduce the cost.
func (o *SparseOptimizer) Optimize(ctx context.Context, iterations int) (int, error) {
	ctx, span := trace.StartSpan(ctx, "optimizer::SparseOptimizer::Optimize")
	defer span.End()

	if !o.initialized {
		return 0, ErrNotInitialized
	}
	if o.camDim == 0 && len(o.marginals) == 0 {
		o.logger.Debug("no free vertices to optimize")
		return 0, nil
	}

	done := 0
	for i := 0; i < iterations; i++ {
		if o.stopRequested(ctx) {
			o.logger.CDebugf(ctx, "optimization stopped after %d iterations", done)
			break
		}
		ok := o.iterate(i)
		done++
		if !ok {
			break
		}
	}
	return done, nil
}

// iterate performs one LM iteration and reports whether another one can make progress.
func (o *SparseOptimizer) iterate(iteration int) bool {
	sys := o.buildSystem()
	if iteration == 0 {
		o.lambda = defaultTau * sys.maxDiagonal()
		o.ni = 2
	}

	currentChi := o.ActiveRobustChi2()
	rho := 0.
	trials := 0
	for {
		dc, dm, solved := sys.solve(o.lambda)
		if solved {
			for _, v := range o.activeVertices {
				v.push()
			}
			o.applyStep(dc, dm)
			tempChi := o.ActiveRobustChi2()
			scale := sys.predictedReduction(o.lambda, dc, dm) + 1e-3
			rho = (currentChi - tempChi) / scale
			if rho > 0 && !math.IsNaN(tempChi) && !math.IsInf(tempChi, 0) {
				alpha := 1 - math.Pow(2*rho-1, 3)
				alpha = math.Min(alpha, 2.0/3)
				o.lambda *= math.Max(1.0/3, alpha)
				o.ni = 2
				for _, v := range o.activeVertices {
					v.discardTop()
				}
				o.logger.Debugw("lm iteration", "iteration", iteration, "chi2", tempChi, "lambda", o.lambda, "trials", trials)
				return true
			}
			for _, v := range o.activeVertices {
				v.pop()
			}
		} else {
			rho = -1
		}
		o.lambda *= o.ni
		o.ni *= 2
		trials++
		if trials >= defaultMaxTrialsAfterFailure || math.IsInf(o.lambda, 0) {
			o.logger.Debugw("lm cannot reduce cost", "iteration", iteration, "chi2", currentChi, "rho", rho)
			return false
		}
	}
}

func (o *SparseOptimizer) applyStep(dc []float64, dm [][]float64) {
	for _, v := range o.activeVertices {
		switch {
		case v.offset >= 0:
			v.Oplus(dc[v.offset : v.offset+v.Dimension()])
		case v.marginal >= 0:
			v.Oplus(dm[v.marginal])
		}
	}
}

// jacobians returns de/dδ for every free vertex of e by central differences, nil for fixed ones.
func jacobians(e *Edge) []*mat.Dense {
	out := make([]*mat.Dense, len(e.vertices))
	dim := e.Dimension()
	for vi, v := range e.vertices {
		if v.fixed {
			continue
		}
		vdim := v.Dimension()
		jac := mat.NewDense(dim, vdim, nil)
		delta := make([]float64, vdim)
		saved := v.est
		for k := 0; k < vdim; k++ {
			delta[k] = jacobianStep
			v.Oplus(delta)
			plus := e.Error()
			v.est = saved
			delta[k] = -jacobianStep
			v.Oplus(delta)
			minus := e.Error()
			v.est = saved
			delta[k] = 0
			for r := 0; r < dim; r++ {
				jac.Set(r, k, (plus[r]-minus[r])/(2*jacobianStep))
			}
		}
		out[vi] = jac
	}
	return out
}

func (o *SparseOptimizer) buildSystem() *linearSystem {
	sys := newLinearSystem(o.camDim, o.marginals)
	for _, e := range o.activeEdges {
		errVec := e.Error()
		weight := 1.
		if e.kernel != nil {
			_, weight = e.kernel.Robustify(e.chi2(errVec))
		}
		omega := mat.NewDense(e.Dimension(), e.Dimension(), nil)
		omega.Scale(weight, e.information)
		// omega·e
		omegaErr := mat.NewVecDense(e.Dimension(), nil)
		omegaErr.MulVec(omega, mat.NewVecDense(len(errVec), errVec))

		jacs := jacobians(e)
		for a, va := range e.vertices {
			if jacs[a] == nil {
				continue
			}
			var jtOmega mat.Dense
			jtOmega.Mul(jacs[a].T(), omega)

			var grad mat.VecDense
			grad.MulVec(jacs[a].T(), omegaErr)
			sys.addGradient(va, &grad)

			for b, vb := range e.vertices {
				if jacs[b] == nil {
					continue
				}
				var block mat.Dense
				block.Mul(&jtOmega, jacs[b])
				sys.addBlock(va, vb, &block)
			}
		}
	}
	return sys
}
