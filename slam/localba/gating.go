package localba

// Outlier is an observation severed from the map by a run.
type Outlier struct {
	KeyFrameID uint64 `json:"keyframe_id"`
	MapPointID uint64 `json:"map_point_id"`
}

// gatedEdge pairs a reprojection edge with its chi-square threshold.
type gatedEdge struct {
	observationEdge
	threshold float64
}

func (g *graph) gatedEdges(cfg Config) []gatedEdge {
	out := make([]gatedEdge, 0, len(g.mono)+len(g.stereo))
	for _, oe := range g.mono {
		out = append(out, gatedEdge{observationEdge: oe, threshold: cfg.ChiSquareMono})
	}
	for _, oe := range g.stereo {
		out = append(out, gatedEdge{observationEdge: oe, threshold: cfg.ChiSquareStereo})
	}
	return out
}

func (ge gatedEdge) rejected() bool {
	return ge.edge.Chi2() > ge.threshold || !ge.edge.IsDepthPositive()
}

// gateForRefinement moves every rejected reprojection edge to level 1 so the next pass ignores
// it, and strips the robust kernel from each considered edge. Edges of bad points are untouched.
func (g *graph) gateForRefinement(cfg Config) int {
	excluded := 0
	for _, ge := range g.gatedEdges(cfg) {
		if ge.mapPoint.IsBad() {
			continue
		}
		if ge.rejected() {
			ge.edge.SetLevel(1)
			excluded++
		}
		ge.edge.SetRobustKernel(nil)
	}
	return excluded
}

// finalOutliers returns the observations whose edge still fails the chi-square or depth test,
// whatever its level. It only reads the graph.
func (g *graph) finalOutliers(cfg Config) []observationEdge {
	var out []observationEdge
	for _, ge := range g.gatedEdges(cfg) {
		if ge.mapPoint.IsBad() {
			continue
		}
		if ge.rejected() {
			out = append(out, ge.observationEdge)
		}
	}
	return out
}

// chi2Values returns the chi-square of every reprojection edge whose point is not bad.
func (g *graph) chi2Values(cfg Config) []float64 {
	var out []float64
	for _, ge := range g.gatedEdges(cfg) {
		if !ge.mapPoint.IsBad() {
			out = append(out, ge.edge.Chi2())
		}
	}
	return out
}
