package localba

import (
	"go.viam.com/objectslam/slam/mapping"
)

// commit severs the outlier observations and writes the optimized estimates back, all inside one
// map update so readers see either the state before the run or after it.
func (g *graph) commit(m *mapping.Map, outliers []observationEdge) {
	m.Update(func() {
		for _, oe := range outliers {
			mapping.Unlink(oe.keyFrame, oe.mapPoint)
		}
		for _, rb := range g.poseReadbacks {
			rb.apply(rb.vertex)
		}
		for _, rb := range g.objectReadbacks {
			rb.apply(rb.vertex)
		}
		for _, rb := range g.pointReadbacks {
			rb.apply(rb.vertex)
		}
	})
}
