package localba

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
)

// Result summarizes one run.
type Result struct {
	TriggerID      uint64   `json:"trigger_id"`
	LocalKeyFrames []uint64 `json:"local_keyframes"`
	FixedKeyFrames []uint64 `json:"fixed_keyframes"`
	MapPoints      int      `json:"map_points"`
	Objects        int      `json:"objects"`

	MonoEdges   int `json:"mono_edges"`
	StereoEdges int `json:"stereo_edges"`
	CuboidEdges int `json:"cuboid_edges"`

	// Aborted is set when the stop flag was raised before the graph was solved; nothing was
	// written to the map.
	Aborted bool `json:"aborted"`
	// Refined is set when the second, inlier-only pass ran.
	Refined bool `json:"refined"`

	CoarseIterations int `json:"coarse_iterations"`
	RefineIterations int `json:"refine_iterations"`
	ExcludedEdges    int `json:"excluded_edges"`

	InitialChi2 float64 `json:"initial_chi2"`
	FinalChi2   float64 `json:"final_chi2"`
	Chi2Median  float64 `json:"chi2_median"`
	Chi2P95     float64 `json:"chi2_p95"`

	Outliers []Outlier    `json:"outliers"`
	Duration time.Duration `json:"duration"`
}

// summarizeChi2 fills the final chi-square statistics. Empty inputs leave them at zero.
func (r *Result) summarizeChi2(values []float64) {
	data := stats.Float64Data(values)
	if sum, err := data.Sum(); err == nil {
		r.FinalChi2 = sum
	}
	if median, err := data.Median(); err == nil {
		r.Chi2Median = median
	}
	if p95, err := data.Percentile(95); err == nil {
		r.Chi2P95 = p95
	}
}

// String prints out a table of the run.
func (r *Result) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"trigger", r.TriggerID})
	t.AppendRow(table.Row{"local keyframes", formatIDs(r.LocalKeyFrames)})
	t.AppendRow(table.Row{"fixed keyframes", formatIDs(r.FixedKeyFrames)})
	t.AppendRow(table.Row{"map points / objects", fmt.Sprintf("%d / %d", r.MapPoints, r.Objects)})
	t.AppendRow(table.Row{"edges mono / stereo / cuboid", fmt.Sprintf("%d / %d / %d", r.MonoEdges, r.StereoEdges, r.CuboidEdges)})
	if r.Aborted {
		t.AppendRow(table.Row{"status", "aborted"})
		return t.Render()
	}
	t.AppendRow(table.Row{"iterations", fmt.Sprintf("%d + %d (refined: %v)", r.CoarseIterations, r.RefineIterations, r.Refined)})
	t.AppendRow(table.Row{"chi2 initial / final", fmt.Sprintf("%.4f / %.4f", r.InitialChi2, r.FinalChi2)})
	t.AppendRow(table.Row{"chi2 median / p95", fmt.Sprintf("%.4f / %.4f", r.Chi2Median, r.Chi2P95)})
	t.AppendRow(table.Row{"excluded edges", r.ExcludedEdges})
	outliers := make([]string, 0, len(r.Outliers))
	for _, o := range r.Outliers {
		outliers = append(outliers, fmt.Sprintf("(%d, %d)", o.KeyFrameID, o.MapPointID))
	}
	t.AppendRow(table.Row{"outliers", strings.Join(outliers, " ")})
	t.AppendRow(table.Row{"duration", r.Duration})
	return t.Render()
}

func formatIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
