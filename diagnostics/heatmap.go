// Package diagnostics renders a running master's chunk statistics for an
// operator without a full metrics pipeline: a PNG heatmap of the
// compatibility counter-matrix export, and a colored terminal dump of the
// availability histogram and server table (spec §4.9).
package diagnostics

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/caleberi/chunkmanager/index"
)

// matrixGrid adapts an index.CounterMatrix to plotter.GridXYZ so it can
// feed plotter.HeatMap directly; X is the standard-copy count, Y is the
// goal, matching the matrix's [goal][standardCopyCount] cell order.
type matrixGrid struct {
	m index.CounterMatrix
}

func (g matrixGrid) Dims() (c, r int) { return len(g.m[0]), len(g.m) }
func (g matrixGrid) Z(c, r int) float64 { return float64(g.m[r][c]) }
func (g matrixGrid) X(c int) float64    { return float64(c) }
func (g matrixGrid) Y(r int) float64    { return float64(r) }

// HeatmapConfig controls the rendered plot's title and output size, kept
// deliberately small: this is an operator convenience tool, not a
// reporting pipeline with configurable styling.
type HeatmapConfig struct {
	Title         string
	Width, Height vg.Length
}

// DefaultHeatmapConfig mirrors the sizing the teacher's own Graph-based
// plots in rfs/plotter use for a single figure.
func DefaultHeatmapConfig(title string) HeatmapConfig {
	return HeatmapConfig{Title: title, Width: 6 * vg.Inch, Height: 6 * vg.Inch}
}

// SaveCounterMatrixHeatmap renders m as a heatmap PNG at path: goal on
// the vertical axis, standard-copy count on the horizontal, cell shade by
// chunk count. Adapted from the teacher's rfs/shared.Graph wrapper around
// gonum.org/v1/plot, generalized here to drive plotter.HeatMap instead of
// the line-plot use the teacher's own Graph.InsertLinePoints covers.
func SaveCounterMatrixHeatmap(m index.CounterMatrix, cfg HeatmapConfig, path string) error {
	p := plot.New()
	p.Title.Text = cfg.Title
	p.X.Label.Text = "standard copies"
	p.Y.Label.Text = "goal"

	pal := palette.Heat(12, 1)
	hm := plotter.NewHeatMap(matrixGrid{m: m}, pal)
	p.Add(hm)

	if err := p.Save(cfg.Width, cfg.Height, path); err != nil {
		return fmt.Errorf("diagnostics: save heatmap to %s: %w", path, err)
	}
	return nil
}
