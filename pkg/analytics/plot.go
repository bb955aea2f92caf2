package analytics

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const plotTopN = 10

// PlotPareto renders one ranked dimension as a bar chart PNG, top-N
// categories only.
func PlotPareto(entries []ParetoEntry, path, title string) error {
	if len(entries) > plotTopN {
		entries = entries[:plotTopN]
	}

	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = "failed attempts"

	values := make(plotter.Values, len(entries))
	labels := make([]string, len(entries))
	for i, e := range entries {
		values[i] = float64(e.Count)
		labels[i] = e.Key
	}

	bars, err := plotter.NewBarChart(values, vg.Points(24))
	if err != nil {
		return fmt.Errorf("build pareto chart: %w", err)
	}
	p.Add(bars)
	p.NominalX(labels...)
	p.X.Tick.Label.Rotation = 0.6
	p.X.Tick.Label.XAlign = -0.8

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save pareto chart: %w", err)
	}
	return nil
}
