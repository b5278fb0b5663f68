package report

import (
	"fmt"
	"image/color"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sapflow.report/internal/usage"
)

// PlotHourly renders hourly usage as a line over time and saves it as a
// PNG. Buckets whose keys do not parse are skipped.
func PlotHourly(path string, totals usage.Totals) error {
	pts := make(plotter.XYs, 0, len(totals.Hourly))
	for _, key := range totals.HourKeys() {
		t, err := time.Parse(usage.KeyLayout, key)
		if err != nil {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(t.Unix()), Y: totals.Hourly[key]})
	}

	p := plot.New()
	p.Title.Text = "Hourly sap flow"
	p.X.Label.Text = "Time (UTC)"
	p.Y.Label.Text = "Sap flow (kg)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "01-02\n15:04"}
	p.Add(plotter.NewGrid())

	if len(pts) > 0 {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("plot hourly usage: %w", err)
		}
		line.Color = color.RGBA{R: 34, G: 139, B: 34, A: 255}
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("total", line)
	}

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}
