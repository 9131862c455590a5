package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// RenderClassDistribution writes an HTML page with one bar per class,
// coloured from lm where it has an entry.
func RenderClassDistribution(w io.Writer, d *Distribution, lm LabelMap) error {
	x := make([]string, 0, len(d.Classes))
	y := make([]opts.BarData, 0, len(d.Classes))
	for _, c := range d.Classes {
		x = append(x, c.Name)
		bd := opts.BarData{Name: strconv.FormatInt(c.Label, 10), Value: c.Count}
		if hex := lm.Hex(c.Label); hex != "" {
			bd.ItemStyle = &opts.ItemStyle{Color: hex}
		}
		y = append(y, bd)
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Class distribution", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Class distribution",
			Subtitle: fmt.Sprintf("source=%s files=%d rows=%d", d.Source, d.Files, d.Total),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("count", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	return nil
}

// PlotHistogram saves a PNG (or any extension gonum/plot supports) histogram
// of values to path.
func PlotHistogram(values []float64, bins int, title, xLabel, path string) error {
	if len(values) == 0 {
		return fmt.Errorf("no values to plot")
	}
	if bins < 1 {
		bins = 30
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "Count"

	h, err := plotter.NewHist(plotter.Values(values), bins)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}
	p.Add(h)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
