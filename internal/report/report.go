// Package report renders calibration diagnostics: an interactive HTML page
// of fit quality per bank and a PNG of the fitted bank translations.
package report

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/scdcal/internal/calibration"
	"github.com/banshee-data/scdcal/internal/fsutil"
)

// Output file names inside the report directory.
const (
	HTMLName = "calibration.html"
	PNGName  = "bank_shifts.png"
)

const mmPerMetre = 1000

// WriteHTML renders fit quality and per-bank deltas as an echarts page.
func WriteHTML(w io.Writer, rep *calibration.RunReport) error {
	fitted := rep.Fitted()
	names := make([]string, len(fitted))
	chi2 := make([]opts.BarData, len(fitted))
	rot := [3][]opts.BarData{}
	for i, b := range fitted {
		names[i] = b.Bank
		chi2[i] = opts.BarData{Value: b.Chi2OverDoF}
		rot[0] = append(rot[0], opts.BarData{Value: b.Delta.RotX})
		rot[1] = append(rot[1], opts.BarData{Value: b.Delta.RotY})
		rot[2] = append(rot[2], opts.BarData{Value: b.Delta.RotZ})
	}
	subtitle := fmt.Sprintf("fitted=%d skipped=%d failed=%d T0=%.4g µs L1=%.5f m",
		len(fitted), len(rep.Skipped()), len(rep.Failed()), rep.T0, rep.L1After)

	quality := charts.NewBar()
	quality.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Panel calibration", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Chi²/DoF per bank", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	quality.SetXAxis(names).
		AddSeries("chi2/dof", chi2,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	rotation := charts.NewBar()
	rotation.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Rotation delta (deg)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	rotation.SetXAxis(names).
		AddSeries("drotx", rot[0]).
		AddSeries("droty", rot[1]).
		AddSeries("drotz", rot[2])

	page := components.NewPage()
	page.PageTitle = "Panel calibration"
	page.AddCharts(quality, rotation)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render report page: %w", err)
	}
	return nil
}

// ShiftPlot draws the fitted bank translations in millimetres as grouped
// bars. It returns nil when no bank was fitted.
func ShiftPlot(rep *calibration.RunReport) (*plot.Plot, error) {
	fitted := rep.Fitted()
	if len(fitted) == 0 {
		return nil, nil
	}
	var dx, dy, dz plotter.Values
	names := make([]string, len(fitted))
	for i, b := range fitted {
		names[i] = b.Bank
		dx = append(dx, b.Delta.Translation.X*mmPerMetre)
		dy = append(dy, b.Delta.Translation.Y*mmPerMetre)
		dz = append(dz, b.Delta.Translation.Z*mmPerMetre)
	}

	p := plot.New()
	p.Title.Text = "Bank translation deltas"
	p.Y.Label.Text = "shift (mm)"

	width := vg.Points(8)
	colours := []color.Color{
		color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255},
		color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 255},
		color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 255},
	}
	for i, series := range []struct {
		name string
		vals plotter.Values
	}{{"dx", dx}, {"dy", dy}, {"dz", dz}} {
		bars, err := plotter.NewBarChart(series.vals, width)
		if err != nil {
			return nil, fmt.Errorf("bar chart %s: %w", series.name, err)
		}
		bars.Color = colours[i]
		bars.LineStyle.Width = vg.Length(0)
		bars.Offset = vg.Length(i-1) * width
		p.Add(bars)
		p.Legend.Add(series.name, bars)
	}
	p.Add(plotter.NewGrid())
	p.NominalX(names...)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// Write renders both diagnostics into dir and returns the files written.
func Write(fs fsutil.FileSystem, dir string, rep *calibration.RunReport) ([]string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	var html bytes.Buffer
	if err := WriteHTML(&html, rep); err != nil {
		return nil, err
	}
	htmlPath := filepath.Join(dir, HTMLName)
	if err := fs.WriteFile(htmlPath, html.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", htmlPath, err)
	}
	written := []string{htmlPath}

	p, err := ShiftPlot(rep)
	if err != nil {
		return written, err
	}
	if p == nil {
		return written, nil
	}
	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return written, fmt.Errorf("render shift plot: %w", err)
	}
	var png bytes.Buffer
	if _, err := wt.WriteTo(&png); err != nil {
		return written, fmt.Errorf("render shift plot: %w", err)
	}
	pngPath := filepath.Join(dir, PNGName)
	if err := fs.WriteFile(pngPath, png.Bytes(), 0o644); err != nil {
		return written, fmt.Errorf("write %s: %w", pngPath, err)
	}
	return append(written, pngPath), nil
}
