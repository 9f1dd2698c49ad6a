package chart

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/roast.report/internal/units"
)

// PNG size, matching the wide aspect of a roast curve.
const (
	pngWidth  = 14 * vg.Inch
	pngHeight = 6 * vg.Inch
)

var (
	tempColor   = color.RGBA{R: 200, G: 60, B: 30, A: 255}
	markerColor = []color.Color{
		color.RGBA{R: 30, G: 110, B: 200, A: 255},
		color.RGBA{R: 120, G: 120, B: 120, A: 255},
	}
)

// RenderPNG writes the temperature curve of r with its markers as a PNG.
func RenderPNG(w io.Writer, r Roast) error {
	temps := r.series()[units.Temperature]
	if len(temps) == 0 {
		return ErrNoData
	}

	p := plot.New()
	p.Title.Text = r.Name
	p.X.Label.Text = "Elapsed (s)"
	p.Y.Label.Text = "Temperature (" + units.Celsius + ")"

	pts := make(plotter.XYs, len(temps))
	minY, maxY := temps[0].y, temps[0].y
	for i, s := range temps {
		pts[i] = plotter.XY{X: s.x, Y: s.y}
		minY = min(minY, s.y)
		maxY = max(maxY, s.y)
	}

	tempLine, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	tempLine.Color = tempColor
	tempLine.Width = vg.Points(1.5)
	p.Add(tempLine)
	p.Legend.Add(seriesName(units.Temperature), tempLine)

	for i, mk := range r.Markers {
		x := r.elapsed(mk.At)
		ml, err := plotter.NewLine(plotter.XYs{{X: x, Y: minY}, {X: x, Y: maxY}})
		if err != nil {
			return err
		}
		ml.Color = markerColor[i%len(markerColor)]
		ml.Width = vg.Points(1)
		ml.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		p.Add(ml)
		p.Legend.Add(mk.Label, ml)
	}

	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.XOffs = 10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(pngWidth, pngHeight, "png")
	if err != nil {
		return fmt.Errorf("failed to create png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}
