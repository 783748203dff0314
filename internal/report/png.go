package report

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"github.com/t77yq/servermon/internal/model"
)

// Raster chart geometry in pixels
const (
	ImageWidth  = 960
	ImageHeight = 480
	plotPadding = 40
)

var (
	background = color.RGBA{255, 255, 255, 255}
	gridColor  = color.RGBA{220, 220, 220, 255}
	axisColor  = color.RGBA{120, 120, 120, 255}
)

func (c rgb) rgba() color.RGBA {
	return color.RGBA{uint8(c.r), uint8(c.g), uint8(c.b), 255}
}

// RenderPNG draws the bucketed CPU, memory and disk series as a line chart.
// Usage is plotted on a fixed 0-100 scale with grid lines every 25%.
func RenderPNG(w io.Writer, r *Report) error {
	if len(r.Points) == 0 {
		return ErrNoData
	}

	img := image.NewRGBA(image.Rect(0, 0, ImageWidth, ImageHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	plot := image.Rect(plotPadding, plotPadding, ImageWidth-plotPadding, ImageHeight-plotPadding)
	for _, level := range []int{25, 50, 75} {
		y := plot.Max.Y - plot.Dy()*level/100
		drawLine(img, plot.Min.X, y, plot.Max.X, y, gridColor, 1)
	}
	drawLine(img, plot.Min.X, plot.Min.Y, plot.Min.X, plot.Max.Y, axisColor, 1)
	drawLine(img, plot.Min.X, plot.Max.Y, plot.Max.X, plot.Max.Y, axisColor, 1)

	series := []struct {
		color rgb
		value func(*model.AggregatedPoint) float64
	}{
		{cpuColor, func(pt *model.AggregatedPoint) float64 { return pt.CPUUsage }},
		{memoryColor, func(pt *model.AggregatedPoint) float64 { return pt.MemoryUsage }},
		{diskColor, func(pt *model.AggregatedPoint) float64 { return pt.DiskUsage }},
	}

	xAt := func(i int) int {
		if len(r.Points) == 1 {
			return plot.Min.X + plot.Dx()/2
		}
		return plot.Min.X + plot.Dx()*i/(len(r.Points)-1)
	}
	yAt := func(v float64) int {
		return plot.Max.Y - int(float64(plot.Dy())*clampPercent(v)/100)
	}

	for _, s := range series {
		c := s.color.rgba()
		for i := range r.Points {
			x, y := xAt(i), yAt(s.value(&r.Points[i]))
			fillSquare(img, x, y, 2, c)
			if i > 0 {
				drawLine(img, xAt(i-1), yAt(s.value(&r.Points[i-1])), x, y, c, 2)
			}
		}
	}

	// legend swatches, top left
	for i, s := range series {
		fillSquare(img, plotPadding+8+i*24, plotPadding/2, 6, s.color.rgba())
	}

	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

// drawLine rasterizes a segment with Bresenham's algorithm
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA, thickness int) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		fillSquare(img, x0, y0, thickness/2, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func fillSquare(img *image.RGBA, x, y, radius int, c color.RGBA) {
	for px := x - radius; px <= x+radius; px++ {
		for py := y - radius; py <= y+radius; py++ {
			if image.Pt(px, py).In(img.Bounds()) {
				img.SetRGBA(px, py, c)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
