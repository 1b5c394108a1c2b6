package output

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"golang.org/x/image/draw"

	"github.com/sdwanlab/ratewatch/internal/core"
)

const (
	DefaultChartWidth  = 800
	DefaultChartHeight = 320
)

// ErrNoPoints is returned when there is nothing to chart.
var ErrNoPoints = errors.New("no history points to chart")

// ChartOptions controls chart rendering.
type ChartOptions struct {
	Width  int
	Height int
	// YAxisName labels the rate axis.
	YAxisName string
}

// RenderChart draws rate over time for one stream as a PNG.
func RenderChart(w io.Writer, title string, points []core.HistoryPoint, opts ChartOptions) error {
	if len(points) == 0 {
		return ErrNoPoints
	}
	if opts.Width <= 0 {
		opts.Width = DefaultChartWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultChartHeight
	}
	if opts.YAxisName == "" {
		opts.YAxisName = "per minute"
	}

	times := make([]time.Time, 0, len(points)+1)
	rates := make([]float64, 0, len(points)+1)
	peak := 0.0
	for _, p := range points {
		times = append(times, p.Time())
		rates = append(rates, p.Rate)
		peak = math.Max(peak, p.Rate)
	}
	// go-chart needs a non-zero X range.
	if len(times) == 1 {
		times = append(times, times[0].Add(time.Second))
		rates = append(rates, rates[0])
	}

	ch := chart.Chart{
		Title:      title,
		Width:      opts.Width,
		Height:     opts.Height,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16}},
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat("15:04:05"),
		},
		YAxis: chart.YAxis{
			Name:  opts.YAxisName,
			Range: &chart.ContinuousRange{Min: 0, Max: yAxisMax(peak)},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    title,
				XValues: times,
				YValues: rates,
				Style:   lineStyle(chart.ColorBlue),
			},
		},
	}

	if err := ch.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

// Thumbnail downscales a rendered chart so its longer side is at most maxSize.
func Thumbnail(src []byte, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		return nil, errors.New("thumbnail size must be positive")
	}

	img, err := png.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode chart: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, errors.New("invalid image dimensions")
	}

	scale := math.Min(1, float64(maxSize)/float64(max(width, height)))
	newW := max(1, int(float64(width)*scale))
	newH := max(1, int(float64(height)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lineStyle(col drawing.Color) chart.Style {
	return chart.Style{
		StrokeWidth: 2,
		StrokeColor: col,
		FillColor:   col.WithAlpha(48),
		DotWidth:    2,
		DotColor:    col,
	}
}

func yAxisMax(peak float64) float64 {
	if peak <= 0 {
		return 1
	}
	return math.Ceil(peak * 1.1)
}
