package gan

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Sink receives scalar metrics and sample images tagged with the global
// iteration they belong to.
type Sink interface {
	Scalar(tag string, value float64, step int)
	Image(tag string, img image.Image, step int)
	Close() error
}

// denorm maps [-1, 1] to [0, 1], clipping outliers.
func denorm(v float32) float32 {
	v = (v + 1) / 2
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ToImage converts one CHW image with values in [-1, 1] to RGBA.
func ToImage(chw []float32, size int) *image.NRGBA {
	plane := size * size
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := y*size + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(denorm(chw[i]) * 255),
				G: uint8(denorm(chw[plane+i]) * 255),
				B: uint8(denorm(chw[2*plane+i]) * 255),
				A: 255,
			})
		}
	}
	return img
}

// LogSink writes scalars to the log and drops images.
type LogSink struct{}

func (LogSink) Scalar(tag string, value float64, step int) {
	klog.V(1).Infof("[%d] %s = %.5f", step, tag, value)
}

func (LogSink) Image(tag string, img image.Image, step int) {
	klog.V(2).Infof("[%d] %s: %dx%d image", step, tag, img.Bounds().Dx(), img.Bounds().Dy())
}

func (LogSink) Close() error { return nil }

// PlotSink renders loss curves and sample images to PNG files in dir.
// Curves are redrawn by Flush and Close; images are written immediately.
type PlotSink struct {
	dir    string
	series map[string]plotter.XYs
}

// NewPlotSink creates dir if needed.
func NewPlotSink(dir string) (*PlotSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithMessagef(err, "creating sample directory %s", dir)
	}
	return &PlotSink{dir: dir, series: make(map[string]plotter.XYs)}, nil
}

func fileTag(tag string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(tag)
}

func (s *PlotSink) Scalar(tag string, value float64, step int) {
	s.series[tag] = append(s.series[tag], plotter.XY{X: float64(step), Y: value})
}

func (s *PlotSink) Image(tag string, img image.Image, step int) {
	b := img.Bounds()
	p := plot.New()
	p.Title.Text = tag
	p.HideAxes()
	p.Add(plotter.NewImage(img, 0, 0, float64(b.Dx()), float64(b.Dy())))

	name := filepath.Join(s.dir, fmt.Sprintf("%s_%08d.png", fileTag(tag), step))
	if err := p.Save(4*vg.Inch, 4*vg.Inch, name); err != nil {
		klog.Warningf("plot sink: saving %s: %v", name, err)
	}
}

// Flush redraws every loss curve.
func (s *PlotSink) Flush() error {
	tags := make([]string, 0, len(s.series))
	for tag := range s.series {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		p := plot.New()
		p.Title.Text = tag
		p.X.Label.Text = "iteration"
		p.Y.Label.Text = "loss"
		line, err := plotter.NewLine(s.series[tag])
		if err != nil {
			return errors.WithMessagef(err, "plotting %s", tag)
		}
		p.Add(line, plotter.NewGrid())
		if err := p.Save(8*vg.Inch, 4*vg.Inch, filepath.Join(s.dir, fileTag(tag)+".png")); err != nil {
			return errors.WithMessagef(err, "saving %s curve", tag)
		}
	}
	return nil
}

func (s *PlotSink) Close() error {
	return s.Flush()
}

// MultiSink fans every call out to all sinks.
type MultiSink []Sink

func (m MultiSink) Scalar(tag string, value float64, step int) {
	for _, s := range m {
		s.Scalar(tag, value, step)
	}
}

func (m MultiSink) Image(tag string, img image.Image, step int) {
	for _, s := range m {
		s.Image(tag, img, step)
	}
}

// Close closes every sink and returns the first error.
func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
