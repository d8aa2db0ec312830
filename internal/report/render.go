package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sim-capture/internal/dataset"
	"github.com/banshee-data/sim-capture/internal/fsutil"
	"github.com/banshee-data/sim-capture/internal/monitoring"
)

// Output file names, written next to the session files.
const (
	PlotFile    = "timing.png"
	ChartFile   = "timing.html"
	SummaryFile = "timing.json"
)

// WritePlot renders the per-frame interval against the target period as PNG.
func WritePlot(w io.Writer, t Timing, title string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "frame"
	p.Y.Label.Text = "interval (s)"

	pts := make(plotter.XYs, len(t.Intervals))
	for i, d := range t.Intervals {
		pts[i] = plotter.XY{X: float64(t.Indices[i]), Y: d}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("interval line: %w", err)
	}
	line.Width = vg.Points(1)

	target := plotter.NewFunction(func(float64) float64 { return t.Period })
	target.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(plotter.NewGrid(), line, target)
	p.Legend.Add("interval", line)
	p.Legend.Add("period", target)

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// WriteChart renders the intervals as an interactive HTML line chart.
func WriteChart(w io.Writer, t Timing, title string) error {
	labels := make([]string, len(t.Indices))
	intervals := make([]opts.LineData, len(t.Intervals))
	period := make([]opts.LineData, len(t.Intervals))
	for i, d := range t.Intervals {
		labels[i] = strconv.Itoa(t.Indices[i])
		intervals[i] = opts.LineData{Value: d}
		period[i] = opts.LineData{Value: t.Period}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: t.String()}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "interval (s)", NameLocation: "middle", NameGap: 45}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(labels).
		AddSeries("interval", intervals).
		AddSeries("period", period)
	return line.Render(w)
}

// Report is the result of Generate.
type Report struct {
	SessionDir string `json:"session_dir"`
	Timing     Timing `json:"timing"`
	Plot       string `json:"plot"`
	Chart      string `json:"chart"`
}

// Generate analyses sessionDir and writes the plot, chart and JSON summary into it.
func Generate(fsys fsutil.FileSystem, sessionDir string) (*Report, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	s, err := dataset.ReadSession(fsys, sessionDir)
	if err != nil {
		return nil, err
	}
	if s.Metadata.CaptureFreqHz <= 0 {
		return nil, fmt.Errorf("session %s has no capture frequency", sessionDir)
	}
	t, err := Analyze(s.Frames, 1/s.Metadata.CaptureFreqHz)
	if err != nil {
		return nil, err
	}
	title := fmt.Sprintf("%s on %s at %gHz", s.Metadata.Scenario, s.Metadata.Map, s.Metadata.CaptureFreqHz)

	r := &Report{
		SessionDir: sessionDir,
		Timing:     t,
		Plot:       filepath.Join(sessionDir, PlotFile),
		Chart:      filepath.Join(sessionDir, ChartFile),
	}
	if err := writeWith(fsys, r.Plot, func(w io.Writer) error { return WritePlot(w, t, title) }); err != nil {
		return nil, fmt.Errorf("write plot: %w", err)
	}
	if err := writeWith(fsys, r.Chart, func(w io.Writer) error { return WriteChart(w, t, title) }); err != nil {
		return nil, fmt.Errorf("write chart: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := fsys.WriteFile(filepath.Join(sessionDir, SummaryFile), data, 0644); err != nil {
		return nil, err
	}
	monitoring.Logf("timing report: %s", t)
	return r, nil
}

func writeWith(fsys fsutil.FileSystem, path string, fn func(io.Writer) error) error {
	f, err := fsys.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
