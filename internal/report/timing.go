// Package report analyses the frame timing of a recorded session and renders
// it as a PNG plot and an HTML chart.
package report

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sim-capture/internal/dataset"
	"github.com/banshee-data/sim-capture/internal/fsutil"
)

// ErrNotEnoughFrames means fewer than two frames carry a simulation time.
var ErrNotEnoughFrames = errors.New("need at least two timed frames")

// overrunFactor marks an interval as an overrun when it exceeds this multiple of the period.
const overrunFactor = 1.5

const spacingTolerance = 1e-6

// Timing summarises the spacing of consecutive frames in simulated seconds.
type Timing struct {
	Frames    int       `json:"frames"`
	Period    float64   `json:"period_s"`
	Indices   []int     `json:"-"`
	Intervals []float64 `json:"-"`

	Mean   float64 `json:"mean_s"`
	StdDev float64 `json:"stddev_s"`
	Min    float64 `json:"min_s"`
	Max    float64 `json:"max_s"`
	P50    float64 `json:"p50_s"`
	P95    float64 `json:"p95_s"`

	// Violations counts intervals shorter than the period.
	Violations int `json:"violations"`
	// Overruns counts intervals longer than 1.5 periods.
	Overruns int `json:"overruns"`
}

// LoadFrames reads the frame records of a session in either layout.
func LoadFrames(fsys fsutil.FileSystem, sessionDir string) ([]dataset.FrameRecord, error) {
	s, err := dataset.ReadSession(fsys, sessionDir)
	if err != nil {
		return nil, err
	}
	return s.Frames, nil
}

// Analyze computes interval statistics from the frames' "time" field.
// Intervals[i] is the gap ending at frame Indices[i].
func Analyze(frames []dataset.FrameRecord, period float64) (Timing, error) {
	t := Timing{Frames: len(frames), Period: period}

	prev, havePrev := 0.0, false
	for _, f := range frames {
		st, ok := f.Float("time")
		if !ok || math.IsNaN(st) {
			continue
		}
		if havePrev {
			t.Indices = append(t.Indices, f.Index)
			t.Intervals = append(t.Intervals, st-prev)
		}
		prev, havePrev = st, true
	}
	if len(t.Intervals) == 0 {
		return t, fmt.Errorf("%w: %d frames", ErrNotEnoughFrames, len(frames))
	}

	sorted := append([]float64(nil), t.Intervals...)
	sort.Float64s(sorted)
	t.Min, t.Max = sorted[0], sorted[len(sorted)-1]
	t.Mean = stat.Mean(t.Intervals, nil)
	if len(t.Intervals) > 1 {
		t.StdDev = stat.StdDev(t.Intervals, nil)
	}
	t.P50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	t.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)

	for _, d := range t.Intervals {
		switch {
		case d < period-spacingTolerance:
			t.Violations++
		case period > 0 && d > overrunFactor*period:
			t.Overruns++
		}
	}
	return t, nil
}

func (t Timing) String() string {
	return fmt.Sprintf("%d frames, period %.3fs: mean %.4fs sd %.4fs min %.4fs p50 %.4fs p95 %.4fs max %.4fs, %d short, %d overruns",
		t.Frames, t.Period, t.Mean, t.StdDev, t.Min, t.P50, t.P95, t.Max, t.Violations, t.Overruns)
}
