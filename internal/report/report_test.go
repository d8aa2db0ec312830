package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sim-capture/internal/dataset"
	"github.com/banshee-data/sim-capture/internal/fsutil"
	"github.com/banshee-data/sim-capture/internal/monitoring"
	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/timeutil"
)

func framesAt(times ...float64) []dataset.FrameRecord {
	out := make([]dataset.FrameRecord, len(times))
	for i, st := range times {
		out[i] = dataset.FrameRecord{Index: i, Metadata: map[string]any{"time": st}}
	}
	return out
}

func TestAnalyzeEvenSpacing(t *testing.T) {
	tm, err := Analyze(framesAt(1, 1.2, 1.4, 1.6, 1.8), 0.2)
	require.NoError(t, err)

	assert.Equal(t, 5, tm.Frames)
	assert.Equal(t, []int{1, 2, 3, 4}, tm.Indices)
	assert.Len(t, tm.Intervals, 4)
	assert.InDelta(t, 0.2, tm.Mean, 1e-9)
	assert.InDelta(t, 0, tm.StdDev, 1e-9)
	assert.InDelta(t, 0.2, tm.Min, 1e-9)
	assert.InDelta(t, 0.2, tm.Max, 1e-9)
	assert.Zero(t, tm.Violations)
	assert.Zero(t, tm.Overruns)
}

func TestAnalyzeCountsShortAndLongIntervals(t *testing.T) {
	// 0.2, 0.1 (short), 0.5 (overrun), 0.25
	tm, err := Analyze(framesAt(0, 0.2, 0.3, 0.8, 1.05), 0.2)
	require.NoError(t, err)

	assert.Equal(t, 1, tm.Violations)
	assert.Equal(t, 1, tm.Overruns)
	assert.InDelta(t, 0.1, tm.Min, 1e-9)
	assert.InDelta(t, 0.5, tm.Max, 1e-9)
	assert.InDelta(t, 0.2625, tm.Mean, 1e-9)
	assert.InDelta(t, 0.2, tm.P50, 1e-9)
	assert.InDelta(t, 0.5, tm.P95, 1e-9)
	assert.Greater(t, tm.StdDev, 0.0)
}

func TestAnalyzeSkipsUntimedFrames(t *testing.T) {
	frames := framesAt(0, 0.2, 0.4)
	frames[1].Metadata = map[string]any{"speed": 3.0}

	tm, err := Analyze(frames, 0.2)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, tm.Indices)
	assert.InDelta(t, 0.4, tm.Intervals[0], 1e-9)
	assert.Equal(t, 1, tm.Overruns)
}

func TestAnalyzeNeedsTwoFrames(t *testing.T) {
	for _, frames := range [][]dataset.FrameRecord{nil, framesAt(3)} {
		_, err := Analyze(frames, 0.2)
		assert.True(t, errors.Is(err, ErrNotEnoughFrames))
	}
}

func TestWritePlotProducesPNG(t *testing.T) {
	tm, err := Analyze(framesAt(0, 0.2, 0.45, 0.6), 0.2)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePlot(&buf, tm, "timing"))
	cfg, err := png.DecodeConfig(&buf)
	require.NoError(t, err)
	assert.Greater(t, cfg.Width, cfg.Height)
}

func TestWriteChartProducesHTML(t *testing.T) {
	tm, err := Analyze(framesAt(0, 0.2, 0.4), 0.2)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteChart(&buf, tm, "data_capture timing"))
	html := buf.String()
	assert.Contains(t, html, "<html")
	assert.Contains(t, html, "data_capture timing")
	assert.Contains(t, html, "interval")
}

func recordSession(t *testing.T, layout string, times ...float64) (*fsutil.MemoryFileSystem, string) {
	t.Helper()
	monitoring.SetLogger(nil)

	mfs := fsutil.NewMemoryFileSystem()
	ctx := context.Background()
	w, err := dataset.Create(ctx, dataset.Options{
		OutputRoot: "/data",
		Prefix:     "Capture",
		Layout:     layout,
		FS:         mfs,
		Clock:      timeutil.NewMockClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
	}, session.Default())
	require.NoError(t, err)
	for _, f := range framesAt(times...) {
		require.NoError(t, w.WriteFrame(ctx, f))
	}
	require.NoError(t, w.Finish(ctx, dataset.Summary{State: "DONE", FramesCaptured: len(times)}))
	return mfs, w.Dir()
}

func TestGenerateWritesOutputs(t *testing.T) {
	for _, layout := range []string{"frame_dirs", "flat"} {
		t.Run(layout, func(t *testing.T) {
			mfs, dir := recordSession(t, layout, 0, 0.2, 0.4, 0.6)

			r, err := Generate(mfs, dir)
			require.NoError(t, err)
			assert.Equal(t, 4, r.Timing.Frames)
			assert.InDelta(t, 0.2, r.Timing.Period, 1e-9)

			for _, name := range []string{PlotFile, ChartFile, SummaryFile} {
				assert.True(t, mfs.Exists(filepath.Join(dir, name)), name)
			}

			data, err := mfs.ReadFile(filepath.Join(dir, SummaryFile))
			require.NoError(t, err)
			var got Report
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, 4, got.Timing.Frames)
			assert.True(t, strings.HasSuffix(got.Plot, PlotFile))
		})
	}
}

func TestLoadFrames(t *testing.T) {
	mfs, dir := recordSession(t, "flat", 5, 5.2)
	frames, err := LoadFrames(mfs, dir)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	st, ok := frames[1].Float("time")
	assert.True(t, ok)
	assert.InDelta(t, 5.2, st, 1e-9)
}

func TestGenerateMissingSession(t *testing.T) {
	_, err := Generate(fsutil.NewMemoryFileSystem(), "/nowhere")
	assert.Error(t, err)
}
