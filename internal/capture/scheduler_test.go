package capture

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sim-capture/internal/dataset"
	"github.com/banshee-data/sim-capture/internal/fsutil"
	"github.com/banshee-data/sim-capture/internal/geom"
	"github.com/banshee-data/sim-capture/internal/monitoring"
	"github.com/banshee-data/sim-capture/internal/scenario"
	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/simulator"
	"github.com/banshee-data/sim-capture/internal/timeutil"
)

type harness struct {
	sim    *simulator.TestableSimulator
	fs     *fsutil.MemoryFileSystem
	clock  *timeutil.MockClock
	writer *dataset.Writer
	opts   Options
	states []State
	logs   []string
	mu     sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sim:   simulator.NewTestableSimulator(),
		fs:    fsutil.NewMemoryFileSystem(),
		clock: timeutil.NewMockClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
		opts:  DefaultOptions(),
	}
	monitoring.SetLogger(func(format string, v ...interface{}) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.logs = append(h.logs, format)
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context, cfg session.Config) RunResult {
	t.Helper()
	return h.runWith(t, ctx, cfg, nil)
}

// runWith lets wrap replace the dataset writer as the run's sink.
func (h *harness) runWith(t *testing.T, ctx context.Context, cfg session.Config, wrap func(*dataset.Writer) Sink) RunResult {
	t.Helper()
	w, err := dataset.Create(ctx, dataset.Options{
		OutputRoot: "/out",
		Prefix:     "Capture",
		FS:         h.fs,
		Clock:      h.clock,
	}, cfg)
	require.NoError(t, err)
	h.writer = w
	var sink Sink = w
	if wrap != nil {
		sink = wrap(w)
	}

	return RunSession(ctx, Session{
		Config: cfg,
		Sim:    h.sim,
		Context: &scenario.SimulationContext{
			StepsPerSecond:  60,
			SupportedModels: []string{"etk800"},
		},
		Options: h.opts,
		Sink:    sink,
		Clock:   h.clock,
		OnState: func(s State) { h.states = append(h.states, s) },
	})
}

func (h *harness) frames(t *testing.T) []dataset.FrameRecord {
	t.Helper()
	s, err := dataset.ReadSession(h.fs, h.writer.Dir())
	require.NoError(t, err)
	return s.Frames
}

func (h *harness) summary(t *testing.T) *dataset.Summary {
	t.Helper()
	s, err := dataset.ReadSession(h.fs, h.writer.Dir())
	require.NoError(t, err)
	require.NotNil(t, s.Summary)
	return s.Summary
}

func (h *harness) warnings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, l := range h.logs {
		if strings.HasPrefix(l, "warning: ") {
			n++
		}
	}
	return n
}

func shortConfig(duration, freq float64) session.Config {
	cfg := session.Default()
	cfg.DurationS = duration
	cfg.CaptureFreqHz = freq
	return cfg
}

func TestForcedCaptureTenSecondsAtFiveHertz(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	var pollsWhileRunning atomic.Int32
	h.sim.OnCall = func(op string) {
		if strings.HasPrefix(op, "PollCamera:") && !h.sim.Paused() {
			pollsWhileRunning.Add(1)
		}
	}

	res := h.run(t, context.Background(), session.Default())

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 50, res.FramesCaptured)
	assert.Equal(t, 60+49*12, res.TicksAdvanced)
	assert.InDelta(t, 9.8+1.0, res.SecondsAdvanced, 1e-9)
	assert.Equal(t, []State{StateInit, StateStabilizing, StateForced, StateDone}, h.states)

	steps := h.sim.Steps()
	require.Len(t, steps, 50)
	assert.Equal(t, 60, steps[0])
	for _, s := range steps[1:] {
		assert.Equal(t, 12, s)
	}
	assert.Zero(t, h.sim.Count("Resume"))
	assert.Zero(t, pollsWhileRunning.Load())
	assert.Equal(t, 1, h.sim.CloseCount())

	frames := h.frames(t)
	require.Len(t, frames, 50)
	for i, f := range frames {
		assert.Equal(t, i, f.Index)
		st, ok := f.Float("time")
		require.True(t, ok)
		assert.InDelta(t, 1.0+0.2*float64(i), st, 1e-9)
		assert.Equal(t, "forced", f.Metadata["capture_mode"])
		assert.NotContains(t, f.Metadata, "trigger_time")
		require.Len(t, f.Artifacts, 1)
		assert.Equal(t, dataset.ChannelColour, f.Artifacts[0].Channel)
	}
	assert.True(t, h.fs.Exists(filepath.Join(h.writer.Dir(), "frame_49", "front_colour.png")))
	assert.False(t, h.fs.Exists(filepath.Join(h.writer.Dir(), "frame_50")))

	sum := h.summary(t)
	assert.Equal(t, "DONE", sum.State)
	assert.Equal(t, 50, sum.FramesCaptured)
	assert.True(t, sum.Forced)
}

func TestLowFrequencyUsesForcedMode(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, context.Background(), shortConfig(10, 0.5))

	require.NoError(t, res.Err)
	assert.True(t, res.Plan.Force)
	assert.Equal(t, 5, res.FramesCaptured)
	assert.Equal(t, []int{60, 120, 120, 120, 120}, h.sim.Steps())
	assert.InDelta(t, 9.0, res.SecondsAdvanced, 1e-9)
	assert.Zero(t, h.sim.Count("Resume"))
}

func TestFrequencyAboveStepRateRejectedBeforeSimulator(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, context.Background(), shortConfig(10, 61))

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonConfig, res.Reason)
	assert.ErrorIs(t, res.Err, session.ErrInvalidConfig)
	assert.Equal(t, []string{"Close"}, h.sim.Calls())
	assert.Equal(t, 1, h.sim.CloseCount())
	assert.Equal(t, "config", h.summary(t).Reason)
}

func TestObservedCaptureSpacing(t *testing.T) {
	h := newHarness(t)
	h.clock.OnSleep(func(d time.Duration) { h.sim.RunFor(d) })

	res := h.run(t, context.Background(), session.Default())

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.Plan.Force)
	assert.Equal(t, 50, res.FramesCaptured)
	assert.Zero(t, res.RateViolations)
	assert.Zero(t, res.Stalls)
	assert.Equal(t, []State{StateInit, StateStabilizing, StateObserved, StateDone}, h.states)
	assert.Equal(t, 1, h.sim.Count("Resume"))
	assert.Equal(t, 2, h.sim.Count("Pause"))
	assert.True(t, h.sim.Paused())
	assert.Equal(t, []int{60}, h.sim.Steps())

	assert.Equal(t, 2, h.sim.Count("DisplayMessage"))

	sleeps := h.clock.Sleeps()
	require.NotEmpty(t, sleeps)
	for _, d := range sleeps {
		assert.Equal(t, h.opts.PollInterval, d)
	}

	frames := h.frames(t)
	require.Len(t, frames, 50)
	assertSpacing(t, frames, 0.2)
	for i, f := range frames {
		_, ok := f.Float("trigger_time")
		assert.True(t, ok, "frame %d", i)
		assert.Equal(t, "observed", f.Metadata["capture_mode"])
	}
	first, _ := frames[0].Float("time")
	assert.InDelta(t, 1.0, first, 1e-9)
}

// assertSpacing checks recorded vehicle times are at least period apart.
func assertSpacing(t *testing.T, frames []dataset.FrameRecord, period float64) {
	t.Helper()
	for i := 1; i < len(frames); i++ {
		a, ok := frames[i-1].Float("time")
		require.True(t, ok, "frame %d", i-1)
		b, ok := frames[i].Float("time")
		require.True(t, ok, "frame %d", i)
		assert.GreaterOrEqual(t, b-a, period-1e-6, "frames %d and %d", i-1, i)
	}
}

func TestObservedSpacingFollowsRecordedTime(t *testing.T) {
	h := newHarness(t)
	h.clock.OnSleep(func(d time.Duration) { h.sim.RunFor(d) })
	var slowed atomic.Bool
	h.sim.OnCall = func(op string) {
		if op == "PollCamera:front" && !h.sim.Paused() && slowed.CompareAndSwap(false, true) {
			h.sim.RunFor(150 * time.Millisecond)
		}
	}

	res := h.run(t, context.Background(), shortConfig(1, 5))

	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.FramesCaptured)
	assert.Zero(t, res.RateViolations)

	frames := h.frames(t)
	require.Len(t, frames, 5)
	trig, _ := frames[0].Float("trigger_time")
	recorded, _ := frames[0].Float("time")
	assert.InDelta(t, 1.0, trig, 1e-9)
	assert.InDelta(t, 1.15, recorded, 1e-9)
	next, _ := frames[1].Float("time")
	assert.InDelta(t, 1.35, next, 0.011)
	assertSpacing(t, frames, 0.2)
}

func TestObservedRateViolation(t *testing.T) {
	h := newHarness(t)
	h.clock.OnSleep(func(d time.Duration) { h.sim.RunFor(d) })
	// The IMU is read after the vehicle, so each frame overruns its
	// recorded time by 300ms.
	h.sim.OnCall = func(op string) {
		if op == "PollIMU" {
			h.sim.RunFor(300 * time.Millisecond)
		}
	}

	res := h.run(t, context.Background(), shortConfig(2, 5))

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 10, res.FramesCaptured)
	assert.Equal(t, 9, res.RateViolations)
	assert.Zero(t, res.Stalls)
	assert.Equal(t, 9, h.summary(t).RateViolations)

	frames := h.frames(t)
	require.Len(t, frames, 10)
	assertSpacing(t, frames, 0.3)
}

func TestObservedStallCapturesAnyway(t *testing.T) {
	h := newHarness(t)
	h.opts.WaitTimeout = 50 * time.Millisecond

	res := h.run(t, context.Background(), shortConfig(1, 5))

	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.FramesCaptured)
	assert.Equal(t, 4, res.Stalls)
	assert.GreaterOrEqual(t, h.warnings(), 4)
}

func TestConnectionResetOnResumeClosesOnce(t *testing.T) {
	h := newHarness(t)
	h.sim.Errors["Resume"] = simulator.ErrConnectionReset

	res := h.run(t, context.Background(), session.Default())

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonConnectionLost, res.Reason)
	assert.ErrorIs(t, res.Err, simulator.ErrConnectionReset)
	assert.Zero(t, res.FramesCaptured)
	assert.Equal(t, 1, h.sim.CloseCount())
	assert.Equal(t, StateAborted, h.states[len(h.states)-1])

	sum := h.summary(t)
	assert.Equal(t, "ABORTED", sum.State)
	assert.Equal(t, "connection_lost", sum.Reason)
}

func TestConnectionResetMidCapture(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	h.sim.Errors["Step"] = simulator.ErrConnectionReset
	h.sim.FailAfter["Step"] = 5

	res := h.run(t, context.Background(), session.Default())

	assert.Equal(t, ReasonConnectionLost, res.Reason)
	assert.Equal(t, 5, res.FramesCaptured)
	assert.Equal(t, 60+4*12, res.TicksAdvanced)
	assert.Equal(t, 1, h.sim.CloseCount())
	assert.Len(t, h.frames(t), 5)
}

func TestCameraResetAbortsFrame(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	h.sim.Errors["PollCamera:front"] = simulator.ErrConnectionReset
	h.sim.FailAfter["PollCamera:front"] = 2

	res := h.run(t, context.Background(), session.Default())

	assert.Equal(t, ReasonConnectionLost, res.Reason)
	assert.Equal(t, 2, res.FramesCaptured)
	assert.Equal(t, 1, h.sim.CloseCount())
}

func TestInterruptStopsAtNextCheck(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var polls atomic.Int32
	h.sim.OnCall = func(op string) {
		if op == "PollCamera:front" && polls.Add(1) == 3 {
			cancel()
		}
	}

	res := h.run(t, ctx, session.Default())

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonInterrupted, res.Reason)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 3, res.FramesCaptured)
	assert.Equal(t, 1, h.sim.CloseCount())
	assert.Equal(t, "interrupted", h.summary(t).Reason)
}

func TestSensorFailuresAreNotFatal(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	h.sim.Errors["PollCamera:front"] = errors.New("render target lost")
	h.sim.Errors["PollIMU"] = errors.New("imu offline")
	h.sim.Errors["TimeOfDay"] = errors.New("no sky")

	res := h.run(t, context.Background(), shortConfig(1, 5))

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 5, res.FramesCaptured)
	for _, f := range h.frames(t) {
		assert.Empty(t, f.Artifacts)
		assert.Contains(t, f.Metadata, "time")
		assert.NotContains(t, f.Metadata, "acceleration")
		assert.NotContains(t, f.Metadata, "time_of_day")
	}
	assert.GreaterOrEqual(t, h.warnings(), 15)
}

func TestSaveFailuresAreCounted(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	h.fs.FailWrite = func(name string) error {
		if strings.HasSuffix(name, "_colour.png") {
			return errors.New("disk full")
		}
		return nil
	}

	res := h.run(t, context.Background(), shortConfig(1, 5))

	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.FramesCaptured)
	assert.Equal(t, 5, res.SaveFailures)
}

// crashingImageSink writes frames normally but panics on every image.
type crashingImageSink struct {
	*dataset.Writer
}

func (crashingImageSink) SaveCamera(int, string, simulator.CameraFrame) ([]dataset.Artifact, []error) {
	panic("png encoder crashed")
}

func TestCameraSavePanicCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true

	res := h.runWith(t, context.Background(), session.Default(), func(w *dataset.Writer) Sink {
		return crashingImageSink{w}
	})

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 50, res.FramesCaptured)
	assert.Equal(t, 50, res.SaveFailures)
	assert.Equal(t, 1, h.sim.CloseCount())

	frames := h.frames(t)
	require.Len(t, frames, 50)
	for _, f := range frames {
		assert.Empty(t, f.Artifacts)
	}
	assert.Equal(t, 50, h.summary(t).SaveFailures)
}

func TestDisplayMessageFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	h.sim.Errors["DisplayMessage"] = errors.New("no ui")

	res := h.run(t, context.Background(), shortConfig(1, 5))

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 5, res.FramesCaptured)
	assert.Equal(t, 2, h.sim.Count("DisplayMessage"))
	assert.GreaterOrEqual(t, h.warnings(), 2)
}

func TestFrameMetadataMergesSensors(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	h.opts.SpeedUnits = geom.MPH
	h.sim.IMUSample = simulator.ImuSample{
		Acceleration:        geom.Vec3{0, 0, 9.81},
		AngularAcceleration: geom.Vec3{0.1, 0, 0},
		AngularVelocity:     geom.Vec3{0, 0, 0.5},
	}
	h.sim.TestVehicle("ego").SetVelocity(geom.Vec3{10, 0, 0})

	res := h.run(t, context.Background(), shortConfig(1, 5))
	require.NoError(t, res.Err)

	f := h.frames(t)[0]
	for _, key := range []string{
		"time", "position", "direction", "linear_velocity",
		"acceleration", "angular_acceleration", "angular_velocity",
		"time_of_day", "time_of_day_label", "frame", "speed", "speed_units", "headlights",
	} {
		assert.Contains(t, f.Metadata, key)
	}
	assert.Equal(t, geom.MPH, f.Metadata["speed_units"])
	speed, _ := f.Float("speed")
	assert.InDelta(t, 22.369, speed, 1e-3)
	assert.Equal(t, []any{0.0, 0.0, 9.81}, f.Metadata["acceleration"])
}

func TestMultipleCamerasJoinedPerFrame(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	h.opts.ImageWorkers = 1
	cfg := shortConfig(1, 5)
	side := session.DefaultCamera()
	side.Name = "Side Left"
	side.IsRenderDepth = true
	side.IsRenderAnnotations = true
	cfg.Cameras = append(cfg.Cameras, side)

	res := h.run(t, context.Background(), cfg)
	require.NoError(t, res.Err)

	for _, f := range h.frames(t) {
		require.Len(t, f.Artifacts, 4)
		assert.Equal(t, "front", f.Artifacts[0].Camera)
		for _, a := range f.Artifacts[1:] {
			assert.Equal(t, "Side Left", a.Camera)
		}
	}
	assert.True(t, h.fs.Exists(filepath.Join(h.writer.Dir(), "frame_4", "Side_Left_depth.png")))
}

func TestHeadlightsFollowTimeOfDay(t *testing.T) {
	h := newHarness(t)
	h.opts.ForceCapture = true
	cfg := session.Default()
	// 1800s day length: one simulated second is 48s of clock time.
	cfg.Time = "18:59:00"

	res := h.run(t, context.Background(), cfg)
	require.NoError(t, res.Err)

	assert.Equal(t, []int{simulator.HeadlightsLow}, h.sim.TestVehicle("ego").Headlights())
	frames := h.frames(t)
	assert.Equal(t, false, frames[1].Metadata["headlights"])
	assert.Equal(t, true, frames[2].Metadata["headlights"])
	assert.Equal(t, true, frames[49].Metadata["headlights"])
}

type panickingSink struct {
	finished atomic.Int32
}

func (p *panickingSink) SaveCamera(int, string, simulator.CameraFrame) ([]dataset.Artifact, []error) {
	return nil, nil
}

func (p *panickingSink) WriteFrame(context.Context, dataset.FrameRecord) error {
	panic("metadata encoder exploded")
}

func (p *panickingSink) Finish(context.Context, dataset.Summary) error {
	p.finished.Add(1)
	return nil
}

func TestRunSessionRecoversPanic(t *testing.T) {
	monitoring.SetLogger(nil)
	sim := simulator.NewTestableSimulator()
	sink := &panickingSink{}

	res := RunSession(context.Background(), Session{
		Config:  session.Default(),
		Sim:     sim,
		Context: &scenario.SimulationContext{StepsPerSecond: 60},
		Options: DefaultOptions(),
		Sink:    sink,
		Clock:   timeutil.NewMockClock(time.Now()),
	})

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonUnexpected, res.Reason)
	assert.Contains(t, res.Err.Error(), "exploded")
	assert.Equal(t, 1, sim.CloseCount())
	assert.Equal(t, int32(1), sink.finished.Load())
}

func TestSetupFailureClosesOnce(t *testing.T) {
	h := newHarness(t)
	h.sim.Errors["AttachIMU"] = errors.New("sensor slot taken")

	res := h.run(t, context.Background(), session.Default())

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonUnexpected, res.Reason)
	assert.ErrorIs(t, res.Err, scenario.ErrSetup)
	assert.Zero(t, h.sim.Count("Step"))
	assert.Equal(t, 1, h.sim.CloseCount())
}

func TestClassify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tests := []struct {
		ctx  context.Context
		err  error
		want Reason
	}{
		{context.Background(), nil, ReasonNone},
		{context.Background(), simulator.ErrConnectionReset, ReasonConnectionLost},
		{context.Background(), simulator.ErrClosed, ReasonConnectionLost},
		{context.Background(), ErrInvalidPlan, ReasonConfig},
		{context.Background(), context.Canceled, ReasonInterrupted},
		{ctx, errors.New("read tcp: use of closed connection"), ReasonInterrupted},
		{context.Background(), errors.New("step failed"), ReasonUnexpected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.ctx, tt.err), "%v", tt.err)
	}
}
