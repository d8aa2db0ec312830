package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sim-capture/internal/dataset"
	"github.com/banshee-data/sim-capture/internal/monitoring"
	"github.com/banshee-data/sim-capture/internal/scenario"
	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/simulator"
	"github.com/banshee-data/sim-capture/internal/timeutil"
)

// State is a scheduler phase.
type State string

const (
	StateInit        State = "INIT"
	StateStabilizing State = "STABILIZING"
	StateForced      State = "FORCED_LOOP"
	StateObserved    State = "OBSERVED_LOOP"
	StateDone        State = "DONE"
	StateAborted     State = "ABORTED"
)

// Reason explains an aborted run.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonConfig         Reason = "config"
	ReasonConnectionLost Reason = "connection_lost"
	ReasonInterrupted    Reason = "interrupted"
	ReasonUnexpected     Reason = "unexpected"
)

// timeEpsilon absorbs float drift when comparing simulation times.
const timeEpsilon = 1e-9

// Sink receives everything a run produces. dataset.Writer implements it.
type Sink interface {
	SaveCamera(frame int, camera string, f simulator.CameraFrame) ([]dataset.Artifact, []error)
	WriteFrame(ctx context.Context, rec dataset.FrameRecord) error
	Finish(ctx context.Context, s dataset.Summary) error
}

// RunResult describes how a run ended.
type RunResult struct {
	State  State
	Reason Reason
	Err    error
	Plan   Plan

	FramesCaptured  int
	TicksAdvanced   int
	SecondsAdvanced float64
	RateViolations  int
	Stalls          int
	SaveFailures    int
}

// Summary converts the result for persistence.
func (r RunResult) Summary() dataset.Summary {
	s := dataset.Summary{
		State:          string(r.State),
		Reason:         string(r.Reason),
		FramesPlanned:  r.Plan.NumFrames,
		FramesCaptured: r.FramesCaptured,
		Forced:         r.Plan.Force,
		RateViolations: r.RateViolations,
		Stalls:         r.Stalls,
		SaveFailures:   r.SaveFailures,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

// Scheduler runs the capture loop for one prepared rig.
type Scheduler struct {
	sim    simulator.Simulator
	rig    *scenario.Rig
	cfg    session.Config
	plan   Plan
	opts   Options
	sink   Sink
	clock  timeutil.Clock
	lights *HeadlightPolicy

	// OnState, when set, observes every state transition.
	OnState func(State)

	state     State
	firstTime float64
	lastTime  float64
}

// NewScheduler prepares a scheduler. cfg is copied.
func NewScheduler(sim simulator.Simulator, rig *scenario.Rig, cfg session.Config, plan Plan, opts Options, sink Sink, clock timeutil.Clock) (*Scheduler, error) {
	lights, err := NewHeadlightPolicy(opts.NightStart, opts.NightEnd, opts.HeadlightIntensity)
	if err != nil {
		return nil, fmt.Errorf("%w: night window: %w", session.ErrInvalidConfig, err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if opts.ImageWorkers <= 0 {
		opts.ImageWorkers = 1
	}
	if sink == nil {
		sink = discardSink{}
	}
	return &Scheduler{
		sim:       sim,
		rig:       rig,
		cfg:       cfg.Clone(),
		plan:      plan,
		opts:      opts,
		sink:      sink,
		clock:     clock,
		lights:    lights,
		firstTime: math.NaN(),
		lastTime:  math.NaN(),
	}, nil
}

// State is the current phase.
func (s *Scheduler) State() State { return s.state }

// Headlights exposes the headlight policy.
func (s *Scheduler) Headlights() *HeadlightPolicy { return s.lights }

func (s *Scheduler) enter(st State) {
	s.state = st
	monitoring.Logf("capture state %s", st)
	if s.OnState != nil {
		s.OnState(st)
	}
}

// Run executes the plan. It always calls Sink.Finish before returning and
// never closes the simulator.
func (s *Scheduler) Run(ctx context.Context) RunResult {
	res := RunResult{Plan: s.plan}
	monitoring.Logf("capture plan: %s", s.plan)
	wall := timeutil.StartStopwatch(s.clock)

	err := s.run(ctx, &res)
	if err != nil {
		s.abort(ctx, &res, err)
	} else {
		res.State = StateDone
		s.enter(StateDone)
		monitoring.Logf("capture done: %d frames, %d ticks advanced, %s wall time",
			res.FramesCaptured, res.TicksAdvanced, wall.Elapsed().Round(time.Millisecond))
	}
	res.SecondsAdvanced = float64(res.TicksAdvanced) / float64(s.plan.StepsPerSecond)
	if !s.plan.Force && !math.IsNaN(s.firstTime) {
		res.SecondsAdvanced += s.lastTime - s.firstTime
	}
	finish(ctx, s.sink, &res)
	return res
}

func (s *Scheduler) run(ctx context.Context, res *RunResult) error {
	s.enter(StateInit)
	if err := s.init(ctx); err != nil {
		return err
	}

	s.enter(StateStabilizing)
	if err := s.step(ctx, res, s.plan.StartDelayTicks); err != nil {
		return fmt.Errorf("stabilize: %w", err)
	}

	if err := s.announce(ctx, fmt.Sprintf("capturing %d frames, %s", s.plan.NumFrames, s.plan.Mode())); err != nil {
		return err
	}
	var err error
	if s.plan.Force {
		s.enter(StateForced)
		err = s.forced(ctx, res)
	} else {
		s.enter(StateObserved)
		err = s.observed(ctx, res)
	}
	if err != nil {
		return err
	}
	return s.announce(ctx, fmt.Sprintf("captured %d frames", res.FramesCaptured))
}

// announce shows msg in the simulator window. Only a lost connection or an
// interrupt is an error.
func (s *Scheduler) announce(ctx context.Context, msg string) error {
	err := s.sim.DisplayMessage(ctx, msg)
	if err == nil {
		return nil
	}
	if fatal(ctx, err) {
		return fmt.Errorf("display message: %w", err)
	}
	monitoring.Warnf("display message: %v", err)
	return nil
}

func (s *Scheduler) init(ctx context.Context) error {
	if err := s.sim.SetDeterministic(ctx, s.plan.StepsPerSecond); err != nil {
		return fmt.Errorf("set deterministic: %w", err)
	}
	if err := s.sim.Pause(ctx); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	t, err := session.ToSimTime(s.cfg.Time)
	if err != nil {
		return fmt.Errorf("%w: %w", session.ErrInvalidConfig, err)
	}
	play := s.opts.TimeOfDayPlay
	update := simulator.TimeOfDayUpdate{
		Time:       &t,
		Play:       &play,
		DayScale:   &s.opts.DayScale,
		NightScale: &s.opts.NightScale,
		DayLengthS: &s.opts.DayLengthS,
	}
	if err := s.sim.SetTimeOfDay(ctx, update); err != nil {
		return fmt.Errorf("set time of day: %w", err)
	}
	return nil
}

func (s *Scheduler) step(ctx context.Context, res *RunResult, ticks int) error {
	if ticks <= 0 {
		return nil
	}
	if err := s.sim.Step(ctx, ticks); err != nil {
		return err
	}
	res.TicksAdvanced += ticks
	return nil
}

// forced keeps the simulator paused and steps exactly one period between frames.
func (s *Scheduler) forced(ctx context.Context, res *RunResult) error {
	for i := 0; i < s.plan.NumFrames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.frame(ctx, i, res, math.NaN()); err != nil {
			return err
		}
		if i < s.plan.NumFrames-1 {
			if err := s.step(ctx, res, s.plan.PeriodTicks); err != nil {
				return fmt.Errorf("step after frame %d: %w", i, err)
			}
		}
	}
	return nil
}

// observed lets the simulator run and captures whenever a period of
// simulated time has passed since the previous frame. A reset on Resume can
// only abort here, since the forced loop never resumes.
func (s *Scheduler) observed(ctx context.Context, res *RunResult) error {
	if err := s.sim.Resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	err := s.observedFrames(ctx, res)
	if perr := s.sim.Pause(context.WithoutCancel(ctx)); perr != nil && err == nil {
		err = fmt.Errorf("pause: %w", perr)
	}
	return err
}

func (s *Scheduler) observedFrames(ctx context.Context, res *RunResult) error {
	last := math.NaN()
	for i := 0; i < s.plan.NumFrames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		trigger, err := s.waitNext(ctx, res, i, last)
		if err != nil {
			return err
		}
		recorded, err := s.frame(ctx, i, res, trigger)
		if err != nil {
			return err
		}
		// Spacing is measured between recorded vehicle times; the trigger
		// only stands in when the vehicle poll failed.
		switch {
		case !math.IsNaN(recorded):
			last = recorded
		case !math.IsNaN(trigger):
			last = trigger
		}
	}
	return nil
}

// waitNext polls the vehicle clock until one period has passed since last,
// the previous frame's recorded time, and returns the simulation time it
// released at. Frame 0 triggers on the first poll. When last is unknown the
// first successful poll becomes the reference. NaN means no poll succeeded.
// A first poll already past the target means the previous cycle overran.
func (s *Scheduler) waitNext(ctx context.Context, res *RunResult, frame int, last float64) (float64, error) {
	period := s.plan.PeriodSeconds
	haveTarget := !math.IsNaN(last)
	target := last + period
	seen := math.NaN()
	waited := timeutil.StartStopwatch(s.clock)

	for first := true; ; first = false {
		st, err := s.rig.Vehicle.PollState(ctx)
		switch {
		case err != nil:
			if fatal(ctx, err) {
				return math.NaN(), fmt.Errorf("poll vehicle before frame %d: %w", frame, err)
			}
			monitoring.Warnf("poll vehicle before frame %d: %v", frame, err)
			if frame == 0 {
				return math.NaN(), nil
			}
		case frame == 0:
			return st.SimTime, nil
		case !haveTarget:
			seen = st.SimTime
			target = st.SimTime + period
			haveTarget = true
		case st.SimTime >= target-timeEpsilon:
			if first && st.SimTime > target+timeEpsilon {
				res.RateViolations++
				monitoring.Warnf("frame %d: capture overran the %.3fs period by %.3fs",
					frame, period, st.SimTime-target)
			}
			return st.SimTime, nil
		default:
			seen = st.SimTime
		}

		if waited.Elapsed() >= s.opts.WaitTimeout {
			res.Stalls++
			monitoring.Warnf("frame %d: simulation clock stalled for %s, capturing anyway", frame, s.opts.WaitTimeout)
			return seen, nil
		}
		if err := ctx.Err(); err != nil {
			return math.NaN(), err
		}
		s.clock.Sleep(s.opts.PollInterval)
	}
}

type cameraResult struct {
	artifacts []dataset.Artifact
	failures  int
}

// frame captures one iteration and returns the vehicle simulation time, or
// NaN when the vehicle could not be polled. Only fatal errors are returned.
// trigger is the observed-mode release time, NaN in forced mode.
func (s *Scheduler) frame(ctx context.Context, i int, res *RunResult, trigger float64) (float64, error) {
	var todFields map[string]any
	tod, err := s.sim.TimeOfDay(ctx)
	switch {
	case err == nil:
		todFields = TimeOfDayFields(tod)
		if _, herr := s.lights.Update(ctx, s.rig.Vehicle, session.SimTimeToSeconds(tod.Time)); herr != nil {
			if fatal(ctx, herr) {
				return math.NaN(), fmt.Errorf("headlights at frame %d: %w", i, herr)
			}
			monitoring.Warnf("frame %d: headlights: %v", i, herr)
		}
	case fatal(ctx, err):
		return math.NaN(), fmt.Errorf("time of day at frame %d: %w", i, err)
	default:
		monitoring.Warnf("frame %d: time of day: %v", i, err)
	}

	results := make([]cameraResult, len(s.rig.Cameras))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ImageWorkers)
	for ci, rc := range s.rig.Cameras {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					monitoring.Errorf("frame %d: camera %s panicked: %v", i, rc.Config.Name, r)
					results[ci] = cameraResult{failures: 1}
					err = nil
				}
			}()
			f, err := rc.Camera.Poll(gctx)
			if err != nil {
				if fatal(gctx, err) {
					return fmt.Errorf("camera %s at frame %d: %w", rc.Config.Name, i, err)
				}
				monitoring.Warnf("frame %d: camera %s: %v", i, rc.Config.Name, err)
				return nil
			}
			saved, errs := s.sink.SaveCamera(i, rc.Config.Name, f.Gate(rc.Spec))
			for _, e := range errs {
				monitoring.Warnf("frame %d: %v", i, e)
			}
			results[ci] = cameraResult{artifacts: saved, failures: len(errs)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return math.NaN(), err
	}

	simTime := math.NaN()
	var vehFields, speedFields map[string]any
	st, err := s.rig.Vehicle.PollState(ctx)
	switch {
	case err == nil:
		simTime = st.SimTime
		vehFields = VehicleFields(st)
		speedFields = SpeedFields(st, s.opts.SpeedUnits)
	case fatal(ctx, err):
		return simTime, fmt.Errorf("vehicle at frame %d: %w", i, err)
	default:
		monitoring.Warnf("frame %d: vehicle: %v", i, err)
	}

	var imuFields map[string]any
	if s.rig.IMU != nil {
		sample, err := s.rig.IMU.Poll(ctx)
		switch {
		case err == nil:
			imuFields = IMUFields(sample)
		case fatal(ctx, err):
			return simTime, fmt.Errorf("imu at frame %d: %w", i, err)
		default:
			monitoring.Warnf("frame %d: imu: %v", i, err)
		}
	}

	frameFields := map[string]any{
		"frame":        i,
		"capture_mode": s.plan.Mode(),
		"headlights":   s.lights.On(),
	}
	if !math.IsNaN(trigger) {
		frameFields["trigger_time"] = trigger
	}
	rec := dataset.FrameRecord{
		Index:     i,
		Metadata:  Merge(todFields, vehFields, speedFields, imuFields, frameFields),
		Artifacts: []dataset.Artifact{},
	}
	for _, r := range results {
		rec.Artifacts = append(rec.Artifacts, r.artifacts...)
		res.SaveFailures += r.failures
	}
	if err := s.sink.WriteFrame(ctx, rec); err != nil {
		res.SaveFailures++
		monitoring.Warnf("frame %d: metadata: %v", i, err)
	}
	res.FramesCaptured++

	if !math.IsNaN(simTime) {
		if math.IsNaN(s.firstTime) {
			s.firstTime = simTime
		}
		s.lastTime = simTime
	}
	return simTime, nil
}

func (s *Scheduler) abort(ctx context.Context, res *RunResult, err error) {
	res.State = StateAborted
	res.Reason = Classify(ctx, err)
	res.Err = err
	from := s.state
	s.enter(StateAborted)
	monitoring.Errorf("capture aborted (%s) in %s after %d of %d frames: %v",
		res.Reason, from, res.FramesCaptured, s.plan.NumFrames, err)
}

// Classify maps a failure to its abort reason.
func Classify(ctx context.Context, err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, simulator.ErrConnectionReset), errors.Is(err, simulator.ErrClosed):
		return ReasonConnectionLost
	case errors.Is(err, session.ErrInvalidConfig):
		return ReasonConfig
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonInterrupted
	case ctx != nil && ctx.Err() != nil:
		return ReasonInterrupted
	}
	return ReasonUnexpected
}

// fatal reports whether err ends the run rather than just the current reading.
func fatal(ctx context.Context, err error) bool {
	r := Classify(ctx, err)
	return r == ReasonConnectionLost || r == ReasonInterrupted
}

func finish(ctx context.Context, sink Sink, res *RunResult) {
	if sink == nil {
		return
	}
	deadline, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := sink.Finish(deadline, res.Summary()); err != nil {
		monitoring.Errorf("finish session: %v", err)
	}
}

type discardSink struct{}

func (discardSink) SaveCamera(int, string, simulator.CameraFrame) ([]dataset.Artifact, []error) {
	return nil, nil
}

func (discardSink) WriteFrame(context.Context, dataset.FrameRecord) error { return nil }

func (discardSink) Finish(context.Context, dataset.Summary) error { return nil }
