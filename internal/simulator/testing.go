package simulator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/sim-capture/internal/geom"
	"github.com/banshee-data/sim-capture/internal/session"
)

// TestableSimulator implements Simulator in memory with configurable
// behaviour for testing. Simulated time only moves on Step, or on RunFor
// and camera polls while the simulation is running.
type TestableSimulator struct {
	mu sync.Mutex

	// Errors maps an operation name to the error it returns. Camera polls
	// use "PollCamera:<name>".
	Errors map[string]error
	// FailAfter lets an operation succeed this many times before Errors applies.
	FailAfter map[string]int

	// CameraFrames overrides the synthetic frame returned for a camera.
	CameraFrames map[string]CameraFrame
	// IMUSample is returned by every IMU poll.
	IMUSample ImuSample
	// Waypoints is returned by FindWaypoints.
	Waypoints []Waypoint
	// CaptureLatency is simulated time that passes per camera poll while running.
	CaptureLatency time.Duration
	// OnCall runs after every recorded operation, outside the lock.
	OnCall func(op string)

	stepsPerSecond int
	simTime        float64
	paused         bool
	closed         bool
	closeCount     int
	calls          []string
	counts         map[string]int
	steps          []int

	scenario ScenarioSpec
	weather  string
	traffic  int

	todBase    float64
	todSetAt   float64
	todPlay    bool
	dayLengthS float64

	cameras  map[string]CameraSpec
	vehicles map[string]*TestableVehicle
}

var _ Simulator = (*TestableSimulator)(nil)

// NewTestableSimulator returns a fake at 60 steps per second, time of day noon, paused.
func NewTestableSimulator() *TestableSimulator {
	return &TestableSimulator{
		Errors:         map[string]error{},
		FailAfter:      map[string]int{},
		CameraFrames:   map[string]CameraFrame{},
		stepsPerSecond: 60,
		paused:         true,
		dayLengthS:     1800,
		counts:         map[string]int{},
		cameras:        map[string]CameraSpec{},
		vehicles:       map[string]*TestableVehicle{},
	}
}

// record notes op and returns the configured error, if due. Caller holds mu.
func (s *TestableSimulator) record(op string) error {
	s.calls = append(s.calls, op)
	if s.closed && op != "Close" {
		return ErrClosed
	}
	s.counts[op]++
	if err, ok := s.Errors[op]; ok && s.counts[op] > s.FailAfter[op] {
		return err
	}
	return nil
}

func (s *TestableSimulator) done(op string) {
	if s.OnCall != nil {
		s.OnCall(op)
	}
}

func (s *TestableSimulator) do(op string, fn func()) error {
	s.mu.Lock()
	err := s.record(op)
	if err == nil && fn != nil {
		fn()
	}
	s.mu.Unlock()
	s.done(op)
	return err
}

// Calls returns every recorded operation in order.
func (s *TestableSimulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many times op was called.
func (s *TestableSimulator) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Steps returns the tick count of every successful Step call.
func (s *TestableSimulator) Steps() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.steps...)
}

// SimTime returns the simulated seconds elapsed.
func (s *TestableSimulator) SimTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.simTime
}

// Paused reports the pause state.
func (s *TestableSimulator) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// CloseCount returns how many times Close was called.
func (s *TestableSimulator) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Scenario returns the last scenario created.
func (s *TestableSimulator) Scenario() ScenarioSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenario
}

// Weather returns the last preset set.
func (s *TestableSimulator) Weather() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weather
}

// Traffic returns the last traffic count requested.
func (s *TestableSimulator) Traffic() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traffic
}

// StepsPerSecond returns the rate set by SetDeterministic.
func (s *TestableSimulator) StepsPerSecond() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepsPerSecond
}

// SetTimeOfDayValue places the day clock at t without recording a call.
func (s *TestableSimulator) SetTimeOfDayValue(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todBase = t
	s.todSetAt = s.simTime
}

// RunFor lets d of wall time pass. A running simulation advances by d.
func (s *TestableSimulator) RunFor(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused && !s.closed {
		s.simTime += d.Seconds()
	}
}

// TestVehicle returns the fake behind Vehicle(id).
func (s *TestableSimulator) TestVehicle(id string) *TestableVehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vehicleLocked(id)
}

func (s *TestableSimulator) vehicleLocked(id string) *TestableVehicle {
	v, ok := s.vehicles[id]
	if !ok {
		v = &TestableVehicle{sim: s, id: id}
		s.vehicles[id] = v
	}
	return v
}

func (s *TestableSimulator) SetDeterministic(_ context.Context, stepsPerSecond int) error {
	return s.do("SetDeterministic", func() { s.stepsPerSecond = stepsPerSecond })
}

func (s *TestableSimulator) Pause(context.Context) error {
	return s.do("Pause", func() { s.paused = true })
}

func (s *TestableSimulator) Resume(context.Context) error {
	return s.do("Resume", func() { s.paused = false })
}

func (s *TestableSimulator) Step(_ context.Context, ticks int) error {
	return s.do("Step", func() {
		s.steps = append(s.steps, ticks)
		s.simTime += float64(ticks) / float64(s.stepsPerSecond)
	})
}

func (s *TestableSimulator) CreateScenario(_ context.Context, spec ScenarioSpec) error {
	return s.do("CreateScenario", func() {
		s.scenario = spec
		v := s.vehicleLocked(spec.Vehicle.ID)
		v.position = spec.Vehicle.Position
		v.rotation = spec.Vehicle.Rotation
	})
}

func (s *TestableSimulator) LoadScenario(context.Context, string) error {
	return s.do("LoadScenario", nil)
}

func (s *TestableSimulator) StartScenario(context.Context) error {
	return s.do("StartScenario", nil)
}

func (s *TestableSimulator) SpawnTraffic(_ context.Context, max int) error {
	return s.do("SpawnTraffic", func() { s.traffic = max })
}

func (s *TestableSimulator) SetWeatherPreset(_ context.Context, name string, _ float64) error {
	return s.do("SetWeatherPreset", func() { s.weather = name })
}

func (s *TestableSimulator) TimeOfDay(context.Context) (TimeOfDay, error) {
	var tod TimeOfDay
	err := s.do("TimeOfDay", func() {
		t := s.todBase
		if s.todPlay && s.dayLengthS > 0 {
			t += (s.simTime - s.todSetAt) / s.dayLengthS
		}
		t = t - math.Floor(t)
		tod = TimeOfDay{Time: t, Label: session.FromSimTime(t)}
	})
	return tod, err
}

func (s *TestableSimulator) SetTimeOfDay(_ context.Context, u TimeOfDayUpdate) error {
	return s.do("SetTimeOfDay", func() {
		if u.Time != nil {
			s.todBase = *u.Time
			s.todSetAt = s.simTime
		}
		if u.Play != nil {
			s.todPlay = *u.Play
		}
		if u.DayLengthS != nil {
			s.dayLengthS = *u.DayLengthS
		}
	})
}

func (s *TestableSimulator) FindWaypoints(context.Context, string) ([]Waypoint, error) {
	var out []Waypoint
	err := s.do("FindWaypoints", func() { out = append(out, s.Waypoints...) })
	return out, err
}

func (s *TestableSimulator) DisplayMessage(context.Context, string) error {
	return s.do("DisplayMessage", nil)
}

func (s *TestableSimulator) Vehicle(id string) Vehicle {
	return s.TestVehicle(id)
}

func (s *TestableSimulator) AttachCamera(_ context.Context, _ string, spec CameraSpec) (Camera, error) {
	err := s.do("AttachCamera", func() { s.cameras[spec.Name] = spec })
	if err != nil {
		return nil, err
	}
	return &testCamera{sim: s, spec: spec}, nil
}

func (s *TestableSimulator) AttachIMU(_ context.Context, _ string, name string) (IMU, error) {
	if err := s.do("AttachIMU", nil); err != nil {
		return nil, err
	}
	return &testIMU{sim: s, name: name}, nil
}

func (s *TestableSimulator) Close() error {
	return s.do("Close", func() {
		s.closeCount++
		s.closed = true
	})
}

// TestableVehicle records the commands sent to one vehicle.
type TestableVehicle struct {
	sim *TestableSimulator
	id  string

	position   geom.Vec3
	rotation   geom.Quat
	velocity   geom.Vec3
	headlights []int
	colors     []geom.RGBA
	teleports  []geom.Vec3
	aiMode     string
	inLane     bool
}

// SetVelocity sets the velocity reported by PollState.
func (v *TestableVehicle) SetVelocity(vel geom.Vec3) {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	v.velocity = vel
}

// Headlights returns every intensity set, in order.
func (v *TestableVehicle) Headlights() []int {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	return append([]int(nil), v.headlights...)
}

// Colors returns every colour set, in order.
func (v *TestableVehicle) Colors() []geom.RGBA {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	return append([]geom.RGBA(nil), v.colors...)
}

// Teleports returns every teleport target, in order.
func (v *TestableVehicle) Teleports() []geom.Vec3 {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	return append([]geom.Vec3(nil), v.teleports...)
}

// AIMode returns the last AI mode and lane flag.
func (v *TestableVehicle) AIMode() (string, bool) {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	return v.aiMode, v.inLane
}

func (v *TestableVehicle) ID() string { return v.id }

func (v *TestableVehicle) PollState(context.Context) (VehicleState, error) {
	var st VehicleState
	err := v.sim.do("PollState", func() {
		st = VehicleState{
			SimTime:   v.sim.simTime,
			Position:  v.position,
			Direction: geom.Vec3{0, -1, 0},
			Velocity:  v.velocity,
		}
	})
	return st, err
}

func (v *TestableVehicle) SetHeadlights(_ context.Context, intensity int) error {
	if intensity < HeadlightsOff || intensity > HeadlightsHigh {
		return fmt.Errorf("%w, got %d", ErrInvalidHeadlights, intensity)
	}
	return v.sim.do("SetHeadlights", func() { v.headlights = append(v.headlights, intensity) })
}

func (v *TestableVehicle) SetColor(_ context.Context, c geom.RGBA) error {
	return v.sim.do("SetColor", func() { v.colors = append(v.colors, c) })
}

func (v *TestableVehicle) Teleport(_ context.Context, pos geom.Vec3, rot geom.Quat) error {
	return v.sim.do("Teleport", func() {
		v.teleports = append(v.teleports, pos)
		v.position = pos
		v.rotation = rot
	})
}

func (v *TestableVehicle) SetAIMode(_ context.Context, mode string, inLane bool) error {
	return v.sim.do("SetAIMode", func() {
		v.aiMode = mode
		v.inLane = inLane
	})
}

type testCamera struct {
	sim  *TestableSimulator
	spec CameraSpec
}

func (c *testCamera) Name() string { return c.spec.Name }

func (c *testCamera) Poll(context.Context) (CameraFrame, error) {
	var frame CameraFrame
	op := "PollCamera:" + c.spec.Name
	err := c.sim.do(op, func() {
		if f, ok := c.sim.CameraFrames[c.spec.Name]; ok {
			frame = f
		} else {
			frame = SyntheticFrame(4, 3)
		}
		if !c.sim.paused {
			c.sim.simTime += c.sim.CaptureLatency.Seconds()
		}
	})
	if err != nil {
		return CameraFrame{}, err
	}
	return frame.Gate(c.spec), nil
}

type testIMU struct {
	sim  *TestableSimulator
	name string
}

func (i *testIMU) Name() string { return i.name }

func (i *testIMU) Poll(context.Context) (ImuSample, error) {
	var sample ImuSample
	err := i.sim.do("PollIMU", func() { sample = i.sim.IMUSample })
	return sample, err
}

// SyntheticFrame builds a frame with every channel populated: an RGBA
// colour gradient with partial alpha, an RGBA annotation map and a depth ramp.
func SyntheticFrame(w, h int) CameraFrame {
	colour := &RawImage{Width: w, Height: h, Channels: 4, Pix: make([]byte, w*h*4)}
	annot := &RawImage{Width: w, Height: h, Channels: 4, Pix: make([]byte, w*h*4)}
	depth := &DepthImage{Width: w, Height: h, Values: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			colour.Pix[i*4+0] = byte(x * 40)
			colour.Pix[i*4+1] = byte(y * 60)
			colour.Pix[i*4+2] = 200
			colour.Pix[i*4+3] = 128
			annot.Pix[i*4+0] = byte(i % 3 * 100)
			annot.Pix[i*4+3] = 255
			depth.Values[i] = float32(1 + i)
		}
	}
	return CameraFrame{Colour: colour, Annotation: annot, Depth: depth}
}
