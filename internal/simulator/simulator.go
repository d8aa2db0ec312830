// Package simulator is the gateway to the external vehicle simulator. The
// capture core depends only on the interfaces here; Client speaks the
// simulator's msgpack protocol and TestableSimulator stands in for it in tests.
package simulator

import (
	"context"
	"errors"

	"github.com/banshee-data/sim-capture/internal/geom"
)

var (
	// ErrConnectionReset reports that the simulator dropped the connection.
	// It is terminal for a session; callers must not retry.
	ErrConnectionReset = errors.New("simulator connection reset")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("simulator connection closed")
)

// Headlight intensities accepted by Vehicle.SetHeadlights.
const (
	HeadlightsOff  = 0
	HeadlightsLow  = 1
	HeadlightsHigh = 2
)

// Simulator is the set of engine-level operations the harness issues.
// All blocking calls honour ctx.
type Simulator interface {
	SetDeterministic(ctx context.Context, stepsPerSecond int) error
	Pause(ctx context.Context) error
	// Resume may fail with ErrConnectionReset.
	Resume(ctx context.Context) error
	// Step advances the paused simulation by ticks and returns once acknowledged.
	Step(ctx context.Context, ticks int) error

	CreateScenario(ctx context.Context, spec ScenarioSpec) error
	LoadScenario(ctx context.Context, name string) error
	StartScenario(ctx context.Context) error

	SpawnTraffic(ctx context.Context, max int) error
	SetWeatherPreset(ctx context.Context, name string, transitionS float64) error
	TimeOfDay(ctx context.Context) (TimeOfDay, error)
	SetTimeOfDay(ctx context.Context, update TimeOfDayUpdate) error
	FindWaypoints(ctx context.Context, scenario string) ([]Waypoint, error)
	DisplayMessage(ctx context.Context, msg string) error

	Vehicle(id string) Vehicle
	AttachCamera(ctx context.Context, vehicleID string, spec CameraSpec) (Camera, error)
	AttachIMU(ctx context.Context, vehicleID, name string) (IMU, error)

	Close() error
}

// Vehicle is a handle to one vehicle in the running scenario.
type Vehicle interface {
	ID() string
	PollState(ctx context.Context) (VehicleState, error)
	SetHeadlights(ctx context.Context, intensity int) error
	SetColor(ctx context.Context, color geom.RGBA) error
	Teleport(ctx context.Context, pos geom.Vec3, rot geom.Quat) error
	SetAIMode(ctx context.Context, mode string, inLane bool) error
}

// Camera is a sensor attached to a vehicle.
type Camera interface {
	Name() string
	// Poll returns the channels enabled when the camera was attached.
	Poll(ctx context.Context) (CameraFrame, error)
}

// IMU is an inertial sensor attached to a vehicle.
type IMU interface {
	Name() string
	Poll(ctx context.Context) (ImuSample, error)
}

// ScenarioSpec describes the scenario to create, with its ego vehicle.
type ScenarioSpec struct {
	Map     string      `msgpack:"level"`
	Name    string      `msgpack:"name"`
	Vehicle VehicleSpec `msgpack:"vehicle"`
}

// VehicleSpec places a vehicle in a new scenario.
type VehicleSpec struct {
	ID       string    `msgpack:"vid"`
	Model    string    `msgpack:"model"`
	Position geom.Vec3 `msgpack:"pos"`
	Rotation geom.Quat `msgpack:"rot"`
}

// CameraSpec configures a camera to attach.
type CameraSpec struct {
	Name       string     `msgpack:"name"`
	Position   geom.Vec3  `msgpack:"pos"`
	Direction  geom.Vec3  `msgpack:"dir"`
	Up         geom.Vec3  `msgpack:"up"`
	Resolution [2]int     `msgpack:"size"`
	FovY       int        `msgpack:"fov"`
	NearFar    [2]float64 `msgpack:"near_far"`
	Colour     bool       `msgpack:"colour"`
	Annotation bool       `msgpack:"annotation"`
	Depth      bool       `msgpack:"depth"`
}

// TimeOfDay is the simulator clock: Time runs over [0,1] starting at noon.
type TimeOfDay struct {
	Time  float64 `msgpack:"time"`
	Label string  `msgpack:"timeStr"`
}

// TimeOfDayUpdate changes the day/night cycle. Nil fields are left as they are.
type TimeOfDayUpdate struct {
	Time       *float64 `msgpack:"time,omitempty"`
	Play       *bool    `msgpack:"play,omitempty"`
	DayScale   *float64 `msgpack:"dayScale,omitempty"`
	NightScale *float64 `msgpack:"nightScale,omitempty"`
	DayLengthS *float64 `msgpack:"dayLength,omitempty"`
}

// Waypoint is a named map location.
type Waypoint struct {
	Name     string    `msgpack:"name"`
	Position geom.Vec3 `msgpack:"pos"`
	Rotation geom.Quat `msgpack:"rot"`
}

// VehicleState is the kinematic state at one simulated instant.
type VehicleState struct {
	SimTime   float64   `msgpack:"time"`
	Position  geom.Vec3 `msgpack:"pos"`
	Direction geom.Vec3 `msgpack:"dir"`
	Velocity  geom.Vec3 `msgpack:"vel"`
}

// ImuSample holds the smoothed IMU readings. Other fields of the raw
// payload are discarded on decode.
type ImuSample struct {
	Acceleration        geom.Vec3 `msgpack:"accSmooth"`
	AngularAcceleration geom.Vec3 `msgpack:"angAccel"`
	AngularVelocity     geom.Vec3 `msgpack:"angVelSmooth"`
}

// RawImage is an 8-bit interleaved image buffer, row major.
type RawImage struct {
	Width    int    `msgpack:"width"`
	Height   int    `msgpack:"height"`
	Channels int    `msgpack:"channels"`
	Pix      []byte `msgpack:"data"`
}

// Valid reports whether Pix matches the declared geometry.
func (r *RawImage) Valid() bool {
	return r != nil && r.Width > 0 && r.Height > 0 && r.Channels > 0 &&
		len(r.Pix) == r.Width*r.Height*r.Channels
}

// DepthImage is a per-pixel distance buffer in metres.
type DepthImage struct {
	Width  int       `msgpack:"width"`
	Height int       `msgpack:"height"`
	Values []float32 `msgpack:"data"`
}

// Valid reports whether Values matches the declared geometry.
func (d *DepthImage) Valid() bool {
	return d != nil && d.Width > 0 && d.Height > 0 && len(d.Values) == d.Width*d.Height
}

// CameraFrame is one camera poll. A nil channel was not rendered.
type CameraFrame struct {
	Colour     *RawImage   `msgpack:"colour"`
	Annotation *RawImage   `msgpack:"annotation"`
	Depth      *DepthImage `msgpack:"depth"`
}

// Gate drops the channels not enabled in spec.
func (f CameraFrame) Gate(spec CameraSpec) CameraFrame {
	if !spec.Colour {
		f.Colour = nil
	}
	if !spec.Annotation {
		f.Annotation = nil
	}
	if !spec.Depth {
		f.Depth = nil
	}
	return f
}
