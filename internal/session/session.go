// Package session describes one capture run: scenario, ego vehicle, camera
// rig, environment and cadence. A Config is validated once and then treated
// as read-only by everything downstream.
package session

import (
	"math"
	"time"

	"github.com/banshee-data/sim-capture/internal/geom"
)

// Config is the full description of a capture session.
type Config struct {
	Scenario             string         `json:"scenario" yaml:"scenario"`
	Map                  string         `json:"map" yaml:"map"`
	Vehicle              VehicleConfig  `json:"vehicle" yaml:"vehicle"`
	Cameras              []CameraConfig `json:"cameras" yaml:"cameras"`
	Weather              string         `json:"weather" yaml:"weather"`
	Time                 string         `json:"time" yaml:"time"`
	NumAITrafficVehicles int            `json:"num_ai_traffic_vehicles" yaml:"num_ai_traffic_vehicles"`
	DurationS            float64        `json:"duration_s" yaml:"duration_s"`
	CaptureFreqHz        float64        `json:"capture_freq_hz" yaml:"capture_freq_hz"`
	StartingWaypoint     string         `json:"starting_waypoint" yaml:"starting_waypoint"`
}

// VehicleConfig is the ego vehicle the sensors are mounted on.
type VehicleConfig struct {
	Name            string    `json:"name" yaml:"name"`
	Model           string    `json:"model" yaml:"model"`
	InitialPosition geom.Vec3 `json:"initial_position" yaml:"initial_position"`
	InitialRotation geom.Quat `json:"initial_rotation" yaml:"initial_rotation"`
}

// CameraConfig is one camera of the rig, relative to the vehicle.
type CameraConfig struct {
	Name                string     `json:"name" yaml:"name"`
	Position            geom.Vec3  `json:"position" yaml:"position"`
	Direction           geom.Vec3  `json:"direction" yaml:"direction"`
	UpVector            geom.Vec3  `json:"up_vector" yaml:"up_vector"`
	Resolution          [2]int     `json:"resolution" yaml:"resolution"`
	FovY                int        `json:"fov_y" yaml:"fov_y"`
	NearFarPlanes       [2]float64 `json:"near_far_planes" yaml:"near_far_planes"`
	IsRenderColours     bool       `json:"is_render_colours" yaml:"is_render_colours"`
	IsRenderAnnotations bool       `json:"is_render_annotations" yaml:"is_render_annotations"`
	IsRenderDepth       bool       `json:"is_render_depth" yaml:"is_render_depth"`
}

// Default values used when a session is built without a file.
const (
	DefaultScenario      = "data_capture"
	DefaultMap           = "west_coast_usa"
	DefaultTime          = "12:00:00"
	DefaultDurationS     = 10.0
	DefaultCaptureFreqHz = 5.0
	DefaultVehicleName   = "ego"
	DefaultVehicleModel  = "etk800"
	DefaultCameraName    = "front"
)

// DefaultVehicle returns the stock ego vehicle.
func DefaultVehicle() VehicleConfig {
	return VehicleConfig{
		Name:            DefaultVehicleName,
		Model:           DefaultVehicleModel,
		InitialPosition: geom.Vec3{-720, 100, 119},
		InitialRotation: geom.Quat{0, 0, 0.3826834, 0.9238795},
	}
}

// DefaultCamera returns a forward facing colour camera on the roof line.
func DefaultCamera() CameraConfig {
	return CameraConfig{
		Name:            DefaultCameraName,
		Position:        geom.Vec3{0, -1.5, 1.6},
		Direction:       geom.Vec3{0, -1, 0},
		UpVector:        geom.Vec3{0, 0, 1},
		Resolution:      [2]int{1280, 720},
		FovY:            70,
		NearFarPlanes:   [2]float64{0.01, 300},
		IsRenderColours: true,
	}
}

// Default returns a complete, valid session.
func Default() Config {
	return Config{
		Scenario:      DefaultScenario,
		Map:           DefaultMap,
		Vehicle:       DefaultVehicle(),
		Cameras:       []CameraConfig{DefaultCamera()},
		Time:          DefaultTime,
		DurationS:     DefaultDurationS,
		CaptureFreqHz: DefaultCaptureFreqHz,
	}
}

// Clone returns a deep copy so callers can hold a snapshot that later edits
// cannot reach.
func (c Config) Clone() Config {
	out := c
	out.Cameras = append([]CameraConfig(nil), c.Cameras...)
	return out
}

// CapturePeriod is the simulated time between two frames.
func (c Config) CapturePeriod() time.Duration {
	if c.CaptureFreqHz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.CaptureFreqHz)
}

// CapturePeriodSeconds is CapturePeriod as float seconds.
func (c Config) CapturePeriodSeconds() float64 {
	if c.CaptureFreqHz <= 0 {
		return 0
	}
	return 1 / c.CaptureFreqHz
}

// NumFrames is floor(duration_s * capture_freq_hz). Non-positive inputs yield 0.
func (c Config) NumFrames() int {
	if c.DurationS <= 0 || c.CaptureFreqHz <= 0 {
		return 0
	}
	// Guard against 10*0.3 = 2.9999999999999996 style truncation.
	return int(math.Floor(c.DurationS*c.CaptureFreqHz + 1e-9))
}

// Camera returns the camera with the given name, matching case-insensitively.
func (c Config) Camera(name string) (CameraConfig, bool) {
	key := normalizeName(name)
	for _, cam := range c.Cameras {
		if normalizeName(cam.Name) == key {
			return cam, true
		}
	}
	return CameraConfig{}, false
}
