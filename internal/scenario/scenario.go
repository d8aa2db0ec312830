// Package scenario performs the one-time simulator initialisation for a
// capture session: scenario, ego vehicle, traffic, environment and sensors.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/banshee-data/sim-capture/internal/geom"
	"github.com/banshee-data/sim-capture/internal/monitoring"
	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/simulator"
)

// AIModeTraffic makes the ego vehicle drive itself with the traffic.
const AIModeTraffic = "traffic"

// ErrSetup wraps every failure that stops initialisation.
var ErrSetup = errors.New("scenario setup failed")

// SimulationContext carries the simulator facts that validation, setup and
// the scheduler share for one run.
type SimulationContext struct {
	StepsPerSecond  int
	WeatherPresets  []string
	SupportedModels []string
	// Waypoints is filled on first lookup and reused afterwards.
	Waypoints []simulator.Waypoint
	Rand      *rand.Rand
}

// NewSimulationContext seeds Rand from seed, or from the wall clock when seed is 0.
func NewSimulationContext(stepsPerSecond int, presets, models []string, seed int64) *SimulationContext {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulationContext{
		StepsPerSecond:  stepsPerSecond,
		WeatherPresets:  presets,
		SupportedModels: models,
		Rand:            rand.New(rand.NewSource(seed)),
	}
}

// Rules returns the validation inputs for a session.
func (c *SimulationContext) Rules() session.Rules {
	return session.Rules{
		StepsPerSecond:  c.StepsPerSecond,
		SupportedModels: c.SupportedModels,
		WeatherPresets:  c.WeatherPresets,
	}
}

// Options holds harness settings that affect setup.
type Options struct {
	IMUName            string
	WeatherTransitionS float64
	// RandomWaypoint teleports to a random waypoint when the session names none.
	RandomWaypoint bool
}

// RigCamera pairs an attached camera with its configuration.
type RigCamera struct {
	Config session.CameraConfig
	Spec   simulator.CameraSpec
	Camera simulator.Camera
}

// Rig is the ego vehicle with its attached sensors.
type Rig struct {
	Vehicle simulator.Vehicle
	IMU     simulator.IMU
	Cameras []RigCamera
	// Waypoint is the waypoint the vehicle was teleported to, if any.
	Waypoint string
}

// CameraSpec converts a camera configuration into the attach request.
func CameraSpec(c session.CameraConfig) simulator.CameraSpec {
	return simulator.CameraSpec{
		Name:       c.Name,
		Position:   c.Position,
		Direction:  c.Direction,
		Up:         c.UpVector,
		Resolution: c.Resolution,
		FovY:       c.FovY,
		NearFar:    c.NearFarPlanes,
		Colour:     c.IsRenderColours,
		Annotation: c.IsRenderAnnotations,
		Depth:      c.IsRenderDepth,
	}
}

// Setup initialises the simulator for cfg. Steps run in a fixed order and the
// first hard failure is returned wrapped in ErrSetup. Soft failures (unknown
// weather, missing waypoint, colour) are logged and skipped.
func Setup(ctx context.Context, sim simulator.Simulator, simCtx *SimulationContext, cfg session.Config, opts Options) (*Rig, error) {
	if simCtx == nil {
		return nil, fmt.Errorf("%w: nil simulation context", ErrSetup)
	}
	if opts.IMUName == "" {
		opts.IMUName = "imu"
	}
	fail := func(step string, err error) (*Rig, error) {
		return nil, fmt.Errorf("%w: %s: %w", ErrSetup, step, err)
	}

	spec := simulator.ScenarioSpec{
		Map:  cfg.Map,
		Name: cfg.Scenario,
		Vehicle: simulator.VehicleSpec{
			ID:       cfg.Vehicle.Name,
			Model:    cfg.Vehicle.Model,
			Position: cfg.Vehicle.InitialPosition,
			Rotation: cfg.Vehicle.InitialRotation,
		},
	}
	monitoring.Logf("creating scenario %s on %s with %s (%s)", cfg.Scenario, cfg.Map, cfg.Vehicle.Name, cfg.Vehicle.Model)
	if err := sim.CreateScenario(ctx, spec); err != nil {
		return fail("create scenario", err)
	}
	if err := sim.LoadScenario(ctx, cfg.Scenario); err != nil {
		return fail("load scenario", err)
	}
	if err := sim.StartScenario(ctx); err != nil {
		return fail("start scenario", err)
	}

	rig := &Rig{Vehicle: sim.Vehicle(cfg.Vehicle.Name)}
	if err := rig.Vehicle.SetAIMode(ctx, AIModeTraffic, true); err != nil {
		return fail("set ai mode", err)
	}

	if cfg.NumAITrafficVehicles > 0 {
		if err := sim.SpawnTraffic(ctx, cfg.NumAITrafficVehicles); err != nil {
			return fail("spawn traffic", err)
		}
		monitoring.Logf("spawned up to %d traffic vehicles", cfg.NumAITrafficVehicles)
	} else {
		monitoring.Logf("no traffic requested")
	}

	colour := RandomColour(simCtx.Rand)
	if err := rig.Vehicle.SetColor(ctx, colour); err != nil {
		if errors.Is(err, simulator.ErrConnectionReset) {
			return fail("set colour", err)
		}
		monitoring.Warnf("set vehicle colour: %v", err)
	}

	if err := applyWeather(ctx, sim, simCtx, cfg.Weather, opts.WeatherTransitionS); err != nil {
		return fail("set weather", err)
	}

	for _, cc := range cfg.Cameras {
		cs := CameraSpec(cc)
		cam, err := sim.AttachCamera(ctx, cfg.Vehicle.Name, cs)
		if err != nil {
			return fail("attach camera "+cc.Name, err)
		}
		rig.Cameras = append(rig.Cameras, RigCamera{Config: cc, Spec: cs, Camera: cam})
	}
	imu, err := sim.AttachIMU(ctx, cfg.Vehicle.Name, opts.IMUName)
	if err != nil {
		return fail("attach imu", err)
	}
	rig.IMU = imu

	wp, err := placeVehicle(ctx, sim, simCtx, rig.Vehicle, cfg, opts.RandomWaypoint)
	if err != nil {
		return fail("teleport", err)
	}
	rig.Waypoint = wp
	return rig, nil
}

func applyWeather(ctx context.Context, sim simulator.Simulator, simCtx *SimulationContext, preset string, transition float64) error {
	if preset == "" {
		monitoring.Logf("no weather preset, keeping scenario weather")
		return nil
	}
	if len(simCtx.WeatherPresets) > 0 && !session.KnownPreset(simCtx.WeatherPresets, preset) {
		monitoring.Warnf("unknown weather preset %q, skipped", preset)
		return nil
	}
	if err := sim.SetWeatherPreset(ctx, preset, transition); err != nil {
		return err
	}
	monitoring.Logf("weather preset %s", preset)
	return nil
}

// placeVehicle teleports the ego vehicle to the configured waypoint, or to a
// random one when requested. It returns the waypoint used, "" for the
// scenario's own spawn point.
func placeVehicle(ctx context.Context, sim simulator.Simulator, simCtx *SimulationContext, v simulator.Vehicle, cfg session.Config, random bool) (string, error) {
	name := strings.TrimSpace(cfg.StartingWaypoint)
	if name == "" && !random {
		return "", nil
	}
	if simCtx.Waypoints == nil {
		wps, err := sim.FindWaypoints(ctx, cfg.Scenario)
		if err != nil {
			if errors.Is(err, simulator.ErrConnectionReset) {
				return "", err
			}
			monitoring.Warnf("waypoint lookup: %v", err)
			return "", nil
		}
		simCtx.Waypoints = wps
	}

	var target *simulator.Waypoint
	if name != "" {
		for i := range simCtx.Waypoints {
			if simCtx.Waypoints[i].Name == name {
				target = &simCtx.Waypoints[i]
				break
			}
		}
		if target == nil {
			monitoring.Warnf("waypoint %q not found on %s, using scenario spawn", name, cfg.Map)
			return "", nil
		}
	} else {
		if len(simCtx.Waypoints) == 0 {
			monitoring.Warnf("no waypoints on %s, using scenario spawn", cfg.Map)
			return "", nil
		}
		target = &simCtx.Waypoints[simCtx.Rand.Intn(len(simCtx.Waypoints))]
	}

	rot := target.Rotation
	if rot == (geom.Quat{}) {
		rot = cfg.Vehicle.InitialRotation
	}
	if err := v.Teleport(ctx, target.Position, rot); err != nil {
		return "", err
	}
	monitoring.Logf("teleported %s to waypoint %s at %s", cfg.Vehicle.Name, target.Name, target.Position)
	return target.Name, nil
}

// RandomColour picks an opaque body colour.
func RandomColour(r *rand.Rand) geom.RGBA {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return geom.RGBA{r.Float64(), r.Float64(), r.Float64(), 1}
}
