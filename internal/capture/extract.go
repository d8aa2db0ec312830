package capture

import (
	"github.com/banshee-data/sim-capture/internal/geom"
	"github.com/banshee-data/sim-capture/internal/simulator"
)

// Merge combines metadata maps into a new map. Later maps win on key collisions.
func Merge(maps ...map[string]any) map[string]any {
	n := 0
	for _, m := range maps {
		n += len(m)
	}
	out := make(map[string]any, n)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// VehicleFields reduces a vehicle state to the recorded kinematics.
func VehicleFields(st simulator.VehicleState) map[string]any {
	return map[string]any{
		"time":            st.SimTime,
		"position":        st.Position,
		"direction":       st.Direction,
		"linear_velocity": st.Velocity,
	}
}

// SpeedFields reports the ego speed in the configured display unit.
func SpeedFields(st simulator.VehicleState, unit string) map[string]any {
	unit = validSpeedUnits(unit)
	return map[string]any{
		"speed":       geom.Speed(st.Velocity, unit),
		"speed_units": unit,
	}
}

// IMUFields reduces an IMU sample to its smoothed readings.
func IMUFields(s simulator.ImuSample) map[string]any {
	return map[string]any{
		"acceleration":         s.Acceleration,
		"angular_acceleration": s.AngularAcceleration,
		"angular_velocity":     s.AngularVelocity,
	}
}

// TimeOfDayFields records the simulator clock.
func TimeOfDayFields(tod simulator.TimeOfDay) map[string]any {
	return map[string]any{
		"time_of_day":       tod.Time,
		"time_of_day_label": tod.Label,
	}
}
