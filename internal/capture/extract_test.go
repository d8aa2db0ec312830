package capture

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/sim-capture/internal/geom"
	"github.com/banshee-data/sim-capture/internal/simulator"
)

func TestMergeLastWriterWins(t *testing.T) {
	a := map[string]any{"time": 1.0, "x": "a"}
	b := map[string]any{"time": 2.0}
	c := map[string]any{"x": "c", "y": true}

	got := Merge(a, nil, b, c)
	want := map[string]any{"time": 2.0, "x": "c", "y": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 1.0, a["time"], "inputs are not modified")
	assert.Empty(t, Merge())
}

func TestExtractFields(t *testing.T) {
	st := simulator.VehicleState{
		SimTime:   3.5,
		Position:  geom.Vec3{1, 2, 3},
		Direction: geom.Vec3{0, 1, 0},
		Velocity:  geom.Vec3{3, 4, 0},
	}
	v := VehicleFields(st)
	assert.Equal(t, 3.5, v["time"])
	assert.Equal(t, geom.Vec3{3, 4, 0}, v["linear_velocity"])
	assert.Len(t, v, 4)

	sp := SpeedFields(st, geom.KMPH)
	assert.InDelta(t, 18.0, sp["speed"], 1e-9)
	assert.Equal(t, geom.KMPH, SpeedFields(st, "furlongs")["speed_units"])

	imu := IMUFields(simulator.ImuSample{Acceleration: geom.Vec3{0, 0, 9.81}})
	assert.Equal(t, geom.Vec3{0, 0, 9.81}, imu["acceleration"])
	assert.Len(t, imu, 3)

	tod := TimeOfDayFields(simulator.TimeOfDay{Time: 0.25, Label: "18:00:00"})
	assert.Equal(t, "18:00:00", tod["time_of_day_label"])
}
