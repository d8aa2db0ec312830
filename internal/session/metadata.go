package session

import "github.com/banshee-data/sim-capture/internal/geom"

// Metadata is the part of a session that does not vary per frame.
// It is written once, at session start.
type Metadata struct {
	Scenario             string           `json:"scenario"`
	Map                  string           `json:"map"`
	VehicleModel         string           `json:"vehicle_model"`
	DurationS            float64          `json:"duration_s"`
	CaptureFreqHz        float64          `json:"capture_freq_hz"`
	Weather              string           `json:"weather"`
	Time                 string           `json:"time"`
	NumAITrafficVehicles int              `json:"num_ai_traffic_vehicles"`
	Cameras              []CameraMetadata `json:"cameras"`
}

// CameraMetadata is the static description of one camera.
type CameraMetadata struct {
	Name          string     `json:"name"`
	Position      geom.Vec3  `json:"position"`
	Direction     geom.Vec3  `json:"direction"`
	UpVector      geom.Vec3  `json:"up_vector"`
	Resolution    [2]int     `json:"resolution"`
	FovY          int        `json:"fov_y"`
	NearFarPlanes [2]float64 `json:"near_far_planes"`
}

// ExtractMetadata returns the camera's static metadata. Render flags are not included.
func (c CameraConfig) ExtractMetadata() CameraMetadata {
	return CameraMetadata{
		Name:          c.Name,
		Position:      c.Position,
		Direction:     c.Direction,
		UpVector:      c.UpVector,
		Resolution:    c.Resolution,
		FovY:          c.FovY,
		NearFarPlanes: c.NearFarPlanes,
	}
}

// ExtractMetadata returns the session-level metadata record.
func (c Config) ExtractMetadata() Metadata {
	cams := make([]CameraMetadata, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		cams = append(cams, cam.ExtractMetadata())
	}
	return Metadata{
		Scenario:             c.Scenario,
		Map:                  c.Map,
		VehicleModel:         c.Vehicle.Model,
		DurationS:            c.DurationS,
		CaptureFreqHz:        c.CaptureFreqHz,
		Weather:              c.Weather,
		Time:                 c.Time,
		NumAITrafficVehicles: c.NumAITrafficVehicles,
		Cameras:              cams,
	}
}
