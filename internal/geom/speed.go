package geom

// Speed unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
)

// ValidSpeedUnits contains every accepted speed unit.
var ValidSpeedUnits = []string{MPS, MPH, KMPH}

// IsValidSpeedUnit reports whether unit is one of ValidSpeedUnits.
func IsValidSpeedUnit(unit string) bool {
	for _, u := range ValidSpeedUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// ConvertSpeed converts a speed in metres per second to the target unit.
// Unknown units leave the value in m/s.
func ConvertSpeed(speedMPS float64, unit string) float64 {
	switch unit {
	case MPH:
		return speedMPS * 2.2369362920544
	case KMPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// Speed returns the magnitude of a velocity vector in the target unit.
func Speed(velocity Vec3, unit string) float64 {
	return ConvertSpeed(velocity.Norm(), unit)
}
