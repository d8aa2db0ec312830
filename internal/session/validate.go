package session

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure.
	ErrInvalidConfig = errors.New("invalid session configuration")
	// ErrDuplicateCameraName is wrapped when two cameras share a name or file key.
	ErrDuplicateCameraName = errors.New("duplicate camera name")
)

// Camera field limits.
const (
	MinFovY = 10
	MaxFovY = 170
)

// Rules carries the simulator-dependent inputs to validation.
type Rules struct {
	// StepsPerSecond bounds capture_freq_hz. Zero skips the check.
	StepsPerSecond int
	// SupportedModels lists the accepted vehicle models. Empty accepts any non-empty model.
	SupportedModels []string
	// WeatherPresets lists known presets. Empty means the list is unavailable
	// and any weather name is accepted.
	WeatherPresets []string
}

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Problems []string
	causes   []error
}

func (e *ValidationError) Error() string {
	return ErrInvalidConfig.Error() + ": " + strings.Join(e.Problems, "; ")
}

// Unwrap exposes ErrInvalidConfig plus any more specific sentinel.
func (e *ValidationError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.causes...)
}

func (e *ValidationError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the session against rules. The returned error is a
// *ValidationError or nil.
func (c Config) Validate(rules Rules) error {
	verr := &ValidationError{}

	if strings.TrimSpace(c.Scenario) == "" {
		verr.addf("scenario must not be empty")
	}
	if strings.TrimSpace(c.Map) == "" {
		verr.addf("map must not be empty")
	}
	if !(c.DurationS > 0) || math.IsInf(c.DurationS, 0) {
		verr.addf("duration_s must be a positive number, got %v", c.DurationS)
	}
	if !(c.CaptureFreqHz > 0) || math.IsInf(c.CaptureFreqHz, 0) {
		verr.addf("capture_freq_hz must be a positive number, got %v", c.CaptureFreqHz)
	} else if rules.StepsPerSecond > 0 && c.CaptureFreqHz > float64(rules.StepsPerSecond) {
		verr.addf("capture_freq_hz %v exceeds simulation steps per second %d", c.CaptureFreqHz, rules.StepsPerSecond)
	}
	if c.DurationS > 0 && c.CaptureFreqHz > 0 && c.NumFrames() <= 0 {
		verr.addf("duration_s %v at %v Hz yields no frames", c.DurationS, c.CaptureFreqHz)
	}
	if _, err := ParseClock(c.Time); err != nil {
		verr.addf("%v", err)
	}
	if c.NumAITrafficVehicles < 0 {
		verr.addf("num_ai_traffic_vehicles must be >= 0, got %d", c.NumAITrafficVehicles)
	}
	if c.Weather != "" && len(rules.WeatherPresets) > 0 && !KnownPreset(rules.WeatherPresets, c.Weather) {
		verr.addf("weather %q is not a known preset", c.Weather)
	}

	for _, p := range c.Vehicle.problems(rules.SupportedModels) {
		verr.addf("vehicle: %s", p)
	}

	if len(c.Cameras) == 0 {
		verr.addf("at least one camera is required")
	}
	for i, cam := range c.Cameras {
		for _, p := range cam.problems() {
			verr.addf("camera %d (%q): %s", i, cam.Name, p)
		}
	}
	if dups := duplicateNames(c.Cameras); len(dups) > 0 {
		verr.addf("duplicate camera names: %s", strings.Join(dups, ", "))
		verr.causes = append(verr.causes, ErrDuplicateCameraName)
	} else if dups := duplicateKeys(c.Cameras); len(dups) > 0 {
		verr.addf("camera names map to the same file key: %s", strings.Join(dups, ", "))
		verr.causes = append(verr.causes, ErrDuplicateCameraName)
	}

	if len(verr.Problems) == 0 {
		return nil
	}
	return verr
}

// Validate checks the vehicle alone.
func (v VehicleConfig) Validate(supportedModels []string) error {
	if p := v.problems(supportedModels); len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func (v VehicleConfig) problems(supported []string) []string {
	var out []string
	if strings.TrimSpace(v.Name) == "" {
		out = append(out, "name must not be empty")
	}
	switch {
	case strings.TrimSpace(v.Model) == "":
		out = append(out, "model must not be empty")
	case len(supported) > 0 && !contains(supported, v.Model):
		out = append(out, fmt.Sprintf("model %q is not supported", v.Model))
	}
	if !v.InitialPosition.Finite() {
		out = append(out, "initial_position must be finite")
	}
	if !v.InitialRotation.Finite() {
		out = append(out, "initial_rotation must be finite")
	}
	return out
}

// Validate checks the camera alone.
func (c CameraConfig) Validate() error {
	if p := c.problems(); len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func (c CameraConfig) problems() []string {
	var out []string
	if strings.TrimSpace(c.Name) == "" {
		out = append(out, "name must not be empty")
	}
	if !c.Position.Finite() {
		out = append(out, "position must be finite")
	}
	if !c.Direction.Finite() {
		out = append(out, "direction must be finite")
	}
	if !c.UpVector.Finite() {
		out = append(out, "up_vector must be finite")
	}
	if c.Resolution[0] < 0 || c.Resolution[1] < 0 {
		out = append(out, fmt.Sprintf("resolution must be non-negative, got %dx%d", c.Resolution[0], c.Resolution[1]))
	}
	if c.FovY < MinFovY || c.FovY > MaxFovY {
		out = append(out, fmt.Sprintf("fov_y must be in [%d,%d], got %d", MinFovY, MaxFovY, c.FovY))
	}
	near, far := c.NearFarPlanes[0], c.NearFarPlanes[1]
	switch {
	case math.IsNaN(near) || math.IsNaN(far) || math.IsInf(near, 0) || math.IsInf(far, 0):
		out = append(out, "near_far_planes must be finite")
	case far <= near:
		out = append(out, fmt.Sprintf("far plane %v must exceed near plane %v", far, near))
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FileKey maps a camera name to the token used in artifact paths.
func FileKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '/', '\\', ':':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
}

func duplicateNames(cams []CameraConfig) []string {
	return duplicates(cams, normalizeName)
}

func duplicateKeys(cams []CameraConfig) []string {
	return duplicates(cams, func(n string) string { return strings.ToLower(FileKey(n)) })
}

func duplicates(cams []CameraConfig, key func(string) string) []string {
	seen := make(map[string]int, len(cams))
	for _, cam := range cams {
		if k := key(cam.Name); k != "" {
			seen[k]++
		}
	}
	var out []string
	for k, n := range seen {
		if n > 1 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// KnownPreset reports whether name is one of presets, ignoring case.
func KnownPreset(presets []string, name string) bool {
	for _, p := range presets {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
