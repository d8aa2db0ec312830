package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/sim-capture/internal/geom"
	"github.com/banshee-data/sim-capture/internal/session"
)

// DefaultConfigPath is the path to the canonical harness defaults file.
const DefaultConfigPath = "config/capture.defaults.json"

// Layout names accepted by the dataset writer.
const (
	LayoutFrameDirs = "frame_dirs"
	LayoutFlat      = "flat"
)

// Depth encodings.
const (
	DepthPNG  = "png"
	DepthTIFF = "tiff"
)

// MinStartDelay is the shortest stabilisation interval the scheduler accepts.
const MinStartDelay = time.Second

// DefaultSupportedModels is used when supported_models is not set.
var DefaultSupportedModels = []string{
	"etk800", "etkc", "etki", "vivace", "pickup", "covet",
	"moonhawk", "sunburst", "bastion", "van",
}

// CaptureConfig holds the harness settings that are not part of a session:
// where the simulator lives, how the scheduler paces itself and where the
// dataset goes. Every field is optional; the Get* methods supply defaults.
type CaptureConfig struct {
	// Simulator connection
	SimulatorHost   *string `json:"simulator_host,omitempty"`
	SimulatorPort   *int    `json:"simulator_port,omitempty"`
	SimulatorHome   *string `json:"simulator_home,omitempty"`
	LaunchSimulator *bool   `json:"launch_simulator,omitempty"`
	ConnectTimeout  *string `json:"connect_timeout,omitempty"` // duration string like "30s"

	// Scheduler
	StepsPerSecond       *int     `json:"steps_per_second,omitempty"`
	StartDelay           *string  `json:"start_delay,omitempty"`
	ForceThresholdHz     *float64 `json:"force_threshold_hz,omitempty"`
	ForceCapture         *bool    `json:"force_capture,omitempty"`
	ObservedPollInterval *string  `json:"observed_poll_interval,omitempty"`
	ObservedWaitTimeout  *string  `json:"observed_wait_timeout,omitempty"`

	// Day/night
	NightStart         *string  `json:"night_start,omitempty"`
	NightEnd           *string  `json:"night_end,omitempty"`
	HeadlightIntensity *int     `json:"headlight_intensity,omitempty"`
	TimeOfDayPlay      *bool    `json:"time_of_day_play,omitempty"`
	DayLengthS         *float64 `json:"day_length_s,omitempty"`
	DayScale           *float64 `json:"day_scale,omitempty"`
	NightScale         *float64 `json:"night_scale,omitempty"`

	// Environment and vehicle
	WeatherPresetsPath *string  `json:"weather_presets_path,omitempty"`
	WeatherTransitionS *float64 `json:"weather_transition_s,omitempty"`
	SupportedModels    []string `json:"supported_models,omitempty"`
	RandomSeed         *int64   `json:"random_seed,omitempty"`
	RandomWaypoint     *bool    `json:"random_waypoint,omitempty"`
	IMUName            *string  `json:"imu_name,omitempty"`

	// Output
	OutputRoot       *string `json:"output_root,omitempty"`
	SessionPrefix    *string `json:"session_prefix,omitempty"`
	Layout           *string `json:"layout,omitempty"`
	ImageWorkers     *int    `json:"image_workers,omitempty"`
	DepthFormat      *string `json:"depth_format,omitempty"`
	CataloguePath    *string `json:"catalogue_path,omitempty"`
	CatalogueDisable *bool   `json:"catalogue_disable,omitempty"`
	SpeedUnits       *string `json:"speed_units,omitempty"`
}

// EmptyCaptureConfig returns a CaptureConfig with every field unset.
func EmptyCaptureConfig() *CaptureConfig {
	return &CaptureConfig{}
}

// LoadCaptureConfig loads a CaptureConfig from a JSON file. The file must
// have a .json extension and be under 1MB. Omitted fields keep their defaults.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCaptureConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// working directory. Intended for tests; panics when the file is missing.
func MustLoadDefaultConfig() *CaptureConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadCaptureConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the set values are usable.
func (c *CaptureConfig) Validate() error {
	durations := map[string]*string{
		"connect_timeout":        c.ConnectTimeout,
		"start_delay":            c.StartDelay,
		"observed_poll_interval": c.ObservedPollInterval,
		"observed_wait_timeout":  c.ObservedWaitTimeout,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.SimulatorPort != nil && (*c.SimulatorPort <= 0 || *c.SimulatorPort > 65535) {
		return fmt.Errorf("simulator_port must be in 1..65535, got %d", *c.SimulatorPort)
	}
	if c.StepsPerSecond != nil && *c.StepsPerSecond <= 0 {
		return fmt.Errorf("steps_per_second must be positive, got %d", *c.StepsPerSecond)
	}
	if c.ForceThresholdHz != nil && *c.ForceThresholdHz < 0 {
		return fmt.Errorf("force_threshold_hz must be non-negative, got %f", *c.ForceThresholdHz)
	}
	if c.HeadlightIntensity != nil && (*c.HeadlightIntensity < 0 || *c.HeadlightIntensity > 2) {
		return fmt.Errorf("headlight_intensity must be 0, 1 or 2, got %d", *c.HeadlightIntensity)
	}
	for name, v := range map[string]*string{"night_start": c.NightStart, "night_end": c.NightEnd} {
		if v == nil {
			continue
		}
		if _, err := session.ParseClock(*v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.ImageWorkers != nil && *c.ImageWorkers < 0 {
		return fmt.Errorf("image_workers must be non-negative, got %d", *c.ImageWorkers)
	}
	if c.Layout != nil && *c.Layout != LayoutFrameDirs && *c.Layout != LayoutFlat {
		return fmt.Errorf("layout must be %q or %q, got %q", LayoutFrameDirs, LayoutFlat, *c.Layout)
	}
	if c.DepthFormat != nil && *c.DepthFormat != DepthPNG && *c.DepthFormat != DepthTIFF {
		return fmt.Errorf("depth_format must be %q or %q, got %q", DepthPNG, DepthTIFF, *c.DepthFormat)
	}
	if c.SpeedUnits != nil && !geom.IsValidSpeedUnit(*c.SpeedUnits) {
		return fmt.Errorf("speed_units must be one of %v, got %q", geom.ValidSpeedUnits, *c.SpeedUnits)
	}
	for name, v := range map[string]*float64{
		"day_length_s":         c.DayLengthS,
		"day_scale":            c.DayScale,
		"night_scale":          c.NightScale,
		"weather_transition_s": c.WeatherTransitionS,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetSimulatorHost returns simulator_host or "localhost".
func (c *CaptureConfig) GetSimulatorHost() string {
	if c.SimulatorHost == nil || *c.SimulatorHost == "" {
		return "localhost"
	}
	return *c.SimulatorHost
}

// GetSimulatorPort returns simulator_port or 25252.
func (c *CaptureConfig) GetSimulatorPort() int {
	if c.SimulatorPort == nil {
		return 25252
	}
	return *c.SimulatorPort
}

// GetSimulatorHome returns simulator_home, falling back to $BNG_HOME.
func (c *CaptureConfig) GetSimulatorHome() string {
	if c.SimulatorHome != nil && *c.SimulatorHome != "" {
		return *c.SimulatorHome
	}
	return os.Getenv("BNG_HOME")
}

// GetLaunchSimulator reports whether the harness starts the simulator itself.
func (c *CaptureConfig) GetLaunchSimulator() bool {
	if c.LaunchSimulator == nil {
		return true
	}
	return *c.LaunchSimulator
}

// GetConnectTimeout returns connect_timeout or 30s.
func (c *CaptureConfig) GetConnectTimeout() time.Duration {
	return durationOr(c.ConnectTimeout, 30*time.Second)
}

// GetStepsPerSecond returns steps_per_second or 60.
func (c *CaptureConfig) GetStepsPerSecond() int {
	if c.StepsPerSecond == nil {
		return 60
	}
	return *c.StepsPerSecond
}

// GetStartDelay returns start_delay, never less than MinStartDelay.
func (c *CaptureConfig) GetStartDelay() time.Duration {
	d := durationOr(c.StartDelay, MinStartDelay)
	if d < MinStartDelay {
		return MinStartDelay
	}
	return d
}

// GetForceThresholdHz returns force_threshold_hz or 2.
func (c *CaptureConfig) GetForceThresholdHz() float64 {
	if c.ForceThresholdHz == nil {
		return 2.0
	}
	return *c.ForceThresholdHz
}

// GetForceCapture returns force_capture or false.
func (c *CaptureConfig) GetForceCapture() bool {
	if c.ForceCapture == nil {
		return false
	}
	return *c.ForceCapture
}

// GetObservedPollInterval returns observed_poll_interval or 10ms.
func (c *CaptureConfig) GetObservedPollInterval() time.Duration {
	return durationOr(c.ObservedPollInterval, 10*time.Millisecond)
}

// GetObservedWaitTimeout returns observed_wait_timeout or 10s.
func (c *CaptureConfig) GetObservedWaitTimeout() time.Duration {
	return durationOr(c.ObservedWaitTimeout, 10*time.Second)
}

// GetNightStart returns night_start or "19:00:00".
func (c *CaptureConfig) GetNightStart() string {
	if c.NightStart == nil {
		return "19:00:00"
	}
	return *c.NightStart
}

// GetNightEnd returns night_end or "06:00:00".
func (c *CaptureConfig) GetNightEnd() string {
	if c.NightEnd == nil {
		return "06:00:00"
	}
	return *c.NightEnd
}

// GetHeadlightIntensity returns headlight_intensity or 1 (low beam).
func (c *CaptureConfig) GetHeadlightIntensity() int {
	if c.HeadlightIntensity == nil {
		return 1
	}
	return *c.HeadlightIntensity
}

// GetTimeOfDayPlay reports whether the simulated day keeps running.
func (c *CaptureConfig) GetTimeOfDayPlay() bool {
	if c.TimeOfDayPlay == nil {
		return true
	}
	return *c.TimeOfDayPlay
}

// GetDayLengthS returns day_length_s or 1800.
func (c *CaptureConfig) GetDayLengthS() float64 {
	if c.DayLengthS == nil {
		return 1800
	}
	return *c.DayLengthS
}

// GetDayScale returns day_scale or 1.
func (c *CaptureConfig) GetDayScale() float64 {
	if c.DayScale == nil {
		return 1
	}
	return *c.DayScale
}

// GetNightScale returns night_scale or 1.
func (c *CaptureConfig) GetNightScale() float64 {
	if c.NightScale == nil {
		return 1
	}
	return *c.NightScale
}

// GetWeatherPresetsPath returns weather_presets_path, or the presets file
// inside the simulator install when a home is known.
func (c *CaptureConfig) GetWeatherPresetsPath() string {
	if c.WeatherPresetsPath != nil && *c.WeatherPresetsPath != "" {
		return *c.WeatherPresetsPath
	}
	home := c.GetSimulatorHome()
	if home == "" {
		return ""
	}
	return filepath.Join(home, "gameengine.zip", "art", "weather", "defaults.json")
}

// GetWeatherTransitionS returns weather_transition_s or 1.
func (c *CaptureConfig) GetWeatherTransitionS() float64 {
	if c.WeatherTransitionS == nil {
		return 1
	}
	return *c.WeatherTransitionS
}

// GetSupportedModels returns supported_models or DefaultSupportedModels.
func (c *CaptureConfig) GetSupportedModels() []string {
	if len(c.SupportedModels) == 0 {
		return append([]string(nil), DefaultSupportedModels...)
	}
	return append([]string(nil), c.SupportedModels...)
}

// GetRandomSeed returns random_seed; 0 means seed from the clock.
func (c *CaptureConfig) GetRandomSeed() int64 {
	if c.RandomSeed == nil {
		return 0
	}
	return *c.RandomSeed
}

// GetRandomWaypoint reports whether an empty starting waypoint picks a random one.
func (c *CaptureConfig) GetRandomWaypoint() bool {
	if c.RandomWaypoint == nil {
		return false
	}
	return *c.RandomWaypoint
}

// GetIMUName returns imu_name or "imu".
func (c *CaptureConfig) GetIMUName() string {
	if c.IMUName == nil || *c.IMUName == "" {
		return "imu"
	}
	return *c.IMUName
}

// GetOutputRoot returns output_root or ~/Documents.
func (c *CaptureConfig) GetOutputRoot() string {
	if c.OutputRoot != nil && *c.OutputRoot != "" {
		return *c.OutputRoot
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Documents")
}

// GetSessionPrefix returns session_prefix or "BeamNG-Data-Capture".
func (c *CaptureConfig) GetSessionPrefix() string {
	if c.SessionPrefix == nil || *c.SessionPrefix == "" {
		return "BeamNG-Data-Capture"
	}
	return *c.SessionPrefix
}

// GetLayout returns layout or LayoutFrameDirs.
func (c *CaptureConfig) GetLayout() string {
	if c.Layout == nil || *c.Layout == "" {
		return LayoutFrameDirs
	}
	return *c.Layout
}

// GetImageWorkers returns image_workers or 4. Zero means one worker per camera.
func (c *CaptureConfig) GetImageWorkers() int {
	if c.ImageWorkers == nil {
		return 4
	}
	return *c.ImageWorkers
}

// GetDepthFormat returns depth_format or DepthPNG.
func (c *CaptureConfig) GetDepthFormat() string {
	if c.DepthFormat == nil || *c.DepthFormat == "" {
		return DepthPNG
	}
	return *c.DepthFormat
}

// GetCataloguePath returns catalogue_path or catalogue.db beside the sessions.
func (c *CaptureConfig) GetCataloguePath() string {
	if c.CataloguePath != nil && *c.CataloguePath != "" {
		return *c.CataloguePath
	}
	return filepath.Join(c.GetOutputRoot(), c.GetSessionPrefix(), "catalogue.db")
}

// GetCatalogueDisable returns catalogue_disable or false.
func (c *CaptureConfig) GetCatalogueDisable() bool {
	if c.CatalogueDisable == nil {
		return false
	}
	return *c.CatalogueDisable
}

// GetSpeedUnits returns speed_units or kmph.
func (c *CaptureConfig) GetSpeedUnits() string {
	if c.SpeedUnits == nil || *c.SpeedUnits == "" {
		return geom.KMPH
	}
	return *c.SpeedUnits
}

// SessionRules returns the validation inputs derived from this configuration.
// Weather presets are loaded separately since they come from the simulator install.
func (c *CaptureConfig) SessionRules(weatherPresets []string) session.Rules {
	return session.Rules{
		StepsPerSecond:  c.GetStepsPerSecond(),
		SupportedModels: c.GetSupportedModels(),
		WeatherPresets:  weatherPresets,
	}
}
