// Package capture runs a capture session: it plans the frame schedule,
// drives the simulator clock, extracts every sensor once per frame and hands
// the merged record to a Sink.
package capture

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/sim-capture/internal/config"
	"github.com/banshee-data/sim-capture/internal/geom"
	"github.com/banshee-data/sim-capture/internal/scenario"
	"github.com/banshee-data/sim-capture/internal/session"
)

// ErrInvalidPlan is returned when a session cannot be scheduled.
var ErrInvalidPlan = fmt.Errorf("%w: capture plan", session.ErrInvalidConfig)

// Options are the scheduler settings taken from the harness configuration.
type Options struct {
	StartDelay       time.Duration
	ForceThresholdHz float64
	ForceCapture     bool

	PollInterval time.Duration
	WaitTimeout  time.Duration
	ImageWorkers int

	TimeOfDayPlay bool
	DayScale      float64
	NightScale    float64
	DayLengthS    float64

	NightStart         string
	NightEnd           string
	HeadlightIntensity int

	SpeedUnits string
}

// DefaultOptions mirrors the defaults of config.CaptureConfig.
func DefaultOptions() Options {
	return OptionsFromConfig(config.EmptyCaptureConfig())
}

// OptionsFromConfig extracts the scheduler settings.
func OptionsFromConfig(c *config.CaptureConfig) Options {
	return Options{
		StartDelay:         c.GetStartDelay(),
		ForceThresholdHz:   c.GetForceThresholdHz(),
		ForceCapture:       c.GetForceCapture(),
		PollInterval:       c.GetObservedPollInterval(),
		WaitTimeout:        c.GetObservedWaitTimeout(),
		ImageWorkers:       c.GetImageWorkers(),
		TimeOfDayPlay:      c.GetTimeOfDayPlay(),
		DayScale:           c.GetDayScale(),
		NightScale:         c.GetNightScale(),
		DayLengthS:         c.GetDayLengthS(),
		NightStart:         c.GetNightStart(),
		NightEnd:           c.GetNightEnd(),
		HeadlightIntensity: c.GetHeadlightIntensity(),
		SpeedUnits:         c.GetSpeedUnits(),
	}
}

// Plan is the fixed schedule of a session, computed before any simulator call.
type Plan struct {
	NumFrames       int
	Period          time.Duration
	PeriodSeconds   float64
	PeriodTicks     int
	StartDelay      time.Duration
	StartDelayTicks int
	Force           bool
	StepsPerSecond  int
}

// NewPlan derives the schedule for cfg. Any single invalid input is fatal.
func NewPlan(cfg session.Config, simCtx *scenario.SimulationContext, opts Options) (Plan, error) {
	sps := 0
	if simCtx != nil {
		sps = simCtx.StepsPerSecond
	}

	var problems []string
	if sps <= 0 {
		problems = append(problems, fmt.Sprintf("steps per second must be positive, got %d", sps))
	}
	if !(cfg.DurationS > 0) {
		problems = append(problems, fmt.Sprintf("duration_s must be positive, got %g", cfg.DurationS))
	}
	if !(cfg.CaptureFreqHz > 0) {
		problems = append(problems, fmt.Sprintf("capture_freq_hz must be positive, got %g", cfg.CaptureFreqHz))
	} else if sps > 0 && cfg.CaptureFreqHz > float64(sps) {
		problems = append(problems, fmt.Sprintf("capture_freq_hz %g exceeds %d steps per second", cfg.CaptureFreqHz, sps))
	}
	n := cfg.NumFrames()
	if len(problems) == 0 && n <= 0 {
		problems = append(problems, fmt.Sprintf("%gs at %gHz yields no frames", cfg.DurationS, cfg.CaptureFreqHz))
	}
	if len(problems) > 0 {
		return Plan{}, fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(problems, "; "))
	}

	delay := opts.StartDelay
	if delay < config.MinStartDelay {
		delay = config.MinStartDelay
	}
	periodS := cfg.CapturePeriodSeconds()
	p := Plan{
		NumFrames:       n,
		Period:          cfg.CapturePeriod(),
		PeriodSeconds:   periodS,
		PeriodTicks:     max(1, ticks(periodS, sps)),
		StartDelay:      delay,
		StartDelayTicks: ticks(delay.Seconds(), sps),
		Force:           opts.ForceCapture || cfg.CaptureFreqHz < opts.ForceThresholdHz,
		StepsPerSecond:  sps,
	}
	return p, nil
}

func ticks(seconds float64, sps int) int {
	return int(math.Round(seconds * float64(sps)))
}

// ForcedTicks is the total the forced strategy advances: the start delay
// plus one period between consecutive frames.
func (p Plan) ForcedTicks() int {
	if p.NumFrames <= 0 {
		return p.StartDelayTicks
	}
	return p.StartDelayTicks + (p.NumFrames-1)*p.PeriodTicks
}

// Mode names the capture strategy.
func (p Plan) Mode() string {
	if p.Force {
		return "forced"
	}
	return "observed"
}

func (p Plan) String() string {
	return fmt.Sprintf("%d frames every %s (%d ticks) after %s, %s",
		p.NumFrames, p.Period, p.PeriodTicks, p.StartDelay, p.Mode())
}

func validSpeedUnits(u string) string {
	if geom.IsValidSpeedUnit(u) {
		return u
	}
	return geom.KMPH
}
