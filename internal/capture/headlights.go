package capture

import (
	"context"
	"math"

	"github.com/banshee-data/sim-capture/internal/session"
	"github.com/banshee-data/sim-capture/internal/simulator"
)

const secondsPerDay = 86400

// HeadlightPolicy switches the ego headlights on at night and off by day.
// It remembers the last state it commanded and only sends a command when
// that state changes.
type HeadlightPolicy struct {
	NightStart int // seconds of day
	NightEnd   int
	Intensity  int

	on bool
}

// NewHeadlightPolicy parses the HH:mm:ss night window.
func NewHeadlightPolicy(nightStart, nightEnd string, intensity int) (*HeadlightPolicy, error) {
	start, err := session.ParseClock(nightStart)
	if err != nil {
		return nil, err
	}
	end, err := session.ParseClock(nightEnd)
	if err != nil {
		return nil, err
	}
	return &HeadlightPolicy{NightStart: start, NightEnd: end, Intensity: intensity}, nil
}

// IsNight reports whether secondsOfDay falls in [NightStart, NightEnd),
// wrapping past midnight when NightStart > NightEnd.
func (p *HeadlightPolicy) IsNight(secondsOfDay float64) bool {
	s := math.Mod(secondsOfDay, secondsPerDay)
	if s < 0 {
		s += secondsPerDay
	}
	start, end := float64(p.NightStart), float64(p.NightEnd)
	switch {
	case start == end:
		return false
	case start < end:
		return s >= start && s < end
	default:
		return s >= start || s < end
	}
}

// On reports the last state successfully commanded.
func (p *HeadlightPolicy) On() bool { return p.on }

// Update commands the headlights if the day/night state changed. A failed
// command leaves the remembered state alone so the next frame retries.
func (p *HeadlightPolicy) Update(ctx context.Context, v simulator.Vehicle, secondsOfDay float64) (changed bool, err error) {
	night := p.IsNight(secondsOfDay)
	if night == p.on {
		return false, nil
	}
	level := simulator.HeadlightsOff
	if night {
		level = p.Intensity
	}
	if err := v.SetHeadlights(ctx, level); err != nil {
		return false, err
	}
	p.on = night
	return true, nil
}
