package session

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

const secondsPerDay = 86400

// Simulator time of day runs from 0 to 1 with both ends at noon.
const noonOffset = 43200

var hhmmssRe = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)

// ParseClock parses "HH:mm:ss" into seconds since midnight.
func ParseClock(s string) (int, error) {
	if !hhmmssRe.MatchString(s) {
		return 0, fmt.Errorf("time %q must be in HH:mm:ss format", s)
	}
	h, _ := strconv.Atoi(s[0:2])
	m, _ := strconv.Atoi(s[3:5])
	sec, _ := strconv.Atoi(s[6:8])
	if h > 23 || m > 59 || sec > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*3600 + m*60 + sec, nil
}

// FormatClock formats seconds since midnight as "HH:mm:ss".
func FormatClock(seconds int) string {
	seconds = ((seconds % secondsPerDay) + secondsPerDay) % secondsPerDay
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// ToSimTime converts "HH:mm:ss" to the simulator's [0,1) day fraction.
func ToSimTime(clock string) (float64, error) {
	secs, err := ParseClock(clock)
	if err != nil {
		return 0, err
	}
	shifted := ((secs-noonOffset)%secondsPerDay + secondsPerDay) % secondsPerDay
	return float64(shifted) / secondsPerDay, nil
}

// SimTimeToSeconds converts a simulator day fraction to seconds since midnight.
func SimTimeToSeconds(t float64) float64 {
	return math.Mod(math.Mod(t*secondsPerDay+noonOffset, secondsPerDay)+secondsPerDay, secondsPerDay)
}

// FromSimTime converts a simulator day fraction to "HH:mm:ss".
func FromSimTime(t float64) string {
	return FormatClock(int(math.Floor(SimTimeToSeconds(t) + 1e-6)))
}
