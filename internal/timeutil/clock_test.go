package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_Sleep(t *testing.T) {
	clock := RealClock{}
	start := time.Now()
	clock.Sleep(5 * time.Millisecond)
	if time.Since(start) < 5*time.Millisecond {
		t.Error("Sleep returned early")
	}
}

func TestMockClock_SleepAdvancesAndRecords(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)

	var hooked []time.Duration
	clock.OnSleep(func(d time.Duration) { hooked = append(hooked, d) })

	clock.Sleep(10 * time.Millisecond)
	clock.Sleep(20 * time.Millisecond)

	if got := clock.Since(start); got != 30*time.Millisecond {
		t.Errorf("Since(start) = %v, want 30ms", got)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 10*time.Millisecond || sleeps[1] != 20*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
	if len(hooked) != 2 {
		t.Errorf("hook called %d times, want 2", len(hooked))
	}
}

func TestMockClock_SetAndAdvance(t *testing.T) {
	clock := NewMockClock(time.Time{})
	newTime := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	clock.Set(newTime)
	clock.Advance(time.Minute)

	if want := newTime.Add(time.Minute); !clock.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", clock.Now(), want)
	}
}

func TestStopwatch(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sw := StartStopwatch(clock)
	clock.Advance(1500 * time.Millisecond)
	if got := sw.Elapsed(); got != 1500*time.Millisecond {
		t.Errorf("Elapsed() = %v", got)
	}
}
