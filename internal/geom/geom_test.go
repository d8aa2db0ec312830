package geom

import (
	"math"
	"testing"
)

func TestVec3Finite(t *testing.T) {
	tests := []struct {
		name string
		v    Vec3
		want bool
	}{
		{"zero", Vec3{}, true},
		{"regular", Vec3{-720, 100, 119}, true},
		{"nan", Vec3{math.NaN(), 0, 0}, false},
		{"inf", Vec3{0, math.Inf(1), 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Finite(); got != tt.want {
				t.Errorf("Finite(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestEulerRoundTrip(t *testing.T) {
	cases := [][3]float64{
		{0, 0, 0},
		{10, 20, 30},
		{-45, 5, 170},
		{0, 0, -90},
	}
	for _, c := range cases {
		q := EulerToQuat(c[0], c[1], c[2])
		r, p, y := QuatToEuler(q)
		if math.Abs(r-c[0]) > 1e-9 || math.Abs(p-c[1]) > 1e-9 || math.Abs(y-c[2]) > 1e-9 {
			t.Errorf("round trip %v gave (%f, %f, %f)", c, r, p, y)
		}
	}
}

func TestNormalizeZero(t *testing.T) {
	if got := (Quat{}).Normalize(); got != IdentityQuat {
		t.Errorf("Normalize(zero) = %v, want identity", got)
	}
}

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		unit string
		want float64
	}{
		{MPS, 10},
		{MPH, 22.369},
		{KMPH, 36},
		{"furlongs", 10},
	}
	for _, tt := range tests {
		if got := ConvertSpeed(10, tt.unit); math.Abs(got-tt.want) > 0.01 {
			t.Errorf("ConvertSpeed(10, %q) = %f, want %f", tt.unit, got, tt.want)
		}
	}
	if got := Speed(Vec3{3, 4, 0}, MPS); got != 5 {
		t.Errorf("Speed = %f, want 5", got)
	}
	if !IsValidSpeedUnit(KMPH) || IsValidSpeedUnit("kph") {
		t.Error("IsValidSpeedUnit mismatch")
	}
}
