// Package geom holds the small vector types shared by the session model,
// the simulator gateway and the dataset writer.
package geom

import (
	"fmt"
	"math"
)

// Vec3 is a position, direction or vector quantity in simulator world space.
type Vec3 [3]float64

// Quat is a rotation quaternion stored as (x, y, z, w).
type Quat [4]float64

// RGBA is a vehicle paint colour with components in [0,1].
type RGBA [4]float64

// IdentityQuat is the zero rotation.
var IdentityQuat = Quat{0, 0, 0, 1}

// Finite reports whether every component is a finite number.
func (v Vec3) Finite() bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

// Slice returns v as a plain slice, the shape used in JSON metadata.
func (v Vec3) Slice() []float64 {
	return []float64{v[0], v[1], v[2]}
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", v[0], v[1], v[2])
}

// Finite reports whether every component is a finite number.
func (q Quat) Finite() bool {
	for _, c := range q {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Normalize returns q scaled to unit length. A zero quaternion becomes the identity.
func (q Quat) Normalize() Quat {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		return IdentityQuat
	}
	return Quat{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// EulerToQuat converts roll, pitch and yaw in degrees to a quaternion.
func EulerToQuat(rollDeg, pitchDeg, yawDeg float64) Quat {
	r := rollDeg * math.Pi / 180 / 2
	p := pitchDeg * math.Pi / 180 / 2
	y := yawDeg * math.Pi / 180 / 2

	cr, sr := math.Cos(r), math.Sin(r)
	cp, sp := math.Cos(p), math.Sin(p)
	cy, sy := math.Cos(y), math.Sin(y)

	return Quat{
		sr*cp*cy - cr*sp*sy,
		cr*sp*cy + sr*cp*sy,
		cr*cp*sy - sr*sp*cy,
		cr*cp*cy + sr*sp*sy,
	}
}

// QuatToEuler converts q to roll, pitch and yaw in degrees.
func QuatToEuler(q Quat) (rollDeg, pitchDeg, yawDeg float64) {
	q = q.Normalize()
	x, y, z, w := q[0], q[1], q[2], q[3]

	roll := math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	sinp := 2 * (w*y - z*x)
	var pitch float64
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}
	yaw := math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))

	const deg = 180 / math.Pi
	return roll * deg, pitch * deg, yaw * deg
}

// Opaque returns c with alpha forced to 1.
func (c RGBA) Opaque() RGBA {
	return RGBA{c[0], c[1], c[2], 1}
}
