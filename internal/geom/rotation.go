// Package geom holds the small amount of rigid-body geometry the calibration
// needs: 3x3 rotation matrices, axis-angle quaternions and XYZ Euler angles.
//
// Vectors are gonum r3.Vec and rotations are gonum quat.Number unit
// quaternions. Mat3 is kept as a fixed row-major array so it can be passed
// by value through peaks and goniometer records.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [9]float64

// Identity returns the identity matrix.
func Identity() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns element (row, col).
func (m Mat3) At(row, col int) float64 {
	return m[row*3+col]
}

// MulVec returns m·v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Mul returns m·n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += m[i*3+k] * n[k*3+j]
			}
			out[i*3+j] = s
		}
	}
	return out
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// RotX returns the rotation matrix about the X axis by deg degrees.
func RotX(deg float64) Mat3 {
	s, c := math.Sincos(deg * math.Pi / 180)
	return Mat3{1, 0, 0, 0, c, -s, 0, s, c}
}

// RotY returns the rotation matrix about the Y axis by deg degrees.
func RotY(deg float64) Mat3 {
	s, c := math.Sincos(deg * math.Pi / 180)
	return Mat3{c, 0, s, 0, 1, 0, -s, 0, c}
}

// RotZ returns the rotation matrix about the Z axis by deg degrees.
func RotZ(deg float64) Mat3 {
	s, c := math.Sincos(deg * math.Pi / 180)
	return Mat3{c, -s, 0, s, c, 0, 0, 0, 1}
}

// FromQuat converts a unit quaternion to a rotation matrix.
func FromQuat(q quat.Number) Mat3 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// IdentityQuat is the zero rotation.
var IdentityQuat = quat.Number{Real: 1}

// AxisAngle returns the unit quaternion rotating by deg degrees about axis.
// A zero axis yields the identity.
func AxisAngle(axis r3.Vec, deg float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return IdentityQuat
	}
	u := r3.Scale(1/n, axis)
	s, c := math.Sincos(deg * math.Pi / 360)
	return quat.Number{Real: c, Imag: s * u.X, Jmag: s * u.Y, Kmag: s * u.Z}
}

// RotateVec rotates v by the unit quaternion q.
func RotateVec(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Normalize rescales q to unit length, guarding against drift after many
// compositions.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return IdentityQuat
	}
	return quat.Scale(1/n, q)
}

// EulerXYZ decomposes m = Rz(gamma)·Ry(beta)·Rx(alpha) and returns
// (alpha, beta, gamma) in degrees. At gimbal lock alpha is reported as 0.
func EulerXYZ(m Mat3) (alpha, beta, gamma float64) {
	sb := -m.At(2, 0)
	if sb > 1 {
		sb = 1
	} else if sb < -1 {
		sb = -1
	}
	beta = math.Asin(sb)
	if math.Abs(sb) < 1-1e-12 {
		alpha = math.Atan2(m.At(2, 1), m.At(2, 2))
		gamma = math.Atan2(m.At(1, 0), m.At(0, 0))
	} else {
		alpha = 0
		gamma = math.Atan2(-m.At(0, 1), m.At(1, 1))
	}
	const r2d = 180 / math.Pi
	return alpha * r2d, beta * r2d, gamma * r2d
}
