// Package units provides shared constants and conversions for neutron
// time-of-flight quantities.
//
// Conventions: lengths in metres, time-of-flight in microseconds, wavelength
// and d-spacing in Ångström, energy in meV, momentum transfer in Å⁻¹.
package units

import "math"

// Physical constants.
const (
	// HOverMn is Planck's constant divided by the neutron mass, in m·Å/s.
	HOverMn = 3956.0339
	// EnergyWavelengthFactor converts λ (Å) to E (meV): E = factor / λ².
	EnergyWavelengthFactor = 81.8042
	// MicrosecondsPerSecond scales TOF values.
	MicrosecondsPerSecond = 1e6
	// MetresPerCentimetre converts DetCal lengths.
	MetresPerCentimetre = 0.01
)

// WavelengthFromTOF returns the neutron wavelength for a flight of
// totalPath metres taking tofMicros microseconds.
// Returns 0 when either argument is non-positive.
func WavelengthFromTOF(tofMicros, totalPath float64) float64 {
	if tofMicros <= 0 || totalPath <= 0 {
		return 0
	}
	velocity := totalPath / (tofMicros / MicrosecondsPerSecond)
	return HOverMn / velocity
}

// TOFFromWavelength is the inverse of WavelengthFromTOF.
func TOFFromWavelength(wavelength, totalPath float64) float64 {
	if wavelength <= 0 || totalPath <= 0 {
		return 0
	}
	velocity := HOverMn / wavelength
	return totalPath / velocity * MicrosecondsPerSecond
}

// EnergyFromWavelength converts wavelength (Å) to kinetic energy (meV).
func EnergyFromWavelength(wavelength float64) float64 {
	if wavelength <= 0 {
		return 0
	}
	return EnergyWavelengthFactor / (wavelength * wavelength)
}

// WavenumberFromWavelength returns k = 2π/λ.
func WavenumberFromWavelength(wavelength float64) float64 {
	if wavelength <= 0 {
		return 0
	}
	return 2 * math.Pi / wavelength
}

// DSpacingFromQ returns d = 2π/|Q| for a momentum transfer magnitude.
func DSpacingFromQ(qNorm float64) float64 {
	if qNorm <= 0 {
		return 0
	}
	return 2 * math.Pi / qNorm
}

// WavelengthFromQLab recovers the incident wavelength of an elastic event
// from its lab-frame momentum transfer, assuming the beam travels along +z
// and Q = k_i - k_f. Returns 0 for vectors that cannot come from an elastic
// event under that convention (qz <= 0).
func WavelengthFromQLab(qx, qy, qz float64) float64 {
	norm2 := qx*qx + qy*qy + qz*qz
	if qz <= 0 || norm2 == 0 {
		return 0
	}
	return 4 * math.Pi * qz / norm2
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}
