package peaks

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/geom"
)

// NoBank marks a peak that is not assigned to a detector bank.
const NoBank = "None"

// Peak is one indexed single-crystal measurement. It is a value type: a
// Workspace stores its own copy and hands out copies.
type Peak struct {
	RunNumber int
	DetID     int

	H, K, L float64

	// QSample is the momentum transfer in the sample frame (Å⁻¹, 2π
	// convention). The lab-frame vector is derived through Goniometer.
	QSample    r3.Vec
	Goniometer geom.Mat3

	Wavelength float64 // Å
	Energy     float64 // meV
	TOF        float64 // µs
	DSpacing   float64 // Å

	Intensity      float64
	SigmaIntensity float64
	BinCount       float64

	BankName string
	Row      int
	Col      int

	PeakNumber int
	TBar       float64
}

// QLab returns R·QSample. An unset goniometer is treated as the identity.
func (p Peak) QLab() r3.Vec {
	if p.Goniometer == (geom.Mat3{}) {
		return p.QSample
	}
	return p.Goniometer.MulVec(p.QSample)
}

// HKL returns the Miller indices as a vector.
func (p Peak) HKL() r3.Vec {
	return r3.Vec{X: p.H, Y: p.K, Z: p.L}
}

// IntensityOverSigma returns Intensity/SigmaIntensity, or 0 when the
// uncertainty is not positive.
func (p Peak) IntensityOverSigma() float64 {
	if p.SigmaIntensity <= 0 || math.IsNaN(p.SigmaIntensity) {
		return 0
	}
	return p.Intensity / p.SigmaIntensity
}

// IsIndexed reports whether the peak has a non-zero HKL.
func (p Peak) IsIndexed() bool {
	return p.H != 0 || p.K != 0 || p.L != 0
}
