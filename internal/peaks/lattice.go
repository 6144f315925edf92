package peaks

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/geom"
)

// LatticeConstants are the direct-space cell parameters in Å and degrees.
type LatticeConstants struct {
	A, B, C            float64
	Alpha, Beta, Gamma float64
}

// Slice returns the constants in a, b, c, alpha, beta, gamma order.
func (lc LatticeConstants) Slice() [6]float64 {
	return [6]float64{lc.A, lc.B, lc.C, lc.Alpha, lc.Beta, lc.Gamma}
}

// OrientedLattice relates Miller indices to the sample frame through
// Q_sample = 2π·UB·HKL.
type OrientedLattice struct {
	UB geom.Mat3
}

// NewOrientedLattice builds UB = U·B from cell constants and an orientation
// U, with B in the Busing–Levy convention.
func NewOrientedLattice(lc LatticeConstants, u geom.Mat3) (OrientedLattice, error) {
	for _, v := range lc.Slice() {
		if !(v > 0) {
			return OrientedLattice{}, fmt.Errorf("lattice constants %+v: %w", lc, ErrInvalidArgument)
		}
	}
	d2r := math.Pi / 180
	ca, cb, cg := math.Cos(lc.Alpha*d2r), math.Cos(lc.Beta*d2r), math.Cos(lc.Gamma*d2r)
	g := mat.NewDense(3, 3, []float64{
		lc.A * lc.A, lc.A * lc.B * cg, lc.A * lc.C * cb,
		lc.A * lc.B * cg, lc.B * lc.B, lc.B * lc.C * ca,
		lc.A * lc.C * cb, lc.B * lc.C * ca, lc.C * lc.C,
	})
	var gstar mat.Dense
	if err := gstar.Inverse(g); err != nil {
		return OrientedLattice{}, fmt.Errorf("lattice constants %+v do not form a cell: %w", lc, ErrInvalidArgument)
	}
	as := math.Sqrt(gstar.At(0, 0))
	bs := math.Sqrt(gstar.At(1, 1))
	cs := math.Sqrt(gstar.At(2, 2))
	cosBetaStar := gstar.At(0, 2) / (as * cs)
	cosGammaStar := gstar.At(0, 1) / (as * bs)
	sinBetaStar := math.Sqrt(1 - cosBetaStar*cosBetaStar)
	sinGammaStar := math.Sqrt(1 - cosGammaStar*cosGammaStar)

	b := geom.Mat3{
		as, bs * cosGammaStar, cs * cosBetaStar,
		0, bs * sinGammaStar, -cs * sinBetaStar * ca,
		0, 0, 1 / lc.C,
	}
	return OrientedLattice{UB: u.Mul(b)}, nil
}

// Constants recovers the cell constants from UB through the direct metric
// tensor G = ((UB)ᵀ·UB)⁻¹.
func (l OrientedLattice) Constants() (LatticeConstants, error) {
	ubt := l.UB.T().Mul(l.UB)
	var g mat.Dense
	if err := g.Inverse(mat.NewDense(3, 3, ubt[:])); err != nil {
		return LatticeConstants{}, fmt.Errorf("singular UB: %w", ErrInvalidArgument)
	}
	a := math.Sqrt(g.At(0, 0))
	b := math.Sqrt(g.At(1, 1))
	c := math.Sqrt(g.At(2, 2))
	r2d := 180 / math.Pi
	return LatticeConstants{
		A: a, B: b, C: c,
		Alpha: math.Acos(clampUnit(g.At(1, 2)/(b*c))) * r2d,
		Beta:  math.Acos(clampUnit(g.At(0, 2)/(a*c))) * r2d,
		Gamma: math.Acos(clampUnit(g.At(0, 1)/(a*b))) * r2d,
	}, nil
}

// QSample returns 2π·UB·hkl.
func (l OrientedLattice) QSample(hkl r3.Vec) r3.Vec {
	return r3.Scale(2*math.Pi, l.UB.MulVec(hkl))
}

func clampUnit(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}
