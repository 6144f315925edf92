package calibration

import (
	"errors"
	"fmt"

	"github.com/banshee-data/scdcal/internal/peaks"
)

// ErrInvalidLattice is returned for a non-positive lattice override.
var ErrInvalidLattice = errors.New("invalid lattice constant")

var latticeNames = [6]string{"a", "b", "c", "alpha", "beta", "gamma"}

// ResolvedLattice holds the lattice constants known to a run in a, b, c,
// alpha, beta, gamma order. Set marks which ones have a value.
type ResolvedLattice struct {
	Values [6]float64
	Set    [6]bool
}

// Complete reports whether all six constants are known.
func (l ResolvedLattice) Complete() bool {
	for _, s := range l.Set {
		if !s {
			return false
		}
	}
	return true
}

// Missing returns the names of constants without a value.
func (l ResolvedLattice) Missing() []string {
	var out []string
	for i, s := range l.Set {
		if !s {
			out = append(out, latticeNames[i])
		}
	}
	return out
}

// ResolveLattice applies the overrides and fills any missing constants from
// the workspace's oriented lattice. Constants that stay unknown are not an
// error: the fits target Q vectors and never read them.
func ResolveLattice(ws *peaks.Workspace, overrides [6]*float64) (ResolvedLattice, error) {
	var out ResolvedLattice
	for i, v := range overrides {
		if v == nil {
			continue
		}
		if !(*v > 0) {
			return ResolvedLattice{}, fmt.Errorf("%w: %s=%g", ErrInvalidLattice, latticeNames[i], *v)
		}
		out.Values[i] = *v
		out.Set[i] = true
	}
	if out.Complete() {
		return out, nil
	}

	lat, ok := ws.OrientedLattice()
	if !ok {
		return out, nil
	}
	lc, err := lat.Constants()
	if err != nil {
		return out, nil
	}
	for i, v := range lc.Slice() {
		if !out.Set[i] {
			out.Values[i] = v
			out.Set[i] = true
		}
	}
	return out, nil
}
