// Package peaks holds the peak workspace: an ordered collection of indexed
// single-crystal peaks with named-column projection, stable multi-key
// sorting and bulk removal.
package peaks

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/banshee-data/scdcal/internal/geom"
	"github.com/banshee-data/scdcal/internal/instrument"
)

var (
	// ErrOutOfRange is returned for a peak index outside [0, Len).
	ErrOutOfRange = errors.New("index out of range")
	// ErrColumnNotFound is returned for a name not in the column registry.
	ErrColumnNotFound = errors.New("column not found")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// CoordinateSystem tags how peak positions were last interpreted.
type CoordinateSystem string

const (
	FrameNone    CoordinateSystem = "None"
	FrameQLab    CoordinateSystem = "QLab"
	FrameQSample CoordinateSystem = "QSample"
	FrameHKL     CoordinateSystem = "HKL"
)

// Workspace is an ordered collection of peaks. It is not safe for
// concurrent mutation; clone it to give each goroutine its own copy.
type Workspace struct {
	peaks []Peak

	frame          CoordinateSystem
	lattice        *OrientedLattice
	goniometer     geom.Mat3
	runNumber      int
	nextPeakNumber int

	instrument *instrument.Instrument
}

// NewWorkspace returns an empty workspace attached to inst, which may be nil.
func NewWorkspace(inst *instrument.Instrument) *Workspace {
	return &Workspace{
		frame:          FrameNone,
		goniometer:     geom.Identity(),
		nextPeakNumber: 1,
		instrument:     inst,
	}
}

// Instrument returns the attached instrument tree.
func (w *Workspace) Instrument() *instrument.Instrument { return w.instrument }

// SetInstrument attaches an instrument tree.
func (w *Workspace) SetInstrument(inst *instrument.Instrument) { w.instrument = inst }

func (w *Workspace) RunNumber() int     { return w.runNumber }
func (w *Workspace) SetRunNumber(n int) { w.runNumber = n }

// Goniometer returns the run's goniometer rotation used by the factories.
func (w *Workspace) Goniometer() geom.Mat3     { return w.goniometer }
func (w *Workspace) SetGoniometer(r geom.Mat3) { w.goniometer = r }

func (w *Workspace) CoordinateSystem() CoordinateSystem     { return w.frame }
func (w *Workspace) SetCoordinateSystem(f CoordinateSystem) { w.frame = f }

// OrientedLattice returns the sample's oriented lattice, if one is set.
func (w *Workspace) OrientedLattice() (OrientedLattice, bool) {
	if w.lattice == nil {
		return OrientedLattice{}, false
	}
	return *w.lattice, true
}

// SetOrientedLattice stores a copy of l.
func (w *Workspace) SetOrientedLattice(l OrientedLattice) {
	w.lattice = &l
}

// ClearOrientedLattice removes the lattice.
func (w *Workspace) ClearOrientedLattice() { w.lattice = nil }

// Len returns the number of peaks.
func (w *Workspace) Len() int { return len(w.peaks) }

// Add appends a copy of p.
func (w *Workspace) Add(p Peak) {
	w.peaks = append(w.peaks, p)
	if p.PeakNumber >= w.nextPeakNumber {
		w.nextPeakNumber = p.PeakNumber + 1
	}
}

// Peak returns a copy of peak i.
func (w *Workspace) Peak(i int) (Peak, error) {
	if i < 0 || i >= len(w.peaks) {
		return Peak{}, fmt.Errorf("peak %d of %d: %w", i, len(w.peaks), ErrOutOfRange)
	}
	return w.peaks[i], nil
}

// Peaks returns a copy of all peaks in order.
func (w *Workspace) Peaks() []Peak {
	return slices.Clone(w.peaks)
}

// ModifyPeak calls fn on peak i in place.
func (w *Workspace) ModifyPeak(i int, fn func(*Peak)) error {
	if i < 0 || i >= len(w.peaks) {
		return fmt.Errorf("peak %d of %d: %w", i, len(w.peaks), ErrOutOfRange)
	}
	fn(&w.peaks[i])
	return nil
}

// RemoveAt removes peak i.
func (w *Workspace) RemoveAt(i int) error {
	if i < 0 || i >= len(w.peaks) {
		return fmt.Errorf("remove peak %d of %d: %w", i, len(w.peaks), ErrOutOfRange)
	}
	w.peaks = slices.Delete(w.peaks, i, i+1)
	return nil
}

// RemoveWhere removes every peak whose position before the call is in
// indices. Out-of-range and repeated indices are ignored. It returns the
// number of peaks removed.
func (w *Workspace) RemoveWhere(indices []int) int {
	if len(indices) == 0 {
		return 0
	}
	drop := make([]bool, len(w.peaks))
	for _, i := range indices {
		if i >= 0 && i < len(drop) {
			drop[i] = true
		}
	}
	kept := w.peaks[:0]
	for i, p := range w.peaks {
		if !drop[i] {
			kept = append(kept, p)
		}
	}
	removed := len(w.peaks) - len(kept)
	clear(w.peaks[len(kept):])
	w.peaks = kept
	return removed
}

// RemoveIf removes every peak for which pred returns true and returns the
// number removed.
func (w *Workspace) RemoveIf(pred func(Peak) bool) int {
	n := len(w.peaks)
	w.peaks = slices.DeleteFunc(w.peaks, pred)
	return n - len(w.peaks)
}

// Column returns the named column.
func (w *Workspace) Column(name string) (Column, error) {
	return lookupColumn(name)
}

// ColumnNames returns the column names in registry order.
func (w *Workspace) ColumnNames() []string {
	return ColumnNames()
}

// Project returns the named column's value for p.
func (w *Workspace) Project(p Peak, name string) (Value, error) {
	c, err := lookupColumn(name)
	if err != nil {
		return Value{}, err
	}
	return c.Project(p), nil
}

// Value returns the named column's value for peak i.
func (w *Workspace) Value(i int, name string) (Value, error) {
	p, err := w.Peak(i)
	if err != nil {
		return Value{}, err
	}
	return w.Project(p, name)
}

// SortCriterion is one key of a multi-column sort.
type SortCriterion struct {
	Column    string
	Ascending bool
}

// SortBy stably sorts the peaks by the criteria, compared left to right.
// Text columns compare lexicographically and numeric columns as float64,
// with NaN ordered before every number. All criteria are validated before
// any peak moves.
func (w *Workspace) SortBy(criteria []SortCriterion) error {
	if len(criteria) == 0 {
		return fmt.Errorf("sort: %w: no criteria", ErrInvalidArgument)
	}
	cols := make([]Column, len(criteria))
	for i, c := range criteria {
		col, err := lookupColumn(c.Column)
		if err != nil {
			return fmt.Errorf("sort: %w", err)
		}
		if col.Kind == Vector {
			return fmt.Errorf("sort: %w: column %q is not scalar", ErrInvalidArgument, c.Column)
		}
		cols[i] = col
	}

	slices.SortStableFunc(w.peaks, func(a, b Peak) int {
		for i, col := range cols {
			va, vb := col.project(&a), col.project(&b)
			var r int
			if col.Kind == Text {
				r = strings.Compare(va.Text, vb.Text)
			} else {
				r = cmp.Compare(va.Number, vb.Number)
			}
			if r == 0 {
				continue
			}
			if !criteria[i].Ascending {
				r = -r
			}
			return r
		}
		return 0
	})
	return nil
}

// Clone deep-copies the peaks and lattice. The instrument is shared.
func (w *Workspace) Clone() *Workspace {
	out := *w
	out.peaks = slices.Clone(w.peaks)
	if w.lattice != nil {
		l := *w.lattice
		out.lattice = &l
	}
	return &out
}
