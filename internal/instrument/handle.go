package instrument

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/geom"
)

// Lab axes used for the ordered rotation deltas.
var (
	AxisX = r3.Vec{X: 1}
	AxisY = r3.Vec{Y: 1}
	AxisZ = r3.Vec{Z: 1}
)

// PoseDelta is one stage's correction for a component: a lab-frame
// translation in metres, rotations in degrees about the lab X, Y and Z axes
// applied in that order, and the time offset in microseconds the fit held.
type PoseDelta struct {
	Translation r3.Vec
	RotX        float64
	RotY        float64
	RotZ        float64
	T0          float64
}

// IsZero reports whether the delta leaves the geometry unchanged.
func (d PoseDelta) IsZero() bool {
	return d.Translation == (r3.Vec{}) && d.RotX == 0 && d.RotY == 0 && d.RotZ == 0
}

// Rotation returns the composed lab-frame rotation Rz·Ry·Rx.
func (d PoseDelta) Rotation() quat.Number {
	qx := geom.AxisAngle(AxisX, d.RotX)
	qy := geom.AxisAngle(AxisY, d.RotY)
	qz := geom.AxisAngle(AxisZ, d.RotZ)
	return quat.Mul(qz, quat.Mul(qy, qx))
}

// Handle is the write capability for one component. Handles for disjoint
// subtrees may be used from different goroutines.
type Handle struct {
	in  *Instrument
	idx int
}

// Handle returns the write handle for a single component.
func (in *Instrument) Handle(name string) (*Handle, error) {
	idx, ok := in.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrComponentNotFound, name)
	}
	return &Handle{in: in, idx: idx}, nil
}

// Handles acquires write handles for a set of components that are about to
// be mutated concurrently. It fails if any name is unknown or if one
// component lies inside another's subtree, since both writers would then
// move the same pixels.
func (in *Instrument) Handles(names []string) (map[string]*Handle, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	out := make(map[string]*Handle, len(sorted))
	for _, name := range sorted {
		h, err := in.Handle(name)
		if err != nil {
			return nil, err
		}
		out[name] = h
	}
	for i, a := range sorted {
		for _, b := range sorted[i+1:] {
			ia, ib := out[a].idx, out[b].idx
			if ia == ib || in.isUnder(ia, ib) || in.isUnder(ib, ia) {
				return nil, fmt.Errorf("%w: %q and %q", ErrOverlappingComponents, a, b)
			}
		}
	}
	return out, nil
}

// Name returns the component name.
func (h *Handle) Name() string {
	return h.in.components[h.idx].Name
}

// Position returns the component's lab-frame position.
func (h *Handle) Position() r3.Vec {
	p, _ := h.in.absolute(h.idx)
	return p
}

// Translate moves the component by d in the lab frame.
func (h *Handle) Translate(d r3.Vec) {
	c := &h.in.components[h.idx]
	if c.parent >= 0 {
		_, pr := h.in.absolute(c.parent)
		d = geom.RotateVec(quat.Conj(pr), d)
	}
	c.Position = r3.Add(c.Position, d)
}

// Rotate turns the component by deg degrees about a lab-frame axis through
// its own centre. Its position is unchanged.
func (h *Handle) Rotate(axis r3.Vec, deg float64) {
	if deg == 0 {
		return
	}
	q := geom.AxisAngle(axis, deg)
	c := &h.in.components[h.idx]
	if c.parent < 0 {
		c.Rotation = geom.Normalize(quat.Mul(q, c.Rotation))
		return
	}
	// rel' = P⁻¹·q·P·rel keeps the parent frame fixed.
	_, pr := h.in.absolute(c.parent)
	c.Rotation = geom.Normalize(quat.Mul(quat.Conj(pr), quat.Mul(q, quat.Mul(pr, c.Rotation))))
}

// Apply applies the translation first and then the rotations about the lab
// X, Y and Z axes in that order.
func (h *Handle) Apply(d PoseDelta) {
	h.Translate(d.Translation)
	h.Rotate(AxisX, d.RotX)
	h.Rotate(AxisY, d.RotY)
	h.Rotate(AxisZ, d.RotZ)
}

// AdjustComponent applies d to the named component.
func (in *Instrument) AdjustComponent(name string, d PoseDelta) error {
	h, err := in.Handle(name)
	if err != nil {
		return fmt.Errorf("adjust component: %w", err)
	}
	h.Apply(d)
	return nil
}
