// Package instrument models the parts of a diffractometer the calibration
// touches: a tree of rigid components (source, sample, detector banks and
// any intermediate assemblies) and the pixels attached to them.
//
// The tree is exclusively owned by one Instrument. Mutation goes through a
// Handle scoped to one component, so concurrent bank fits each write only
// their own subtree root.
package instrument

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/geom"
)

var (
	// ErrComponentNotFound is returned for an unknown component name.
	ErrComponentNotFound = errors.New("component not found")
	// ErrDetectorNotFound is returned for an unknown detector id.
	ErrDetectorNotFound = errors.New("detector not found")
	// ErrInvalidComponent is returned when a component cannot be added.
	ErrInvalidComponent = errors.New("invalid component")
	// ErrOverlappingComponents is returned when write handles would alias.
	ErrOverlappingComponents = errors.New("overlapping components")
)

// Kind classifies a component.
type Kind string

const (
	KindSource   Kind = "source"
	KindSample   Kind = "sample"
	KindBank     Kind = "bank"
	KindAssembly Kind = "assembly"
)

// Component is one rigid node of the instrument tree. Position and Rotation
// are relative to the parent; root components are relative to the lab.
type Component struct {
	Name     string
	Kind     Kind
	Position r3.Vec
	Rotation quat.Number

	// Rectangular bank layout, used by the DetCal writer.
	Rows        int
	Cols        int
	PixelWidth  float64 // metres
	PixelHeight float64 // metres
	Depth       float64 // metres

	parent int
}

// Detector is one pixel. Local is its offset in the owning component's frame.
type Detector struct {
	ID        int
	Component int
	Local     r3.Vec
	Row       int
	Col       int
}

// Instrument is a mutable component tree with a detector table.
type Instrument struct {
	Name string

	components []Component
	byName     map[string]int
	detectors  map[int]Detector
	source     int
	sample     int
	validFrom  time.Time
}

// New returns an empty instrument.
func New(name string) *Instrument {
	return &Instrument{
		Name:      name,
		byName:    make(map[string]int),
		detectors: make(map[int]Detector),
		source:    -1,
		sample:    -1,
	}
}

// AddComponent attaches c under parent ("" for the lab root). A zero
// rotation is treated as the identity.
func (in *Instrument) AddComponent(c Component, parent string) error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidComponent)
	}
	if _, ok := in.byName[c.Name]; ok {
		return fmt.Errorf("%w: duplicate name %q", ErrInvalidComponent, c.Name)
	}
	c.parent = -1
	if parent != "" {
		p, ok := in.byName[parent]
		if !ok {
			return fmt.Errorf("parent of %q: %w: %q", c.Name, ErrComponentNotFound, parent)
		}
		c.parent = p
	}
	if c.Rotation == (quat.Number{}) {
		c.Rotation = geom.IdentityQuat
	}
	if c.Kind == "" {
		c.Kind = KindAssembly
	}

	idx := len(in.components)
	switch c.Kind {
	case KindSource:
		if in.source >= 0 {
			return fmt.Errorf("%w: second source %q", ErrInvalidComponent, c.Name)
		}
		in.source = idx
	case KindSample:
		if in.sample >= 0 {
			return fmt.Errorf("%w: second sample %q", ErrInvalidComponent, c.Name)
		}
		in.sample = idx
	}
	in.components = append(in.components, c)
	in.byName[c.Name] = idx
	return nil
}

// AddDetector registers a pixel on the named component.
func (in *Instrument) AddDetector(id int, component string, local r3.Vec, row, col int) error {
	idx, ok := in.byName[component]
	if !ok {
		return fmt.Errorf("detector %d: %w: %q", id, ErrComponentNotFound, component)
	}
	if _, dup := in.detectors[id]; dup {
		return fmt.Errorf("%w: duplicate detector id %d", ErrInvalidComponent, id)
	}
	in.detectors[id] = Detector{ID: id, Component: idx, Local: local, Row: row, Col: col}
	return nil
}

// Component returns a copy of the named component.
func (in *Instrument) Component(name string) (Component, error) {
	idx, ok := in.byName[name]
	if !ok {
		return Component{}, fmt.Errorf("%w: %q", ErrComponentNotFound, name)
	}
	return in.components[idx], nil
}

// HasComponent reports whether name is in the tree.
func (in *Instrument) HasComponent(name string) bool {
	_, ok := in.byName[name]
	return ok
}

// Banks returns the names of all bank components in insertion order.
func (in *Instrument) Banks() []string {
	var names []string
	for _, c := range in.components {
		if c.Kind == KindBank {
			names = append(names, c.Name)
		}
	}
	return names
}

// SourceName returns the source component name, or "" if none.
func (in *Instrument) SourceName() string {
	if in.source < 0 {
		return ""
	}
	return in.components[in.source].Name
}

// SampleName returns the sample component name, or "" if none.
func (in *Instrument) SampleName() string {
	if in.sample < 0 {
		return ""
	}
	return in.components[in.sample].Name
}

// Parent returns the name of the component's parent, "" at the root.
func (in *Instrument) Parent(name string) (string, error) {
	idx, ok := in.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrComponentNotFound, name)
	}
	if p := in.components[idx].parent; p >= 0 {
		return in.components[p].Name, nil
	}
	return "", nil
}

func (in *Instrument) absolute(idx int) (r3.Vec, quat.Number) {
	c := &in.components[idx]
	if c.parent < 0 {
		return c.Position, c.Rotation
	}
	pp, pr := in.absolute(c.parent)
	return r3.Add(pp, geom.RotateVec(pr, c.Position)), quat.Mul(pr, c.Rotation)
}

// Position returns the lab-frame position of the named component.
func (in *Instrument) Position(name string) (r3.Vec, error) {
	idx, ok := in.byName[name]
	if !ok {
		return r3.Vec{}, fmt.Errorf("%w: %q", ErrComponentNotFound, name)
	}
	p, _ := in.absolute(idx)
	return p, nil
}

// Rotation returns the lab-frame orientation of the named component.
func (in *Instrument) Rotation(name string) (quat.Number, error) {
	idx, ok := in.byName[name]
	if !ok {
		return quat.Number{}, fmt.Errorf("%w: %q", ErrComponentNotFound, name)
	}
	_, r := in.absolute(idx)
	return r, nil
}

// SourcePosition returns the lab-frame source position.
func (in *Instrument) SourcePosition() (r3.Vec, error) {
	if in.source < 0 {
		return r3.Vec{}, fmt.Errorf("%w: no source", ErrComponentNotFound)
	}
	p, _ := in.absolute(in.source)
	return p, nil
}

// SamplePosition returns the lab-frame sample position.
func (in *Instrument) SamplePosition() (r3.Vec, error) {
	if in.sample < 0 {
		return r3.Vec{}, fmt.Errorf("%w: no sample", ErrComponentNotFound)
	}
	p, _ := in.absolute(in.sample)
	return p, nil
}

// L1 returns the source-to-sample distance in metres.
func (in *Instrument) L1() (float64, error) {
	s, err := in.SourcePosition()
	if err != nil {
		return 0, err
	}
	o, err := in.SamplePosition()
	if err != nil {
		return 0, err
	}
	return r3.Norm(r3.Sub(o, s)), nil
}

// Detector returns the pixel with the given id.
func (in *Instrument) Detector(id int) (Detector, error) {
	d, ok := in.detectors[id]
	if !ok {
		return Detector{}, fmt.Errorf("%w: %d", ErrDetectorNotFound, id)
	}
	return d, nil
}

// DetectorPosition returns the lab-frame position of a pixel.
func (in *Instrument) DetectorPosition(id int) (r3.Vec, error) {
	d, ok := in.detectors[id]
	if !ok {
		return r3.Vec{}, fmt.Errorf("%w: %d", ErrDetectorNotFound, id)
	}
	p, r := in.absolute(d.Component)
	return r3.Add(p, geom.RotateVec(r, d.Local)), nil
}

// BankOf returns the name of the nearest bank component at or above the
// detector's component, or "None" when the pixel is not under a bank.
func (in *Instrument) BankOf(id int) (string, error) {
	d, ok := in.detectors[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrDetectorNotFound, id)
	}
	for idx := d.Component; idx >= 0; idx = in.components[idx].parent {
		if in.components[idx].Kind == KindBank {
			return in.components[idx].Name, nil
		}
	}
	return "None", nil
}

func (in *Instrument) isUnder(child, ancestor int) bool {
	for idx := child; idx >= 0; idx = in.components[idx].parent {
		if idx == ancestor {
			return true
		}
	}
	return false
}

// IsDescendant reports whether component is ancestor itself or lies below it.
func (in *Instrument) IsDescendant(component, ancestor string) (bool, error) {
	c, ok := in.byName[component]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrComponentNotFound, component)
	}
	a, ok := in.byName[ancestor]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrComponentNotFound, ancestor)
	}
	return in.isUnder(c, a), nil
}

// DetectorUnder reports whether the pixel moves with the named component.
func (in *Instrument) DetectorUnder(id int, component string) (bool, error) {
	d, ok := in.detectors[id]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrDetectorNotFound, id)
	}
	a, ok := in.byName[component]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrComponentNotFound, component)
	}
	return in.isUnder(d.Component, a), nil
}

// ValidFrom returns the calibration validity date; zero until calibrated.
func (in *Instrument) ValidFrom() time.Time {
	return in.validFrom
}

// MarkCalibrated stamps the validity date. Not safe to call while handles
// are being used from other goroutines.
func (in *Instrument) MarkCalibrated(t time.Time) {
	in.validFrom = t
}

// Clone returns a deep copy.
func (in *Instrument) Clone() *Instrument {
	out := &Instrument{
		Name:       in.Name,
		components: append([]Component(nil), in.components...),
		byName:     make(map[string]int, len(in.byName)),
		detectors:  make(map[int]Detector, len(in.detectors)),
		source:     in.source,
		sample:     in.sample,
		validFrom:  in.validFrom,
	}
	for k, v := range in.byName {
		out.byName[k] = v
	}
	for k, v := range in.detectors {
		out.detectors[k] = v
	}
	return out
}

// NumDetectors returns the pixel count.
func (in *Instrument) NumDetectors() int {
	return len(in.detectors)
}
