package peaks

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"
)

// ValueKind is the type of a projected column value.
type ValueKind int

const (
	Number ValueKind = iota
	Text
	Vector
)

func (k ValueKind) String() string {
	switch k {
	case Number:
		return "number"
	case Text:
		return "text"
	case Vector:
		return "vector"
	}
	return "ValueKind(" + strconv.Itoa(int(k)) + ")"
}

// Value is one column projected off one peak.
type Value struct {
	Kind   ValueKind
	Number float64
	Text   string
	Vector r3.Vec
}

func (v Value) String() string {
	switch v.Kind {
	case Text:
		return v.Text
	case Vector:
		return fmt.Sprintf("[%g,%g,%g]", v.Vector.X, v.Vector.Y, v.Vector.Z)
	}
	return strconv.FormatFloat(v.Number, 'g', -1, 64)
}

func num(f float64) Value   { return Value{Kind: Number, Number: f} }
func numInt(i int) Value    { return Value{Kind: Number, Number: float64(i)} }
func text(s string) Value   { return Value{Kind: Text, Text: s} }
func vector(v r3.Vec) Value { return Value{Kind: Vector, Vector: v} }

// Column is a named projection of one peak attribute.
type Column struct {
	Name    string
	Kind    ValueKind
	project func(*Peak) Value
}

// Project returns the column's value for p.
func (c Column) Project(p Peak) Value {
	return c.project(&p)
}

// registry is shared by every Workspace and never reordered.
var registry = []Column{
	{"RunNumber", Number, func(p *Peak) Value { return numInt(p.RunNumber) }},
	{"DetID", Number, func(p *Peak) Value { return numInt(p.DetID) }},
	{"h", Number, func(p *Peak) Value { return num(p.H) }},
	{"k", Number, func(p *Peak) Value { return num(p.K) }},
	{"l", Number, func(p *Peak) Value { return num(p.L) }},
	{"Wavelength", Number, func(p *Peak) Value { return num(p.Wavelength) }},
	{"Energy", Number, func(p *Peak) Value { return num(p.Energy) }},
	{"TOF", Number, func(p *Peak) Value { return num(p.TOF) }},
	{"DSpacing", Number, func(p *Peak) Value { return num(p.DSpacing) }},
	{"Intens", Number, func(p *Peak) Value { return num(p.Intensity) }},
	{"SigInt", Number, func(p *Peak) Value { return num(p.SigmaIntensity) }},
	{"Intens/SigInt", Number, func(p *Peak) Value { return num(p.IntensityOverSigma()) }},
	{"BinCount", Number, func(p *Peak) Value { return num(p.BinCount) }},
	{"BankName", Text, func(p *Peak) Value { return text(p.BankName) }},
	{"Row", Number, func(p *Peak) Value { return numInt(p.Row) }},
	{"Col", Number, func(p *Peak) Value { return numInt(p.Col) }},
	{"QLab", Vector, func(p *Peak) Value { return vector(p.QLab()) }},
	{"QSample", Vector, func(p *Peak) Value { return vector(p.QSample) }},
	{"PeakNumber", Number, func(p *Peak) Value { return numInt(p.PeakNumber) }},
	{"TBar", Number, func(p *Peak) Value { return num(p.TBar) }},
}

var registryIndex = func() map[string]int {
	m := make(map[string]int, len(registry))
	for i, c := range registry {
		m[c.Name] = i
	}
	return m
}()

// ColumnNames returns the column names in registry order.
func ColumnNames() []string {
	names := make([]string, len(registry))
	for i, c := range registry {
		names[i] = c.Name
	}
	return names
}

func lookupColumn(name string) (Column, error) {
	i, ok := registryIndex[name]
	if !ok {
		return Column{}, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	return registry[i], nil
}
