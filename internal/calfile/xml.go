package calfile

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/banshee-data/scdcal/internal/geom"
	"github.com/banshee-data/scdcal/internal/instrument"
)

// ValidFromLayout formats the valid-from attribute.
const ValidFromLayout = "2006-01-02T15:04:05"

// ParameterFile is the root of a parameter XML file.
type ParameterFile struct {
	XMLName    xml.Name        `xml:"parameter-file"`
	Instrument string          `xml:"instrument,attr"`
	ValidFrom  string          `xml:"valid-from,attr"`
	Links      []ComponentLink `xml:"component-link"`
}

// ComponentLink holds the parameters of one component.
type ComponentLink struct {
	Name       string      `xml:"name,attr"`
	Parameters []Parameter `xml:"parameter"`
}

// Parameter is a single named value.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value Value  `xml:"value"`
}

// Value carries the number in its val attribute.
type Value struct {
	Val float64 `xml:"val,attr"`
}

// Value returns the named parameter of the link.
func (l ComponentLink) Value(name string) (float64, bool) {
	for _, p := range l.Parameters {
		if p.Name == name {
			return p.Value.Val, true
		}
	}
	return 0, false
}

func param(name string, v float64) Parameter {
	return Parameter{Name: name, Value: Value{Val: v}}
}

// bankComponent maps a bank name to the component that carries its pose.
// CORELLI banks hold their pixels in a sixteenpack child.
func bankComponent(inst *instrument.Instrument, bank string) string {
	if inst.Name == "CORELLI" {
		return bank + "/sixteenpack"
	}
	return bank
}

// BuildParameterFile describes the relative pose of each bank and the source
// position. Rotations are XYZ Euler angles in degrees; scaling is fixed at 1.
func BuildParameterFile(inst *instrument.Instrument, banks []string) (*ParameterFile, error) {
	doc := &ParameterFile{
		Instrument: inst.Name,
		ValidFrom:  formatValidFrom(inst.ValidFrom()),
	}
	for _, bank := range banks {
		name := bankComponent(inst, bank)
		c, err := inst.Component(name)
		if err != nil {
			return nil, fmt.Errorf("parameter file: %w", err)
		}
		rx, ry, rz := geom.EulerXYZ(geom.FromQuat(c.Rotation))
		doc.Links = append(doc.Links, ComponentLink{
			Name: name,
			Parameters: []Parameter{
				param("rotx", rx),
				param("roty", ry),
				param("rotz", rz),
				param("x", c.Position.X),
				param("y", c.Position.Y),
				param("z", c.Position.Z),
				param("scalex", 1),
				param("scaley", 1),
			},
		})
	}

	src, err := inst.Component(inst.SourceName())
	if err != nil {
		return nil, fmt.Errorf("parameter file: source: %w", err)
	}
	doc.Links = append(doc.Links, ComponentLink{
		Name: src.Name,
		Parameters: []Parameter{
			param("x", src.Position.X),
			param("y", src.Position.Y),
			param("z", src.Position.Z),
		},
	})
	return doc, nil
}

func formatValidFrom(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(ValidFromLayout)
}

// MarshalParameterFile renders doc with a header and two-space indent.
func MarshalParameterFile(doc *ParameterFile) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal parameter file: %w", err)
	}
	out := append([]byte(xml.Header), body...)
	return append(out, '\n'), nil
}

// DecodeParameterFile parses a parameter XML document.
func DecodeParameterFile(data []byte) (*ParameterFile, error) {
	var doc ParameterFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode parameter file: %w", err)
	}
	return &doc, nil
}
