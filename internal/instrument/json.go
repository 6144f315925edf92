package instrument

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/fsutil"
	"github.com/banshee-data/scdcal/internal/geom"
)

// File is the JSON description of an instrument. Components are listed
// parents first; rectangular banks get a generated pixel grid.
type File struct {
	Name       string          `json:"name"`
	Source     ComponentFile   `json:"source"`
	Sample     ComponentFile   `json:"sample"`
	Assemblies []ComponentFile `json:"assemblies,omitempty"`
	Banks      []BankFile      `json:"banks"`
}

// ComponentFile describes one component placement.
type ComponentFile struct {
	Name     string         `json:"name"`
	Parent   string         `json:"parent,omitempty"`
	Position [3]float64     `json:"position"`
	Rotation []RotationFile `json:"rotation,omitempty"`
}

// RotationFile is one axis-angle rotation in degrees. Multiple entries are
// applied in order.
type RotationFile struct {
	Axis  [3]float64 `json:"axis"`
	Angle float64    `json:"angle"`
}

// BankFile describes a rectangular detector bank.
type BankFile struct {
	ComponentFile
	Rows            int     `json:"rows"`
	Cols            int     `json:"cols"`
	PixelWidth      float64 `json:"pixel_width"`
	PixelHeight     float64 `json:"pixel_height"`
	Depth           float64 `json:"depth,omitempty"`
	FirstDetectorID int     `json:"first_detector_id"`
}

// Load reads an instrument description from a JSON file on fsys.
func Load(fsys fsutil.FileSystem, path string) (*Instrument, error) {
	data, err := fsys.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read instrument file: %w", err)
	}
	return Decode(bytes.NewReader(data))
}

// Decode reads an instrument description from r.
func Decode(r io.Reader) (*Instrument, error) {
	var doc File
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse instrument JSON: %w", err)
	}
	return doc.Build()
}

func vec(a [3]float64) r3.Vec {
	return r3.Vec{X: a[0], Y: a[1], Z: a[2]}
}

func (c ComponentFile) component(kind Kind) Component {
	q := geom.IdentityQuat
	for _, r := range c.Rotation {
		q = quat.Mul(geom.AxisAngle(vec(r.Axis), r.Angle), q)
	}
	return Component{Name: c.Name, Kind: kind, Position: vec(c.Position), Rotation: q}
}

// Build constructs the instrument tree.
func (doc *File) Build() (*Instrument, error) {
	in := New(doc.Name)

	if err := in.AddComponent(doc.Source.component(KindSource), doc.Source.Parent); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := in.AddComponent(doc.Sample.component(KindSample), doc.Sample.Parent); err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}
	for _, a := range doc.Assemblies {
		if err := in.AddComponent(a.component(KindAssembly), a.Parent); err != nil {
			return nil, fmt.Errorf("assembly: %w", err)
		}
	}
	for _, b := range doc.Banks {
		if b.Rows <= 0 || b.Cols <= 0 {
			return nil, fmt.Errorf("bank %q: %w: rows and cols must be positive", b.Name, ErrInvalidComponent)
		}
		c := b.component(KindBank)
		c.Rows, c.Cols = b.Rows, b.Cols
		c.PixelWidth, c.PixelHeight, c.Depth = b.PixelWidth, b.PixelHeight, b.Depth
		if err := in.AddComponent(c, b.Parent); err != nil {
			return nil, fmt.Errorf("bank: %w", err)
		}
		if err := in.AddGrid(b.Name, b.FirstDetectorID); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// AddGrid generates the pixel grid of a rectangular bank, centred on the
// bank origin in its local XY plane. Ids run row-major from firstID.
func (in *Instrument) AddGrid(bank string, firstID int) error {
	c, err := in.Component(bank)
	if err != nil {
		return err
	}
	for row := 0; row < c.Rows; row++ {
		for col := 0; col < c.Cols; col++ {
			local := r3.Vec{
				X: (float64(col) - float64(c.Cols-1)/2) * c.PixelWidth,
				Y: (float64(row) - float64(c.Rows-1)/2) * c.PixelHeight,
			}
			if err := in.AddDetector(firstID+row*c.Cols+col, bank, local, row, col); err != nil {
				return err
			}
		}
	}
	return nil
}
