package peaks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/fsutil"
	"github.com/banshee-data/scdcal/internal/geom"
	"github.com/banshee-data/scdcal/internal/instrument"
	"github.com/banshee-data/scdcal/internal/units"
)

// File is the JSON form of a peak workspace.
type File struct {
	RunNumber  int               `json:"run_number"`
	Frame      CoordinateSystem  `json:"frame,omitempty"`
	Goniometer *[9]float64       `json:"goniometer,omitempty"`
	UB         *[9]float64       `json:"ub,omitempty"`
	Lattice    *LatticeConstants `json:"lattice,omitempty"`
	Peaks      []PeakFile        `json:"peaks"`
}

// PeakFile is one peak. A peak is positioned by the first of q_sample,
// hkl (with a UB) or det_id plus tof (with an instrument) that is present.
type PeakFile struct {
	RunNumber      *int        `json:"run_number,omitempty"`
	DetID          int         `json:"det_id,omitempty"`
	HKL            *[3]float64 `json:"hkl,omitempty"`
	QSample        *[3]float64 `json:"q_sample,omitempty"`
	Goniometer     *[9]float64 `json:"goniometer,omitempty"`
	Wavelength     *float64    `json:"wavelength,omitempty"`
	TOF            float64     `json:"tof,omitempty"`
	Intensity      float64     `json:"intensity,omitempty"`
	SigmaIntensity float64     `json:"sigma,omitempty"`
	BinCount       float64     `json:"bin_count,omitempty"`
	BankName       string      `json:"bank,omitempty"`
	Row            *int        `json:"row,omitempty"`
	Col            *int        `json:"col,omitempty"`
	PeakNumber     int         `json:"peak_number,omitempty"`
	TBar           float64     `json:"tbar,omitempty"`
}

// Load reads a peak workspace from a JSON file on fsys and attaches inst.
func Load(fsys fsutil.FileSystem, path string, inst *instrument.Instrument) (*Workspace, error) {
	data, err := fsys.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read peaks file: %w", err)
	}
	return Decode(bytes.NewReader(data), inst)
}

// Decode reads a peak workspace from r and attaches inst.
func Decode(r io.Reader, inst *instrument.Instrument) (*Workspace, error) {
	var doc File
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse peaks JSON: %w", err)
	}
	return doc.Build(inst)
}

// Build constructs the workspace.
func (doc *File) Build(inst *instrument.Instrument) (*Workspace, error) {
	w := NewWorkspace(inst)
	w.SetRunNumber(doc.RunNumber)
	if doc.Goniometer != nil {
		w.SetGoniometer(geom.Mat3(*doc.Goniometer))
	}
	switch {
	case doc.UB != nil:
		lat := OrientedLattice{UB: geom.Mat3(*doc.UB)}
		if _, err := lat.Constants(); err != nil {
			return nil, fmt.Errorf("ub: %w", err)
		}
		w.SetOrientedLattice(lat)
	case doc.Lattice != nil:
		lat, err := NewOrientedLattice(*doc.Lattice, geom.Identity())
		if err != nil {
			return nil, fmt.Errorf("lattice: %w", err)
		}
		w.SetOrientedLattice(lat)
	}

	for i, pf := range doc.Peaks {
		p, err := pf.build(w)
		if err != nil {
			return nil, fmt.Errorf("peak %d: %w", i, err)
		}
		w.Add(p)
	}
	frame := doc.Frame
	if frame == "" {
		frame = FrameQSample
	}
	w.SetCoordinateSystem(frame)
	return w, nil
}

func (pf PeakFile) build(w *Workspace) (Peak, error) {
	saved := w.goniometer
	if pf.Goniometer != nil {
		w.goniometer = geom.Mat3(*pf.Goniometer)
	}
	defer func() { w.goniometer = saved }()

	var (
		p   Peak
		err error
	)
	switch {
	case pf.QSample != nil:
		p, err = w.CreatePeak(r3.Vec{X: pf.QSample[0], Y: pf.QSample[1], Z: pf.QSample[2]}, FrameQSample)
		if err == nil && pf.HKL != nil {
			p.H, p.K, p.L = pf.HKL[0], pf.HKL[1], pf.HKL[2]
		}
	case pf.HKL != nil:
		p, err = w.CreatePeak(r3.Vec{X: pf.HKL[0], Y: pf.HKL[1], Z: pf.HKL[2]}, FrameHKL)
	case pf.DetID != 0 && pf.TOF > 0:
		p, err = w.CreatePeakAtDetector(pf.DetID, pf.TOF)
	default:
		return Peak{}, fmt.Errorf("%w: needs q_sample, hkl or det_id with tof", ErrInvalidArgument)
	}
	if err != nil {
		return Peak{}, err
	}

	if pf.RunNumber != nil {
		p.RunNumber = *pf.RunNumber
	}
	if pf.DetID != 0 {
		p.DetID = pf.DetID
	}
	if pf.Wavelength != nil {
		p.Wavelength = *pf.Wavelength
		p.Energy = units.EnergyFromWavelength(p.Wavelength)
	}
	if pf.TOF != 0 {
		p.TOF = pf.TOF
	}
	if pf.BankName != "" {
		p.BankName = pf.BankName
	}
	if pf.Row != nil {
		p.Row = *pf.Row
	}
	if pf.Col != nil {
		p.Col = *pf.Col
	}
	if pf.PeakNumber != 0 {
		p.PeakNumber = pf.PeakNumber
	}
	p.Intensity = pf.Intensity
	p.SigmaIntensity = pf.SigmaIntensity
	p.BinCount = pf.BinCount
	p.TBar = pf.TBar
	return p, nil
}
