package peaks

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/units"
)

// CreatePeak builds a peak at position interpreted in frame. The peak is
// stamped with the workspace run number and the next peak number but is
// not added. FrameNone is treated as QSample. FrameHKL requires an
// oriented lattice and stores the indices on the peak.
func (w *Workspace) CreatePeak(position r3.Vec, frame CoordinateSystem) (Peak, error) {
	p := w.newPeak()
	switch frame {
	case FrameQLab:
		p.QSample = w.goniometer.T().MulVec(position)
	case FrameQSample, FrameNone:
		p.QSample = position
	case FrameHKL:
		if w.lattice == nil {
			return Peak{}, fmt.Errorf("create peak from HKL: %w: no oriented lattice", ErrInvalidArgument)
		}
		p.H, p.K, p.L = position.X, position.Y, position.Z
		p.QSample = w.lattice.QSample(position)
	default:
		return Peak{}, fmt.Errorf("create peak: %w: unknown frame %q", ErrInvalidArgument, frame)
	}
	p.deriveFromQ()
	return p, nil
}

// CreatePeakAtDetector builds the elastic peak seen by pixel detID at the
// given time of flight (µs), using the attached instrument. Bank, row and
// column come from the pixel.
func (w *Workspace) CreatePeakAtDetector(detID int, tof float64) (Peak, error) {
	if w.instrument == nil {
		return Peak{}, fmt.Errorf("create peak at detector %d: %w: no instrument", detID, ErrInvalidArgument)
	}
	in := w.instrument
	det, err := in.Detector(detID)
	if err != nil {
		return Peak{}, fmt.Errorf("create peak: %w", err)
	}
	pixel, err := in.DetectorPosition(detID)
	if err != nil {
		return Peak{}, fmt.Errorf("create peak: %w", err)
	}
	src, err := in.SourcePosition()
	if err != nil {
		return Peak{}, fmt.Errorf("create peak: %w", err)
	}
	sample, err := in.SamplePosition()
	if err != nil {
		return Peak{}, fmt.Errorf("create peak: %w", err)
	}
	bank, err := in.BankOf(detID)
	if err != nil {
		return Peak{}, fmt.Errorf("create peak: %w", err)
	}

	qLab, wavelength := ElasticQLab(src, sample, pixel, tof)
	if wavelength <= 0 {
		return Peak{}, fmt.Errorf("create peak at detector %d: %w: non-positive wavelength", detID, ErrInvalidArgument)
	}

	p := w.newPeak()
	p.DetID = detID
	p.BankName = bank
	p.Row, p.Col = det.Row, det.Col
	p.TOF = tof
	p.QSample = w.goniometer.T().MulVec(qLab)
	p.deriveFromQ()
	p.Wavelength = wavelength
	p.Energy = units.EnergyFromWavelength(wavelength)
	return p, nil
}

// ElasticQLab returns the lab-frame momentum transfer k_i − k_f and the
// wavelength for a neutron travelling source → sample → pixel in tof µs.
func ElasticQLab(source, sample, pixel r3.Vec, tof float64) (r3.Vec, float64) {
	in := r3.Sub(sample, source)
	out := r3.Sub(pixel, sample)
	l1, l2 := r3.Norm(in), r3.Norm(out)
	if l1 == 0 || l2 == 0 {
		return r3.Vec{}, 0
	}
	wavelength := units.WavelengthFromTOF(tof, l1+l2)
	if wavelength <= 0 {
		return r3.Vec{}, 0
	}
	k := units.WavenumberFromWavelength(wavelength)
	return r3.Scale(k, r3.Sub(r3.Scale(1/l1, in), r3.Scale(1/l2, out))), wavelength
}

func (w *Workspace) newPeak() Peak {
	p := Peak{
		RunNumber:  w.runNumber,
		Goniometer: w.goniometer,
		BankName:   NoBank,
		PeakNumber: w.nextPeakNumber,
	}
	w.nextPeakNumber++
	return p
}

// deriveFromQ fills wavelength, energy and d-spacing assuming elastic
// scattering with the beam along +z.
func (p *Peak) deriveFromQ() {
	q := p.QLab()
	p.DSpacing = units.DSpacingFromQ(r3.Norm(q))
	p.Wavelength = units.WavelengthFromQLab(q.X, q.Y, q.Z)
	if p.Wavelength > 0 {
		p.Energy = units.EnergyFromWavelength(p.Wavelength)
	} else {
		p.Energy = 0
	}
}
