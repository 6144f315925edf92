package calibration

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/geom"
	"github.com/banshee-data/scdcal/internal/instrument"
	"github.com/banshee-data/scdcal/internal/peaks"
)

// PanelModelName identifies the panel pose objective.
const PanelModelName = "PanelPoseObjective"

// panelPeak is the geometry of one peak, captured when the model is built.
type panelPeak struct {
	pixel  r3.Vec
	moves  bool // pixel lies under the fitted component
	tof    float64
	gonioT geom.Mat3
}

// PanelModel predicts the sample-frame Q of each peak after moving one
// component by (dx, dy, dz), rotating it by drotx, droty, drotz about the
// lab axes through its centre and shifting every TOF by dT0.
//
// It snapshots positions at construction, so it is safe to evaluate while
// other components are being adjusted.
type PanelModel struct {
	component string
	isSource  bool
	centre    r3.Vec
	source    r3.Vec
	sample    r3.Vec
	peaks     []panelPeak
}

// NewPanelModel captures the geometry needed to evaluate ps against the
// named component of inst. Every peak must reference a known detector.
func NewPanelModel(inst *instrument.Instrument, component string, ps []peaks.Peak) (*PanelModel, error) {
	centre, err := inst.Position(component)
	if err != nil {
		return nil, fmt.Errorf("panel model: %w", err)
	}
	src, err := inst.SourcePosition()
	if err != nil {
		return nil, fmt.Errorf("panel model: %w", err)
	}
	sample, err := inst.SamplePosition()
	if err != nil {
		return nil, fmt.Errorf("panel model: %w", err)
	}

	m := &PanelModel{
		component: component,
		isSource:  component == inst.SourceName(),
		centre:    centre,
		source:    src,
		sample:    sample,
		peaks:     make([]panelPeak, len(ps)),
	}
	for i, p := range ps {
		pixel, err := inst.DetectorPosition(p.DetID)
		if err != nil {
			return nil, fmt.Errorf("panel model: peak %d: %w", p.PeakNumber, err)
		}
		moves, err := inst.DetectorUnder(p.DetID, component)
		if err != nil {
			return nil, fmt.Errorf("panel model: %w", err)
		}
		gonio := p.Goniometer
		if gonio == (geom.Mat3{}) {
			gonio = geom.Identity()
		}
		m.peaks[i] = panelPeak{pixel: pixel, moves: moves, tof: p.TOF, gonioT: gonio.T()}
	}
	return m, nil
}

// Name implements Model.
func (m *PanelModel) Name() string { return PanelModelName }

// ParameterNames implements Model.
func (m *PanelModel) ParameterNames() []string { return ParameterNames }

// Component returns the component the model moves.
func (m *PanelModel) Component() string { return m.component }

// NumPeaks returns the number of peaks in the model.
func (m *PanelModel) NumPeaks() int { return len(m.peaks) }

// StrayPeaks counts peaks whose pixel does not move with the component.
func (m *PanelModel) StrayPeaks() int {
	n := 0
	for _, p := range m.peaks {
		if !p.moves {
			n++
		}
	}
	return n
}

// Eval implements Model. out holds three entries per peak.
func (m *PanelModel) Eval(params []float64, out []float64) error {
	if len(params) != len(ParameterNames) {
		return fmt.Errorf("panel model: got %d parameters, want %d", len(params), len(ParameterNames))
	}
	if len(out) != 3*len(m.peaks) {
		return fmt.Errorf("panel model: output has %d points, want %d", len(out), 3*len(m.peaks))
	}
	delta := DeltaFromParams(params)
	rot := geom.FromQuat(delta.Rotation())

	src := m.source
	if m.isSource {
		src = r3.Add(src, delta.Translation)
	}
	moved := r3.Add(m.centre, delta.Translation)

	for i, p := range m.peaks {
		pixel := p.pixel
		if p.moves {
			pixel = r3.Add(moved, rot.MulVec(r3.Sub(pixel, m.centre)))
		}
		qLab, _ := peaks.ElasticQLab(src, m.sample, pixel, p.tof+delta.T0)
		q := p.gonioT.MulVec(qLab)
		out[3*i], out[3*i+1], out[3*i+2] = q.X, q.Y, q.Z
	}
	return nil
}

// DeltaFromParams maps model parameters to a pose delta.
func DeltaFromParams(params []float64) instrument.PoseDelta {
	return instrument.PoseDelta{
		Translation: r3.Vec{X: params[0], Y: params[1], Z: params[2]},
		RotX:        params[3],
		RotY:        params[4],
		RotZ:        params[5],
		T0:          params[6],
	}
}

// TargetSpectrum flattens the sample-frame Q of every peak into Y with a
// running index for X and unit uncertainties.
func TargetSpectrum(ps []peaks.Peak) Spectrum {
	n := 3 * len(ps)
	s := Spectrum{X: make([]float64, n), Y: make([]float64, n), E: make([]float64, n)}
	for i, p := range ps {
		s.Y[3*i], s.Y[3*i+1], s.Y[3*i+2] = p.QSample.X, p.QSample.Y, p.QSample.Z
	}
	for i := range s.X {
		s.X[i] = float64(i)
		s.E[i] = 1
	}
	return s
}
