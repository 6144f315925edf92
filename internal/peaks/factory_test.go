package peaks

import (
	"errors"
	"io/fs"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/fsutil"
	"github.com/banshee-data/scdcal/internal/geom"
	"github.com/banshee-data/scdcal/internal/instrument"
	"github.com/banshee-data/scdcal/internal/testutil"
	"github.com/banshee-data/scdcal/internal/units"
)

const tol = 1e-9

// newTestInstrument: source 20 m upstream, one 3x3 bank at (2,0,0) with
// centre pixel 104.
func newTestInstrument(t *testing.T) *instrument.Instrument {
	t.Helper()
	in := instrument.New("TEST")
	require.NoError(t, in.AddComponent(instrument.Component{Name: "moderator", Kind: instrument.KindSource, Position: r3.Vec{Z: -20}}, ""))
	require.NoError(t, in.AddComponent(instrument.Component{Name: "sample-position", Kind: instrument.KindSample}, ""))
	require.NoError(t, in.AddComponent(instrument.Component{
		Name: "bank1", Kind: instrument.KindBank, Position: r3.Vec{X: 2},
		Rows: 3, Cols: 3, PixelWidth: 0.01, PixelHeight: 0.01,
	}, ""))
	require.NoError(t, in.AddGrid("bank1", 100))
	return in
}

func TestCreatePeakQSample(t *testing.T) {
	w := NewWorkspace(nil)
	w.SetRunNumber(4321)

	p, err := w.CreatePeak(r3.Vec{Z: 2 * math.Pi}, FrameQSample)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Len(), "factory must not add")
	assert.Equal(t, 4321, p.RunNumber)
	assert.Equal(t, NoBank, p.BankName)
	testutil.AssertNear(t, "d", p.DSpacing, 1, tol)
	testutil.AssertNear(t, "wavelength", p.Wavelength, 2, tol)
	testutil.AssertNear(t, "energy", p.Energy, units.EnergyWavelengthFactor/4, tol)
}

func TestCreatePeakQLabUsesGoniometer(t *testing.T) {
	w := NewWorkspace(nil)
	r := geom.RotY(30)
	w.SetGoniometer(r)

	qLab := r3.Vec{X: -1, Z: 1}
	p, err := w.CreatePeak(qLab, FrameQLab)
	require.NoError(t, err)
	testutil.AssertVecNear(t, "QSample", p.QSample, r.T().MulVec(qLab), tol)
	testutil.AssertVecNear(t, "QLab", p.QLab(), qLab, tol)
	// λ = 4π·qz/|Q|² from the lab vector.
	testutil.AssertNear(t, "wavelength", p.Wavelength, 2*math.Pi, tol)
}

func TestCreatePeakHKL(t *testing.T) {
	w := NewWorkspace(nil)
	_, err := w.CreatePeak(r3.Vec{X: 1}, FrameHKL)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)

	lat, err := NewOrientedLattice(LatticeConstants{5, 5, 5, 90, 90, 90}, geom.Identity())
	require.NoError(t, err)
	w.SetOrientedLattice(lat)

	p, err := w.CreatePeak(r3.Vec{X: 1, Y: 2, Z: 3}, FrameHKL)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.H)
	assert.Equal(t, 2.0, p.K)
	assert.Equal(t, 3.0, p.L)
	testutil.AssertVecNear(t, "QSample", p.QSample, r3.Scale(2*math.Pi/5, r3.Vec{X: 1, Y: 2, Z: 3}), tol)
	testutil.AssertNear(t, "d", p.DSpacing, 5/math.Sqrt(14), tol)

	_, err = w.CreatePeak(r3.Vec{}, CoordinateSystem("Bogus"))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestCreatePeakNumbersIncrease(t *testing.T) {
	w := NewWorkspace(nil)
	w.Add(Peak{PeakNumber: 7})
	for want := 8; want <= 10; want++ {
		p, err := w.CreatePeak(r3.Vec{Z: 1}, FrameQSample)
		require.NoError(t, err)
		assert.Equal(t, want, p.PeakNumber)
	}
}

func TestCreatePeakAtDetector(t *testing.T) {
	in := newTestInstrument(t)
	w := NewWorkspace(in)

	tof := units.TOFFromWavelength(2, 22)
	p, err := w.CreatePeakAtDetector(104, tof)
	require.NoError(t, err)

	assert.Equal(t, 104, p.DetID)
	assert.Equal(t, "bank1", p.BankName)
	assert.Equal(t, 1, p.Row)
	assert.Equal(t, 1, p.Col)
	assert.Equal(t, tof, p.TOF)
	testutil.AssertNear(t, "wavelength", p.Wavelength, 2, 1e-9)
	testutil.AssertVecNear(t, "QLab", p.QLab(), r3.Vec{X: -math.Pi, Z: math.Pi}, 1e-9)
	testutil.AssertNear(t, "d", p.DSpacing, math.Sqrt2, 1e-9)

	_, err = w.CreatePeakAtDetector(999, tof)
	assert.True(t, errors.Is(err, instrument.ErrDetectorNotFound))

	_, err = NewWorkspace(nil).CreatePeakAtDetector(104, tof)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = w.CreatePeakAtDetector(104, 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestOrientedLatticeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		lc   LatticeConstants
	}{
		{"cubic", LatticeConstants{5, 5, 5, 90, 90, 90}},
		{"hexagonal", LatticeConstants{4.91, 4.91, 5.41, 90, 90, 120}},
		{"triclinic", LatticeConstants{6.1, 7.3, 8.2, 81, 95.5, 103}},
	}
	u := geom.RotZ(17).Mul(geom.RotX(-33))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lat, err := NewOrientedLattice(tt.lc, u)
			require.NoError(t, err)
			got, err := lat.Constants()
			require.NoError(t, err)
			want := tt.lc.Slice()
			for i, v := range got.Slice() {
				testutil.AssertNear(t, "constant", v, want[i], 1e-7)
			}
		})
	}

	_, err := NewOrientedLattice(LatticeConstants{5, 0, 5, 90, 90, 90}, geom.Identity())
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = OrientedLattice{}.Constants()
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestDecode(t *testing.T) {
	in := newTestInstrument(t)
	tof := units.TOFFromWavelength(2, 22)
	doc := `{
  "run_number": 99,
  "lattice": {"a": 5, "b": 5, "c": 5, "alpha": 90, "beta": 90, "gamma": 90},
  "peaks": [
    {"q_sample": [0, 0, 6.283185307179586], "hkl": [0, 0, 5], "bank": "bank1", "det_id": 104, "tof": 1000, "intensity": 50, "sigma": 5},
    {"hkl": [1, 0, 0], "intensity": 10},
    {"det_id": 104, "tof": ` + formatFloat(tof) + `}
  ]
}`
	w, err := Decode(strings.NewReader(doc), in)
	require.NoError(t, err)
	require.Equal(t, 3, w.Len())
	assert.Equal(t, FrameQSample, w.CoordinateSystem())

	p0, _ := w.Peak(0)
	assert.Equal(t, 99, p0.RunNumber)
	assert.Equal(t, "bank1", p0.BankName)
	assert.Equal(t, 5.0, p0.L)
	assert.Equal(t, 10.0, p0.IntensityOverSigma())

	p1, _ := w.Peak(1)
	testutil.AssertVecNear(t, "hkl peak", p1.QSample, r3.Vec{X: 2 * math.Pi / 5}, tol)
	assert.Equal(t, NoBank, p1.BankName)

	p2, _ := w.Peak(2)
	assert.Equal(t, "bank1", p2.BankName)
	testutil.AssertNear(t, "wavelength", p2.Wavelength, 2, 1e-6)

	_, err = Decode(strings.NewReader(`{"peaks": [{"intensity": 1}]}`), in)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestLoad(t *testing.T) {
	in := newTestInstrument(t)
	m := fsutil.NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("run99.json", []byte(`{"run_number": 99, "peaks": [{"q_sample": [0, 0, 1]}]}`), 0o644))

	w, err := Load(m, "run99.json", in)
	require.NoError(t, err)
	assert.Equal(t, 99, w.RunNumber())
	assert.Equal(t, 1, w.Len())
	assert.Same(t, in, w.Instrument())

	_, err = Load(m, "missing.json", in)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func formatFloat(f float64) string {
	return Value{Kind: Number, Number: f}.String()
}
