package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/calibration"
	"github.com/banshee-data/scdcal/internal/fsutil"
	"github.com/banshee-data/scdcal/internal/instrument"
)

func sampleReport() *calibration.RunReport {
	return &calibration.RunReport{
		State:    calibration.StateFinalized,
		T0:       0.8,
		L1Before: 18,
		L1After:  18.004,
		Banks: []calibration.BankResult{
			{Bank: "bank1", Outcome: calibration.OutcomeFitted, NumPeaks: 12, Chi2OverDoF: 0.02,
				Delta: instrument.PoseDelta{Translation: r3.Vec{X: 0.001, Z: -0.002}, RotY: 0.3}},
			{Bank: "bank2", Outcome: calibration.OutcomeSkipped, NumPeaks: 3},
			{Bank: "bank3", Outcome: calibration.OutcomeFitted, NumPeaks: 9, Chi2OverDoF: 0.05,
				Delta: instrument.PoseDelta{Translation: r3.Vec{Y: 0.0005}}},
			{Bank: "bank4", Outcome: calibration.OutcomeFailed, NumPeaks: 7, Err: errors.New("diverged")},
		},
	}
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, sampleReport()))
	html := buf.String()
	assert.Contains(t, html, "<html")
	assert.Contains(t, html, "bank1")
	assert.Contains(t, html, "bank3")
	assert.NotContains(t, html, "bank2")
	assert.Contains(t, html, "fitted=2 skipped=1 failed=1")
}

func TestShiftPlot(t *testing.T) {
	p, err := ShiftPlot(sampleReport())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Bank translation deltas", p.Title.Text)

	p, err = ShiftPlot(&calibration.RunReport{})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestWrite(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	files, err := Write(fs, "reports/run1", sampleReport())
	require.NoError(t, err)
	assert.Equal(t, []string{"reports/run1/calibration.html", "reports/run1/bank_shifts.png"}, files)

	png, err := fs.ReadFile("reports/run1/bank_shifts.png")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestWriteWithoutFittedBanks(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	files, err := Write(fs, "out", &calibration.RunReport{State: calibration.StateFinalized})
	require.NoError(t, err)
	assert.Equal(t, []string{"out/calibration.html"}, files)
}

func TestWriteFailure(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.FailCreate["out/calibration.html"] = errors.New("quota exceeded")
	_, err := Write(fs, "out", sampleReport())
	assert.Error(t, err)
}
