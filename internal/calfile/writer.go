// Package calfile writes calibrated instrument geometry as a parameter XML
// file and as an ISAW DetCal file.
package calfile

import (
	"fmt"
	"path/filepath"

	"github.com/banshee-data/scdcal/internal/fsutil"
	"github.com/banshee-data/scdcal/internal/instrument"
	"github.com/banshee-data/scdcal/internal/monitoring"
)

// Writer implements calibration.ResultWriter on a FileSystem.
type Writer struct {
	fs fsutil.FileSystem
}

// NewWriter returns a writer on fs; nil selects the OS filesystem.
func NewWriter(fs fsutil.FileSystem) *Writer {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Writer{fs: fs}
}

func (w *Writer) write(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := w.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	f, err := w.fs.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// WriteXML saves the parameter file for banks and the source.
func (w *Writer) WriteXML(path string, inst *instrument.Instrument, banks []string) error {
	doc, err := BuildParameterFile(inst, banks)
	if err != nil {
		return err
	}
	data, err := MarshalParameterFile(doc)
	if err != nil {
		return err
	}
	if err := w.write(path, data); err != nil {
		return err
	}
	monitoring.Logf("saved parameter file %s (%d banks)", path, len(banks))
	return nil
}

// WriteDetCal saves banks with the current L1 and the given T0 in µs.
func (w *Writer) WriteDetCal(path string, inst *instrument.Instrument, banks []string, t0 float64) error {
	l1, err := inst.L1()
	if err != nil {
		return fmt.Errorf("detcal: %w", err)
	}
	rows, err := BuildDetectorRows(inst, banks)
	if err != nil {
		return err
	}
	if err := w.write(path, RenderDetCal(inst, rows, l1, t0)); err != nil {
		return err
	}
	monitoring.Logf("saved DetCal file %s (%d banks)", path, len(banks))
	return nil
}
