package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/scdcal/internal/calibration"
)

var latticeKeys = [6]string{"a", "b", "c", "alpha", "beta", "gamma"}

// latticeJSON keeps only the constants the run resolved.
func latticeJSON(l calibration.ResolvedLattice) (json.RawMessage, error) {
	m := make(map[string]float64)
	for i, set := range l.Set {
		if set {
			m[latticeKeys[i]] = l.Values[i]
		}
	}
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// RecordReport stores a finished run and its bank results in one
// transaction. runErr is the error Run returned, if any.
func (s *RunStore) RecordReport(instrument string, numPeaks int, rep *calibration.RunReport, runErr error) (*CalibrationRun, error) {
	lattice, err := latticeJSON(rep.Lattice)
	if err != nil {
		return nil, fmt.Errorf("encode lattice: %w", err)
	}
	run := &CalibrationRun{
		RunID:       uuid.New().String(),
		Instrument:  instrument,
		State:       string(rep.State),
		StartedAt:   rep.Started.UnixNano(),
		FinishedAt:  rep.Finished.UnixNano(),
		NumPeaks:    numPeaks,
		T0:          rep.T0,
		L1Before:    rep.L1Before,
		L1After:     rep.L1After,
		LatticeJSON: lattice,
		XMLPath:     rep.XMLPath,
		DetCalPath:  rep.DetCalPath,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}

	banks := make([]BankResult, 0, len(rep.Banks))
	for _, b := range rep.Banks {
		r := BankResult{
			Bank:        b.Bank,
			Outcome:     b.Outcome,
			NumPeaks:    b.NumPeaks,
			DX:          b.Delta.Translation.X,
			DY:          b.Delta.Translation.Y,
			DZ:          b.Delta.Translation.Z,
			DRotX:       b.Delta.RotX,
			DRotY:       b.Delta.RotY,
			DRotZ:       b.Delta.RotZ,
			Status:      b.Status,
			Chi2OverDoF: b.Chi2OverDoF,
			DurationMs:  float64(b.Duration.Microseconds()) / 1000,
		}
		if b.Err != nil {
			r.Error = b.Err.Error()
		}
		banks = append(banks, r)
	}

	err = s.inTx(func(tx *sql.Tx) error {
		if err := insertRun(tx, run); err != nil {
			return err
		}
		if len(banks) == 0 {
			return nil
		}
		return insertBankResults(tx, run.RunID, banks)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}
