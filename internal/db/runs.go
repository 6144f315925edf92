package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CalibrationRun is one persisted orchestrator run. Times are Unix nanoseconds.
type CalibrationRun struct {
	RunID       string          `json:"run_id"`
	Instrument  string          `json:"instrument"`
	State       string          `json:"state"`
	StartedAt   int64           `json:"started_at"`
	FinishedAt  int64           `json:"finished_at,omitempty"`
	NumPeaks    int             `json:"num_peaks"`
	T0          float64         `json:"t0"`
	L1Before    float64         `json:"l1_before"`
	L1After     float64         `json:"l1_after"`
	LatticeJSON json.RawMessage `json:"lattice,omitempty"`
	XMLPath     string          `json:"xml_path,omitempty"`
	DetCalPath  string          `json:"detcal_path,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// BankResult is the outcome of one bank fit within a run.
type BankResult struct {
	RunID       string  `json:"run_id"`
	Bank        string  `json:"bank"`
	Outcome     string  `json:"outcome"`
	NumPeaks    int     `json:"num_peaks"`
	DX          float64 `json:"dx"`
	DY          float64 `json:"dy"`
	DZ          float64 `json:"dz"`
	DRotX       float64 `json:"drotx"`
	DRotY       float64 `json:"droty"`
	DRotZ       float64 `json:"drotz"`
	Status      string  `json:"status,omitempty"`
	Chi2OverDoF float64 `json:"chi2_over_dof"`
	DurationMs  float64 `json:"duration_ms"`
	Error       string  `json:"error,omitempty"`
}

// RunStore persists calibration runs and their bank results.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Prepare(query string) (*sql.Stmt, error)
}

// Insert persists a new run. If RunID is empty, a UUID is generated.
func (s *RunStore) Insert(run *CalibrationRun) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().UnixNano()
	}
	return retryOnBusy(func() error { return insertRun(s.db, run) })
}

func insertRun(e execer, run *CalibrationRun) error {
	var lattice interface{}
	if len(run.LatticeJSON) > 0 {
		lattice = string(run.LatticeJSON)
	}
	var finished interface{}
	if run.FinishedAt != 0 {
		finished = run.FinishedAt
	}
	_, err := e.Exec(`
		INSERT INTO calibration_runs (
			run_id, instrument, state, started_at, finished_at, num_peaks,
			t0, l1_before, l1_after, lattice_json, xml_path, detcal_path, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Instrument, run.State, run.StartedAt, finished, run.NumPeaks,
		run.T0, run.L1Before, run.L1After, lattice,
		nullString(run.XMLPath), nullString(run.DetCalPath), nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish records the final state of a run.
func (s *RunStore) Finish(run *CalibrationRun) error {
	if run.FinishedAt == 0 {
		run.FinishedAt = time.Now().UnixNano()
	}
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE calibration_runs
			SET state = ?, finished_at = ?, t0 = ?, l1_after = ?,
			    xml_path = ?, detcal_path = ?, error = ?
			WHERE run_id = ?`,
			run.State, run.FinishedAt, run.T0, run.L1After,
			nullString(run.XMLPath), nullString(run.DetCalPath), nullString(run.Error),
			run.RunID,
		)
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("run %s: %w", run.RunID, ErrNotFound)
		}
		return nil
	})
}

// InsertBankResults stores all bank results of a run in one transaction.
func (s *RunStore) InsertBankResults(runID string, results []BankResult) error {
	return s.inTx(func(tx *sql.Tx) error {
		return insertBankResults(tx, runID, results)
	})
}

func insertBankResults(e execer, runID string, results []BankResult) error {
	stmt, err := e.Prepare(`
		INSERT INTO bank_results (
			run_id, bank, outcome, num_peaks, dx, dy, dz, drotx, droty, drotz,
			status, chi2_over_dof, duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare bank insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.Exec(
			runID, r.Bank, r.Outcome, r.NumPeaks,
			r.DX, r.DY, r.DZ, r.DRotX, r.DRotY, r.DRotZ,
			nullString(r.Status), r.Chi2OverDoF, r.DurationMs, nullString(r.Error),
		); err != nil {
			return fmt.Errorf("insert bank %s: %w", r.Bank, err)
		}
	}
	return nil
}

// inTx runs fn in a transaction, retrying the whole transaction when the
// database is busy.
func (s *RunStore) inTx(fn func(tx *sql.Tx) error) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

const runColumns = `run_id, instrument, state, started_at, finished_at, num_peaks,
	t0, l1_before, l1_after, lattice_json, xml_path, detcal_path, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*CalibrationRun, error) {
	var r CalibrationRun
	var finished sql.NullInt64
	var l1Before, l1After sql.NullFloat64
	var lattice, xmlPath, detcal, errMsg sql.NullString
	if err := row.Scan(
		&r.RunID, &r.Instrument, &r.State, &r.StartedAt, &finished, &r.NumPeaks,
		&r.T0, &l1Before, &l1After, &lattice, &xmlPath, &detcal, &errMsg,
	); err != nil {
		return nil, err
	}
	r.FinishedAt = finished.Int64
	r.L1Before = l1Before.Float64
	r.L1After = l1After.Float64
	if lattice.Valid {
		r.LatticeJSON = json.RawMessage(lattice.String)
	}
	r.XMLPath = xmlPath.String
	r.DetCalPath = detcal.String
	r.Error = errMsg.String
	return &r, nil
}

// Get returns a single run by id.
func (s *RunStore) Get(runID string) (*CalibrationRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM calibration_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// List returns the most recent runs first. limit <= 0 returns all.
func (s *RunStore) List(limit int) ([]*CalibrationRun, error) {
	query := `SELECT ` + runColumns + ` FROM calibration_runs ORDER BY started_at DESC, run_id`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*CalibrationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListBankResults returns a run's bank results ordered by bank name.
func (s *RunStore) ListBankResults(runID string) ([]BankResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, bank, outcome, num_peaks, dx, dy, dz, drotx, droty, drotz,
		       status, chi2_over_dof, duration_ms, error
		FROM bank_results
		WHERE run_id = ?
		ORDER BY bank`, runID)
	if err != nil {
		return nil, fmt.Errorf("query bank results: %w", err)
	}
	defer rows.Close()

	var out []BankResult
	for rows.Next() {
		var r BankResult
		var status, errMsg sql.NullString
		var chi2, dur sql.NullFloat64
		if err := rows.Scan(
			&r.RunID, &r.Bank, &r.Outcome, &r.NumPeaks,
			&r.DX, &r.DY, &r.DZ, &r.DRotX, &r.DRotY, &r.DRotZ,
			&status, &chi2, &dur, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("scan bank result: %w", err)
		}
		r.Status = status.String
		r.Chi2OverDoF = chi2.Float64
		r.DurationMs = dur.Float64
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a run and, through the foreign key, its bank results.
func (s *RunStore) Delete(runID string) error {
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`DELETE FROM calibration_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil
	})
}
