package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/calibration"
	"github.com/banshee-data/scdcal/internal/instrument"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "scdcal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous) // NORMAL

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestReopenExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scdcal.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	store := NewRunStore(db.DB)
	require.NoError(t, store.Insert(&CalibrationRun{RunID: "r1", Instrument: "TOPAZ", State: "idle"}))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := NewRunStore(db.DB).Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "TOPAZ", got.Instrument)
}

func TestRunStoreLifecycle(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)

	run := &CalibrationRun{Instrument: "MANDI", State: "idle", StartedAt: 100, NumPeaks: 42, L1Before: 30}
	require.NoError(t, store.Insert(run))
	assert.NotEmpty(t, run.RunID)

	run.State = "finalized"
	run.FinishedAt = 200
	run.T0 = 0.5
	run.L1After = 30.01
	run.XMLPath = "out.xml"
	require.NoError(t, store.Finish(run))

	got, err := store.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run, got)

	err = store.Finish(&CalibrationRun{RunID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunStoreListOrder(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)
	for i, id := range []string{"old", "new", "mid"} {
		start := []int64{10, 30, 20}[i]
		require.NoError(t, store.Insert(&CalibrationRun{RunID: id, Instrument: "TOPAZ", State: "idle", StartedAt: start}))
	}

	runs, err := store.List(0)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)

	runs, err = store.List(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].RunID)
}

func TestBankResultsCascade(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)
	require.NoError(t, store.Insert(&CalibrationRun{RunID: "r1", Instrument: "TOPAZ", State: "idle"}))
	require.NoError(t, store.InsertBankResults("r1", []BankResult{
		{Bank: "bank2", Outcome: "fitted", NumPeaks: 9, DZ: 0.001, Status: "success", Chi2OverDoF: 0.3},
		{Bank: "bank1", Outcome: "skipped", NumPeaks: 2},
	}))

	got, err := store.ListBankResults("r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bank1", got[0].Bank)
	assert.Equal(t, "bank2", got[1].Bank)
	assert.Equal(t, 0.001, got[1].DZ)
	assert.Equal(t, "success", got[1].Status)

	// Unknown run violates the foreign key.
	assert.Error(t, store.InsertBankResults("nope", []BankResult{{Bank: "bank1", Outcome: "fitted"}}))

	require.NoError(t, store.Delete("r1"))
	got, err = store.ListBankResults("r1")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.ErrorIs(t, store.Delete("r1"), ErrNotFound)
}

func TestRecordReport(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	rep := &calibration.RunReport{
		State:    calibration.StateFinalized,
		Started:  start,
		Finished: start.Add(3 * time.Second),
		Lattice: calibration.ResolvedLattice{
			Values: [6]float64{5, 0, 0, 0, 0, 90},
			Set:    [6]bool{true, false, false, false, false, true},
		},
		T0:       1.2,
		L1Before: 18,
		L1After:  18.02,
		Banks: []calibration.BankResult{
			{
				Bank:        "bank1",
				Outcome:     calibration.OutcomeFitted,
				NumPeaks:    8,
				Delta:       instrument.PoseDelta{Translation: r3.Vec{X: 0.001}, RotZ: 0.2},
				Status:      "success",
				Chi2OverDoF: 0.4,
				Duration:    1500 * time.Microsecond,
			},
			{Bank: "bank2", Outcome: calibration.OutcomeFailed, NumPeaks: 7, Err: errors.New("diverged")},
		},
		XMLPath: "SCDCalibrate2.xml",
	}

	run, err := store.RecordReport("TOPAZ", 15, rep, nil)
	require.NoError(t, err)

	got, err := store.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "finalized", got.State)
	assert.Equal(t, start.UnixNano(), got.StartedAt)
	assert.Equal(t, start.Add(3*time.Second).UnixNano(), got.FinishedAt)
	assert.Equal(t, 15, got.NumPeaks)
	assert.Equal(t, 18.02, got.L1After)
	assert.JSONEq(t, `{"a":5,"gamma":90}`, string(got.LatticeJSON))
	assert.Empty(t, got.DetCalPath)

	banks, err := store.ListBankResults(run.RunID)
	require.NoError(t, err)
	require.Len(t, banks, 2)
	assert.Equal(t, 0.001, banks[0].DX)
	assert.Equal(t, 0.2, banks[0].DRotZ)
	assert.Equal(t, 1.5, banks[0].DurationMs)
	assert.Equal(t, "diverged", banks[1].Error)
}

func TestRecordReportFailedRun(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)
	now := time.Now()
	rep := &calibration.RunReport{State: calibration.StateFailed, Started: now, Finished: now}
	run, err := store.RecordReport("TOPAZ", 0, rep, errors.New("t0: diverged"))
	require.NoError(t, err)

	got, err := store.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.State)
	assert.Equal(t, "t0: diverged", got.Error)
	assert.Nil(t, got.LatticeJSON)
}

func TestRecordReportIsAtomic(t *testing.T) {
	store := NewRunStore(newTestDB(t).DB)
	now := time.Now()
	rep := &calibration.RunReport{
		State:    calibration.StateFinalized,
		Started:  now,
		Finished: now,
		// The duplicate bank violates the (run_id, bank) primary key.
		Banks: []calibration.BankResult{
			{Bank: "bank1", Outcome: calibration.OutcomeFitted, NumPeaks: 8},
			{Bank: "bank1", Outcome: calibration.OutcomeFitted, NumPeaks: 8},
		},
	}

	_, err := store.RecordReport("TOPAZ", 16, rep, nil)
	require.Error(t, err)

	runs, err := store.List(0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
