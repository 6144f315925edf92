package calibration

import (
	"fmt"
	"time"

	"github.com/banshee-data/scdcal/internal/instrument"
	"github.com/banshee-data/scdcal/internal/monitoring"
)

// State is the orchestrator's position in the calibration workflow.
type State string

const (
	StateIdle            State = "idle"
	StateLatticeResolved State = "lattice_resolved"
	StateT0Optimized     State = "t0_optimized"
	StateL1Optimized     State = "l1_optimized"
	StateBanksOptimized  State = "banks_optimized"
	StateFinalized       State = "finalized"
	StateFailed          State = "failed"
)

// Stage names a calibration step. Used in errors, logs and metrics.
type Stage string

const (
	StageLattice  Stage = "lattice"
	StageT0       Stage = "t0"
	StageL1       Stage = "l1"
	StageBanks    Stage = "banks"
	StageFinalize Stage = "finalize"
)

// StageError reports which stage, and for bank fits which bank, failed.
type StageError struct {
	Stage Stage
	Bank  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Bank != "" {
		return fmt.Sprintf("stage %s (bank %s): %v", e.Stage, e.Bank, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Bank fit outcomes, shared with the fit metrics labels.
const (
	OutcomeFitted  = monitoring.OutcomeFitted
	OutcomeSkipped = monitoring.OutcomeSkipped
	OutcomeFailed  = monitoring.OutcomeFailed
)

// BankResult is the tagged outcome of one bank in the sweep.
type BankResult struct {
	Bank        string
	Outcome     string
	NumPeaks    int
	Delta       instrument.PoseDelta
	Status      string
	Chi2OverDoF float64
	Duration    time.Duration
	Err         error
}

// StageFit summarises a global T0 or L1 fit.
type StageFit struct {
	Status      string
	Chi2OverDoF float64
	NumPeaks    int
	Duration    time.Duration
}

// RunReport describes a calibration run. It is returned even when the run
// fails, holding whatever completed.
type RunReport struct {
	State    State
	Started  time.Time
	Finished time.Time

	Lattice ResolvedLattice

	T0    float64 // µs, total offset after the T0 stage
	T0Fit *StageFit

	L1Before float64 // metres
	L1After  float64
	L1Fit    *StageFit

	Banks []BankResult // sorted by bank name

	XMLPath    string
	DetCalPath string
}

// Fitted returns the banks that were fitted successfully.
func (r *RunReport) Fitted() []BankResult {
	return r.byOutcome(OutcomeFitted)
}

// Skipped returns the banks below the peak-count gate.
func (r *RunReport) Skipped() []BankResult {
	return r.byOutcome(OutcomeSkipped)
}

// Failed returns the banks whose fit or adjustment failed.
func (r *RunReport) Failed() []BankResult {
	return r.byOutcome(OutcomeFailed)
}

func (r *RunReport) byOutcome(outcome string) []BankResult {
	var out []BankResult
	for _, b := range r.Banks {
		if b.Outcome == outcome {
			out = append(out, b)
		}
	}
	return out
}
