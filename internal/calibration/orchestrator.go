// Package calibration drives single-crystal instrument calibration: an
// optional T0 fit, an optional L1 fit and a parallel per-bank pose sweep,
// each built as a fit over sample-frame Q vectors and handed to a Solver.
// Fitted deltas are applied to the instrument attached to the peaks.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/instrument"
	"github.com/banshee-data/scdcal/internal/monitoring"
	"github.com/banshee-data/scdcal/internal/peaks"
	"github.com/banshee-data/scdcal/internal/timeutil"
)

// ErrNoInstrument is returned when the peaks carry no instrument tree.
var ErrNoInstrument = errors.New("peak workspace has no instrument")

// DefaultRotationBoundDeg bounds each bank rotation delta.
const DefaultRotationBoundDeg = 5.0

// Options selects stages and tunes the sweep.
type Options struct {
	// Lattice overrides in a, b, c, alpha, beta, gamma order; nil is unset.
	Lattice [6]*float64

	CalibrateT0    bool
	CalibrateL1    bool
	CalibrateBanks bool

	// Output paths; empty skips the format.
	XMLPath    string
	DetCalPath string

	MinPeaksPerBank  int
	RotationBoundDeg float64
	Workers          int // 0 means runtime.NumCPU()
	MaxIterations    int
	FitTimeout       time.Duration // 0 means no per-fit deadline
}

// DefaultOptions returns the stage selection and limits used when nothing
// is configured.
func DefaultOptions() Options {
	return Options{
		CalibrateL1:      true,
		CalibrateBanks:   true,
		XMLPath:          "SCDCalibrate2.xml",
		DetCalPath:       "SCDCalibrate2.DetCal",
		MinPeaksPerBank:  DefaultMinPeaksPerBank,
		RotationBoundDeg: DefaultRotationBoundDeg,
	}
}

// ResultWriter persists the calibrated instrument.
type ResultWriter interface {
	WriteXML(path string, inst *instrument.Instrument, banks []string) error
	WriteDetCal(path string, inst *instrument.Instrument, banks []string, t0 float64) error
}

// Orchestrator runs one calibration at a time.
type Orchestrator struct {
	solver  Solver
	writer  ResultWriter
	opts    Options
	clock   timeutil.Clock
	metrics *monitoring.FitMetrics
	logf    monitoring.LogFunc

	state   State
	t0      float64
	scratch *scratchRegistry
}

// NewOrchestrator returns an orchestrator in the Idle state. writer may be
// nil when no output paths are set.
func NewOrchestrator(solver Solver, writer ResultWriter, opts Options) *Orchestrator {
	if opts.MinPeaksPerBank <= 0 {
		opts.MinPeaksPerBank = DefaultMinPeaksPerBank
	}
	if opts.RotationBoundDeg <= 0 {
		opts.RotationBoundDeg = DefaultRotationBoundDeg
	}
	return &Orchestrator{
		solver:  solver,
		writer:  writer,
		opts:    opts,
		clock:   timeutil.RealClock{},
		logf:    monitoring.Scoped("scdcal"),
		state:   StateIdle,
		scratch: newScratchRegistry(),
	}
}

// SetClock replaces the clock used for timestamps.
func (o *Orchestrator) SetClock(c timeutil.Clock) { o.clock = c }

// SetMetrics attaches fit metrics; nil disables them.
func (o *Orchestrator) SetMetrics(m *monitoring.FitMetrics) { o.metrics = m }

// SetLogger replaces the run logger; nil silences it.
func (o *Orchestrator) SetLogger(f monitoring.LogFunc) {
	if f == nil {
		f = monitoring.Quiet()
	}
	o.logf = f
}

// State returns the current workflow state.
func (o *Orchestrator) State() State { return o.state }

// T0 returns the running time offset in µs.
func (o *Orchestrator) T0() float64 { return o.t0 }

// Run calibrates the instrument attached to ws. Stages run in the fixed
// order T0, L1, banks; cancellation is honoured before each of them. On
// failure the returned report holds whatever completed and any deltas
// already applied stay applied.
func (o *Orchestrator) Run(ctx context.Context, ws *peaks.Workspace) (*RunReport, error) {
	report := &RunReport{State: StateIdle, Started: o.clock.Now()}
	o.state = StateIdle
	o.t0 = 0

	err := o.run(ctx, ws, report)
	report.Finished = o.clock.Now()
	if err != nil {
		o.state = StateFailed
		report.State = StateFailed
		return report, err
	}
	report.State = o.state
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, ws *peaks.Workspace, report *RunReport) error {
	lat, err := ResolveLattice(ws, o.opts.Lattice)
	if err != nil {
		return &StageError{Stage: StageLattice, Err: err}
	}
	report.Lattice = lat
	if missing := lat.Missing(); len(missing) > 0 {
		o.logf("lattice constants %v unset; fits use Q vectors only", missing)
	}
	o.state = StateLatticeResolved

	inst := ws.Instrument()
	if inst == nil {
		return &StageError{Stage: StageLattice, Err: ErrNoInstrument}
	}
	if err := ws.SortBy([]peaks.SortCriterion{{Column: "BankName", Ascending: true}}); err != nil {
		return &StageError{Stage: StageLattice, Err: err}
	}
	if report.L1Before, err = inst.L1(); err != nil {
		return &StageError{Stage: StageLattice, Err: err}
	}
	report.L1After = report.L1Before

	if err := ctx.Err(); err != nil {
		return &StageError{Stage: StageT0, Err: err}
	}
	if o.opts.CalibrateT0 {
		if err := o.OptimizeT0(ctx, ws, report); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return &StageError{Stage: StageL1, Err: err}
	}
	if o.opts.CalibrateL1 {
		if err := o.OptimizeL1(ctx, ws, report); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return &StageError{Stage: StageBanks, Err: err}
	}
	if o.opts.CalibrateBanks {
		results, err := o.OptimizeBanks(ctx, ws)
		report.Banks = results
		if err != nil {
			return err
		}
		o.state = StateBanksOptimized
	}

	return o.Finalize(inst, report)
}

// assignedPeaks returns the peaks that belong to a bank.
func assignedPeaks(ws *peaks.Workspace) []peaks.Peak {
	all := ws.Peaks()
	out := all[:0]
	for _, p := range all {
		if p.BankName != peaks.NoBank && p.BankName != "" {
			out = append(out, p)
		}
	}
	return out
}

func startParams(t0 float64) []float64 {
	p := make([]float64, len(ParameterNames))
	p[6] = t0
	return p
}

func tiesExcept(t0 float64, free ...string) []Tie {
	var ties []Tie
	for _, name := range ParameterNames {
		if slices.Contains(free, name) {
			continue
		}
		v := 0.0
		if name == ParamDT0 {
			v = t0
		}
		ties = append(ties, Tie{Name: name, Value: v})
	}
	return ties
}

// fit runs one solver call with the configured deadline and records metrics.
func (o *Orchestrator) fit(ctx context.Context, stage Stage, component string, req FitRequest) (FitResult, time.Duration, error) {
	if o.opts.FitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.FitTimeout)
		defer cancel()
	}
	req.MaxIterations = o.opts.MaxIterations

	start := o.clock.Now()
	res, err := o.solver.Fit(ctx, req)
	elapsed := o.clock.Since(start)
	if err != nil {
		o.metrics.ObserveFit(string(stage), component, monitoring.OutcomeFailed, elapsed, 0)
		return FitResult{}, elapsed, err
	}
	o.metrics.ObserveFit(string(stage), component, monitoring.OutcomeFitted, elapsed, res.Chi2OverDoF)
	return res, elapsed, nil
}

// OptimizeT0 fits the time offset alone with the geometry held fixed and
// stores the result as the run's total T0.
func (o *Orchestrator) OptimizeT0(ctx context.Context, ws *peaks.Workspace, report *RunReport) error {
	inst := ws.Instrument()
	if inst == nil {
		return &StageError{Stage: StageT0, Err: ErrNoInstrument}
	}
	ps := assignedPeaks(ws)
	if len(ps) == 0 {
		o.logf("no bank-assigned peaks; skipping T0")
		return nil
	}
	model, err := NewPanelModel(inst, inst.SourceName(), ps)
	if err != nil {
		return &StageError{Stage: StageT0, Err: err}
	}
	req := FitRequest{
		Model:    model,
		Start:    startParams(o.t0),
		Ties:     tiesExcept(o.t0, ParamDT0),
		Spectrum: TargetSpectrum(ps),
	}
	res, elapsed, err := o.fit(ctx, StageT0, inst.SourceName(), req)
	if err != nil {
		return &StageError{Stage: StageT0, Err: err}
	}
	t0, ok := res.Value(ParamDT0)
	if !ok {
		return &StageError{Stage: StageT0, Err: fmt.Errorf("solver result has no %s", ParamDT0)}
	}
	o.t0 = t0
	report.T0 = t0
	report.T0Fit = &StageFit{Status: res.Status, Chi2OverDoF: res.Chi2OverDoF, NumPeaks: len(ps), Duration: elapsed}
	o.logf("T0 = %.4f us (chi2/dof %.4g, %s)", t0, res.Chi2OverDoF, res.Status)
	o.state = StateT0Optimized
	return nil
}

// OptimizeL1 fits a translation of the source along the beam axis with T0
// held at the running value and applies it.
func (o *Orchestrator) OptimizeL1(ctx context.Context, ws *peaks.Workspace, report *RunReport) error {
	inst := ws.Instrument()
	if inst == nil {
		return &StageError{Stage: StageL1, Err: ErrNoInstrument}
	}
	ps := assignedPeaks(ws)
	if len(ps) == 0 {
		o.logf("no bank-assigned peaks; skipping L1")
		return nil
	}
	source := inst.SourceName()
	model, err := NewPanelModel(inst, source, ps)
	if err != nil {
		return &StageError{Stage: StageL1, Err: err}
	}
	req := FitRequest{
		Model:    model,
		Start:    startParams(o.t0),
		Ties:     tiesExcept(o.t0, ParamDZ),
		Spectrum: TargetSpectrum(ps),
	}
	before, _ := inst.L1()
	res, elapsed, err := o.fit(ctx, StageL1, source, req)
	if err != nil {
		return &StageError{Stage: StageL1, Err: err}
	}
	dz, ok := res.Value(ParamDZ)
	if !ok {
		return &StageError{Stage: StageL1, Err: fmt.Errorf("solver result has no %s", ParamDZ)}
	}
	if err := o.AdjustComponent(inst, source, instrument.PoseDelta{Translation: r3.Vec{Z: dz}, T0: o.t0}); err != nil {
		return &StageError{Stage: StageL1, Err: err}
	}
	after, _ := inst.L1()
	report.L1After = after
	report.L1Fit = &StageFit{Status: res.Status, Chi2OverDoF: res.Chi2OverDoF, NumPeaks: len(ps), Duration: elapsed}
	o.logf("L1 %.6f m -> %.6f m (chi2/dof %.4g, %s)", before, after, res.Chi2OverDoF, res.Status)
	o.state = StateL1Optimized
	return nil
}

// OptimizeBanks fits every bank with enough peaks in parallel and applies
// each result to that bank's component. A bank's failure is reported in its
// BankResult and never stops the others. The returned error is non-nil when
// the sweep cannot start or ctx is cancelled while it runs; in the latter
// case the results gathered so far are returned with it.
func (o *Orchestrator) OptimizeBanks(ctx context.Context, ws *peaks.Workspace) ([]BankResult, error) {
	inst := ws.Instrument()
	if inst == nil {
		return nil, &StageError{Stage: StageBanks, Err: ErrNoInstrument}
	}
	partition := Partition(ws)
	eligible, skipped := EligibleBanks(partition, o.opts.MinPeaksPerBank)

	results := make([]BankResult, 0, len(eligible)+len(skipped))
	for _, bank := range skipped {
		o.logf("bank %s skipped: %d peaks < %d", bank, len(partition[bank]), o.opts.MinPeaksPerBank)
		o.metrics.ObserveFit(string(StageBanks), bank, monitoring.OutcomeSkipped, 0, 0)
		results = append(results, BankResult{Bank: bank, Outcome: OutcomeSkipped, NumPeaks: len(partition[bank])})
	}
	if len(eligible) == 0 {
		o.logf("no bank has at least %d peaks", o.opts.MinPeaksPerBank)
		sortBankResults(results)
		return results, nil
	}

	handles, err := inst.Handles(eligible)
	if err != nil {
		return results, &StageError{Stage: StageBanks, Err: err}
	}

	workers := o.opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	fitted := make([]BankResult, len(eligible))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, bank := range eligible {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				fitted[i] = BankResult{Bank: bank, Outcome: OutcomeFailed, NumPeaks: len(partition[bank]),
					Err: &StageError{Stage: StageBanks, Bank: bank, Err: err}}
				return err
			}
			fitted[i] = o.fitBank(ctx, ws, bank, handles[bank])
			// Only the run's own context aborts the sweep; a per-fit
			// deadline stays a failure of that bank.
			return ctx.Err()
		})
	}
	waitErr := g.Wait()

	for _, r := range fitted {
		if r.Outcome == OutcomeFailed {
			o.logf("bank %s failed: %v", r.Bank, r.Err)
		}
	}
	results = append(results, fitted...)
	sortBankResults(results)
	if waitErr != nil {
		return results, &StageError{Stage: StageBanks, Err: waitErr}
	}
	return results, nil
}

// fitBank runs on a worker goroutine. It reads ws and writes only through h.
func (o *Orchestrator) fitBank(ctx context.Context, ws *peaks.Workspace, bank string, h *instrument.Handle) BankResult {
	result := BankResult{Bank: bank, Outcome: OutcomeFailed}
	fail := func(err error) BankResult {
		result.Err = &StageError{Stage: StageBanks, Bank: bank, Err: err}
		return result
	}

	name := scratchPrefix + bank
	pws := ws.Clone()
	pws.RemoveIf(func(p peaks.Peak) bool { return p.BankName != bank })
	o.scratch.put(name, pws)
	defer o.scratch.remove(name)

	ps := pws.Peaks()
	result.NumPeaks = len(ps)

	model, err := NewPanelModel(pws.Instrument(), bank, ps)
	if err != nil {
		return fail(err)
	}
	if n := model.StrayPeaks(); n > 0 {
		return fail(fmt.Errorf("%d peaks have pixels outside the bank", n))
	}

	bound := o.opts.RotationBoundDeg
	req := FitRequest{
		Model:    model,
		Start:    startParams(o.t0),
		Ties:     []Tie{{Name: ParamDT0, Value: o.t0}},
		Spectrum: TargetSpectrum(ps),
		Bounds: []Bound{
			{Name: ParamDRotX, Lower: -bound, Upper: bound},
			{Name: ParamDRotY, Lower: -bound, Upper: bound},
			{Name: ParamDRotZ, Lower: -bound, Upper: bound},
		},
	}
	res, elapsed, err := o.fit(ctx, StageBanks, bank, req)
	result.Duration = elapsed
	if err != nil {
		return fail(err)
	}

	params := make([]float64, len(ParameterNames))
	for i, pname := range ParameterNames {
		v, ok := res.Value(pname)
		if !ok {
			return fail(fmt.Errorf("solver result has no %s", pname))
		}
		params[i] = v
	}
	delta := DeltaFromParams(params)
	h.Apply(delta)

	result.Outcome = OutcomeFitted
	result.Delta = delta
	result.Status = res.Status
	result.Chi2OverDoF = res.Chi2OverDoF
	return result
}

// AdjustComponent applies a translation and then rotations about the lab
// X, Y and Z axes, in that order, to the named component.
func (o *Orchestrator) AdjustComponent(inst *instrument.Instrument, component string, delta instrument.PoseDelta) error {
	return inst.AdjustComponent(component, delta)
}

// Finalize stamps the calibration date and writes the requested formats.
// An empty path skips that format.
func (o *Orchestrator) Finalize(inst *instrument.Instrument, report *RunReport) error {
	inst.MarkCalibrated(o.clock.Now())

	var banks []string
	for _, b := range report.Banks {
		if b.Outcome == OutcomeFitted {
			banks = append(banks, b.Bank)
		}
	}

	if o.opts.XMLPath != "" || o.opts.DetCalPath != "" {
		if o.writer == nil {
			return &StageError{Stage: StageFinalize, Err: errors.New("no result writer configured")}
		}
	}
	if o.opts.XMLPath != "" {
		if err := o.writer.WriteXML(o.opts.XMLPath, inst, banks); err != nil {
			return &StageError{Stage: StageFinalize, Err: err}
		}
		report.XMLPath = o.opts.XMLPath
	}
	if o.opts.DetCalPath != "" {
		if err := o.writer.WriteDetCal(o.opts.DetCalPath, inst, banks, o.t0); err != nil {
			return &StageError{Stage: StageFinalize, Err: err}
		}
		report.DetCalPath = o.opts.DetCalPath
	}
	o.state = StateFinalized
	return nil
}

func sortBankResults(rs []BankResult) {
	slices.SortFunc(rs, func(a, b BankResult) int { return strings.Compare(a.Bank, b.Bank) })
}
