// Package gonumfit implements calibration.Solver as a weighted
// least-squares fit minimised with gonum/optimize.
package gonumfit

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/scdcal/internal/calibration"
)

// Minimiser names accepted by New.
const (
	MethodNelderMead = "nelder-mead"
	MethodLBFGS      = "lbfgs"
)

// DefaultMaxIterations caps major iterations when the request sets none.
const DefaultMaxIterations = 2000

// StatusSuccess is reported when the minimiser converged.
const StatusSuccess = "success"

var (
	// ErrUnknownMethod is returned by New for an unsupported minimiser.
	ErrUnknownMethod = errors.New("unknown minimiser")
	// ErrNonFinite is returned when the cost cannot be evaluated.
	ErrNonFinite = errors.New("cost function is not finite")
)

// Solver minimises chi² over the free parameters of a request. Tied
// parameters stay at their tie values and bounded ones are mapped through
// a sine transform so the minimiser itself is unconstrained.
type Solver struct {
	method string
}

// New returns a solver for the named minimiser. An empty name selects
// Nelder-Mead.
func New(method string) (*Solver, error) {
	switch method {
	case "":
		method = MethodNelderMead
	case MethodNelderMead, MethodLBFGS:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return &Solver{method: method}, nil
}

// Method returns the minimiser name.
func (s *Solver) Method() string { return s.method }

func (s *Solver) gonumMethod() optimize.Method {
	if s.method == MethodLBFGS {
		return &optimize.LBFGS{}
	}
	return &optimize.NelderMead{}
}

// Fit implements calibration.Solver. The context is checked between
// iterations.
func (s *Solver) Fit(ctx context.Context, req calibration.FitRequest) (calibration.FitResult, error) {
	p, err := newProblem(req)
	if err != nil {
		return calibration.FitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return calibration.FitResult{}, err
	}

	u0 := p.start()
	if len(u0) > 0 {
		maxIter := req.MaxIterations
		if maxIter <= 0 {
			maxIter = DefaultMaxIterations
		}
		problem := optimize.Problem{Func: p.cost}
		if s.method == MethodLBFGS {
			problem.Grad = func(grad, u []float64) {
				fd.Gradient(grad, p.cost, u, nil)
			}
		}
		settings := &optimize.Settings{
			MajorIterations: maxIter,
			Recorder:        contextRecorder{ctx},
		}
		res, err := optimize.Minimize(problem, u0, settings, s.gonumMethod())
		if cerr := ctx.Err(); cerr != nil {
			return calibration.FitResult{}, cerr
		}
		if res == nil {
			return calibration.FitResult{}, fmt.Errorf("minimise %s: %w", req.Model.Name(), err)
		}
		if err != nil && !isLimit(res.Status) {
			return calibration.FitResult{}, fmt.Errorf("minimise %s: %w", req.Model.Name(), err)
		}
		u0 = res.X
		p.status = statusText(res.Status, res.MajorIterations)
	} else {
		p.status = StatusSuccess
	}

	full := p.expand(u0)
	chi2 := p.chi2(full)
	if math.IsNaN(chi2) || math.IsInf(chi2, 0) {
		return calibration.FitResult{}, fmt.Errorf("minimise %s: %w", req.Model.Name(), ErrNonFinite)
	}

	dof := len(req.Spectrum.Y) - len(p.free)
	if dof < 1 {
		dof = 1
	}
	out := calibration.FitResult{Status: p.status, Chi2OverDoF: chi2 / float64(dof)}
	errs := p.uncertainties(full, chi2/float64(dof))
	for i, name := range p.names {
		out.Parameters = append(out.Parameters, calibration.FitParameter{Name: name, Value: full[i], Error: errs[i]})
	}
	return out, nil
}

// contextRecorder stops the minimiser once the context is done.
type contextRecorder struct {
	ctx context.Context
}

func (r contextRecorder) Init() error { return r.ctx.Err() }

func (r contextRecorder) Record(*optimize.Location, optimize.Operation, *optimize.Stats) error {
	return r.ctx.Err()
}

func isLimit(s optimize.Status) bool {
	switch s {
	case optimize.IterationLimit, optimize.FunctionEvaluationLimit, optimize.GradientEvaluationLimit, optimize.RuntimeLimit:
		return true
	}
	return false
}

func statusText(s optimize.Status, iters int) string {
	switch s {
	case optimize.Success, optimize.FunctionConvergence, optimize.GradientThreshold,
		optimize.StepConvergence, optimize.FunctionThreshold, optimize.MethodConverge:
		return StatusSuccess
	case optimize.IterationLimit:
		return fmt.Sprintf("failed to converge after %d iterations", iters)
	}
	return s.String()
}

// problem maps between the minimiser's unconstrained free coordinates and
// the model's full parameter vector.
type problem struct {
	model  calibration.Model
	names  []string
	fixed  []float64 // full vector with ties applied
	free   []int     // indices into names
	lower  []float64 // per free parameter; NaN when unbounded
	upper  []float64
	y, e   []float64
	buf    []float64
	status string
}

func newProblem(req calibration.FitRequest) (*problem, error) {
	if req.Model == nil {
		return nil, errors.New("fit request has no model")
	}
	names := req.Model.ParameterNames()
	if len(req.Start) != len(names) {
		return nil, fmt.Errorf("fit request: %d start values for %d parameters", len(req.Start), len(names))
	}
	if len(req.Spectrum.Y) != len(req.Spectrum.E) {
		return nil, fmt.Errorf("fit request: %d values with %d errors", len(req.Spectrum.Y), len(req.Spectrum.E))
	}
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	p := &problem{
		model: req.Model,
		names: names,
		fixed: append([]float64(nil), req.Start...),
		y:     req.Spectrum.Y,
		e:     req.Spectrum.E,
		buf:   make([]float64, len(req.Spectrum.Y)),
	}
	tied := make([]bool, len(names))
	for _, t := range req.Ties {
		i, ok := index[t.Name]
		if !ok {
			return nil, fmt.Errorf("tie on unknown parameter %q", t.Name)
		}
		p.fixed[i] = t.Value
		tied[i] = true
	}
	lower := make([]float64, len(names))
	upper := make([]float64, len(names))
	for i := range names {
		lower[i], upper[i] = math.NaN(), math.NaN()
	}
	for _, b := range req.Bounds {
		i, ok := index[b.Name]
		if !ok {
			return nil, fmt.Errorf("bound on unknown parameter %q", b.Name)
		}
		if !(b.Lower < b.Upper) {
			return nil, fmt.Errorf("bound on %s: lower %g is not below upper %g", b.Name, b.Lower, b.Upper)
		}
		lower[i], upper[i] = b.Lower, b.Upper
	}
	for i := range names {
		if tied[i] {
			continue
		}
		p.free = append(p.free, i)
		p.lower = append(p.lower, lower[i])
		p.upper = append(p.upper, upper[i])
	}
	return p, nil
}

func (p *problem) bounded(k int) bool { return !math.IsNaN(p.lower[k]) }

// start returns the free coordinates of the start vector.
func (p *problem) start() []float64 {
	u := make([]float64, len(p.free))
	for k, i := range p.free {
		x := p.fixed[i]
		if p.bounded(k) {
			r := 2*(x-p.lower[k])/(p.upper[k]-p.lower[k]) - 1
			u[k] = math.Asin(math.Max(-1, math.Min(1, r)))
			continue
		}
		u[k] = x
	}
	return u
}

// expand returns the full parameter vector for free coordinates u.
func (p *problem) expand(u []float64) []float64 {
	full := append([]float64(nil), p.fixed...)
	for k, i := range p.free {
		if p.bounded(k) {
			full[i] = p.lower[k] + (p.upper[k]-p.lower[k])*(math.Sin(u[k])+1)/2
			continue
		}
		full[i] = u[k]
	}
	return full
}

func (p *problem) chi2(full []float64) float64 {
	if err := p.model.Eval(full, p.buf); err != nil {
		return math.NaN()
	}
	var sum float64
	for i, v := range p.buf {
		r := (p.y[i] - v) / p.e[i]
		sum += r * r
	}
	return sum
}

func (p *problem) cost(u []float64) float64 {
	c := p.chi2(p.expand(u))
	if math.IsNaN(c) {
		return math.Inf(1)
	}
	return c
}

// uncertainties estimates standard errors of the free parameters from the
// Jacobian of the weighted residuals. Tied parameters and singular fits
// report zero.
func (p *problem) uncertainties(full []float64, scale float64) []float64 {
	out := make([]float64, len(full))
	n := len(p.free)
	if n == 0 || len(p.y) == 0 {
		return out
	}
	residuals := func(r, x []float64) {
		params := append([]float64(nil), full...)
		for k, i := range p.free {
			params[i] = x[k]
		}
		if err := p.model.Eval(params, r); err != nil {
			for i := range r {
				r[i] = math.NaN()
			}
			return
		}
		for i := range r {
			r[i] /= p.e[i]
		}
	}
	x := make([]float64, n)
	for k, i := range p.free {
		x[k] = full[i]
	}
	jac := mat.NewDense(len(p.y), n, nil)
	fd.Jacobian(jac, residuals, x, nil)

	var jtj, cov mat.Dense
	jtj.Mul(jac.T(), jac)
	if err := cov.Inverse(&jtj); err != nil {
		return out
	}
	for k, i := range p.free {
		v := cov.At(k, k) * scale
		if v > 0 && !math.IsInf(v, 0) {
			out[i] = math.Sqrt(v)
		}
	}
	return out
}
