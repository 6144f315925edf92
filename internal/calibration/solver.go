package calibration

import (
	"context"
	"strconv"
	"strings"
)

// Parameter names of the panel model, in order.
const (
	ParamDX    = "dx"
	ParamDY    = "dy"
	ParamDZ    = "dz"
	ParamDRotX = "drotx"
	ParamDRotY = "droty"
	ParamDRotZ = "drotz"
	ParamDT0   = "dT0"
)

// ParameterNames lists the panel model parameters in model order.
var ParameterNames = []string{ParamDX, ParamDY, ParamDZ, ParamDRotX, ParamDRotY, ParamDRotZ, ParamDT0}

// Model is a parametrised prediction of a spectrum's Y values.
type Model interface {
	Name() string
	ParameterNames() []string
	// Eval writes the prediction for params into out, which has one entry
	// per spectrum point.
	Eval(params []float64, out []float64) error
}

// Spectrum is a single-row histogram: X is a running index, Y the target
// values and E their uncertainties.
type Spectrum struct {
	X []float64
	Y []float64
	E []float64
}

// Len returns the number of points.
func (s Spectrum) Len() int { return len(s.Y) }

// Tie fixes a parameter to a value.
type Tie struct {
	Name  string
	Value float64
}

func (t Tie) String() string {
	return t.Name + "=" + formatNumber(t.Value)
}

// Bound constrains a parameter to the open interval (Lower, Upper).
type Bound struct {
	Name  string
	Lower float64
	Upper float64
}

func (b Bound) String() string {
	return formatNumber(b.Lower) + "<" + b.Name + "<" + formatNumber(b.Upper)
}

// FitRequest is everything a solver needs for one fit.
type FitRequest struct {
	Model    Model
	Start    []float64 // initial values in model parameter order
	Ties     []Tie
	Bounds   []Bound
	Spectrum Spectrum

	MaxIterations int
}

// TieExpression renders the ties as "name=value" pairs joined by commas.
func (r FitRequest) TieExpression() string {
	parts := make([]string, len(r.Ties))
	for i, t := range r.Ties {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// ConstraintExpression renders the bounds as "lower<name<upper" joined by
// commas.
func (r FitRequest) ConstraintExpression() string {
	parts := make([]string, len(r.Bounds))
	for i, b := range r.Bounds {
		parts[i] = b.String()
	}
	return strings.Join(parts, ",")
}

// FitParameter is one fitted value.
type FitParameter struct {
	Name  string
	Value float64
	Error float64
}

// FitResult is a solver's answer.
type FitResult struct {
	Status      string
	Chi2OverDoF float64
	Parameters  []FitParameter
}

// Value returns the fitted value of the named parameter.
func (r FitResult) Value(name string) (float64, bool) {
	for _, p := range r.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return 0, false
}

// Solver fits a model to a spectrum. Implementations must honour ctx
// between iterations where they can and must be safe for concurrent use.
type Solver interface {
	Fit(ctx context.Context, req FitRequest) (FitResult, error)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
