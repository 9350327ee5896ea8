// Package tsa fits seasonal ARIMA models by exact maximum likelihood and
// produces one-step-ahead forecasts. Missing observations are encoded as NaN
// and skipped by the Kalman filter, so irregular calendars can be modelled
// without imputing values.
package tsa

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

var (
	// ErrTooFewObservations is returned when no observation remains after the
	// differencing polynomial has consumed its diffuse start-up values.
	ErrTooFewObservations = errors.New("too few observations")

	// ErrDegenerateSeries is returned when the fitted innovation variance is
	// zero, which happens for constant or perfectly predictable series.
	ErrDegenerateSeries = errors.New("degenerate series")

	// ErrNotConverged is returned when the optimizer finds no finite likelihood.
	ErrNotConverged = errors.New("likelihood optimization did not converge")

	// ErrNumerical reports a non-finite intermediate result.
	ErrNumerical = errors.New("numerical failure")

	// ErrNotFitted is returned by Forecast before a successful Fit.
	ErrNotFitted = errors.New("model not fitted")
)

// penalty replaces the objective wherever the likelihood cannot be evaluated.
const penalty = 1e10

// Order is a non-seasonal (p, d, q) order.
type Order struct {
	P int `json:"p"`
	D int `json:"d"`
	Q int `json:"q"`
}

// SeasonalOrder is a seasonal (P, D, Q, s) order. A zero Period disables the
// seasonal part.
type SeasonalOrder struct {
	P      int `json:"p"`
	D      int `json:"d"`
	Q      int `json:"q"`
	Period int `json:"period"`
}

func (o Order) String() string {
	return fmt.Sprintf("(%d,%d,%d)", o.P, o.D, o.Q)
}

func (s SeasonalOrder) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", s.P, s.D, s.Q, s.Period)
}

// Params holds fitted coefficients.
type Params struct {
	AR         []float64 `json:"ar,omitempty"`
	MA         []float64 `json:"ma,omitempty"`
	SeasonalAR []float64 `json:"seasonal_ar,omitempty"`
	SeasonalMA []float64 `json:"seasonal_ma,omitempty"`
	Sigma2     float64   `json:"sigma2"`
}

// FitOptions controls the Nelder-Mead search.
type FitOptions struct {
	MaxIterations   int
	MaxEvaluations  int
	Tolerance       float64
	InitialStepSize float64
}

// DefaultFitOptions returns the options used when none are given.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MaxIterations:   400,
		MaxEvaluations:  800,
		Tolerance:       1e-8,
		InitialStepSize: 0.5,
	}
}

// Model is a SARIMA(p,d,q)(P,D,Q,s) model without trend or exogenous terms.
// ARIMA and SARIMAX constructors only differ in the orders they accept.
type Model struct {
	order    Order
	seasonal SeasonalOrder
	options  FitOptions

	fitted   bool
	params   Params
	loglike  float64
	nobs     int
	forecast float64
}

// NewARIMA creates a non-seasonal ARIMA(p,d,q) model.
func NewARIMA(p, d, q int) *Model {
	return NewSARIMAX(Order{P: p, D: d, Q: q}, SeasonalOrder{})
}

// NewSARIMAX creates a seasonal ARIMA model.
func NewSARIMAX(order Order, seasonal SeasonalOrder) *Model {
	return &Model{
		order:    order,
		seasonal: seasonal,
		options:  DefaultFitOptions(),
	}
}

// WithOptions replaces the optimizer options and returns the model.
func (m *Model) WithOptions(opts FitOptions) *Model {
	m.options = opts
	return m
}

// Order returns the non-seasonal order.
func (m *Model) Order() Order { return m.order }

// SeasonalOrder returns the seasonal order.
func (m *Model) SeasonalOrder() SeasonalOrder { return m.seasonal }

// Params returns the fitted coefficients.
func (m *Model) Params() Params { return m.params }

// LogLikelihood returns the maximised log-likelihood.
func (m *Model) LogLikelihood() float64 { return m.loglike }

// NObs returns the number of observations that entered the likelihood.
func (m *Model) NObs() int { return m.nobs }

func (m *Model) validate() error {
	o, s := m.order, m.seasonal
	if o.P < 0 || o.D < 0 || o.Q < 0 || s.P < 0 || s.D < 0 || s.Q < 0 || s.Period < 0 {
		return fmt.Errorf("invalid order %s%s: negative component", o, s)
	}
	if s.Period == 0 && (s.P > 0 || s.D > 0 || s.Q > 0) {
		return fmt.Errorf("invalid seasonal order %s: period required", s)
	}
	if s.Period == 1 {
		return fmt.Errorf("invalid seasonal order %s: period must exceed 1", s)
	}
	return nil
}

func (m *Model) numParams() int {
	return m.order.P + m.order.Q + m.seasonal.P + m.seasonal.Q
}

// unpack splits an unconstrained parameter vector into constrained
// coefficients in the order AR, MA, seasonal AR, seasonal MA.
func (m *Model) unpack(x []float64) Params {
	o, s := m.order, m.seasonal
	i := 0
	take := func(n int) []float64 {
		v := x[i : i+n]
		i += n
		return v
	}
	return Params{
		AR:         constrainStationary(take(o.P)),
		MA:         constrainInvertible(take(o.Q)),
		SeasonalAR: constrainStationary(take(s.P)),
		SeasonalMA: constrainInvertible(take(s.Q)),
	}
}

func (m *Model) buildSystem(params Params) (*system, error) {
	period := max(m.seasonal.Period, 1)
	ar := polyMul(lagPolynomial(params.AR, 1, -1), lagPolynomial(params.SeasonalAR, period, -1))
	ma := polyMul(lagPolynomial(params.MA, 1, 1), lagPolynomial(params.SeasonalMA, period, 1))
	diff := differencingPolynomial(m.order.D, m.seasonal.D, m.seasonal.Period)
	return newSystem(ar, ma, diff)
}

func (m *Model) evaluate(y []float64, x []float64, scale float64) (filterResult, Params, error) {
	params := m.unpack(x)
	sys, err := m.buildSystem(params)
	if err != nil {
		return filterResult{}, params, err
	}

	res, err := sys.filter(y)
	if err != nil {
		return res, params, err
	}

	if res.Sigma2 <= 1e-10*scale {
		return res, params, fmt.Errorf("%w: innovation variance %g", ErrDegenerateSeries, res.Sigma2)
	}
	if math.IsNaN(res.LogLikelihood) || math.IsInf(res.LogLikelihood, 0) {
		return res, params, fmt.Errorf("%w: log-likelihood %g", ErrNumerical, res.LogLikelihood)
	}

	return res, params, nil
}

// Fit estimates the model on y. NaN entries are treated as missing.
func (m *Model) Fit(y []float64) error {
	m.fitted = false

	if err := m.validate(); err != nil {
		return err
	}

	observed := 0
	meanSquare := 0.0
	for _, v := range y {
		if math.IsInf(v, 0) {
			return fmt.Errorf("%w: infinite observation", ErrNumerical)
		}
		if !math.IsNaN(v) {
			observed++
			meanSquare += v * v
		}
	}
	if observed == 0 {
		return fmt.Errorf("%w: series has no observed values", ErrTooFewObservations)
	}
	scale := max(meanSquare/float64(observed), 1)

	start := make([]float64, m.numParams())
	if _, _, err := m.evaluate(y, start, scale); err != nil {
		return err
	}

	best := start
	if len(start) > 0 {
		problem := optimize.Problem{
			Func: func(x []float64) float64 {
				res, _, err := m.evaluate(y, x, scale)
				if err != nil {
					return penalty
				}
				return -res.LogLikelihood / float64(res.NObs)
			},
		}
		settings := &optimize.Settings{
			MajorIterations: m.options.MaxIterations,
			FuncEvaluations: m.options.MaxEvaluations,
			Converger: &optimize.FunctionConverge{
				Absolute:   m.options.Tolerance,
				Relative:   m.options.Tolerance,
				Iterations: 50,
			},
		}

		result, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{SimplexSize: m.options.InitialStepSize})
		if result == nil {
			return fmt.Errorf("%w: %v", ErrNotConverged, err)
		}
		if result.F >= penalty || math.IsNaN(result.F) {
			return fmt.Errorf("%w: no finite likelihood found", ErrNotConverged)
		}
		best = result.X
	}

	res, params, err := m.evaluate(y, best, scale)
	if err != nil {
		return err
	}
	if math.IsNaN(res.Forecast) || math.IsInf(res.Forecast, 0) {
		return fmt.Errorf("%w: forecast %g", ErrNumerical, res.Forecast)
	}

	params.Sigma2 = res.Sigma2
	m.params = params
	m.loglike = res.LogLikelihood
	m.nobs = res.NObs
	m.forecast = res.Forecast
	m.fitted = true

	return nil
}

// Forecast returns the one-step-ahead forecast following the fitted sample.
func (m *Model) Forecast() (float64, error) {
	if !m.fitted {
		return 0, ErrNotFitted
	}
	return m.forecast, nil
}
