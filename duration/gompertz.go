// Package duration supports statistical analysis of duration data
// (survival analysis) for right censored observations.
package duration

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/jointstat/jointsim/statmodel"
)

// GompertzParameter contains a parameter value for a Gompertz proportional
// hazards regression model.  The layout is the regression coefficients
// followed by the baseline log scale and shape.
type GompertzParameter struct {
	coeff []float64
}

// GetCoeff returns the array of model parameters from a parameter value.
func (p *GompertzParameter) GetCoeff() []float64 {
	return p.coeff
}

// SetCoeff sets the array of model parameters for a parameter value.
func (p *GompertzParameter) SetCoeff(x []float64) {
	p.coeff = x
}

// Clone returns a deep copy of the parameter value.
func (p *GompertzParameter) Clone() statmodel.Parameter {
	q := make([]float64, len(p.coeff))
	copy(q, p.coeff)
	return &GompertzParameter{q}
}

// GompertzReg describes a parametric proportional hazards regression model
// for right censored data with a Gompertz baseline hazard,
//
//	h(t|x) = exp(x'b) * exp(logScale + shape*t).
type GompertzReg struct {

	// The names of the variables, in the order of 'data'.
	varnames []string

	// The data to which the model is fit
	data [][]statmodel.Dtype

	// Starting values, optional
	start []float64

	// Position of the event time variable
	timepos int

	// Position of the status variable
	statuspos int

	// Positions of the covariates
	xpos []int

	// Optimization settings
	optsettings *optimize.Settings

	// Optimization method
	optmethod optimize.Method

	// Cap on optimizer iterations
	maxiter int

	log *log.Logger
}

// GompertzConfig defines configuration parameters for a Gompertz hazards
// regression.
type GompertzConfig struct {

	// A logger to which logging information is written
	Log *log.Logger

	// Start contains starting values for the parameter estimates
	Start []float64

	// MaxIter bounds the number of optimizer iterations.
	MaxIter int

	// OptMethod is the Gonum optimization method used to fit the model.
	OptMethod optimize.Method

	// OptSettings configures the Gonum optimization routine.
	OptSettings *optimize.Settings
}

// DefaultGompertzConfig returns a default configuration struct for a
// Gompertz hazards regression.
func DefaultGompertzConfig() *GompertzConfig {

	return &GompertzConfig{
		MaxIter: 200,
		OptMethod: &optimize.BFGS{
			Linesearcher: &optimize.MoreThuente{},
		},
	}
}

// NewGompertzReg returns a GompertzReg value that can be used to fit a
// Gompertz proportional hazards regression model.
func NewGompertzReg(data statmodel.Dataset, time, status string, predictors []string, config *GompertzConfig) (*GompertzReg, error) {

	if config == nil {
		config = DefaultGompertzConfig()
	}

	timepos := data.Pos(time)
	if timepos == -1 {
		return nil, fmt.Errorf("time variable '%s' not found in dataset", time)
	}

	statuspos := data.Pos(status)
	if statuspos == -1 {
		return nil, fmt.Errorf("status variable '%s' not found in dataset", status)
	}

	var xpos []int
	for _, xna := range predictors {
		xp := data.Pos(xna)
		if xp == -1 {
			return nil, fmt.Errorf("predictor '%s' not found in dataset", xna)
		}
		xpos = append(xpos, xp)
	}

	gr := &GompertzReg{
		data:        data.Data(),
		varnames:    data.Names(),
		timepos:     timepos,
		statuspos:   statuspos,
		xpos:        xpos,
		start:       config.Start,
		maxiter:     config.MaxIter,
		optsettings: config.OptSettings,
		optmethod:   config.OptMethod,
		log:         config.Log,
	}

	gr.checkData()

	return gr, nil
}

// checkData validates the time and status columns.  Invalid values are
// programmer errors, as in the rest of this module.
func (gr *GompertzReg) checkData() {

	time := gr.data[gr.timepos]
	status := gr.data[gr.statuspos]

	for i := range time {
		if time[i] < 0 {
			panic("GompertzReg: times cannot be negative")
		}
		if status[i] != 0 && status[i] != 1 {
			msg := fmt.Sprintf("GompertzReg: status variable '%s' has values other than 0 and 1",
				gr.varnames[gr.statuspos])
			panic(msg)
		}
	}
}

// NumObs returns the number of observations in the data set.
func (gr *GompertzReg) NumObs() int {
	return len(gr.data[0])
}

// NumParams returns the number of model parameters: one coefficient per
// covariate plus the baseline log scale and shape.
func (gr *GompertzReg) NumParams() int {
	return len(gr.xpos) + 2
}

// Dataset returns the data columns that are used to fit the model.
func (gr *GompertzReg) Dataset() [][]statmodel.Dtype {
	return gr.data
}

// Xpos returns the positions of the covariates in the model's dataset.
func (gr *GompertzReg) Xpos() []int {
	return gr.xpos
}

// ParamNames returns the names of the model parameters, in the order of
// the parameter vector.
func (gr *GompertzReg) ParamNames() []string {

	var na []string
	for _, k := range gr.xpos {
		na = append(na, gr.varnames[k])
	}
	na = append(na, "logScale", "shape")

	return na
}

// gompertzCum returns g = (exp(s*t)-1)/s, the scale-free cumulative
// baseline hazard, and its derivative in s.  Near s = 0 a series expansion
// keeps the computation stable.
func gompertzCum(s, t float64) (float64, float64) {

	// The direct formula for the derivative loses precision when s*s
	// underflows the cancellation in the numerator, so switch to the
	// series well before that.
	if math.Abs(s) < 1e-4 {
		g := t * (1 + s*t/2 + s*s*t*t/6 + s*s*s*t*t*t/24)
		dg := t*t/2 + s*t*t*t/3 + s*s*t*t*t*t/8
		return g, dg
	}

	e := math.Exp(s * t)
	g := (e - 1) / s
	dg := (t*e*s - (e - 1)) / (s * s)

	return g, dg
}

// linpred fills lp with the covariate linear predictor at the given
// coefficients.
func (gr *GompertzReg) linpred(coeff []float64, lp []float64) {

	for i := range lp {
		lp[i] = 0
	}

	for j, k := range gr.xpos {
		x := gr.data[k]
		for i := range x {
			lp[i] += coeff[j] * float64(x[i])
		}
	}
}

// LogLike returns the log-likelihood at the given parameter value.
func (gr *GompertzReg) LogLike(params statmodel.Parameter) float64 {

	coeff := params.GetCoeff()
	p := len(gr.xpos)
	logscale := coeff[p]
	shape := coeff[p+1]

	time := gr.data[gr.timepos]
	status := gr.data[gr.statuspos]

	lp := make([]float64, gr.NumObs())
	gr.linpred(coeff, lp)

	var ll float64
	for i := range time {
		t := float64(time[i])
		g, _ := gompertzCum(shape, t)
		cum := math.Exp(lp[i]+logscale) * g
		if status[i] == 1 {
			ll += lp[i] + logscale + shape*t
		}
		ll -= cum
	}

	return ll
}

// Score computes the score vector at the given parameter value.
func (gr *GompertzReg) Score(params statmodel.Parameter, score []float64) {

	coeff := params.GetCoeff()
	p := len(gr.xpos)
	logscale := coeff[p]
	shape := coeff[p+1]

	time := gr.data[gr.timepos]
	status := gr.data[gr.statuspos]

	lp := make([]float64, gr.NumObs())
	gr.linpred(coeff, lp)

	for j := range score {
		score[j] = 0
	}

	for i := range time {
		t := float64(time[i])
		g, dg := gompertzCum(shape, t)
		es := math.Exp(lp[i] + logscale)
		cum := es * g

		d := float64(status[i])

		for j, k := range gr.xpos {
			score[j] += (d - cum) * float64(gr.data[k][i])
		}
		score[p] += d - cum
		score[p+1] += d*t - es*dg
	}
}

// Hessian computes the Hessian of the log-likelihood at the given
// parameter value by numerically differentiating the score.  The observed
// Hessian is used regardless of the requested type.
func (gr *GompertzReg) Hessian(params statmodel.Parameter, ht statmodel.HessType, hess []float64) {

	coeff := params.GetCoeff()
	nvar := gr.NumParams()

	sc := func(y, x []float64) {
		gr.Score(&GompertzParameter{x}, y)
	}

	x := make([]float64, nvar)
	copy(x, coeff)

	jac := mat.NewDense(nvar, nvar, nil)
	fd.Jacobian(jac, sc, x, &fd.JacobianSettings{
		Formula: fd.Central,
	})

	// Symmetrize
	for i := 0; i < nvar; i++ {
		for j := 0; j < nvar; j++ {
			hess[i*nvar+j] = 0.5 * (jac.At(i, j) + jac.At(j, i))
		}
	}
}

// startValues returns crude starting values: zero coefficients and shape,
// and a log scale matching the aggregate event rate per unit time.
func (gr *GompertzReg) startValues() []float64 {

	time := gr.data[gr.timepos]
	status := gr.data[gr.statuspos]

	var nev, tot float64
	for i := range time {
		nev += float64(status[i])
		tot += float64(time[i])
	}

	start := make([]float64, gr.NumParams())
	start[gr.NumParams()-1] = 0
	start[gr.NumParams()-2] = math.Log((nev + 0.5) / (tot + 0.5))

	return start
}

// failMessage writes information that can help diagnose optimization
// failures.
func (gr *GompertzReg) failMessage(optrslt *optimize.Result) {

	if gr.log == nil {
		return
	}

	gr.log.Printf("GompertzReg optimization failed: status=%v", optrslt.Status)
	gr.log.Printf("Final point: %v", optrslt.X)
	gr.log.Printf("Final objective: %v", optrslt.F)
}

// GompertzResults describes the results of a fitted Gompertz hazards
// regression.
type GompertzResults struct {
	statmodel.BaseResults

	converged bool
}

// Converged reports whether the optimizer reached its convergence
// criterion within the iteration bound.
func (rslt *GompertzResults) Converged() bool {
	return rslt.converged
}

// Fit fits the model to the data.
func (gr *GompertzReg) Fit() (*GompertzResults, error) {

	if gr.start == nil {
		gr.start = gr.startValues()
	}

	p := optimize.Problem{
		Func: func(x []float64) float64 {
			return -gr.LogLike(&GompertzParameter{x})
		},
		Grad: func(grad, x []float64) {
			gr.Score(&GompertzParameter{x}, grad)
			for i := range grad {
				grad[i] = -grad[i]
			}
		},
	}

	if gr.optsettings == nil {
		gr.optsettings = &optimize.Settings{
			GradientThreshold: 1e-5,
			MajorIterations:   gr.maxiter,
		}
	}

	xna := gr.ParamNames()

	optrslt, err := optimize.Minimize(p, gr.start, gr.optsettings, gr.optmethod)
	if err != nil {
		if optrslt == nil {
			return nil, err
		}

		// Return partial results with an error
		results := &GompertzResults{
			BaseResults: statmodel.NewBaseResults(gr, -optrslt.F, optrslt.X, xna, nil),
		}
		gr.failMessage(optrslt)
		return results, err
	}
	if err = optrslt.Status.Err(); err != nil {
		return nil, err
	}

	param := make([]float64, len(optrslt.X))
	copy(param, optrslt.X)

	ll := -optrslt.F
	vcov, _ := statmodel.GetVcov(gr, &GompertzParameter{param})

	results := &GompertzResults{
		BaseResults: statmodel.NewBaseResults(gr, ll, param, xna, vcov),
		converged:   true,
	}

	return results, nil
}

// Summary displays a summary table of the model results.
func (rslt *GompertzResults) Summary() string {

	gr := rslt.Model().(*GompertzReg)

	top := []string{
		fmt.Sprintf("Num obs:   %d", gr.NumObs()),
		fmt.Sprintf("Log-like:  %.2f", rslt.LogLike()),
	}

	return statmodel.Summarize("Gompertz proportional hazards regression analysis", top, rslt).String()
}
