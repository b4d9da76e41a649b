// Package jointmodel fits joint longitudinal-survival models to cast
// simulation output.  Two estimation backends are provided behind a common
// capability interface: a two-stage quadratic random-effects estimator and
// an EM-style multivariate joint estimator.
package jointmodel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/jointstat/jointsim/duration"
	"github.com/jointstat/jointsim/simulate"
	"github.com/jointstat/jointsim/statmodel"
)

// Result is the opaque fitted-model value produced by a backend.  Its
// concrete type belongs to the backend that produced it; only the matching
// Extract method reads its fields.
type Result interface{}

// Backend is a joint-model estimation capability.  Fit estimates the model
// on a cast dataset and Extract flattens a fitted result into one
// parameter row for cross-replicate comparison.
type Backend interface {
	Name() string
	Fit(jd *simulate.JointData) (Result, error)
	Extract(r Result) (ParamRow, error)
}

// RowNames are the columns of an extracted parameter row, common to all
// backends.  The final column is the survival concordance of the fitted
// risk scores, a diagnostic rather than a parameter.
var RowNames = []string{
	"converged",
	"beta.icept", "beta.trt", "beta.fac2", "beta.fac3", "beta.x", "beta.time",
	"sd.b0", "sd.b1", "sd.b2", "sd.resid",
	"gamma.trt", "gamma.x",
	"gomp.logscale", "gomp.shape",
	"alpha.b0", "alpha.b1", "alpha.b2",
	"concord",
}

// ParamRow is one flat row of standardized parameter estimates.  Values is
// parallel to RowNames.
type ParamRow struct {
	Backend string
	Values  []float64
}

// Get returns the named value from the row.
func (pr ParamRow) Get(name string) (float64, error) {
	for i, na := range RowNames {
		if na == name {
			return pr.Values[i], nil
		}
	}
	return math.NaN(), fmt.Errorf("jointmodel: no row column '%s'", name)
}

// NaNRow returns a row with the given backend name, converged set to zero
// and all estimates NaN.  The replicate runner uses it to record estimator
// failures without interpreting them.
func NaNRow(backend string) ParamRow {
	v := make([]float64, len(RowNames))
	for i := range v {
		v[i] = math.NaN()
	}
	v[0] = 0
	return ParamRow{Backend: backend, Values: v}
}

// longFixedNames are the longitudinal fixed-effect design columns, in
// design order.
var longFixedNames = []string{"icept", "trt", "fac2", "fac3", "x", "time"}

// survPredictors are the survival-model predictors: the baseline
// covariates followed by the three estimated random effects carrying the
// latent association.
var survPredictors = []string{"trt", "x", "b0", "b1", "b2"}

// longDesign assembles the longitudinal fixed-effects design matrix
// (intercept, treatment, factor levels, covariate, time), the outcome
// vector, and the subject id and time columns of the cast data.
func longDesign(jd *simulate.JointData) (x *mat.Dense, y *mat.VecDense, id, time []float64, err error) {

	cols := make(map[string][]float64)
	for _, na := range []string{"id", "time", "y", "trt", "fac2", "fac3", "x"} {
		c, e := jd.Long.Col(na)
		if e != nil {
			return nil, nil, nil, nil, e
		}
		cols[na] = c
	}

	n := jd.Long.NumObs()
	x = mat.NewDense(n, len(longFixedNames), nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		x.Set(i, 1, cols["trt"][i])
		x.Set(i, 2, cols["fac2"][i])
		x.Set(i, 3, cols["fac3"][i])
		x.Set(i, 4, cols["x"][i])
		x.Set(i, 5, cols["time"][i])
	}

	y = mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		y.SetVec(i, cols["y"][i])
	}

	return x, y, cols["id"], cols["time"], nil
}

// subjectRows groups longitudinal row indices by subject id, preserving
// the order in which subjects first appear.
func subjectRows(id []float64) (order []float64, rows map[float64][]int) {

	rows = make(map[float64][]int)
	for i, v := range id {
		if _, ok := rows[v]; !ok {
			order = append(order, v)
		}
		rows[v] = append(rows[v], i)
	}

	return order, rows
}

// survConcordance computes the concordance between the fitted survival
// stage's risk scores and the observed event times, truncated at the
// largest observed time.  Failures yield NaN rather than an error; the
// statistic is a diagnostic, not an estimate.
func survConcordance(survData statmodel.Dataset, rslt *duration.GompertzResults) float64 {

	time, err := survData.Col("time")
	if err != nil {
		return math.NaN()
	}
	status, err := survData.Col("status")
	if err != nil {
		return math.NaN()
	}

	sp := rslt.Params()
	score := make([]float64, len(time))
	for j, na := range survPredictors {
		col, err := survData.Col(na)
		if err != nil {
			return math.NaN()
		}
		for i := range score {
			score[i] += sp[j] * col[i]
		}
	}

	var tmax float64
	for _, t := range time {
		if t > tmax {
			tmax = t
		}
	}

	cc, err := duration.NewConcordance(time, status, score).Done()
	if err != nil {
		return math.NaN()
	}
	v, err := cc.Concordance(tmax)
	if err != nil {
		return math.NaN()
	}

	return v
}

// olsSolve computes least squares coefficients of y on x.
func olsSolve(x *mat.Dense, y *mat.VecDense) ([]float64, error) {

	_, p := x.Dims()
	var coef mat.VecDense
	if err := coef.SolveVec(x, y); err != nil {
		return nil, fmt.Errorf("jointmodel: longitudinal least squares failed: %v", err)
	}

	out := make([]float64, p)
	for j := 0; j < p; j++ {
		out[j] = coef.AtVec(j)
	}

	return out, nil
}
