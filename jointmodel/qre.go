package jointmodel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/jointstat/jointsim/duration"
	"github.com/jointstat/jointsim/simulate"
	"github.com/jointstat/jointsim/statmodel"
)

// QuadraticRandomEffects is a two-stage joint-model backend.  Stage one
// fits the longitudinal model by least squares and recovers per-subject
// quadratic random effects from the residuals; stage two fits a Gompertz
// hazards regression in which the estimated random effects carry the
// latent association.
type QuadraticRandomEffects struct {

	// Gompertz configures the survival stage; nil uses the defaults.
	Gompertz *duration.GompertzConfig

	// Ridge is a small penalty stabilizing the per-subject quadratic
	// regressions of subjects with few retained measurements.
	Ridge float64
}

// NewQuadraticRandomEffects returns the backend with default settings.
func NewQuadraticRandomEffects() *QuadraticRandomEffects {
	return &QuadraticRandomEffects{Ridge: 1e-8}
}

// Name identifies the backend variant.
func (b *QuadraticRandomEffects) Name() string {
	return "quadraticRandomEffects"
}

// QREResult is the fitted-model result of the two-stage backend.
type QREResult struct {

	// Longitudinal fixed effects, in longFixedNames order.
	LongCoef []float64

	// Sample covariance of the estimated random effects.
	ReCov *mat.SymDense

	// Residual standard deviation of the longitudinal model.
	ResidSD float64

	// The fitted survival stage.
	Surv *duration.GompertzResults

	// Survival concordance of the fitted risk scores.
	Concord float64

	// Converged reports whether the survival optimizer converged.
	Converged bool
}

// ranefEstimates regresses per-subject residuals on (1, t, t^2), returning
// one estimated random-effect triple per subject in order of appearance.
func ranefEstimates(resid, id, time []float64, ridge float64) (order []float64, bhat *mat.Dense) {

	order, rows := subjectRows(id)
	bhat = mat.NewDense(len(order), 3, nil)

	ztz := mat.NewSymDense(3, nil)
	ztr := mat.NewVecDense(3, nil)

	for si, sid := range order {
		ix := rows[sid]

		for i := 0; i < 3; i++ {
			ztr.SetVec(i, 0)
			for j := i; j < 3; j++ {
				ztz.SetSym(i, j, 0)
			}
		}

		for _, r := range ix {
			t := time[r]
			z := [3]float64{1, t, t * t}
			for i := 0; i < 3; i++ {
				ztr.SetVec(i, ztr.AtVec(i)+z[i]*resid[r])
				for j := i; j < 3; j++ {
					ztz.SetSym(i, j, ztz.At(i, j)+z[i]*z[j])
				}
			}
		}

		for i := 0; i < 3; i++ {
			ztz.SetSym(i, i, ztz.At(i, i)+ridge)
		}

		var ch mat.Cholesky
		if !ch.Factorize(ztz) {
			// Too few distinct times; leave the estimate at zero.
			continue
		}
		var bi mat.VecDense
		if err := ch.SolveVecTo(&bi, ztr); err != nil {
			continue
		}
		for j := 0; j < 3; j++ {
			bhat.Set(si, j, bi.AtVec(j))
		}
	}

	return order, bhat
}

// Fit estimates the two-stage model on the cast data.
func (b *QuadraticRandomEffects) Fit(jd *simulate.JointData) (Result, error) {

	x, y, id, time, err := longDesign(jd)
	if err != nil {
		return nil, err
	}

	coef, err := olsSolve(x, y)
	if err != nil {
		return nil, err
	}

	// Residuals from the fixed-effects fit.
	n, _ := x.Dims()
	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		var fv float64
		for j, c := range coef {
			fv += c * x.At(i, j)
		}
		resid[i] = y.AtVec(i) - fv
	}

	order, bhat := ranefEstimates(resid, id, time, b.Ridge)

	// Residual SD after removing the estimated subject curves.  Each
	// subject's quadratic absorbs three degrees of freedom, so divide
	// by the residual degrees of freedom, not the row count.
	_, rows := subjectRows(id)
	var ssr float64
	var df int
	for si, sid := range order {
		for _, r := range rows[sid] {
			t := time[r]
			e := resid[r] - bhat.At(si, 0) - bhat.At(si, 1)*t - bhat.At(si, 2)*t*t
			ssr += e * e
		}
		if k := len(rows[sid]); k > 3 {
			df += k - 3
		}
	}
	if df < 1 {
		df = 1
	}
	residSD := math.Sqrt(ssr / float64(df))

	recov := &mat.SymDense{}
	stat.CovarianceMatrix(recov, bhat, nil)

	survData, err := survDataset(jd, order, bhat)
	if err != nil {
		return nil, err
	}

	gr, err := duration.NewGompertzReg(survData, "time", "status", survPredictors, b.Gompertz)
	if err != nil {
		return nil, err
	}

	rslt, err := gr.Fit()
	if err != nil && rslt == nil {
		return nil, fmt.Errorf("jointmodel: survival stage failed: %v", err)
	}

	concord := math.NaN()
	if rslt != nil {
		concord = survConcordance(survData, rslt)
	}

	return &QREResult{
		LongCoef:  coef,
		ReCov:     recov,
		ResidSD:   residSD,
		Surv:      rslt,
		Concord:   concord,
		Converged: err == nil && rslt.Converged(),
	}, nil
}

// survDataset builds the survival-stage dataset: the survival table
// columns joined with the estimated random effects, by subject id.
func survDataset(jd *simulate.JointData, order []float64, bhat *mat.Dense) (statmodel.Dataset, error) {

	var zero statmodel.Dataset

	pos := make(map[float64]int, len(order))
	for i, sid := range order {
		pos[sid] = i
	}

	sid, err := jd.Surv.Col(jd.IDVar)
	if err != nil {
		return zero, err
	}

	ns := len(sid)
	b0 := make([]float64, ns)
	b1 := make([]float64, ns)
	b2 := make([]float64, ns)
	for i, v := range sid {
		si, ok := pos[v]
		if !ok {
			return zero, fmt.Errorf("jointmodel: subject %v has no longitudinal records", v)
		}
		b0[i] = bhat.At(si, 0)
		b1[i] = bhat.At(si, 1)
		b2[i] = bhat.At(si, 2)
	}

	var cols [][]statmodel.Dtype
	var names []string
	for _, na := range []string{"id", "time", "status", "trt", "x"} {
		c, err := jd.Surv.Col(na)
		if err != nil {
			return zero, err
		}
		cols = append(cols, c)
		names = append(names, na)
	}
	cols = append(cols, b0, b1, b2)
	names = append(names, "b0", "b1", "b2")

	return statmodel.NewDataset(cols, names), nil
}

// Extract flattens a QREResult into a parameter row.
func (b *QuadraticRandomEffects) Extract(r Result) (ParamRow, error) {

	qr, ok := r.(*QREResult)
	if !ok {
		return ParamRow{}, fmt.Errorf("jointmodel: result is not a QREResult")
	}

	row := NaNRow(b.Name())
	v := row.Values

	if qr.Converged {
		v[0] = 1
	}

	copy(v[1:7], qr.LongCoef)

	for j := 0; j < 3; j++ {
		v[7+j] = math.Sqrt(qr.ReCov.At(j, j))
	}
	v[10] = qr.ResidSD

	// Survival parameters: trt, x, b0, b1, b2, logScale, shape.
	if qr.Surv != nil {
		sp := qr.Surv.Params()
		v[11] = sp[0]
		v[12] = sp[1]
		v[13] = sp[5]
		v[14] = sp[6]
		v[15] = sp[2]
		v[16] = sp[3]
		v[17] = sp[4]
	}
	v[18] = qr.Concord

	return row, nil
}
