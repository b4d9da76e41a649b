package jointmodel

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/jointstat/jointsim/duration"
	"github.com/jointstat/jointsim/simulate"
)

// MultivariateJoint is an EM-style joint-model backend.  It alternates
// closed-form posterior moments of the subject random effects given the
// current longitudinal parameters with generalized least squares updates
// of the fixed effects, residual variance and random-effects covariance,
// then fits the survival submodel on the posterior means.
type MultivariateJoint struct {

	// MaxIter bounds the number of EM sweeps.
	MaxIter int

	// Tol is the relative parameter-change convergence criterion.
	Tol float64

	// Gompertz configures the survival stage; nil uses the defaults.
	Gompertz *duration.GompertzConfig
}

// NewMultivariateJoint returns the backend with default settings.
func NewMultivariateJoint() *MultivariateJoint {
	return &MultivariateJoint{
		MaxIter: 200,
		Tol:     1e-5,
	}
}

// Name identifies the backend variant.
func (b *MultivariateJoint) Name() string {
	return "multivariateJoint"
}

// MVJointResult is the fitted-model result of the EM backend.
type MVJointResult struct {

	// Longitudinal fixed effects, in longFixedNames order.
	LongCoef []float64

	// Estimated random-effects covariance.
	ReCov *mat.SymDense

	// Residual standard deviation of the longitudinal model.
	ResidSD float64

	// Marginal longitudinal log-likelihood at the final parameters.
	LongLogLike float64

	// Number of EM sweeps performed.
	Iter int

	// The fitted survival stage.
	Surv *duration.GompertzResults

	// Survival concordance of the fitted risk scores.
	Concord float64

	// Converged reports whether both the EM sweeps and the survival
	// optimizer converged.
	Converged bool
}

// emState holds the per-sweep working quantities of the EM loop.
type emState struct {
	x    *mat.Dense
	y    *mat.VecDense
	time []float64

	order []float64
	rows  map[float64][]int

	coef   []float64
	sigma2 float64
	recov  *mat.SymDense

	// Posterior means (one row per subject) and covariances.
	pmean *mat.Dense
	pcov  []*mat.SymDense

	loglike float64
}

// estep computes the posterior mean and covariance of each subject's
// random effects given the current parameters, and the marginal
// log-likelihood as a byproduct.
func (s *emState) estep() error {

	var chS mat.Cholesky
	if !chS.Factorize(s.recov) {
		return fmt.Errorf("jointmodel: random-effects covariance became singular")
	}
	var sinv mat.SymDense
	if err := chS.InverseTo(&sinv); err != nil {
		return err
	}
	logdetS := chS.LogDet()

	n, _ := s.x.Dims()
	p := len(s.coef)

	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		var fv float64
		for j := 0; j < p; j++ {
			fv += s.coef[j] * s.x.At(i, j)
		}
		resid[i] = s.y.AtVec(i) - fv
	}

	prec := mat.NewSymDense(3, nil)
	ztr := mat.NewVecDense(3, nil)

	s.loglike = 0

	for si, sid := range s.order {
		ix := s.rows[sid]
		k := len(ix)

		for i := 0; i < 3; i++ {
			ztr.SetVec(i, 0)
			for j := i; j < 3; j++ {
				prec.SetSym(i, j, sinv.At(i, j))
			}
		}

		var rtr float64
		for _, r := range ix {
			t := s.time[r]
			z := [3]float64{1, t, t * t}
			rtr += resid[r] * resid[r]
			for i := 0; i < 3; i++ {
				ztr.SetVec(i, ztr.AtVec(i)+z[i]*resid[r]/s.sigma2)
				for j := i; j < 3; j++ {
					prec.SetSym(i, j, prec.At(i, j)+z[i]*z[j]/s.sigma2)
				}
			}
		}

		var chV mat.Cholesky
		if !chV.Factorize(prec) {
			return fmt.Errorf("jointmodel: posterior precision is not positive definite")
		}

		var vi mat.SymDense
		if err := chV.InverseTo(&vi); err != nil {
			return err
		}
		var mi mat.VecDense
		if err := chV.SolveVecTo(&mi, ztr); err != nil {
			return err
		}

		for j := 0; j < 3; j++ {
			s.pmean.Set(si, j, mi.AtVec(j))
		}
		s.pcov[si] = &vi

		// Marginal contribution: complete the square over the random
		// effects.
		quad := rtr / s.sigma2
		quad -= mat.Dot(&mi, ztr)
		s.loglike += -0.5*float64(k)*math.Log(2*math.Pi*s.sigma2) -
			0.5*logdetS - 0.5*chV.LogDet() - 0.5*quad
	}

	return nil
}

// mstep updates the fixed effects, residual variance and random-effects
// covariance from the posterior moments.
func (s *emState) mstep() error {

	n, p := s.x.Dims()

	// Subtract the posterior subject curves from the outcome, then
	// refit the fixed effects by least squares.
	yadj := mat.NewVecDense(n, nil)
	for si, sid := range s.order {
		for _, r := range s.rows[sid] {
			t := s.time[r]
			fit := s.pmean.At(si, 0) + s.pmean.At(si, 1)*t + s.pmean.At(si, 2)*t*t
			yadj.SetVec(r, s.y.AtVec(r)-fit)
		}
	}

	coef, err := olsSolve(s.x, yadj)
	if err != nil {
		return err
	}
	s.coef = coef

	// Residual variance, including the posterior uncertainty of the
	// subject curves.
	var ssr float64
	for si, sid := range s.order {
		vi := s.pcov[si]
		for _, r := range s.rows[sid] {
			t := s.time[r]
			z := [3]float64{1, t, t * t}

			var fv float64
			for j := 0; j < p; j++ {
				fv += s.coef[j] * s.x.At(r, j)
			}
			e := s.y.AtVec(r) - fv -
				s.pmean.At(si, 0) - s.pmean.At(si, 1)*t - s.pmean.At(si, 2)*t*t
			ssr += e * e

			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					ssr += z[i] * z[j] * vi.At(i, j)
				}
			}
		}
	}
	s.sigma2 = ssr / float64(n)

	// Random-effects covariance from the posterior second moments.
	rc := mat.NewSymDense(3, nil)
	for si := range s.order {
		vi := s.pcov[si]
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				rc.SetSym(i, j, rc.At(i, j)+
					s.pmean.At(si, i)*s.pmean.At(si, j)+vi.At(i, j))
			}
		}
	}
	ns := float64(len(s.order))
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			rc.SetSym(i, j, rc.At(i, j)/ns)
		}
	}
	s.recov = rc

	return nil
}

// delta measures the relative parameter change between sweeps.
func delta(a, b []float64) float64 {
	var d float64
	for i := range a {
		u := math.Abs(a[i]-b[i]) / (1 + math.Abs(a[i]))
		if u > d {
			d = u
		}
	}
	return d
}

// Fit estimates the joint model on the cast data.
func (b *MultivariateJoint) Fit(jd *simulate.JointData) (Result, error) {

	x, y, id, time, err := longDesign(jd)
	if err != nil {
		return nil, err
	}

	coef, err := olsSolve(x, y)
	if err != nil {
		return nil, err
	}

	order, rows := subjectRows(id)

	s := &emState{
		x:     x,
		y:     y,
		time:  time,
		order: order,
		rows:  rows,
		coef:  coef,
		pmean: mat.NewDense(len(order), 3, nil),
		pcov:  make([]*mat.SymDense, len(order)),
	}

	// Moment starting values: unit residual variance scaled to the
	// initial fit, and a weakly informative diagonal covariance.
	n, _ := x.Dims()
	var ssr float64
	for i := 0; i < n; i++ {
		var fv float64
		for j := range coef {
			fv += coef[j] * x.At(i, j)
		}
		r := y.AtVec(i) - fv
		ssr += r * r
	}
	tot := ssr / float64(n)
	s.sigma2 = tot / 2
	s.recov = mat.NewSymDense(3, nil)
	s.recov.SetSym(0, 0, tot/2)
	s.recov.SetSym(1, 1, tot/20)
	s.recov.SetSym(2, 2, tot/200)

	var emConverged bool
	var iter int
	for iter = 1; iter <= b.MaxIter; iter++ {

		if err := s.estep(); err != nil {
			return nil, err
		}

		prev := make([]float64, 0, len(s.coef)+7)
		prev = append(prev, s.coef...)
		prev = append(prev, s.sigma2)
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				prev = append(prev, s.recov.At(i, j))
			}
		}

		if err := s.mstep(); err != nil {
			return nil, err
		}

		cur := make([]float64, 0, len(prev))
		cur = append(cur, s.coef...)
		cur = append(cur, s.sigma2)
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				cur = append(cur, s.recov.At(i, j))
			}
		}

		if delta(prev, cur) < b.Tol {
			emConverged = true
			break
		}
	}

	if !emConverged {
		logrus.Debugf("jointmodel: EM reached the iteration bound (%d sweeps)", b.MaxIter)
	}

	// Final posterior moments at the converged parameters.
	if err := s.estep(); err != nil {
		return nil, err
	}

	survData, err := survDataset(jd, s.order, s.pmean)
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

	return &MVJointResult{
		LongCoef:    s.coef,
		ReCov:       s.recov,
		ResidSD:     math.Sqrt(s.sigma2),
		LongLogLike: s.loglike,
		Iter:        iter,
		Surv:        rslt,
		Concord:     concord,
		Converged:   emConverged && err == nil && rslt.Converged(),
	}, nil
}

// Extract flattens an MVJointResult into a parameter row.
func (b *MultivariateJoint) Extract(r Result) (ParamRow, error) {

	mr, ok := r.(*MVJointResult)
	if !ok {
		return ParamRow{}, fmt.Errorf("jointmodel: result is not an MVJointResult")
	}

	row := NaNRow(b.Name())
	v := row.Values

	if mr.Converged {
		v[0] = 1
	}

	copy(v[1:7], mr.LongCoef)

	for j := 0; j < 3; j++ {
		v[7+j] = math.Sqrt(mr.ReCov.At(j, j))
	}
	v[10] = mr.ResidSD

	if mr.Surv != nil {
		sp := mr.Surv.Params()
		v[11] = sp[0]
		v[12] = sp[1]
		v[13] = sp[5]
		v[14] = sp[6]
		v[15] = sp[2]
		v[16] = sp[3]
		v[17] = sp[4]
	}
	v[18] = mr.Concord

	return row, nil
}
