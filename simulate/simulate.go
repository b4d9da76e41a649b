// Package simulate generates coupled longitudinal and survival data in
// which both outcomes share subject-level random effects.  Event times are
// produced by discrete inverse-hazard sampling on a fine time grid.
package simulate

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jointstat/jointsim/randcov"
	"github.com/jointstat/jointsim/statmodel"
)

// symTol is the tolerance used when checking that the random-effects
// covariance matrix is symmetric.
const symTol = 1e-10

// Config holds all inputs of one simulated dataset.
type Config struct {

	// Number of subjects.
	NumSubjects int

	// Number of repeated longitudinal measurements per subject, taken
	// at integer times 0, 1, ..., NumTimes-1.  The maximum follow-up
	// time is NumTimes-1.
	NumTimes int

	// Standard deviation of the longitudinal measurement noise.
	ResidSD float64

	// Association coefficients linking the random intercept, slope and
	// curvature to the log hazard.
	Assoc [3]float64

	// Covariance matrix of the three random effects.  Must be
	// symmetric; a symmetric matrix that is not positive definite is
	// replaced by its nearest positive definite projection, with a
	// warning.
	Cov *mat.Dense

	// Longitudinal fixed effects: intercept, treatment, factor level 2,
	// factor level 3, continuous covariate.
	Beta [5]float64

	// Gompertz baseline hazard parameters: the hazard at time t is
	// scaled by exp(GompertzLogScale + GompertzShape*t).
	GompertzLogScale float64
	GompertzShape    float64

	// Survival fixed effects on treatment and the continuous covariate.
	SurvCoef [2]float64

	// Censor enables independent exponential censoring with rate
	// CensRate.
	Censor   bool
	CensRate float64

	// GridStep is the step size of the hazard-integration grid.  The
	// per-step event probability is the instantaneous hazard scaled by
	// GridStep, so the sampled event times are a discrete-time
	// approximation whose accuracy depends on GridStep being small
	// relative to the curvature of the hazard.
	GridStep float64

	// Verbose writes previews of the generated tables to stderr.
	Verbose bool
}

// DefaultConfig returns a simulation configuration with moderate effect
// sizes and censoring disabled.
func DefaultConfig() *Config {

	sd := [3]float64{0.5, 0.1, 0.05}

	return &Config{
		NumSubjects:      200,
		NumTimes:         6,
		ResidSD:          0.5,
		Assoc:            [3]float64{0.5, 0.25, 0.1},
		Cov:              randcov.Build(sd, randcov.DefaultCorr()),
		Beta:             [5]float64{1, 0.5, 0.2, -0.2, 0.3},
		GompertzLogScale: -3,
		GompertzShape:    0.1,
		SurvCoef:         [2]float64{-0.3, 0.2},
		CensRate:         0.05,
		GridStep:         0.01,
	}
}

// Tables is the simulator output: one longitudinal table with
// NumSubjects*NumTimes rows and one survival table with one row per
// subject.  Both tables repeat the baseline covariates.
type Tables struct {
	Long statmodel.Dataset
	Surv statmodel.Dataset
}

// LongNames are the columns of the longitudinal table.
var LongNames = []string{"id", "time", "y", "trt", "fac2", "fac3", "x"}

// SurvNames are the columns of the survival table.
var SurvNames = []string{"id", "time", "status", "trt", "fac2", "fac3", "x"}

// Simulate generates one replicate of coupled longitudinal and survival
// data.  All randomness comes from src; the same source state and
// configuration produce bit-identical output.  The only hard failure is a
// non-symmetric covariance matrix.
func Simulate(cfg *Config, src rand.Source) (*Tables, error) {

	if src == nil {
		panic("simulate: nil random source")
	}

	if cfg.Cov == nil {
		return nil, fmt.Errorf("simulate: no covariance matrix")
	}
	if r, c := cfg.Cov.Dims(); r != 3 || c != 3 {
		return nil, fmt.Errorf("simulate: covariance matrix is %dx%d, want 3x3", r, c)
	}
	if !randcov.IsSymmetric(cfg.Cov, symTol) {
		return nil, fmt.Errorf("simulate: covariance matrix is not symmetric")
	}

	cov := randcov.AsSym(cfg.Cov)
	if !randcov.IsPositiveDefinite(cov) {
		logrus.Warn("simulate: covariance matrix is not positive definite, substituting nearest positive definite matrix")
		cov = randcov.NearestPD(cfg.Cov, 0)
	}

	mvn, err := randcov.NewMVNormal(cov, src)
	if err != nil {
		return nil, fmt.Errorf("simulate: %v", err)
	}

	rng := rand.New(src)
	bern := distuv.Bernoulli{P: 0.5, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: cfg.ResidSD, Src: src}
	stdnorm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	n := cfg.NumSubjects
	nt := cfg.NumTimes
	tau := float64(nt - 1)

	// Subject-level draws.
	re := make([][]float64, n)
	trt := make([]float64, n)
	fac2 := make([]float64, n)
	fac3 := make([]float64, n)
	x := make([]float64, n)

	for i := 0; i < n; i++ {
		re[i] = mvn.Rand(nil)
		trt[i] = bern.Rand()
		switch rng.Intn(3) {
		case 1:
			fac2[i] = 1
		case 2:
			fac3[i] = 1
		}
		x[i] = stdnorm.Rand()
	}

	// Center the continuous covariate to zero sample mean.
	var xm float64
	for _, v := range x {
		xm += v
	}
	xm /= float64(n)
	for i := range x {
		x[i] -= xm
	}

	// Longitudinal table.
	nl := n * nt
	lid := make([]float64, 0, nl)
	ltime := make([]float64, 0, nl)
	ly := make([]float64, 0, nl)
	ltrt := make([]float64, 0, nl)
	lfac2 := make([]float64, 0, nl)
	lfac3 := make([]float64, 0, nl)
	lx := make([]float64, 0, nl)

	for i := 0; i < n; i++ {
		lp := cfg.Beta[0] + cfg.Beta[1]*trt[i] + cfg.Beta[2]*fac2[i] +
			cfg.Beta[3]*fac3[i] + cfg.Beta[4]*x[i]
		for k := 0; k < nt; k++ {
			t := float64(k)
			y := lp + re[i][0] + re[i][1]*t + re[i][2]*t*t + noise.Rand()
			lid = append(lid, float64(i+1))
			ltime = append(ltime, t)
			ly = append(ly, y)
			ltrt = append(ltrt, trt[i])
			lfac2 = append(lfac2, fac2[i])
			lfac3 = append(lfac3, fac3[i])
			lx = append(lx, x[i])
		}
	}

	// Survival times by discrete inverse-hazard sampling: walk the grid
	// and take the first step whose scaled hazard exceeds an
	// independent uniform draw.
	stime := make([]float64, n)
	status := make([]float64, n)

	nsteps := int(math.Floor(tau/cfg.GridStep + 1e-9))

	for i := 0; i < n; i++ {
		slp := cfg.SurvCoef[0]*trt[i] + cfg.SurvCoef[1]*x[i]

		st := tau
		for k := 1; k <= nsteps; k++ {
			t := math.Min(float64(k)*cfg.GridStep, tau)
			w := cfg.Assoc[0]*re[i][0] + cfg.Assoc[1]*re[i][1]*t + cfg.Assoc[2]*re[i][2]*t*t
			h := math.Exp(w) * math.Exp(slp) * math.Exp(cfg.GompertzLogScale+cfg.GompertzShape*t)
			if h*cfg.GridStep >= rng.Float64() {
				st = t
				break
			}
		}
		stime[i] = st
		status[i] = 1
	}

	if cfg.Censor {
		cens := distuv.Exponential{Rate: cfg.CensRate, Src: src}
		for i := 0; i < n; i++ {
			c := cens.Rand()
			if c < stime[i] {
				stime[i] = c
				status[i] = 0
			}
		}
	}

	// Administrative censoring at the end of follow-up.
	for i := 0; i < n; i++ {
		if stime[i] == tau {
			status[i] = 0
		}
	}

	sid := make([]float64, n)
	var nev int
	for i := 0; i < n; i++ {
		sid[i] = float64(i + 1)
		if status[i] == 1 {
			nev++
		}
	}

	logrus.Infof("simulate: observed event rate %.3f (%d/%d)", float64(nev)/float64(n), nev, n)

	tb := &Tables{
		Long: statmodel.NewDataset([][]statmodel.Dtype{lid, ltime, ly, ltrt, lfac2, lfac3, lx}, LongNames),
		Surv: statmodel.NewDataset([][]statmodel.Dtype{sid, stime, status, trt, fac2, fac3, x}, SurvNames),
	}

	if cfg.Verbose {
		preview(os.Stderr, "longitudinal", tb.Long, 5)
		preview(os.Stderr, "survival", tb.Surv, 5)
	}

	return tb, nil
}

// preview writes the first few rows of a dataset.
func preview(w io.Writer, title string, ds statmodel.Dataset, nrow int) {

	if ds.NumObs() < nrow {
		nrow = ds.NumObs()
	}

	fmt.Fprintf(w, "%s (%d rows):\n", title, ds.NumObs())
	for _, na := range ds.Names() {
		fmt.Fprintf(w, "%10s", na)
	}
	fmt.Fprintln(w)

	da := ds.Data()
	for i := 0; i < nrow; i++ {
		for j := range da {
			fmt.Fprintf(w, "%10.3f", da[j][i])
		}
		fmt.Fprintln(w)
	}
}
