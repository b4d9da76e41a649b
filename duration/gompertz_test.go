// Test the Gompertz regression log-likelihood and score functions using
// numeric derivatives, and check parameter recovery on simulated data.

package duration

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jointstat/jointsim/statmodel"
)

const (
	tol = 1e-5
)

func data1() statmodel.Dataset {

	da := [][]statmodel.Dtype{
		{1, 1, 2, 3, 3, 4},
		{1, 1, 0, 0, 1, 0},
		{4, 2, 5, 6, 6, 5},
	}

	return statmodel.NewDataset(da, []string{"time", "status", "x"})
}

func data2() statmodel.Dataset {

	da := [][]statmodel.Dtype{
		{1, 1, 2, 3, 3, 4, 5, 5, 6, 7},
		{1, 1, 0, 0, 1, 0, 0, 1, 1, 1},
		{4, 2, 5, 6, 6, 5, 4, 3, 3, 5},
		{3, 2, 2, 0, 5, 4, 5, 6, 5, 4},
	}

	return statmodel.NewDataset(da, []string{"time", "status", "x1", "x2"})
}

func TestLogLike(t *testing.T) {

	da := statmodel.NewDataset(
		[][]statmodel.Dtype{{1, 2}, {1, 0}, {0, 0}},
		[]string{"time", "status", "x"},
	)

	gr, err := NewGompertzReg(da, "time", "status", []string{"x"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// At zero coefficients, zero log scale and zero shape the hazard is
	// identically one, so ll = 0 - 1 + 0 - 2 = -3.
	ll := gr.LogLike(&GompertzParameter{[]float64{0, 0, 0}})
	if math.Abs(ll-(-3)) > 1e-10 {
		t.Errorf("loglike: got %v, want -3", ll)
	}
}

type difftestprob struct {
	data   statmodel.Dataset
	xnames []string
	params [][]float64
}

var diffTests = []difftestprob{
	{
		data:   data1(),
		xnames: []string{"x"},
		params: [][]float64{
			{0, 0, 0}, {0.2, -1, 0.1}, {-0.3, -2, 0.5}, {0.1, 0.5, -0.2},
		},
	},
	{
		data:   data2(),
		xnames: []string{"x1", "x2"},
		params: [][]float64{
			{0, 0, 0, 0}, {0.1, -0.2, -1.5, 0.2}, {-0.2, 0.3, -3, -0.1},
		},
	},
}

func TestGrad(t *testing.T) {

	for _, dt := range diffTests {

		model, err := NewGompertzReg(dt.data, "time", "status", dt.xnames, nil)
		if err != nil {
			t.Fatal(err)
		}

		np := model.NumParams()
		ngrad := make([]float64, np)
		score := make([]float64, np)

		loglike := func(x []float64) float64 {
			return model.LogLike(&GompertzParameter{x})
		}

		fdset := &fd.Settings{
			Formula: fd.Central,
			Step:    1e-6,
		}

		for _, params := range dt.params {
			fd.Gradient(ngrad, loglike, params, fdset)
			model.Score(&GompertzParameter{params}, score)
			if !floats.EqualApprox(score, ngrad, tol) {
				t.Errorf("numerical:  %v\nanalytical: %v", ngrad, score)
			}
		}
	}
}

func TestGompertzCumLimit(t *testing.T) {

	// The series branch must join the direct formula continuously.
	g1, d1 := gompertzCum(0.99e-4, 3)
	g2, d2 := gompertzCum(1.01e-4, 3)
	if math.Abs(g1-g2) > 1e-4 || math.Abs(d1-d2) > 1e-4 {
		t.Errorf("discontinuity near zero shape: (%v,%v) vs (%v,%v)", g1, d1, g2, d2)
	}

	// Zero shape reduces to the exponential cumulative hazard.
	g, dg := gompertzCum(0, 2.5)
	if math.Abs(g-2.5) > 1e-12 || math.Abs(dg-2.5*2.5/2) > 1e-12 {
		t.Errorf("zero-shape limit: got (%v,%v)", g, dg)
	}
}

// simulateExp generates right censored exponential data, which is Gompertz
// with zero shape.
func simulateExp(n int, beta, logscale float64, src rand.Source) statmodel.Dataset {

	rng := rand.New(src)
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	time := make([]float64, n)
	status := make([]float64, n)
	x := make([]float64, n)

	const cens = 5.0

	for i := 0; i < n; i++ {
		x[i] = norm.Rand()
		lam := math.Exp(logscale + beta*x[i])
		ti := -math.Log(rng.Float64()) / lam
		if ti < cens {
			time[i] = ti
			status[i] = 1
		} else {
			time[i] = cens
		}
	}

	return statmodel.NewDataset([][]statmodel.Dtype{time, status, x}, []string{"time", "status", "x"})
}

func TestFitRecovery(t *testing.T) {

	da := simulateExp(4000, 0.5, -1, rand.NewSource(42))

	gr, err := NewGompertzReg(da, "time", "status", []string{"x"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rslt, err := gr.Fit()
	if err != nil {
		t.Fatal(err)
	}
	if !rslt.Converged() {
		t.Fatal("fit did not converge")
	}

	pa := rslt.Params()
	if math.Abs(pa[0]-0.5) > 0.1 {
		t.Errorf("coefficient: got %v, want near 0.5", pa[0])
	}
	if math.Abs(pa[1]-(-1)) > 0.15 {
		t.Errorf("log scale: got %v, want near -1", pa[1])
	}
	if math.Abs(pa[2]) > 0.1 {
		t.Errorf("shape: got %v, want near 0", pa[2])
	}

	if rslt.StdErr() == nil {
		t.Error("missing standard errors")
	}

	if len(rslt.Summary()) == 0 {
		t.Fail()
	}
}

func TestBadVariables(t *testing.T) {

	da := data1()

	if _, err := NewGompertzReg(da, "nope", "status", []string{"x"}, nil); err == nil {
		t.Error("missing time variable should be an error")
	}
	if _, err := NewGompertzReg(da, "time", "nope", []string{"x"}, nil); err == nil {
		t.Error("missing status variable should be an error")
	}
	if _, err := NewGompertzReg(da, "time", "status", []string{"nope"}, nil); err == nil {
		t.Error("missing predictor should be an error")
	}
}
