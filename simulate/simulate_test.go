package simulate

import (
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jointstat/jointsim/randcov"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.NumSubjects = 50
	cfg.NumTimes = 5
	return cfg
}

func TestShapes(t *testing.T) {

	cfg := testConfig()
	tb, err := Simulate(cfg, rand.NewSource(1))
	if err != nil {
		t.Fatal(err)
	}

	if tb.Long.NumObs() != cfg.NumSubjects*cfg.NumTimes {
		t.Errorf("longitudinal rows: got %d, want %d", tb.Long.NumObs(), cfg.NumSubjects*cfg.NumTimes)
	}
	if tb.Surv.NumObs() != cfg.NumSubjects {
		t.Errorf("survival rows: got %d, want %d", tb.Surv.NumObs(), cfg.NumSubjects)
	}

	tau := float64(cfg.NumTimes - 1)
	stime, _ := tb.Surv.Col("time")
	status, _ := tb.Surv.Col("status")
	for i := range stime {
		if stime[i] < 0 || stime[i] > tau {
			t.Errorf("survival time %v outside [0, %v]", stime[i], tau)
		}
		if status[i] != 0 && status[i] != 1 {
			t.Errorf("status %v is not 0 or 1", status[i])
		}
	}
}

func TestNoCensoring(t *testing.T) {

	cfg := testConfig()
	cfg.Censor = false

	tb, err := Simulate(cfg, rand.NewSource(2))
	if err != nil {
		t.Fatal(err)
	}

	tau := float64(cfg.NumTimes - 1)
	stime, _ := tb.Surv.Col("time")
	status, _ := tb.Surv.Col("status")
	for i := range stime {
		if stime[i] == tau {
			if status[i] != 0 {
				t.Error("time at end of follow-up must be administratively censored")
			}
		} else if status[i] != 1 {
			t.Error("event before end of follow-up must have status 1")
		}
	}
}

func TestDeterminism(t *testing.T) {

	cfg := testConfig()
	cfg.Censor = true

	a, err := Simulate(cfg, rand.NewSource(99))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Simulate(cfg, rand.NewSource(99))
	if err != nil {
		t.Fatal(err)
	}

	for j := range a.Long.Data() {
		if !floats.Equal(a.Long.Data()[j], b.Long.Data()[j]) {
			t.Error("longitudinal tables differ under identical seeds")
		}
	}
	for j := range a.Surv.Data() {
		if !floats.Equal(a.Surv.Data()[j], b.Surv.Data()[j]) {
			t.Error("survival tables differ under identical seeds")
		}
	}
}

func TestExampleScenario(t *testing.T) {

	cfg := testConfig()
	cfg.NumSubjects = 10
	cfg.NumTimes = 4
	cfg.Censor = false

	tb, err := Simulate(cfg, rand.NewSource(3))
	if err != nil {
		t.Fatal(err)
	}

	if tb.Long.NumObs() != 40 {
		t.Errorf("longitudinal rows: got %d, want 40", tb.Long.NumObs())
	}
	if tb.Surv.NumObs() != 10 {
		t.Errorf("survival rows: got %d, want 10", tb.Surv.NumObs())
	}
	stime, _ := tb.Surv.Col("time")
	for _, v := range stime {
		if v > 3 {
			t.Errorf("survival time %v exceeds 3", v)
		}
	}
}

func TestNonSymmetricCov(t *testing.T) {

	cfg := testConfig()
	cfg.Cov = mat.NewDense(3, 3, []float64{
		1, 0.5, 0.5,
		0.4, 1, 0.5,
		0.5, 0.5, 1,
	})

	if _, err := Simulate(cfg, rand.NewSource(4)); err == nil {
		t.Error("non-symmetric covariance must be a hard failure")
	}
}

func TestNonPDCov(t *testing.T) {

	hook := logtest.NewGlobal()
	defer hook.Reset()

	cfg := testConfig()
	cfg.Cov = mat.NewDense(3, 3, []float64{
		1, 0.99, 0.99,
		0.99, 1, -0.99,
		0.99, -0.99, 1,
	})

	tb, err := Simulate(cfg, rand.NewSource(5))
	if err != nil {
		t.Fatal(err)
	}
	if tb.Surv.NumObs() != cfg.NumSubjects {
		t.Fail()
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning for a non positive definite covariance")
	}
}

func TestPDCovNoWarning(t *testing.T) {

	hook := logtest.NewGlobal()
	defer hook.Reset()

	cfg := testConfig()
	orig := mat.DenseCopyOf(cfg.Cov)

	if !randcov.IsPositiveDefinite(randcov.AsSym(cfg.Cov)) {
		t.Fatal("default covariance should be positive definite")
	}

	if _, err := Simulate(cfg, rand.NewSource(6)); err != nil {
		t.Fatal(err)
	}

	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			t.Error("no warning expected for a positive definite covariance")
		}
	}

	// The input matrix is not altered.
	if !mat.Equal(orig, cfg.Cov) {
		t.Error("input covariance was modified")
	}
}
