package jointmodel

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/jointstat/jointsim/simulate"
)

func testJointData(t *testing.T, n int, seed uint64) *simulate.JointData {
	t.Helper()

	cfg := simulate.DefaultConfig()
	cfg.NumSubjects = n
	cfg.NumTimes = 6
	cfg.Censor = true
	cfg.CensRate = 0.05

	tb, err := simulate.Simulate(cfg, rand.NewSource(seed))
	if err != nil {
		t.Fatal(err)
	}

	jd, err := simulate.Cast(tb)
	if err != nil {
		t.Fatal(err)
	}

	return jd
}

func checkRow(t *testing.T, row ParamRow, wantBackend string) {
	t.Helper()

	if row.Backend != wantBackend {
		t.Errorf("backend name: got %s, want %s", row.Backend, wantBackend)
	}
	if len(row.Values) != len(RowNames) {
		t.Fatalf("row has %d values, want %d", len(row.Values), len(RowNames))
	}

	conv, err := row.Get("converged")
	if err != nil {
		t.Fatal(err)
	}
	if conv != 1 {
		t.Error("fit did not converge")
	}

	for i, na := range RowNames {
		if math.IsNaN(row.Values[i]) || math.IsInf(row.Values[i], 0) {
			t.Errorf("estimate %s is not finite: %v", na, row.Values[i])
		}
	}

	for _, na := range []string{"sd.b0", "sd.b1", "sd.b2", "sd.resid"} {
		v, _ := row.Get(na)
		if !(v > 0) {
			t.Errorf("%s should be positive, got %v", na, v)
		}
	}

	// Treatment effect is recovered loosely at this sample size.
	bt, _ := row.Get("beta.trt")
	if math.Abs(bt-0.5) > 0.3 {
		t.Errorf("beta.trt: got %v, want near 0.5", bt)
	}

	// Residual SD is near the generating value of 0.5.
	rs, _ := row.Get("sd.resid")
	if math.Abs(rs-0.5) > 0.15 {
		t.Errorf("sd.resid: got %v, want near 0.5", rs)
	}

	// The fitted risk scores are informative about the event times.
	cv, _ := row.Get("concord")
	if !(cv > 0.5 && cv <= 1) {
		t.Errorf("concord: got %v, want in (0.5, 1]", cv)
	}
}

func TestQuadraticRandomEffects(t *testing.T) {

	jd := testJointData(t, 400, 7)

	b := NewQuadraticRandomEffects()
	if b.Name() != "quadraticRandomEffects" {
		t.Fail()
	}

	r, err := b.Fit(jd)
	if err != nil {
		t.Fatal(err)
	}

	row, err := b.Extract(r)
	if err != nil {
		t.Fatal(err)
	}
	checkRow(t, row, "quadraticRandomEffects")
}

func TestMultivariateJoint(t *testing.T) {

	jd := testJointData(t, 400, 8)

	b := NewMultivariateJoint()
	if b.Name() != "multivariateJoint" {
		t.Fail()
	}

	r, err := b.Fit(jd)
	if err != nil {
		t.Fatal(err)
	}

	mr := r.(*MVJointResult)
	if mr.Iter < 1 {
		t.Error("EM performed no sweeps")
	}
	if mr.LongLogLike >= 0 {
		t.Errorf("longitudinal log-likelihood should be negative, got %v", mr.LongLogLike)
	}

	row, err := b.Extract(r)
	if err != nil {
		t.Fatal(err)
	}
	checkRow(t, row, "multivariateJoint")
}

func TestExtractWrongType(t *testing.T) {

	qre := NewQuadraticRandomEffects()
	mvj := NewMultivariateJoint()

	if _, err := qre.Extract(&MVJointResult{}); err == nil {
		t.Error("extracting a foreign result should fail")
	}
	if _, err := mvj.Extract(&QREResult{}); err == nil {
		t.Error("extracting a foreign result should fail")
	}
}

func TestNaNRow(t *testing.T) {

	row := NaNRow("x")

	conv, err := row.Get("converged")
	if err != nil {
		t.Fatal(err)
	}
	if conv != 0 {
		t.Fail()
	}

	v, _ := row.Get("beta.trt")
	if !math.IsNaN(v) {
		t.Fail()
	}

	if _, err := row.Get("nope"); err == nil {
		t.Error("unknown column should be an error")
	}
}
