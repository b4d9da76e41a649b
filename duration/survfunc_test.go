package duration

import (
	"math"
	"testing"

	"github.com/jointstat/jointsim/statmodel"
)

func TestSF1(t *testing.T) {

	var time []float64
	var status []float64
	n := 20

	for i := 0; i < n; i++ {
		time = append(time, float64(i))
		status = append(status, 1)
	}

	data := statmodel.NewDataset([][]statmodel.Dtype{time, status}, []string{"Time", "Status"})

	sf, err := NewSurvfuncRight(data, "Time", "Status").Done()
	if err != nil {
		t.Fatal(err)
	}

	// Check times and risk set sizes
	times := sf.Time()
	nrisk := sf.NumRisk()
	for i := 0; i < n; i++ {
		if times[i] != float64(i) {
			t.Fail()
		}
		if nrisk[i] != float64(n-i) {
			t.Fail()
		}
	}

	// From Python Statsmodels
	se := []float64{0.04873397, 0.06708204, 0.0798436, 0.08944272,
		0.09682458, 0.10246951, 0.10665365, 0.10954451,
		0.11124298, 0.1118034, 0.11124298, 0.10954451,
		0.10665365, 0.10246951, 0.09682458, 0.08944272,
		0.0798436, 0.06708204, 0.04873397}

	// Check probabilities and standard errors
	sp := sf.SurvProb()
	spse := sf.SurvProbSE()
	for i := 0; i < n; i++ {
		p := 1 - float64(i+1)/float64(n)
		if math.Abs(sp[i]-p) > 1e-6 {
			t.Fail()
		}

		if i < n-1 && math.Abs(spse[i]-se[i]) > 1e-6 {
			t.Fail()
		}
	}
}

func TestSFCensored(t *testing.T) {

	// Half the subjects are censored at times with no events; those
	// times are compressed out of the fitted function except the last.
	time := []float64{1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5}
	status := []float64{1, 0, 1, 0, 1, 0, 1, 0}

	data := statmodel.NewDataset([][]statmodel.Dtype{time, status}, []string{"Time", "Status"})

	sf, err := NewSurvfuncRight(data, "Time", "Status").Done()
	if err != nil {
		t.Fatal(err)
	}

	times := sf.Time()
	want := []float64{1, 2, 3, 4, 4.5}
	if len(times) != len(want) {
		t.Fatalf("times: got %v, want %v", times, want)
	}
	for i := range want {
		if times[i] != want[i] {
			t.Errorf("times[%d]: got %v, want %v", i, times[i], want[i])
		}
	}

	// Kaplan-Meier products: 7/8, 7/8*5/6, 7/8*5/6*3/4, ...
	sp := sf.SurvProb()
	wantp := []float64{7.0 / 8, 7.0 / 8 * 5 / 6, 7.0 / 8 * 5 / 6 * 3 / 4,
		7.0 / 8 * 5 / 6 * 3 / 4 * 1 / 2, 7.0 / 8 * 5 / 6 * 3 / 4 * 1 / 2}
	for i := range wantp {
		if math.Abs(sp[i]-wantp[i]) > 1e-12 {
			t.Errorf("survprob[%d]: got %v, want %v", i, sp[i], wantp[i])
		}
	}

	if _, err := NewSurvfuncRight(data, "Nope", "Status").Done(); err == nil {
		t.Error("missing time variable should be an error")
	}
}
