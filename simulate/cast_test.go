package simulate

import (
	"testing"

	"golang.org/x/exp/rand"
)

func TestCast(t *testing.T) {

	cfg := testConfig()
	cfg.Censor = true
	cfg.CensRate = 0.3

	tb, err := Simulate(cfg, rand.NewSource(11))
	if err != nil {
		t.Fatal(err)
	}

	jd, err := Cast(tb)
	if err != nil {
		t.Fatal(err)
	}

	if jd.IDVar != "id" || jd.TimeVar != "time" {
		t.Fail()
	}

	stime, _ := jd.Surv.Col("time")
	sid, _ := jd.Surv.Col("id")
	tmax := make(map[float64]float64)
	for i := range sid {
		tmax[sid[i]] = stime[i]
	}

	lid, _ := jd.Long.Col("id")
	ltime, _ := jd.Long.Col("time")
	if len(lid) == 0 {
		t.Fatal("cast dropped every longitudinal row")
	}
	for i := range lid {
		if ltime[i] > tmax[lid[i]] {
			t.Errorf("subject %v has a longitudinal row at %v past survival time %v",
				lid[i], ltime[i], tmax[lid[i]])
		}
	}

	// Baseline projection has one row per subject.
	if jd.Baseline.NumObs() != cfg.NumSubjects {
		t.Errorf("baseline rows: got %d, want %d", jd.Baseline.NumObs(), cfg.NumSubjects)
	}
	for _, na := range BaselineNames {
		if jd.Baseline.Pos(na) == -1 {
			t.Errorf("baseline missing column %s", na)
		}
	}

	// Every subject retains the time-0 measurement.
	seen := make(map[float64]bool)
	for i := range lid {
		if ltime[i] == 0 {
			seen[lid[i]] = true
		}
	}
	if len(seen) != cfg.NumSubjects {
		t.Errorf("time-0 rows retained for %d of %d subjects", len(seen), cfg.NumSubjects)
	}
}
