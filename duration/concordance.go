package duration

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/jointstat/jointsim/statmodel"
)

// Concordance calculates the survival concordance of Uno et al.
// (https://www.ncbi.nlm.nih.gov/pmc/articles/PMC3079915).  Pairs are
// weighted by the inverse squared censoring survival probability at the
// earlier event time.
type Concordance struct {

	// The risk scores that are being assessed
	score []float64

	// Event or censoring time
	time []float64

	// Event status
	status []float64

	// Number of pairs to sample when a random source is set
	npair int

	// Random source for pair sampling.  When nil, all comparable pairs
	// are enumerated, which is deterministic.
	src rand.Source

	// The survival function for the censoring distribution
	sf *SurvfuncRight
}

// NewConcordance creates a new Concordance value with the given parameters.
func NewConcordance(time, status, score []float64) *Concordance {

	return &Concordance{
		time:   time,
		status: status,
		score:  score,
		npair:  10000,
	}
}

// NumPair sets the number of pairs of observations sampled at random to
// estimate the concordance.  It has no effect unless a source is set with
// Sample.
func (c *Concordance) NumPair(npair int) *Concordance {
	c.npair = npair
	return c
}

// Sample estimates the concordance from randomly sampled pairs drawn from
// the given source, instead of enumerating every comparable pair.
func (c *Concordance) Sample(src rand.Source) *Concordance {
	c.src = src
	return c
}

// Done signals that the Concordance value has been built and now can be fit.
func (c *Concordance) Done() (*Concordance, error) {

	// Sort everything by time
	ii := make([]int, len(c.time))
	time1 := make([]float64, len(c.time))
	statusr := make([]float64, len(c.time))
	status1 := make([]float64, len(c.time))
	score1 := make([]float64, len(c.time))
	copy(time1, c.time)
	floats.Argsort(time1, ii)
	ncens := 0.0
	for i, j := range ii {
		// We want the survival function for censoring
		statusr[i] = 1 - c.status[j]
		status1[i] = c.status[j]
		score1[i] = c.score[j]
		ncens += statusr[i]
	}

	// Get the survival function for censoring
	da := statmodel.NewDataset([][]statmodel.Dtype{time1, statusr}, []string{"Time", "Status"})
	sf, err := NewSurvfuncRight(da, "Time", "Status").Done()
	if err != nil {
		return nil, err
	}
	c.sf = sf
	if ncens == 0 {
		// No censoring, create a censoring survival function with
		// P(T>t) = 1 for all t.
		c.sf.times = []float64{0, math.Inf(1)}
		c.sf.survProb = []float64{1, 1}
	}

	c.time = time1
	c.status = status1
	c.score = score1

	return c, nil
}

// censWeight returns the inverse squared censoring survival probability at
// time t.
func (c *Concordance) censWeight(t float64) float64 {

	st := c.sf.Time()
	sp := c.sf.SurvProb()

	jj := sort.SearchFloat64s(st, t)
	if jj == len(st) {
		jj--
	}
	g := sp[jj]

	return 1 / (g * g)
}

// Concordance returns the concordance statistic, using the given truncation
// parameter.
func (c *Concordance) Concordance(trunc float64) (float64, error) {

	n := len(c.time)

	jt := sort.SearchFloat64s(c.time, trunc)
	if jt <= 0 {
		return 0, fmt.Errorf("duration: no observations below the truncation point")
	}

	var nev int
	for j := 0; j < jt; j++ {
		if c.status[j] == 1 && c.time[j] < c.time[n-1] {
			nev++
		}
	}
	if nev == 0 {
		return 0, fmt.Errorf("duration: no comparable event pairs below the truncation point")
	}

	if c.src == nil {
		return c.allPairs(jt), nil
	}

	return c.samplePairs(jt), nil
}

// allPairs enumerates every comparable pair.
func (c *Concordance) allPairs(jt int) float64 {

	var numer, denom float64

	for j1 := 0; j1 < jt; j1++ {
		if c.status[j1] != 1 {
			continue
		}
		w := c.censWeight(c.time[j1])
		for j2 := j1 + 1; j2 < len(c.time); j2++ {
			if c.time[j2] <= c.time[j1] {
				continue
			}
			denom += w
			if c.score[j1] > c.score[j2] {
				numer += w
			}
		}
	}

	return numer / denom
}

// samplePairs estimates the concordance from npair randomly chosen
// comparable pairs.
func (c *Concordance) samplePairs(jt int) float64 {

	rng := rand.New(c.src)
	n := len(c.time)

	var numer, denom float64

	for i := 0; i < c.npair; i++ {

		// Find a pair to compare
		var j1, j2 int
		for {
			j1 = rng.Intn(n)
			if j1 >= jt {
				continue
			}
			j2 = rng.Intn(n)
			if j2 <= j1 {
				continue
			}
			if (c.time[j1] < c.time[j2]) && (c.status[j1] == 1) {
				break
			}
		}

		w := c.censWeight(c.time[j1])
		denom += w
		if c.score[j1] > c.score[j2] {
			numer += w
		}
	}

	return numer / denom
}
