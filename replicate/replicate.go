// Package replicate runs repeated simulate/fit cycles of the joint model
// backends and aggregates the extracted parameter rows across replicates.
package replicate

import (
	"bytes"
	"fmt"
	"math"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"golang.org/x/exp/rand"

	"github.com/jointstat/jointsim/jointmodel"
	"github.com/jointstat/jointsim/simulate"
	"github.com/jointstat/jointsim/statmodel"
)

// Scenario describes one simulation study: a name for reporting, a base
// random seed, the number of replicates and the generating configuration.
// Replicate r draws from Seed+r, so a scenario is reproducible regardless
// of worker scheduling.
type Scenario struct {
	Name       string
	Seed       uint64
	Replicates int
	Sim        *simulate.Config
}

// DefaultScenario returns a scenario with the default generating
// configuration.
func DefaultScenario() Scenario {
	return Scenario{
		Name:       "default",
		Seed:       1,
		Replicates: 100,
		Sim:        simulate.DefaultConfig(),
	}
}

// Runner executes a scenario for a set of backends on a bounded worker
// pool.
type Runner struct {

	// Backends are fit to every replicate, in order.
	Backends []jointmodel.Backend

	// Workers bounds the number of concurrent replicates; values below
	// one select runtime.NumCPU.
	Workers int
}

// NewRunner returns a runner for the given backends using all CPUs.
func NewRunner(backends ...jointmodel.Backend) *Runner {
	return &Runner{Backends: backends, Workers: runtime.NumCPU()}
}

// Results holds the parameter rows of a completed scenario, one row per
// replicate per backend.
type Results struct {

	// The scenario that produced the rows.
	Scenario Scenario

	// Backend names in runner order.
	Backends []string

	// Rows maps a backend name to its rows, indexed by replicate.
	Rows map[string][]jointmodel.ParamRow
}

// Run executes the scenario.  Estimator failures are recorded as NaN rows
// and do not abort the run; errors from the generator itself do, since
// they indicate a configuration mistake rather than a hard replicate.
func (rn *Runner) Run(sc Scenario) (*Results, error) {

	if sc.Replicates < 1 {
		return nil, fmt.Errorf("replicate: scenario '%s' has no replicates", sc.Name)
	}
	if sc.Sim == nil {
		return nil, fmt.Errorf("replicate: scenario '%s' has no generating configuration", sc.Name)
	}
	if len(rn.Backends) == 0 {
		return nil, fmt.Errorf("replicate: no backends configured")
	}

	res := &Results{
		Scenario: sc,
		Rows:     make(map[string][]jointmodel.ParamRow),
	}
	for _, b := range rn.Backends {
		res.Backends = append(res.Backends, b.Name())
		res.Rows[b.Name()] = make([]jointmodel.ParamRow, sc.Replicates)
	}

	workers := rn.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	var eg errgroup.Group
	eg.SetLimit(workers)

	for r := 0; r < sc.Replicates; r++ {
		r := r
		eg.Go(func() error {

			src := rand.NewSource(sc.Seed + uint64(r))

			tb, err := simulate.Simulate(sc.Sim, src)
			if err != nil {
				return fmt.Errorf("replicate %d: %v", r, err)
			}
			jd, err := simulate.Cast(tb)
			if err != nil {
				return fmt.Errorf("replicate %d: %v", r, err)
			}

			for _, b := range rn.Backends {
				res.Rows[b.Name()][r] = fitOne(b, jd, r)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return res, nil
}

// fitOne fits one backend to one replicate, converting estimator failures
// into NaN rows.
func fitOne(b jointmodel.Backend, jd *simulate.JointData, rep int) jointmodel.ParamRow {

	rslt, err := b.Fit(jd)
	if err != nil {
		logrus.Warnf("replicate %d: %s fit failed: %v", rep, b.Name(), err)
		return jointmodel.NaNRow(b.Name())
	}

	row, err := b.Extract(rslt)
	if err != nil {
		logrus.Warnf("replicate %d: %s extraction failed: %v", rep, b.Name(), err)
		return jointmodel.NaNRow(b.Name())
	}

	return row
}

// Aggregate summarizes one backend's rows: mean and standard deviation per
// parameter over the converged replicates.  The converged column itself is
// averaged over all replicates, so its mean is the convergence rate.
type Aggregate struct {
	Backend   string
	Converged int
	Total     int

	// Mean and SD are parallel to jointmodel.RowNames.
	Mean []float64
	SD   []float64
}

// Aggregate computes the summary for the named backend.
func (res *Results) Aggregate(backend string) (Aggregate, error) {

	rows, ok := res.Rows[backend]
	if !ok {
		return Aggregate{}, fmt.Errorf("replicate: no results for backend '%s'", backend)
	}

	nc := len(jointmodel.RowNames)
	agg := Aggregate{
		Backend: backend,
		Total:   len(rows),
		Mean:    make([]float64, nc),
		SD:      make([]float64, nc),
	}

	for _, row := range rows {
		if row.Values[0] == 1 {
			agg.Converged++
		}
	}

	for j := 0; j < nc; j++ {

		var vals []float64
		for _, row := range rows {
			if j == 0 || row.Values[0] == 1 {
				vals = append(vals, row.Values[j])
			}
		}

		if len(vals) == 0 {
			agg.Mean[j] = math.NaN()
			agg.SD[j] = math.NaN()
			continue
		}

		agg.Mean[j], agg.SD[j] = stat.MeanStdDev(vals, nil)
	}

	return agg, nil
}

// Summary renders the aggregated results of all backends as text tables.
func (res *Results) Summary() string {

	// String formatter
	fs := func(x interface{}, h string) []string {
		y := x.([]string)
		m := len(h)
		for i := range y {
			if len(y[i]) > m {
				m = len(y[i])
			}
		}
		var z []string
		for i := range y {
			c := fmt.Sprintf("%%-%ds", m)
			z = append(z, fmt.Sprintf(c, y[i]))
		}
		return z
	}

	// Number formatter
	fn := func(x interface{}, h string) []string {
		y := x.([]float64)
		var s []string
		for i := range y {
			s = append(s, fmt.Sprintf("%10.4f", y[i]))
		}
		return s
	}

	var buf bytes.Buffer

	for _, na := range res.Backends {

		agg, err := res.Aggregate(na)
		if err != nil {
			continue
		}

		sum := &statmodel.SummaryTable{
			Title: fmt.Sprintf("Scenario '%s', backend %s", res.Scenario.Name, na),
			Top: []string{
				fmt.Sprintf("Replicates: %d", agg.Total),
				fmt.Sprintf("Converged:  %d", agg.Converged),
			},
			ColNames: []string{"Parameter    ", "Mean", "SD"},
			ColFmt:   []statmodel.Fmter{fs, fn, fn},
			Cols: []interface{}{
				jointmodel.RowNames[1:],
				agg.Mean[1:],
				agg.SD[1:],
			},
		}

		buf.WriteString(sum.String())
		buf.WriteString("\n")
	}

	return buf.String()
}
