package replicate

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jointstat/jointsim/jointmodel"
	"github.com/jointstat/jointsim/simulate"
)

// failBackend always fails, exercising the NaN-row path.
type failBackend struct{}

func (failBackend) Name() string { return "alwaysFails" }

func (failBackend) Fit(jd *simulate.JointData) (jointmodel.Result, error) {
	return nil, fmt.Errorf("nope")
}

func (failBackend) Extract(r jointmodel.Result) (jointmodel.ParamRow, error) {
	return jointmodel.ParamRow{}, fmt.Errorf("nope")
}

func smallScenario() Scenario {
	sc := DefaultScenario()
	sc.Name = "small"
	sc.Seed = 99
	sc.Replicates = 3
	sc.Sim.NumSubjects = 80
	return sc
}

func TestRun(t *testing.T) {

	rn := NewRunner(jointmodel.NewQuadraticRandomEffects())
	rn.Workers = 2

	res, err := rn.Run(smallScenario())
	require.NoError(t, err)

	require.Equal(t, []string{"quadraticRandomEffects"}, res.Backends)
	rows := res.Rows["quadraticRandomEffects"]
	require.Len(t, rows, 3)

	for _, row := range rows {
		assert.Equal(t, "quadraticRandomEffects", row.Backend)
		assert.Len(t, row.Values, len(jointmodel.RowNames))
	}
}

func TestRunDeterministic(t *testing.T) {

	sc := smallScenario()

	run := func(workers int) *Results {
		rn := NewRunner(jointmodel.NewQuadraticRandomEffects())
		rn.Workers = workers
		res, err := rn.Run(sc)
		require.NoError(t, err)
		return res
	}

	r1 := run(1)
	r2 := run(3)

	a := r1.Rows["quadraticRandomEffects"]
	b := r2.Rows["quadraticRandomEffects"]
	for i := range a {
		for j := range a[i].Values {
			u, v := a[i].Values[j], b[i].Values[j]
			if math.IsNaN(u) {
				assert.True(t, math.IsNaN(v))
			} else {
				assert.Equal(t, u, v, "replicate %d, %s", i, jointmodel.RowNames[j])
			}
		}
	}
}

func TestFailuresDoNotAbort(t *testing.T) {

	rn := NewRunner(failBackend{}, jointmodel.NewQuadraticRandomEffects())

	res, err := rn.Run(smallScenario())
	require.NoError(t, err)

	for _, row := range res.Rows["alwaysFails"] {
		conv, err := row.Get("converged")
		require.NoError(t, err)
		assert.Zero(t, conv)
		v, _ := row.Get("beta.trt")
		assert.True(t, math.IsNaN(v))
	}

	agg, err := res.Aggregate("alwaysFails")
	require.NoError(t, err)
	assert.Zero(t, agg.Converged)
	assert.Equal(t, 3, agg.Total)
	assert.Zero(t, agg.Mean[0])
}

func TestAggregate(t *testing.T) {

	rn := NewRunner(jointmodel.NewQuadraticRandomEffects())

	res, err := rn.Run(smallScenario())
	require.NoError(t, err)

	agg, err := res.Aggregate("quadraticRandomEffects")
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Total)

	if agg.Converged > 0 {
		bt, err := jointmodel.ParamRow{Values: agg.Mean}.Get("beta.trt")
		require.NoError(t, err)
		assert.False(t, math.IsNaN(bt))
	}

	_, err = res.Aggregate("nope")
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {

	rn := NewRunner(jointmodel.NewQuadraticRandomEffects())

	res, err := rn.Run(smallScenario())
	require.NoError(t, err)

	s := res.Summary()
	assert.Contains(t, s, "quadraticRandomEffects")
	assert.Contains(t, s, "beta.trt")
	assert.Contains(t, s, "Replicates: 3")
}

func TestRunErrors(t *testing.T) {

	rn := NewRunner()
	_, err := rn.Run(smallScenario())
	assert.Error(t, err)

	rn = NewRunner(jointmodel.NewQuadraticRandomEffects())
	sc := smallScenario()
	sc.Replicates = 0
	_, err = rn.Run(sc)
	assert.Error(t, err)
}
