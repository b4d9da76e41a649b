package simulate

import (
	"fmt"

	"github.com/jointstat/jointsim/statmodel"
)

// JointData packages the simulated tables in the form the joint-model
// backends expect: longitudinal records truncated at each subject's
// observed event or censoring time, the survival table, and a one-row-per-
// subject baseline covariate projection, keyed by the id column.
type JointData struct {
	Long     statmodel.Dataset
	Surv     statmodel.Dataset
	Baseline statmodel.Dataset

	IDVar   string
	TimeVar string
}

// BaselineNames are the columns of the baseline covariate table.
var BaselineNames = []string{"id", "trt", "fac2", "fac3", "x"}

// Cast reshapes a simulator output pair into a JointData.  Longitudinal
// rows with time greater than the subject's survival time are dropped.  A
// longitudinal subject id that is absent from the survival table is an
// error.
func Cast(tb *Tables) (*JointData, error) {

	sid, err := tb.Surv.Col("id")
	if err != nil {
		return nil, err
	}
	stime, err := tb.Surv.Col("time")
	if err != nil {
		return nil, err
	}

	tmax := make(map[float64]float64, len(sid))
	for i, id := range sid {
		tmax[id] = stime[i]
	}

	lid, err := tb.Long.Col("id")
	if err != nil {
		return nil, err
	}
	ltime, err := tb.Long.Col("time")
	if err != nil {
		return nil, err
	}

	var keep []int
	for i, id := range lid {
		tm, ok := tmax[id]
		if !ok {
			return nil, fmt.Errorf("simulate: subject %v has longitudinal records but no survival record", id)
		}
		if ltime[i] <= tm {
			keep = append(keep, i)
		}
	}

	ldata := tb.Long.Data()
	fdata := make([][]statmodel.Dtype, len(ldata))
	for j := range ldata {
		col := make([]statmodel.Dtype, len(keep))
		for k, i := range keep {
			col[k] = ldata[j][i]
		}
		fdata[j] = col
	}

	base := make([][]statmodel.Dtype, len(BaselineNames))
	for j, na := range BaselineNames {
		col, err := tb.Surv.Col(na)
		if err != nil {
			return nil, err
		}
		c := make([]statmodel.Dtype, len(col))
		copy(c, col)
		base[j] = c
	}

	return &JointData{
		Long:     statmodel.NewDataset(fdata, tb.Long.Names()),
		Surv:     tb.Surv,
		Baseline: statmodel.NewDataset(base, BaselineNames),
		IDVar:    "id",
		TimeVar:  "time",
	}, nil
}
