package duration

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/jointstat/jointsim/statmodel"
)

// SurvfuncRight uses the method of Kaplan and Meier to estimate the
// survival distribution based on (possibly) right censored data.
type SurvfuncRight struct {

	// The data used to perform the estimation.
	data statmodel.Dataset

	// The name of the variable containing the minimum of the event
	// time and censoring time.
	timeVar string

	// The name of the variable containing the status indicator, which
	// is 1 if the event occurred at the time given by timeVar, and 0
	// otherwise.
	statusVar string

	// Times at which events occur, sorted.
	times []float64

	// Number of events at each time in times.
	nEvents []float64

	// Number of subjects at risk just before each time in times.
	nRisk []float64

	// The estimated survival function evaluated at each time in times.
	survProb []float64

	// The standard errors for the estimates in survProb.
	survProbSE []float64

	events map[float64]float64
	total  map[float64]float64
}

// NewSurvfuncRight creates a new value for fitting a survival function.
// Call Done to perform the estimation.
func NewSurvfuncRight(data statmodel.Dataset, timevar, statusvar string) *SurvfuncRight {

	return &SurvfuncRight{
		data:      data,
		timeVar:   timevar,
		statusVar: statusvar,
	}
}

// Time returns the times at which the survival function changes.
func (sf *SurvfuncRight) Time() []float64 {
	return sf.times
}

// NumRisk returns the number of subjects at risk at each time point where
// the survival function changes.
func (sf *SurvfuncRight) NumRisk() []float64 {
	return sf.nRisk
}

// SurvProb returns the estimated survival probabilities at the points
// where the survival function changes.
func (sf *SurvfuncRight) SurvProb() []float64 {
	return sf.survProb
}

// SurvProbSE returns the standard errors of the estimated survival
// probabilities at the points where the survival function changes.
func (sf *SurvfuncRight) SurvProbSE() []float64 {
	return sf.survProbSE
}

func (sf *SurvfuncRight) scanData() error {

	time, err := sf.data.Col(sf.timeVar)
	if err != nil {
		return err
	}
	status, err := sf.data.Col(sf.statusVar)
	if err != nil {
		return err
	}

	sf.events = make(map[float64]float64)
	sf.total = make(map[float64]float64)

	for i, t := range time {
		if status[i] == 1 {
			sf.events[float64(t)]++
		}
		sf.total[float64(t)]++
	}

	return nil
}

func rollback(x []float64) {
	var z float64
	for i := len(x) - 1; i >= 0; i-- {
		z += x[i]
		x[i] = z
	}
}

func (sf *SurvfuncRight) eventstats() {

	// Get the sorted distinct times (event or censoring)
	sf.times = make([]float64, 0, len(sf.total))
	for t := range sf.total {
		sf.times = append(sf.times, t)
	}
	sort.Float64s(sf.times)

	// Get the event count and risk set size at each time point, in the
	// same order as times.
	sf.nEvents = make([]float64, len(sf.times))
	sf.nRisk = make([]float64, len(sf.times))
	for i, t := range sf.times {
		sf.nEvents[i] = sf.events[t]
		sf.nRisk[i] = sf.total[t]
	}
	rollback(sf.nRisk)
}

// compress removes times where no events occurred, retaining the last
// point even if it has no events.
func (sf *SurvfuncRight) compress() {

	var ix []int
	for i := 0; i < len(sf.times); i++ {
		if sf.nEvents[i] > 0 || i == len(sf.times)-1 {
			ix = append(ix, i)
		}
	}

	if len(ix) < len(sf.times) {
		for i, j := range ix {
			sf.times[i] = sf.times[j]
			sf.nEvents[i] = sf.nEvents[j]
			sf.nRisk[i] = sf.nRisk[j]
		}
		sf.times = sf.times[0:len(ix)]
		sf.nEvents = sf.nEvents[0:len(ix)]
		sf.nRisk = sf.nRisk[0:len(ix)]
	}
}

func (sf *SurvfuncRight) fit() {

	sf.survProb = make([]float64, len(sf.times))
	x := float64(1)
	for i := range sf.times {
		x *= 1 - sf.nEvents[i]/sf.nRisk[i]
		sf.survProb[i] = x
	}

	// Greenwood's formula
	sf.survProbSE = make([]float64, len(sf.times))
	x = 0
	for i := range sf.times {
		d := sf.nEvents[i]
		n := sf.nRisk[i]
		if n > d {
			x += d / (n * (n - d))
		}
		sf.survProbSE[i] = math.Sqrt(x) * sf.survProb[i]
	}
}

// Done indicates that the survival function has been configured and can
// now be fit.
func (sf *SurvfuncRight) Done() (*SurvfuncRight, error) {

	if err := sf.scanData(); err != nil {
		return nil, err
	}
	sf.eventstats()
	sf.compress()
	sf.fit()

	return sf, nil
}

// SurvfuncRightPlotter is used to plot one or more survival functions.
type SurvfuncRightPlotter struct {
	plt *plot.Plot

	labels []string
	lines  []*plotter.Line

	width  vg.Length
	height vg.Length
}

// NewSurvfuncRightPlotter returns a default SurvfuncRightPlotter.
func NewSurvfuncRightPlotter() *SurvfuncRightPlotter {

	return &SurvfuncRightPlotter{
		width:  4,
		height: 4,
		plt:    plot.New(),
	}
}

// Width sets the width of the survival function plot, in inches.
func (sp *SurvfuncRightPlotter) Width(w float64) *SurvfuncRightPlotter {
	sp.width = vg.Length(w)
	return sp
}

// Height sets the height of the survival function plot, in inches.
func (sp *SurvfuncRightPlotter) Height(h float64) *SurvfuncRightPlotter {
	sp.height = vg.Length(h)
	return sp
}

// Add plots a given survival function as a step function.
func (sp *SurvfuncRightPlotter) Add(sf *SurvfuncRight, label string) *SurvfuncRightPlotter {

	ti := sf.Time()
	pr := sf.SurvProb()

	pts := make(plotter.XYs, 0, 2*len(ti)+1)
	pts = append(pts, plotter.XY{X: 0, Y: 1})

	for i := range ti {
		pts = append(pts, plotter.XY{X: ti[i], Y: pts[len(pts)-1].Y})
		pts = append(pts, plotter.XY{X: ti[i], Y: pr[i]})
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		panic(err)
	}
	line.Color = plotutil.Color(len(sp.lines))

	sp.lines = append(sp.lines, line)
	sp.labels = append(sp.labels, label)

	return sp
}

// Plot constructs the plot.
func (sp *SurvfuncRightPlotter) Plot() *SurvfuncRightPlotter {

	sp.plt.Y.Min = 0
	sp.plt.Y.Max = 1

	sp.plt.X.Label.Text = "Time"
	sp.plt.Y.Label.Text = "Proportion surviving"

	for i := range sp.lines {
		sp.plt.Add(sp.lines[i])
		sp.plt.Legend.Add(sp.labels[i], sp.lines[i])
	}

	if len(sp.lines) > 1 {
		sp.plt.Legend.Top = false
		sp.plt.Legend.Left = true
	}

	return sp
}

// GetPlotStruct returns the plotting structure for this plot.
func (sp *SurvfuncRightPlotter) GetPlotStruct() *plot.Plot {
	return sp.plt
}

// Save writes the plot to the given file.
func (sp *SurvfuncRightPlotter) Save(fname string) error {

	if err := sp.plt.Save(sp.width*vg.Inch, sp.height*vg.Inch, fname); err != nil {
		return fmt.Errorf("duration: saving survival plot: %v", err)
	}

	return nil
}
