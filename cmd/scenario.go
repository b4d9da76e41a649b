package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jointstat/jointsim/randcov"
	"github.com/jointstat/jointsim/replicate"
)

// scenarioFile is the yaml form of a scenario.  Keys absent from the
// document keep the default scenario's values.
type scenarioFile struct {
	Name       string    `yaml:"name"`
	Seed       uint64    `yaml:"seed"`
	Replicates int       `yaml:"replicates"`
	Subjects   int       `yaml:"subjects"`
	Times      int       `yaml:"times"`
	ResidSD    float64   `yaml:"residsd"`
	Assoc      []float64 `yaml:"assoc"`
	SD         []float64 `yaml:"sd"`
	Corr       []float64 `yaml:"corr"`
	Beta       []float64 `yaml:"beta"`
	LogScale   float64   `yaml:"logscale"`
	Shape      float64   `yaml:"shape"`
	SurvCoef   []float64 `yaml:"survcoef"`
	Censor     bool      `yaml:"censor"`
	CensRate   float64   `yaml:"censrate"`
	GridStep   float64   `yaml:"gridstep"`
}

// parseScenario decodes a yaml document over the default scenario.
func parseScenario(raw []byte) (replicate.Scenario, error) {

	sc := replicate.DefaultScenario()
	cfg := sc.Sim

	dsd := [3]float64{0.5, 0.1, 0.05}
	dcorr := randcov.DefaultCorr()

	sf := scenarioFile{
		Name:       sc.Name,
		Seed:       sc.Seed,
		Replicates: sc.Replicates,
		Subjects:   cfg.NumSubjects,
		Times:      cfg.NumTimes,
		ResidSD:    cfg.ResidSD,
		Assoc:      cfg.Assoc[:],
		SD:         dsd[:],
		Corr:       dcorr[:],
		Beta:       cfg.Beta[:],
		LogScale:   cfg.GompertzLogScale,
		Shape:      cfg.GompertzShape,
		SurvCoef:   cfg.SurvCoef[:],
		Censor:     cfg.Censor,
		CensRate:   cfg.CensRate,
		GridStep:   cfg.GridStep,
	}

	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return replicate.Scenario{}, fmt.Errorf("cmd: parsing scenario: %v", err)
	}

	for _, ck := range []struct {
		name string
		vals []float64
		want int
	}{
		{"assoc", sf.Assoc, 3},
		{"sd", sf.SD, 3},
		{"corr", sf.Corr, 3},
		{"beta", sf.Beta, 5},
		{"survcoef", sf.SurvCoef, 2},
	} {
		if len(ck.vals) != ck.want {
			return replicate.Scenario{}, fmt.Errorf("cmd: scenario key '%s' needs %d values, got %d",
				ck.name, ck.want, len(ck.vals))
		}
	}

	sc.Name = sf.Name
	sc.Seed = sf.Seed
	sc.Replicates = sf.Replicates

	cfg.NumSubjects = sf.Subjects
	cfg.NumTimes = sf.Times
	cfg.ResidSD = sf.ResidSD
	copy(cfg.Assoc[:], sf.Assoc)
	copy(cfg.Beta[:], sf.Beta)
	cfg.GompertzLogScale = sf.LogScale
	cfg.GompertzShape = sf.Shape
	copy(cfg.SurvCoef[:], sf.SurvCoef)
	cfg.Censor = sf.Censor
	cfg.CensRate = sf.CensRate
	cfg.GridStep = sf.GridStep

	var sd, corr [3]float64
	copy(sd[:], sf.SD)
	copy(corr[:], sf.Corr)
	cfg.Cov = randcov.Build(sd, corr)

	return sc, nil
}

// LoadScenario reads a yaml scenario file.
func LoadScenario(fname string) (replicate.Scenario, error) {

	raw, err := os.ReadFile(fname)
	if err != nil {
		return replicate.Scenario{}, fmt.Errorf("cmd: reading scenario: %v", err)
	}

	return parseScenario(raw)
}
