package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/jointstat/jointsim/duration"
	"github.com/jointstat/jointsim/jointmodel"
	"github.com/jointstat/jointsim/replicate"
	"github.com/jointstat/jointsim/simulate"
)

var (
	// CLI flags for the replicate runner
	logLevel     string   // Log verbosity level
	scenarioPath string   // Optional yaml scenario file
	backendNames []string // Backends to fit on every replicate
	workers      int      // Concurrent replicates
	kmPlot       string   // Optional Kaplan-Meier plot file

	// CLI flags overriding the scenario
	seed       uint64
	replicates int
	subjects   int
	times      int
	censor     bool
	censRate   float64
	gridStep   float64
	preview    bool
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "jointsim",
	Short: "Simulation harness for joint longitudinal-survival models",
}

// buildBackends resolves backend names to estimator instances.
func buildBackends(names []string) ([]jointmodel.Backend, error) {

	var out []jointmodel.Backend
	for _, na := range names {
		switch na {
		case "quadraticRandomEffects", "qre":
			out = append(out, jointmodel.NewQuadraticRandomEffects())
		case "multivariateJoint", "mvjoint":
			out = append(out, jointmodel.NewMultivariateJoint())
		default:
			return nil, fmt.Errorf("cmd: unknown backend '%s'", na)
		}
	}

	return out, nil
}

// buildScenario loads the scenario file if one was given, then applies any
// flags the user set explicitly on top of it.
func buildScenario(cmd *cobra.Command) (replicate.Scenario, error) {

	var sc replicate.Scenario
	var err error

	if scenarioPath != "" {
		sc, err = LoadScenario(scenarioPath)
		if err != nil {
			return sc, err
		}
	} else {
		sc = replicate.DefaultScenario()
	}

	fl := cmd.Flags()
	if fl.Changed("seed") {
		sc.Seed = seed
	}
	if fl.Changed("replicates") {
		sc.Replicates = replicates
	}
	if fl.Changed("subjects") {
		sc.Sim.NumSubjects = subjects
	}
	if fl.Changed("times") {
		sc.Sim.NumTimes = times
	}
	if fl.Changed("censor") {
		sc.Sim.Censor = censor
	}
	if fl.Changed("cens-rate") {
		sc.Sim.CensRate = censRate
	}
	if fl.Changed("grid-step") {
		sc.Sim.GridStep = gridStep
	}
	if fl.Changed("preview") {
		sc.Sim.Verbose = preview
	}

	return sc, nil
}

// kaplanMeierPlot simulates one dataset from the scenario and writes a
// Kaplan-Meier plot of its survival experience.
func kaplanMeierPlot(sc replicate.Scenario, fname string) error {

	tb, err := simulate.Simulate(sc.Sim, rand.NewSource(sc.Seed))
	if err != nil {
		return err
	}

	sf, err := duration.NewSurvfuncRight(tb.Surv, "time", "status").Done()
	if err != nil {
		return err
	}

	return duration.NewSurvfuncRightPlotter().Add(sf, sc.Name).Plot().Save(fname)
}

// runCmd executes a replicated simulation study from CLI flags and an
// optional scenario file.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a replicated joint-model simulation study",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		backends, err := buildBackends(backendNames)
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		sc, err := buildScenario(cmd)
		if err != nil {
			logrus.Fatalf("Unable to build scenario: %v", err)
		}

		logrus.Infof("Running scenario '%s': %d replicates of %d subjects, seed %d",
			sc.Name, sc.Replicates, sc.Sim.NumSubjects, sc.Seed)

		rn := replicate.NewRunner(backends...)
		if workers > 0 {
			rn.Workers = workers
		}

		res, err := rn.Run(sc)
		if err != nil {
			logrus.Fatalf("Run failed: %v", err)
		}

		fmt.Println(res.Summary())

		if kmPlot != "" {
			if err := kaplanMeierPlot(sc, kmPlot); err != nil {
				logrus.Fatalf("Unable to write survival plot: %v", err)
			}
			logrus.Infof("Wrote survival plot to %s", kmPlot)
		}
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {

	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "YAML scenario file")
	runCmd.Flags().StringSliceVar(&backendNames, "backends",
		[]string{"quadraticRandomEffects", "multivariateJoint"},
		"Backends to fit (quadraticRandomEffects, multivariateJoint)")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Concurrent replicates; 0 uses all CPUs")
	runCmd.Flags().StringVar(&kmPlot, "km-plot", "", "Write a Kaplan-Meier plot of one simulated replicate to this file")

	// Scenario overrides
	runCmd.Flags().Uint64Var(&seed, "seed", 1, "Base random seed; replicate r draws from seed+r")
	runCmd.Flags().IntVar(&replicates, "replicates", 100, "Number of simulation replicates")
	runCmd.Flags().IntVar(&subjects, "subjects", 200, "Number of subjects per replicate")
	runCmd.Flags().IntVar(&times, "times", 6, "Number of longitudinal measurement times")
	runCmd.Flags().BoolVar(&censor, "censor", false, "Enable independent exponential censoring")
	runCmd.Flags().Float64Var(&censRate, "cens-rate", 0.05, "Exponential censoring rate")
	runCmd.Flags().Float64Var(&gridStep, "grid-step", 0.01, "Step size of the hazard-integration grid")
	runCmd.Flags().BoolVar(&preview, "preview", false, "Write previews of the generated tables to stderr")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
