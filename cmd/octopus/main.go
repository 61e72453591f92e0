// Command octopus is an equivalence checker for P4 packet parsers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jortvanleenen/octopus"
	"github.com/jortvanleenen/octopus/smt"
)

// Version is the release string reported by --version. It can be overridden
// at link time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

// errMismatch signals non-equivalence under --fail-on-mismatch.
var errMismatch = errors.New("parsers are not equivalent")

type options struct {
	json           bool
	naive          bool
	disableLeaps   bool
	output         string
	failOnMismatch bool
	stat           bool
	solvers        string
	solverOptions  string
	verbosity      int
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "octopus [flags] FILE1 FILE2",
		Short:         "An equivalence checker for P4 packet parsers.",
		Long:          "Octopus decides language equivalence of two P4 packet parsers\nby symbolic bisimulation with leaps.",
		Version:       Version,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(opts.verbosity)
			return check(cmd.Context(), &opts, args[0], args[1])
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVarP(&opts.json, "json", "j", false, "inputs are IR (p4c) JSON, skip compiler invocation")
	flags.BoolVarP(&opts.naive, "naive", "n", false, "use naive bisimulation instead of symbolic bisimulation")
	flags.BoolVarP(&opts.disableLeaps, "disable_leaps", "L", false, "disable leaps in symbolic bisimulation (ignored if --naive is set)")
	flags.StringVarP(&opts.output, "output", "o", "", "write the bisimulation certificate or counterexample to this file")
	flags.BoolVarP(&opts.failOnMismatch, "fail-on-mismatch", "f", false, "exit with code 1 if the parsers are not equivalent")
	flags.BoolVarP(&opts.stat, "stat", "S", false, "measure and print bisimulation execution time and memory usage")
	flags.StringVarP(&opts.solvers, "solvers", "s", `["z3", "cvc5"]`, "list of solvers, possibly with options, to use for symbolic bisimulation")
	flags.StringVar(&opts.solverOptions, "solvers-global-options", "", "global options for the provided solvers")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase output verbosity (-v, -vv, -vvv)")

	if err := rootCmd.Execute(); err != nil {
		switch {
		case errors.Is(err, errMismatch):
			return 1
		case errors.Is(err, octopus.ErrUnsupportedConstruct):
			log.Error(err)
			return 4
		case errors.Is(err, octopus.ErrSolverIndeterminate), errors.Is(err, octopus.ErrSolverTimeout):
			log.Error(err)
			return 3
		default:
			log.Error(err)
			return 2
		}
	}
	return 0
}

// setupLogging maps the -v count onto logrus levels.
func setupLogging(verbosity int) {
	switch {
	case verbosity >= 3:
		log.SetLevel(log.DebugLevel)
	case verbosity == 2:
		log.SetLevel(log.InfoLevel)
	case verbosity == 1:
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// check loads both inputs, runs the selected bisimulation and emits the
// report.
func check(ctx context.Context, opts *options, file1, file2 string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log.Info("reading P4 files")
	irs, err := readParserFiles([]string{file1, file2}, opts.json)
	if err != nil {
		return err
	}

	parsers := make([]*octopus.Parser, 2)
	for i, data := range irs {
		p, err := octopus.LoadParser(data)
		if err != nil {
			return fmt.Errorf("loading %q: %w", []string{file1, file2}[i], err)
		}
		if opts.verbosity >= 3 {
			log.Debugf("parser %d:\n%s", i+1, spew.Sdump(p))
		}
		parsers[i] = p
	}

	start := time.Now()
	report, err := runBisimulation(ctx, opts, parsers[0], parsers[1])
	if err != nil {
		return err
	}
	if opts.stat {
		printStats(time.Since(start))
	}

	rendered := report.Render()
	fmt.Print(rendered)
	if opts.output != "" {
		if err := os.WriteFile(opts.output, []byte(rendered), 0o644); err != nil {
			return fmt.Errorf("%w: writing output file: %s", octopus.ErrInput, err)
		}
	}

	if opts.failOnMismatch && !report.Equivalent {
		return errMismatch
	}
	return nil
}

func runBisimulation(ctx context.Context, opts *options, left, right *octopus.Parser) (*octopus.Report, error) {
	if opts.naive {
		log.Info("using naive bisimulation")
		return octopus.NaiveBisimulation(left, right)
	}

	specs, err := smt.ParseSolverSpecs(opts.solvers)
	if err != nil {
		return nil, err
	}
	global, err := smt.ParseGlobalOptions(opts.solverOptions)
	if err != nil {
		return nil, err
	}
	portfolio, err := smt.Open(specs, global)
	if err != nil {
		return nil, err
	}
	defer portfolio.Close()

	log.WithFields(log.Fields{
		"solvers": portfolio.Solvers(),
		"leaps":   !opts.disableLeaps,
	}).Info("using symbolic bisimulation")

	engine := octopus.NewEngine(left, right, portfolio)
	engine.DisableLeaps = opts.disableLeaps
	return engine.Run(ctx)
}

// readParserFiles returns the IR JSON of each input, invoking p4c-graphs
// for source files unless the inputs are IR JSON already.
func readParserFiles(files []string, inJSON bool) ([][]byte, error) {
	if inJSON {
		irs := make([][]byte, len(files))
		for i, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", octopus.ErrInput, err)
			}
			irs[i] = data
		}
		return irs, nil
	}

	compiler, err := exec.LookPath("p4c-graphs")
	if err != nil {
		return nil, fmt.Errorf("%w: required tool 'p4c-graphs' not found in PATH", octopus.ErrInput)
	}

	irs := make([][]byte, len(files))
	for i, file := range files {
		data, err := compile(compiler, file)
		if err != nil {
			return nil, err
		}
		irs[i] = data
	}
	return irs, nil
}

// compile invokes p4c-graphs to translate one source file to IR JSON in a
// temporary directory.
func compile(compiler, file string) ([]byte, error) {
	tempDir, err := os.MkdirTemp("", "octopus")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", octopus.ErrInput, err)
	}
	defer os.RemoveAll(tempDir)

	irFile := filepath.Join(tempDir, "IR.json")
	cmd := exec.Command(compiler, "--toJSON", irFile, "--graphs-dir", tempDir, file)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Errorf("p4c-graphs failed, it reported:\n%s", out)
		return nil, fmt.Errorf("%w: p4c-graphs failed on %q", octopus.ErrInput, file)
	}
	log.WithField("file", file).Info("converted to IR JSON")

	data, err := os.ReadFile(irFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading compiler output: %s", octopus.ErrInput, err)
	}
	return data, nil
}

// printStats reports wall time and memory after the bisimulation.
func printStats(elapsed time.Duration) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("Bisimulation completed. Timing and memory results:\n")
	fmt.Printf("  Wall time: %.4f s\n", elapsed.Seconds())
	fmt.Printf("  Peak memory: %.2f KiB\n", float64(m.Sys)/1024)
}
