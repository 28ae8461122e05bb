// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"gvisor.dev/cachespy/cachespy/cmd/util"
	"gvisor.dev/cachespy/cachespy/config"
	"gvisor.dev/cachespy/cachespy/flag"
	"gvisor.dev/cachespy/pkg/device"
	"gvisor.dev/cachespy/pkg/evaluator"
	"gvisor.dev/cachespy/pkg/eviction"
	"gvisor.dev/cachespy/pkg/log"
)

// reportName is the file evaluate report writes by default.
const reportName = "strategies.csv"

// Evaluate implements subcommands.Command for the "evaluate" command.
type Evaluate struct{}

// Name implements subcommands.Command.
func (*Evaluate) Name() string {
	return "evaluate"
}

// Synopsis implements subcommands.Command.
func (*Evaluate) Synopsis() string {
	return "measure and compare eviction strategies"
}

// Usage implements subcommands.Command.
func (*Evaluate) Usage() string {
	buf := bytes.Buffer{}
	buf.WriteString("Usage: evaluate <flags> <subcommand> <subcommand args>\n\n")

	cdr := createEvaluateCommander(&flag.FlagSet{})
	cdr.VisitGroups(func(grp *subcommands.CommandGroup) {
		cdr.ExplainGroup(&buf, grp)
	})

	return buf.String()
}

// SetFlags implements subcommands.Command.
func (*Evaluate) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.
func (*Evaluate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	return createEvaluateCommander(f).Execute(ctx, args...)
}

func createEvaluateCommander(f *flag.FlagSet) *subcommands.Commander {
	cdr := subcommands.NewCommander(f, "evaluate")
	cdr.Register(cdr.HelpCommand(), "")
	cdr.Register(cdr.FlagsCommand(), "")
	cdr.Register(new(EvaluateRun), "")
	cdr.Register(new(EvaluateSweep), "")
	cdr.Register(new(EvaluateReport), "")
	return cdr
}

// measureFlags are the flags shared by the commands that measure
// strategies.
type measureFlags struct {
	dir       string
	runs      int
	batchSize int
	force     bool
	cpu       int
}

func (m *measureFlags) setFlags(f *flag.FlagSet) {
	f.StringVar(&m.dir, "dir", "", "directory of the strategy logs. Defaults to logs/<device codename>.")
	f.IntVar(&m.runs, "number-of-measurements", evaluator.DefaultRuns, "number of miss and runtime samples.")
	f.IntVar(&m.batchSize, "batch-size", evaluator.DefaultBatchSize, "number of evictions per batch sample.")
	f.BoolVar(&m.force, "force", false, "measure strategies whose log already exists.")
	f.IntVar(&m.cpu, "cpu", 0, "CPU the measurements run on. -1 leaves the thread unbound.")
}

// runner returns the evaluator runner for the configured device.
func (m *measureFlags) runner(conf *config.Config) (*evaluator.Runner, device.Profile, error) {
	profile, err := conf.Profile(max(m.cpu, 0))
	if err != nil {
		return nil, profile, fmt.Errorf("resolving device profile: %w", err)
	}
	dir := m.dir
	if dir == "" {
		dir = filepath.Join("logs", profile.Device.Codename)
	}
	return &evaluator.Runner{
		Dir:     dir,
		Options: evaluator.Options{Runs: m.runs, BatchSize: m.batchSize},
		Force:   m.force,
		Open:    proberOpener(conf, profile),
	}, profile, nil
}

// EvaluateRun implements subcommands.Command for the "evaluate run" command.
type EvaluateRun struct {
	measureFlags
	strategy  eviction.Strategy
	threshold uint64
}

// Name implements subcommands.Command.
func (*EvaluateRun) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.
func (*EvaluateRun) Synopsis() string {
	return "measure one eviction strategy"
}

// Usage implements subcommands.Command.
func (*EvaluateRun) Usage() string {
	return `run [flags] - measure one eviction strategy.

Flags left at 0 take their value from the device profile's strategy. The log
is written to <dir>/<addresses>-<accesses>-<different>-<step>-<m|M>.log.
`
}

// SetFlags implements subcommands.Command.
func (r *EvaluateRun) SetFlags(f *flag.FlagSet) {
	r.measureFlags.setFlags(f)
	f.IntVar(&r.strategy.EvictionCounter, "eviction-counter", 0, "eviction counter.")
	f.IntVar(&r.strategy.AccessesInLoop, "number-of-accesses-in-loop", 0, "accesses of each address window.")
	f.IntVar(&r.strategy.DifferentAddresses, "different-addresses-in-loop", 0, "addresses in each window.")
	f.IntVar(&r.strategy.StepSize, "step-size", 0, "addresses the window advances by.")
	f.BoolVar(&r.strategy.Mirroring, "mirroring", false, "replay each window in reverse.")
	f.Uint64Var(&r.threshold, "threshold", 0, "miss threshold to evaluate the log with. 0 uses the device's threshold, and skips evaluation if it has none.")
}

// Execute implements subcommands.Command.
func (r *EvaluateRun) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	runner, profile, err := r.runner(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	s := mergeStrategy(r.strategy, profile.Strategy)
	if err := s.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitUsageError
	}

	if err := onCPU(r.cpu, func() error {
		_, err := runner.Run(s)
		return err
	}); err != nil {
		return util.Errorf("evaluating %s: %v", s.Name(), err)
	}

	threshold := r.threshold
	if threshold == 0 {
		threshold = profile.Device.Threshold
	}
	if threshold == 0 {
		return subcommands.ExitSuccess
	}
	lf, err := os.Open(runner.LogPath(s))
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer lf.Close()
	res, err := evaluator.Evaluate(lf, s.Name(), threshold)
	if err != nil {
		return util.Errorf("evaluating %s: %v", s.Name(), err)
	}
	util.Infof("Eviction rate: %f%%", res.Rate)
	util.Infof("Average runtime: %f", res.AverageRuntime)
	return subcommands.ExitSuccess
}

// mergeStrategy returns s with unset fields taken from def.
func mergeStrategy(s, def eviction.Strategy) eviction.Strategy {
	if s.EvictionCounter == 0 {
		s.EvictionCounter = def.EvictionCounter
	}
	if s.AccessesInLoop == 0 {
		s.AccessesInLoop = def.AccessesInLoop
	}
	if s.DifferentAddresses == 0 {
		s.DifferentAddresses = def.DifferentAddresses
	}
	if s.StepSize == 0 {
		s.StepSize = max(def.StepSize, 1)
	}
	s.Mirroring = s.Mirroring || def.Mirroring
	return s
}

// EvaluateSweep implements subcommands.Command for the "evaluate sweep"
// command.
type EvaluateSweep struct {
	measureFlags
	limits evaluator.Limits
}

// Name implements subcommands.Command.
func (*EvaluateSweep) Name() string {
	return "sweep"
}

// Synopsis implements subcommands.Command.
func (*EvaluateSweep) Synopsis() string {
	return "measure every eviction strategy up to the given limits"
}

// Usage implements subcommands.Command.
func (*EvaluateSweep) Usage() string {
	return `sweep [flags] - measure every eviction strategy up to the given limits.

Strategies whose log already exists are skipped unless -force is set, so an
interrupted sweep can be resumed.
`
}

// SetFlags implements subcommands.Command.
func (s *EvaluateSweep) SetFlags(f *flag.FlagSet) {
	s.measureFlags.setFlags(f)
	f.IntVar(&s.limits.EvictionCounter, "max-eviction-counter", 0, "largest eviction counter.")
	f.IntVar(&s.limits.AccessesInLoop, "max-number-of-accesses-in-loop", 0, "largest number of accesses of each window.")
	f.IntVar(&s.limits.DifferentAddresses, "max-different-addresses-in-loop", 0, "largest number of addresses in each window.")
	f.IntVar(&s.limits.StepSize, "max-step-size", 1, "largest step size.")
	f.BoolVar(&s.limits.Mirroring, "with-mirroring", false, "also measure the mirrored variant of each strategy.")
}

// Execute implements subcommands.Command.
func (s *EvaluateSweep) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.limits.EvictionCounter < 1 || s.limits.AccessesInLoop < 1 || s.limits.DifferentAddresses < 1 || s.limits.StepSize < 1 {
		fmt.Fprintf(os.Stderr, "all -max-* limits must be positive\n")
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	runner, _, err := s.runner(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	if err := onCPU(s.cpu, func() error {
		return runner.Sweep(ctx, s.limits)
	}); err != nil {
		return util.Errorf("sweep failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// EvaluateReport implements subcommands.Command for the "evaluate report"
// command.
type EvaluateReport struct {
	threshold uint64
	output    string
}

// Name implements subcommands.Command.
func (*EvaluateReport) Name() string {
	return "report"
}

// Synopsis implements subcommands.Command.
func (*EvaluateReport) Synopsis() string {
	return "compute eviction rates and runtimes of measured strategies"
}

// Usage implements subcommands.Command.
func (*EvaluateReport) Usage() string {
	return `report [flags] <log directory> - compute eviction rates and runtimes.

Every .log file of the directory is evaluated and the results are written as
CSV, sorted by strategy name.
`
}

// SetFlags implements subcommands.Command.
func (r *EvaluateReport) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&r.threshold, "threshold", 0, "miss threshold. Reloads slower than this count as evicted.")
	f.StringVar(&r.output, "output", reportName, "CSV file the report is written to. - writes to stdout.")
}

// Execute implements subcommands.Command.
func (r *EvaluateReport) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || r.threshold == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	results, err := evaluator.Report(f.Arg(0), r.threshold)
	if err != nil {
		return util.Errorf("evaluating %s: %v", f.Arg(0), err)
	}
	log.Infof("Evaluated %d strategies", len(results))

	out := os.Stdout
	if r.output != "-" {
		out, err = os.Create(r.output)
		if err != nil {
			return util.Errorf("creating report: %v", err)
		}
		defer out.Close()
	}
	if err := evaluator.WriteReport(out, results); err != nil {
		return util.Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}
