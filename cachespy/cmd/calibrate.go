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
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"gvisor.dev/cachespy/cachespy/cmd/util"
	"gvisor.dev/cachespy/cachespy/config"
	"gvisor.dev/cachespy/cachespy/flag"
	"gvisor.dev/cachespy/pkg/attack"
	"gvisor.dev/cachespy/pkg/calibrate"
	"gvisor.dev/cachespy/pkg/session"
)

// Calibrate implements subcommands.Command for the "calibrate" command.
type Calibrate struct {
	technique          calibrate.Technique
	size               int
	entries            int
	scale              uint64
	histogramThreshold uint64
	cpu                int
	threadCPU          int
	logfile            string
}

// Name implements subcommands.Command.Name.
func (*Calibrate) Name() string {
	return "calibrate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Calibrate) Synopsis() string {
	return "measure hit and miss latency histograms of a technique"
}

// Usage implements subcommands.Command.Usage.
func (*Calibrate) Usage() string {
	return `calibrate [flags] - measure hit and miss latency histograms.

Prints one "time: hits misses" row per histogram bucket, followed by the
cache and memory access times and the derived threshold.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Calibrate) SetFlags(f *flag.FlagSet) {
	opts := calibrate.DriverOptions()
	c.technique = calibrate.FlushReload
	f.Var(&c.technique, "technique", "measurement technique: "+strings.Join(calibrate.Techniques(), ", ")+".")
	f.IntVar(&c.size, "size", opts.Size, "number of histogram buckets.")
	f.IntVar(&c.entries, "entries", opts.Entries, "number of samples per histogram.")
	f.Uint64Var(&c.scale, "scale", opts.Scale, "width of a histogram bucket.")
	f.Uint64Var(&c.histogramThreshold, "histogram-threshold", opts.HistogramThreshold, "count a miss bucket must exceed to be reported as the miss minimum.")
	f.IntVar(&c.cpu, "cpu", 0, "CPU the measurements run on. -1 leaves the thread unbound.")
	f.IntVar(&c.threadCPU, "thread-cpu", 1, "CPU the thread-counter timing thread is bound to.")
	f.StringVar(&c.logfile, "logfile", "", "CSV file the histograms are written to.")
}

// Execute implements subcommands.Command.Execute.
func (c *Calibrate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	profile, err := conf.Profile(max(c.cpu, 0))
	if err != nil {
		return util.Errorf("resolving device profile: %v", err)
	}
	sopts := conf.SessionOptions(profile)
	sopts.Timing.CounterCPU = c.threadCPU
	copts := calibrate.Options{
		Size:               c.size,
		Entries:            c.entries,
		Scale:              c.scale,
		HistogramThreshold: c.histogramThreshold,
		Technique:          c.technique,
	}

	var res calibrate.Result
	err = onCPU(c.cpu, func() error {
		s, err := session.New(sopts)
		if err != nil {
			return err
		}
		defer s.Close()
		res, err = attack.CalibrateThreshold(s, copts)
		return err
	})
	if err != nil {
		return util.Errorf("%v calibration failed: %v", c.technique, err)
	}

	if err := res.WriteTable(os.Stdout); err != nil {
		return util.Errorf("writing histograms: %v", err)
	}
	fmt.Printf("Cache access time: %d\n", res.CacheTime)
	fmt.Printf("Memory access time: %d\n", res.MemoryTime)
	fmt.Printf("Miss minimum: %d\n", uint64(res.MissMinimumIndex)*res.Miss.Scale)
	fmt.Printf("Threshold: %d\n", res.Threshold)

	if c.logfile != "" {
		lf, err := os.Create(c.logfile)
		if err != nil {
			return util.Errorf("creating log file: %v", err)
		}
		defer lf.Close()
		if err := res.WriteCSV(lf); err != nil {
			return util.Errorf("writing %s: %v", c.logfile, err)
		}
	}
	return subcommands.ExitSuccess
}
