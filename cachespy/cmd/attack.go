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
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"gvisor.dev/cachespy/cachespy/cmd/util"
	"gvisor.dev/cachespy/cachespy/config"
	"gvisor.dev/cachespy/cachespy/flag"
	"gvisor.dev/cachespy/pkg/attack"
	"gvisor.dev/cachespy/pkg/calibrate"
	"gvisor.dev/cachespy/pkg/device"
	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/session"
	"gvisor.dev/cachespy/pkg/shlock"
)

// Attack implements subcommands.Command for the "attack" command.
type Attack struct {
	rangeSpec  string
	offsetSpec string
	fork       int
	threshold  uint64
	cpu        int
	tests      int
	interval   time.Duration
	spy        bool
	showTiming bool
	logfile    string
	debounce   int
	yields     int
}

// Name implements subcommands.Command.Name.
func (*Attack) Name() string {
	return "attack"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Attack) Synopsis() string {
	return "run a cache template attack against a file"
}

// Usage implements subcommands.Command.Usage.
func (*Attack) Usage() string {
	return `attack [flags] <file> - run a cache template attack against a file.

The file, typically a shared library or executable, is mapped and swept one
cache line at a time. For each line the slaves repeatedly Flush+Reload it and
report how often another process accessed it. With -spy, only the first line
is watched until interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Attack) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.rangeSpec, "range", "", "hexadecimal start-end range of the file to sweep. Empty sweeps to the end of the file.")
	f.StringVar(&a.offsetSpec, "offset", "0", "hexadecimal file offset to start at, aligned down to a cache line.")
	f.IntVar(&a.fork, "fork", 1, "number of slaves.")
	f.Uint64Var(&a.threshold, "threshold", 0, "hit threshold. 0 uses the device's threshold, or calibrates one.")
	f.IntVar(&a.cpu, "cpu", 0, "CPU of the master. Worker i runs on CPU (cpu+i) modulo the number of CPUs. -1 disables binding.")
	f.IntVar(&a.tests, "number-of-tests", attack.DefaultTests, "number of reloads per locked burst.")
	f.DurationVar(&a.interval, "offset-update-time", attack.DefaultUpdateInterval, "time spent on each offset.")
	f.BoolVar(&a.spy, "spy", false, "watch the first line until interrupted.")
	f.BoolVar(&a.showTiming, "show-timing", false, "report every reload latency instead of hit counts.")
	f.StringVar(&a.logfile, "logfile", "", "CSV file results are written to.")
	f.IntVar(&a.debounce, "debounce", attack.DefaultDebounce, "consecutive misses that must precede a counted hit.")
	f.IntVar(&a.yields, "number-of-yields", attack.DefaultYields, "yields after each reload.")
}

// params builds the attack parameters from the flags.
func (a *Attack) params(conf *config.Config) (attack.Params, error) {
	p := attack.DefaultParams()
	off, err := attack.ParseOffset(a.offsetSpec)
	if err != nil {
		return p, fmt.Errorf("invalid -offset: %w", err)
	}
	p.Offset = attack.AlignOffset(off)
	if a.rangeSpec != "" {
		if p.Range, err = attack.ParseRange(a.rangeSpec); err != nil {
			return p, fmt.Errorf("invalid -range: %w", err)
		}
	}
	if a.fork < 1 {
		return p, fmt.Errorf("-fork must be at least 1, got %d", a.fork)
	}
	p.Threshold = a.threshold
	p.Tests = a.tests
	p.UpdateInterval = a.interval
	p.Spy = a.spy
	p.ShowTiming = a.showTiming
	p.Debounce = a.debounce
	p.Yields = a.yields
	p.Lock = conf.Lock
	p.LockPath = conf.LockFile
	return p, p.Validate()
}

// Execute implements subcommands.Command.Execute.
func (a *Attack) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	p, err := a.params(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		f.Usage()
		return subcommands.ExitUsageError
	}

	path, err := filepath.Abs(f.Arg(0))
	if err != nil {
		return util.Errorf("resolving %q: %v", f.Arg(0), err)
	}
	target, err := attack.OpenTarget(path, p.Offset, p.Range)
	if err != nil {
		return util.Errorf("opening target: %v", err)
	}
	defer target.Close()
	p.Offset, p.Range = target.Offset, target.Range
	log.Infof("Attacking %s from %#x, %#x bytes", target.Name(), p.Offset, p.Range)

	profile, err := conf.Profile(max(a.cpu, 0))
	if err != nil {
		return util.Errorf("resolving device profile: %v", err)
	}
	if p.Threshold == 0 {
		p.Threshold = profile.Device.Threshold
	}
	if p.Threshold == 0 {
		if p.Threshold, err = a.calibrate(conf, profile); err != nil {
			return util.Errorf("calibrating threshold: %v", err)
		}
	}
	fmt.Printf("Threshold: %d\n", p.Threshold)

	if p.Lock == shlock.File && p.LockPath == "" {
		lf, err := os.CreateTemp("", "cachespy-*.lock")
		if err != nil {
			return util.Errorf("creating lock file: %v", err)
		}
		lf.Close()
		defer os.Remove(lf.Name())
		p.LockPath = lf.Name()
	}

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	var summary *attack.Summary
	switch conf.Launch {
	case attack.LaunchThreads:
		summary, err = a.runThreads(ctx, conf, profile, target, p)
	case attack.LaunchProcesses:
		summary, err = a.runProcesses(ctx, conf, target, p)
	default:
		return util.Errorf("unsupported launch mode %v", conf.Launch)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return util.Errorf("attack failed: %v", err)
	}

	if summary != nil {
		fmt.Println("Summary:")
		if _, err := summary.WriteTo(os.Stdout); err != nil {
			return util.Errorf("writing summary: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// calibrate measures the hit threshold on the master's CPU.
func (a *Attack) calibrate(conf *config.Config, profile device.Profile) (uint64, error) {
	var res calibrate.Result
	err := onCPU(a.cpu, func() error {
		s, err := session.New(conf.SessionOptions(profile))
		if err != nil {
			return err
		}
		defer s.Close()
		res, err = attack.CalibrateThreshold(s, calibrate.AttackOptions())
		return err
	})
	if err != nil {
		return 0, err
	}
	log.Infof("Calibrated cache time %d, memory time %d", res.CacheTime, res.MemoryTime)
	return res.Threshold, nil
}

// createLog creates the attack log and writes its header. It returns nil if
// no log was requested.
func (a *Attack) createLog(showTiming bool) (*os.File, error) {
	if a.logfile == "" {
		return nil, nil
	}
	lf, err := os.Create(a.logfile)
	if err != nil {
		return nil, err
	}
	if _, err := attack.NewRecorder(io.Discard, lf, showTiming, true); err != nil {
		lf.Close()
		return nil, err
	}
	return lf, nil
}

func (a *Attack) runThreads(ctx context.Context, conf *config.Config, profile device.Profile, target *attack.Target, p attack.Params) (*attack.Summary, error) {
	lf, err := a.createLog(p.ShowTiming)
	if err != nil {
		return nil, err
	}
	var logw io.Writer
	if lf != nil {
		defer lf.Close()
		logw = lf
	}
	rec, err := attack.NewRecorder(os.Stdout, logw, p.ShowTiming, false)
	if err != nil {
		return nil, err
	}

	l := &attack.ThreadLauncher{
		Base:       target.Base(),
		CPU:        a.cpu,
		NewSampler: samplerOpener(conf, profile),
		Reporter:   rec,
	}
	err = l.Launch(ctx, p, a.fork)
	if p.ShowTiming {
		return nil, err
	}
	summary := attack.NewSummary()
	for _, e := range rec.Summary() {
		summary.Add(e.Offset, e.Hits)
	}
	return summary, err
}

func (a *Attack) runProcesses(ctx context.Context, conf *config.Config, target *attack.Target, p attack.Params) (*attack.Summary, error) {
	lf, err := a.createLog(p.ShowTiming)
	if err != nil {
		return nil, err
	}
	if lf != nil {
		lf.Close()
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	l := &attack.ProcessLauncher{
		Spec: attack.WorkerSpec{
			Target: target.Name(),
			Args:   append(conf.ToFlags(), "worker"),
		},
		CPU: a.cpu,
		Command: func(spec *attack.WorkerSpec) (*exec.Cmd, error) {
			spec.Args = append(spec.Args, workerArgs(spec, a.logfile)...)
			cmd := exec.Command(exe, spec.Args...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.SysProcAttr = &unix.SysProcAttr{Pdeathsig: unix.SIGKILL}
			return cmd, nil
		},
	}
	err = l.Launch(ctx, p, a.fork)
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	if a.logfile == "" || p.ShowTiming {
		return nil, err
	}

	// Slaves only report to their own stdout, so the summary is rebuilt
	// from the shared log.
	lf, rerr := os.Open(a.logfile)
	if rerr != nil {
		return nil, rerr
	}
	defer lf.Close()
	summary, rerr := attack.ReadSummary(lf)
	if rerr != nil {
		log.Warningf("Could not summarize %s: %v", a.logfile, rerr)
		return nil, err
	}
	return summary, err
}
