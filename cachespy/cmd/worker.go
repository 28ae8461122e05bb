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
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"gvisor.dev/cachespy/cachespy/cmd/util"
	"gvisor.dev/cachespy/cachespy/config"
	"gvisor.dev/cachespy/cachespy/flag"
	"gvisor.dev/cachespy/pkg/attack"
	"gvisor.dev/cachespy/pkg/log"
)

// Worker implements subcommands.Command for the "worker" command. It runs
// one worker process of an attack started with --launch=processes.
type Worker struct {
	spec    attack.WorkerSpec
	logfile string
}

// Name implements subcommands.Command.Name.
func (*Worker) Name() string {
	return "worker"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Worker) Synopsis() string {
	return "run an attack worker (internal use only)"
}

// Usage implements subcommands.Command.Usage.
func (*Worker) Usage() string {
	return "worker [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *Worker) SetFlags(f *flag.FlagSet) {
	f.Var(&w.spec.Role, "role", "worker role: master or slave.")
	f.IntVar(&w.spec.Index, "index", 0, "worker index. The master is worker 0.")
	f.IntVar(&w.spec.Slaves, "slaves", 1, "number of slaves.")
	f.IntVar(&w.spec.CPU, "cpu", -1, "CPU to bind to, or -1.")
	f.IntVar(&w.spec.ShmID, "shm-id", -1, "System V segment holding the shared state.")
	f.StringVar(&w.spec.Target, "target", "", "path of the attacked file.")
	f.Uint64Var(&w.spec.Offset, "offset", 0, "aligned file offset of the first line.")
	f.Uint64Var(&w.spec.Range, "range", 0, "number of bytes swept.")
	f.Uint64Var(&w.spec.Threshold, "threshold", 0, "hit threshold.")
	f.IntVar(&w.spec.Tests, "number-of-tests", attack.DefaultTests, "number of reloads per locked burst.")
	f.DurationVar(&w.spec.UpdateInterval, "offset-update-time", attack.DefaultUpdateInterval, "time spent on each offset.")
	f.BoolVar(&w.spec.Spy, "spy", false, "watch the first line until killed.")
	f.BoolVar(&w.spec.ShowTiming, "show-timing", false, "report every reload latency.")
	f.IntVar(&w.spec.Debounce, "debounce", attack.DefaultDebounce, "consecutive misses that must precede a counted hit.")
	f.IntVar(&w.spec.Yields, "number-of-yields", attack.DefaultYields, "yields after each reload.")
	f.Var(&w.spec.Lock, "lock", "lock serializing slaves.")
	f.StringVar(&w.spec.LockPath, "lock-file", "", "lock file for the flock lock.")
	f.StringVar(&w.logfile, "logfile", "", "CSV file results are appended to.")
}

// workerArgs returns the worker command flags describing spec.
func workerArgs(spec *attack.WorkerSpec, logfile string) []string {
	return []string{
		"--role=" + spec.Role.String(),
		"--index=" + strconv.Itoa(spec.Index),
		"--slaves=" + strconv.Itoa(spec.Slaves),
		"--cpu=" + strconv.Itoa(spec.CPU),
		"--shm-id=" + strconv.Itoa(spec.ShmID),
		"--target=" + spec.Target,
		"--offset=" + strconv.FormatUint(spec.Offset, 10),
		"--range=" + strconv.FormatUint(spec.Range, 10),
		"--threshold=" + strconv.FormatUint(spec.Threshold, 10),
		"--number-of-tests=" + strconv.Itoa(spec.Tests),
		"--offset-update-time=" + spec.UpdateInterval.String(),
		"--spy=" + strconv.FormatBool(spec.Spy),
		"--show-timing=" + strconv.FormatBool(spec.ShowTiming),
		"--debounce=" + strconv.Itoa(spec.Debounce),
		"--number-of-yields=" + strconv.Itoa(spec.Yields),
		"--lock=" + spec.Lock.String(),
		"--lock-file=" + spec.LockPath,
		"--logfile=" + logfile,
	}
}

// Execute implements subcommands.Command.Execute.
func (w *Worker) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	log.SetPrefix(w.spec.Worker.String())

	var logw io.Writer
	if w.logfile != "" {
		lf, err := os.OpenFile(w.logfile, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return util.Errorf("opening log file: %v", err)
		}
		defer lf.Close()
		logw = lf
	}
	rec, err := attack.NewRecorder(os.Stdout, logw, w.spec.ShowTiming, false)
	if err != nil {
		return util.Errorf("creating recorder: %v", err)
	}

	var open func(attack.Worker) (attack.SamplerCloser, error)
	if w.spec.Role == attack.Slave {
		profile, err := conf.Profile(max(w.spec.CPU, 0))
		if err != nil {
			return util.Errorf("resolving device profile: %v", err)
		}
		open = samplerOpener(conf, profile)
	}

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	if err := attack.RunWorker(ctx, &w.spec, open, rec); err != nil && !errors.Is(err, context.Canceled) {
		return util.Errorf("%v: %v", w.spec.Worker, err)
	}
	log.Debugf("%v done", w.spec.Worker)
	return subcommands.ExitSuccess
}
