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

package attack

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/mohae/deepcopy"
	"golang.org/x/sys/unix"

	"gvisor.dev/cachespy/pkg/cleanup"
	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/shlock"
	"gvisor.dev/cachespy/pkg/shm"
)

// DefaultPollInterval is the interval at which ProcessLauncher checks
// whether the master has exited.
const DefaultPollInterval = 100 * time.Millisecond

// WorkerSpec describes a worker process.
type WorkerSpec struct {
	Worker
	Params

	// ShmID is the System V segment holding the SharedState.
	ShmID int

	// Target is the path of the attacked file.
	Target string

	// Args are the arguments of the worker process. ProcessLauncher gives
	// every worker its own copy of the template's Args, so Command may
	// append to them in place.
	Args []string
}

// ProcessLauncher runs each worker in its own process, sharing a System V
// segment. The master is polled until it exits, after which the slaves are
// killed.
type ProcessLauncher struct {
	// Spec is the template of every worker's spec. Worker, Params and
	// ShmID are filled in per worker.
	Spec WorkerSpec

	// CPU and NumCPU are as for ThreadLauncher.
	CPU    int
	NumCPU int

	// Command returns an unstarted command running the worker described
	// by spec. spec is not shared with other workers.
	Command func(spec *WorkerSpec) (*exec.Cmd, error)

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

var _ Launcher = (*ProcessLauncher)(nil)

var errMasterRunning = errors.New("master is still running")

// Launch implements Launcher.Launch.
func (l *ProcessLauncher) Launch(ctx context.Context, p Params, slaves int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if slaves < 1 {
		return fmt.Errorf("at least one slave is required, got %d", slaves)
	}
	ncpu, err := numCPU(l.NumCPU)
	if err != nil {
		return err
	}

	seg, err := shm.Create(StateSize)
	if err != nil {
		return err
	}
	defer func() {
		seg.Close()
		if err := seg.Remove(); err != nil {
			log.Warningf("Removing shared segment: %v", err)
		}
	}()
	state, err := StateOf(seg.Bytes())
	if err != nil {
		return err
	}
	state.Reset()

	var procs []*exec.Cmd
	cu := cleanup.Make(func() { killAndReap(procs) })
	defer cu.Clean()

	template := l.Spec
	template.Params = p
	template.ShmID = seg.ID()
	for i := 0; i <= slaves; i++ {
		// Args share their backing array with the template otherwise.
		spec := deepcopy.Copy(template).(WorkerSpec)
		spec.Worker = Worker{Role: Slave, Index: i, Slaves: slaves, CPU: workerCPU(l.CPU, ncpu, i)}
		if i == 0 {
			spec.Role = Master
		}
		cmd, err := l.Command(&spec)
		if err != nil {
			return fmt.Errorf("building %v command: %w", spec.Worker, err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting %v: %w", spec.Worker, err)
		}
		log.Infof("Started %v process with PID %d", spec.Worker, cmd.Process.Pid)
		log.Debugf("%v args: %q", spec.Worker, spec.Args)
		procs = append(procs, cmd)
	}

	err = l.waitMaster(ctx, procs[0])
	cu.Clean()
	return err
}

// waitMaster polls the master until it exits or ctx is done. The master is
// reaped in either case.
func (l *ProcessLauncher) waitMaster(ctx context.Context, cmd *exec.Cmd) error {
	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	pid := cmd.Process.Pid
	var status unix.WaitStatus
	op := func() error {
		wpid, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("waiting for master %d: %w", pid, err))
		}
		if wpid == 0 {
			return errMasterRunning
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	err := backoff.Retry(op, b)
	if err == errMasterRunning {
		log.Infof("Stopping master %d: %v", pid, ctx.Err())
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			log.Warningf("Could not kill master %d: %v", pid, err)
		}
		if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
			log.Warningf("Could not reap master %d: %v", pid, err)
		}
		cmd.Process.Release()
		return ctx.Err()
	}
	cmd.Process.Release()
	if err != nil {
		return err
	}

	log.Infof("Master %d exited with status %d", pid, status.ExitStatus())
	switch {
	case status.Signaled():
		return fmt.Errorf("master %d killed by signal %v", pid, status.Signal())
	case status.ExitStatus() != 0:
		return fmt.Errorf("master %d exited with status %d", pid, status.ExitStatus())
	}
	return nil
}

// killAndReap kills and reaps every process in procs that has not been
// reaped already. The master is released by waitMaster once reaped.
func killAndReap(procs []*exec.Cmd) {
	for _, cmd := range procs {
		if cmd.Process == nil || cmd.ProcessState != nil || cmd.Process.Pid < 0 {
			continue
		}
		if err := cmd.Process.Kill(); err != nil {
			log.Warningf("Could not kill process %d: %v", cmd.Process.Pid, err)
		}
		cmd.Wait()
	}
}

// RunWorker runs the worker described by spec in the current process. It
// attaches the shared segment and, for slaves, maps the target and opens a
// sampler with open. It returns when the master's sweep is done or ctx is
// done. Slaves run until killed.
func RunWorker(ctx context.Context, spec *WorkerSpec, open func(w Worker) (SamplerCloser, error), reporter Reporter) error {
	seg, err := shm.Attach(spec.ShmID)
	if err != nil {
		return err
	}
	defer seg.Close()
	state, err := StateOf(seg.Bytes())
	if err != nil {
		return err
	}

	return onThread(spec.Worker, func() error {
		if spec.Role == Master {
			return RunMaster(ctx, state, spec.Params)
		}

		target, err := OpenTarget(spec.Target, spec.Offset, spec.Range)
		if err != nil {
			return err
		}
		defer target.Close()

		sampler, err := open(spec.Worker)
		if err != nil {
			return err
		}
		defer sampler.Close()

		lock, err := shlock.New(spec.Lock, shlock.Options{
			Word:  state.LockWord(),
			Index: spec.Index - 1,
			Count: spec.Slaves,
			Path:  spec.LockPath,
		})
		if err != nil {
			return err
		}
		s := &SlaveWorker{
			Worker:   spec.Worker,
			State:    state,
			Lock:     lock,
			Sampler:  sampler,
			Base:     target.Base(),
			Params:   spec.Params,
			Reporter: reporter,
		}
		return s.Run(ctx)
	})
}
