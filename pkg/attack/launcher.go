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
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/cachespy/pkg/hostcpu"
	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/shlock"
	"gvisor.dev/cachespy/pkg/shm"
)

// LaunchMode selects how workers are run.
type LaunchMode int

const (
	// LaunchThreads runs workers as goroutines. See ThreadLauncher.
	LaunchThreads LaunchMode = iota

	// LaunchProcesses runs workers as processes. See ProcessLauncher.
	LaunchProcesses
)

var launchModeNames = []string{
	LaunchThreads:   "threads",
	LaunchProcesses: "processes",
}

// String implements fmt.Stringer.String and flag.Value.String.
func (m LaunchMode) String() string {
	if m < 0 || int(m) >= len(launchModeNames) {
		return fmt.Sprintf("LaunchMode(%d)", int(m))
	}
	return launchModeNames[m]
}

// Set implements flag.Value.Set.
func (m *LaunchMode) Set(v string) error {
	for i, name := range launchModeNames {
		if v == name {
			*m = LaunchMode(i)
			return nil
		}
	}
	return fmt.Errorf("invalid launch mode %q, must be one of: %s", v, strings.Join(launchModeNames, ", "))
}

// Get implements flag.Getter.Get.
func (m *LaunchMode) Get() any {
	return *m
}

// Launcher runs the master and slaves of an attack. Launch returns once the
// master has finished and the slaves have stopped, or once ctx is done.
type Launcher interface {
	Launch(ctx context.Context, p Params, slaves int) error
}

// SamplerCloser is a Sampler owning resources.
type SamplerCloser interface {
	Sampler
	Close() error
}

// ThreadLauncher runs workers as goroutines locked to OS threads, sharing
// an in-process state block.
type ThreadLauncher struct {
	// Base is the address of the first sampled line.
	Base uintptr

	// CPU is the CPU of the master. Worker i binds to CPU (CPU+i) modulo
	// the number of CPUs. A negative CPU disables binding.
	CPU int

	// NumCPU overrides the number of online CPUs.
	NumCPU int

	// NewSampler opens a slave's sampler. It is called on the slave's
	// thread after binding.
	NewSampler func(w Worker) (SamplerCloser, error)

	Reporter Reporter
}

var _ Launcher = (*ThreadLauncher)(nil)

// Launch implements Launcher.Launch.
func (l *ThreadLauncher) Launch(ctx context.Context, p Params, slaves int) error {
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

	block, err := shm.NewPrivate(StateSize)
	if err != nil {
		return err
	}
	defer block.Close()
	state, err := StateOf(block.Bytes())
	if err != nil {
		return err
	}
	state.Reset()

	slaveCtx, stopSlaves := context.WithCancel(ctx)
	defer stopSlaves()
	g, gctx := errgroup.WithContext(slaveCtx)

	master := Worker{Role: Master, Slaves: slaves, CPU: workerCPU(l.CPU, ncpu, 0)}
	g.Go(func() error {
		defer stopSlaves()
		return onThread(master, func() error {
			log.Infof("Master on CPU %d", master.CPU)
			return RunMaster(gctx, state, p)
		})
	})

	for i := 1; i <= slaves; i++ {
		w := Worker{Role: Slave, Index: i, Slaves: slaves, CPU: workerCPU(l.CPU, ncpu, i)}
		g.Go(func() error {
			return onThread(w, func() error {
				return l.runSlave(gctx, w, state, p)
			})
		})
	}
	return g.Wait()
}

func (l *ThreadLauncher) runSlave(ctx context.Context, w Worker, state *SharedState, p Params) error {
	sampler, err := l.NewSampler(w)
	if err != nil {
		return fmt.Errorf("%v: %w", w, err)
	}
	defer sampler.Close()

	lock, err := shlock.New(p.Lock, shlock.Options{
		Word:  state.LockWord(),
		Index: w.Index - 1,
		Count: w.Slaves,
		Path:  p.LockPath,
	})
	if err != nil {
		return fmt.Errorf("%v: %w", w, err)
	}

	log.Infof("Slave %d on CPU %d", w.Index, w.CPU)
	s := &SlaveWorker{
		Worker:   w,
		State:    state,
		Lock:     lock,
		Sampler:  sampler,
		Base:     l.Base,
		Params:   p,
		Reporter: l.Reporter,
	}
	// Slaves run until the master is done.
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%v: %w", w, err)
	}
	return nil
}

// onThread runs f locked to an OS thread bound to w.CPU. A bound thread is
// not returned to the runtime, since its affinity has changed.
func onThread(w Worker, f func() error) error {
	runtime.LockOSThread()
	if w.CPU < 0 {
		defer runtime.UnlockOSThread()
	} else if err := hostcpu.BindToCPU(w.CPU); err != nil {
		log.Warningf("Could not bind %v to CPU %d: %v", w, w.CPU, err)
	}
	return f()
}

func numCPU(override int) (int, error) {
	if override > 0 {
		return override, nil
	}
	n, err := hostcpu.NumOnline()
	if err != nil {
		return 0, fmt.Errorf("counting online CPUs: %w", err)
	}
	return n, nil
}
