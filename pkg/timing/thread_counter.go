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

package timing

import (
	"runtime"

	"gvisor.dev/cachespy/pkg/atomicbitops"
	"gvisor.dev/cachespy/pkg/cpuops"
	"gvisor.dev/cachespy/pkg/hostcpu"
)

// threadCounter is a counter incremented in a tight loop by a goroutine that
// owns its OS thread. On hosts without a user readable cycle counter it is
// the finest clock available.
type threadCounter struct {
	// counter is written only by the spinning goroutine.
	counter atomicbitops.Uint64

	stop atomicbitops.Bool

	// done is closed once the spinning goroutine has returned.
	done chan struct{}
}

func openThreadCounter(cpu int) (*threadCounter, error) {
	tc := &threadCounter{done: make(chan struct{})}
	ready := make(chan error, 1)
	go tc.run(cpu, ready)
	if err := <-ready; err != nil {
		<-tc.done
		return nil, err
	}
	return tc, nil
}

func (tc *threadCounter) run(cpu int, ready chan<- error) {
	defer close(tc.done)

	// The thread is never unlocked: if it was pinned, the runtime must
	// discard it when this goroutine returns rather than reuse it.
	runtime.LockOSThread()
	if cpu >= 0 {
		if err := hostcpu.BindToCPU(cpu); err != nil {
			ready <- err
			return
		}
	}
	ready <- nil

	for !tc.stop.Load() {
		tc.counter.Store(tc.counter.RacyLoad() + 1)
	}
}

func (tc *threadCounter) read() uint64 {
	cpuops.Barrier()
	v := tc.counter.Load()
	cpuops.Barrier()
	return v
}

// Timing implements Source.Timing.
func (tc *threadCounter) Timing() uint64 { return tc.read() }

// Start implements Source.Start.
func (tc *threadCounter) Start() uint64 { return tc.read() }

// End implements Source.End.
func (tc *threadCounter) End() uint64 { return tc.read() }

// Reset implements Source.Reset.
func (*threadCounter) Reset() {}

// Close implements Source.Close. It returns once the spinning goroutine has
// exited.
func (tc *threadCounter) Close() error {
	tc.stop.Store(true)
	<-tc.done
	return nil
}

// Kind implements Source.Kind.
func (*threadCounter) Kind() Kind { return ThreadCounter }
