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
	"gvisor.dev/cachespy/pkg/cpuops"
)

// register reads the CPU cycle counter.
type register struct {
	div64  bool
	closed bool
}

func openRegister(div64 bool) *register {
	cpuops.EnableCycleCounter(div64)
	return &register{div64: div64}
}

// Timing implements Source.Timing.
func (r *register) Timing() uint64 {
	cpuops.Barrier()
	v := cpuops.Cycles()
	cpuops.Barrier()
	return v
}

// Start implements Source.Start.
func (r *register) Start() uint64 {
	cpuops.Barrier()
	v := cpuops.CyclesStart()
	cpuops.Barrier()
	return v
}

// End implements Source.End.
func (r *register) End() uint64 {
	cpuops.Barrier()
	v := cpuops.CyclesEnd()
	cpuops.Barrier()
	return v
}

// Reset implements Source.Reset.
func (r *register) Reset() {
	cpuops.ResetCycleCounter(r.div64)
}

// Close implements Source.Close.
func (r *register) Close() error {
	if !r.closed {
		r.closed = true
		cpuops.DisableCycleCounter()
	}
	return nil
}

// Kind implements Source.Kind.
func (*register) Kind() Kind { return Register }
