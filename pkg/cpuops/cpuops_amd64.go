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

package cpuops

import (
	"golang.org/x/sys/cpu"
)

// HasFlush is true if the host can evict a line from every cache level with
// a single unprivileged instruction (CLFLUSH). CLFLUSH predates SSE2 and
// every SSE2 capable part has it.
var HasFlush = cpu.X86.HasSSE2

// HasCycleCounter is true if Cycles can be read from user space. The TSC is
// always readable unless CR4.TSD is set, which Linux does not do.
const HasCycleCounter = true

// Flush evicts addr's line from every level of the cache hierarchy.
//
//go:noescape
func Flush(addr uintptr)

// CyclesStart returns the cycle counter, serialized so that no earlier
// instruction is still in flight. Use it to open a measured region.
func CyclesStart() uint64

// CyclesEnd returns the cycle counter once every earlier instruction has
// retired. Use it to close a measured region.
func CyclesEnd() uint64

// EnableCycleCounter is a no-op; the TSC is free-running.
func EnableCycleCounter(div64 bool) {}

// ResetCycleCounter is a no-op; the TSC cannot be reset from user space.
func ResetCycleCounter(div64 bool) {}

// DisableCycleCounter is a no-op.
func DisableCycleCounter() {}
