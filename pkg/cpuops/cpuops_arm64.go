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

// HasFlush is true if the host can evict a line from every cache level with
// a single unprivileged instruction. Linux sets SCTLR_EL1.UCI, so DC CIVAC is
// always usable from EL0.
var HasFlush = true

// HasCycleCounter is true if Cycles can be read from user space. PMCCNTR_EL0
// is readable only if the kernel set PMUSERENR_EL0.EN, which stock kernels do
// not; the register backend must be requested explicitly.
const HasCycleCounter = false

const (
	pmcrE            = 1 << 0  // Enable all counters.
	pmcrP            = 1 << 1  // Reset all counters.
	pmcrC            = 1 << 2  // Cycle counter reset.
	pmcntensetCycles = 1 << 31 // Cycle counter enable.
)

// Flush evicts addr's line from every level of the cache hierarchy.
//
//go:noescape
func Flush(addr uintptr)

func readPMCR() uint64
func writePMCR(v uint64)
func readPMCNTENSET() uint64
func writePMCNTENSET(v uint64)

// CyclesStart returns the cycle counter. ARM has no serializing read, so it is
// the same as Cycles; callers bracket it with Barrier.
func CyclesStart() uint64 {
	return Cycles()
}

// CyclesEnd returns the cycle counter. See CyclesStart.
func CyclesEnd() uint64 {
	return Cycles()
}

// EnableCycleCounter resets and starts PMCCNTR_EL0. There is no divider on
// ARMv8, so div64 is ignored.
func EnableCycleCounter(div64 bool) {
	writePMCR(readPMCR() | pmcrE | pmcrC | pmcrP)
	writePMCNTENSET(readPMCNTENSET() | pmcntensetCycles)
}

// ResetCycleCounter sets PMCCNTR_EL0 back to zero.
func ResetCycleCounter(div64 bool) {
	writePMCR(readPMCR() | pmcrC)
}

// DisableCycleCounter stops PMCCNTR_EL0.
func DisableCycleCounter() {
	writePMCR(readPMCR() &^ (pmcrE | pmcrC | pmcrP))
	writePMCNTENSET(readPMCNTENSET() &^ pmcntensetCycles)
}
