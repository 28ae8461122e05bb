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

import "fmt"

// HasFlush is false: ARMv7 has no cache maintenance instruction usable from
// user space, so lines must be evicted.
var HasFlush = false

// HasCycleCounter is true if Cycles can be read from user space. PMCCNTR is
// readable only if the kernel set PMUSERENR.EN.
const HasCycleCounter = false

const (
	pmcrE = 1 << 0 // Enable all counters.
	pmcrP = 1 << 1 // Reset all counters.
	pmcrC = 1 << 2 // Cycle counter reset.
	pmcrD = 1 << 3 // Count every 64th cycle.
	pmcrX = 1 << 4 // Export to ETM.

	// pmcntenset and pmovsr share a layout: bit 31 is the cycle counter,
	// bits 0-3 the first four event counters.
	cycleAndEvents = 1<<31 | 0xf
)

// Flush panics. Check HasFlush first.
func Flush(addr uintptr) {
	panic(fmt.Sprintf("cpuops: no flush instruction on this host (addr %#x)", addr))
}

func readPMCR() uint32
func writePMCR(v uint32)
func writePMCNTENSET(v uint32)
func writePMOVSR(v uint32)

// CyclesStart returns the cycle counter. See the arm64 version.
func CyclesStart() uint64 {
	return Cycles()
}

// CyclesEnd returns the cycle counter.
func CyclesEnd() uint64 {
	return Cycles()
}

func pmcrValue(div64 bool) uint32 {
	v := uint32(pmcrE | pmcrP | pmcrC | pmcrX)
	if div64 {
		v |= pmcrD
	}
	return v
}

// EnableCycleCounter resets and starts PMCCNTR and the first four event
// counters, and clears their overflow flags. With div64 the counter only
// advances every 64th cycle, which keeps the 32-bit register from wrapping
// during long measurements.
func EnableCycleCounter(div64 bool) {
	writePMCR(pmcrValue(div64))
	writePMCNTENSET(cycleAndEvents)
	writePMOVSR(cycleAndEvents)
}

// ResetCycleCounter sets PMCCNTR back to zero.
func ResetCycleCounter(div64 bool) {
	writePMCR(pmcrValue(div64))
}

// DisableCycleCounter stops PMCCNTR.
func DisableCycleCounter() {
	writePMCR(readPMCR() &^ (pmcrE | pmcrC | pmcrP | pmcrX))
}
