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

//go:build !amd64 && !arm64 && !arm

package cpuops

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HasFlush is false; there is no portable flush instruction.
var HasFlush = false

// HasCycleCounter is false; Cycles falls back to CLOCK_MONOTONIC.
const HasCycleCounter = false

var barrierWord atomic.Uint32

// Access loads from addr.
func Access(addr uintptr) {
	atomic.LoadUint32((*uint32)(unsafe.Pointer(addr)))
}

// Prefetch is Access; there is no portable prefetch hint.
func Prefetch(addr uintptr) {
	Access(addr)
}

// Flush panics. Check HasFlush first.
func Flush(addr uintptr) {
	panic(fmt.Sprintf("cpuops: no flush instruction on this host (addr %#x)", addr))
}

// Barrier is a full fence, as implied by a sequentially consistent atomic.
func Barrier() {
	barrierWord.Add(1)
}

// Cycles returns CLOCK_MONOTONIC in nanoseconds.
func Cycles() uint64 {
	var ts unix.Timespec
	unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint64(ts.Nano())
}

// CyclesStart returns Cycles.
func CyclesStart() uint64 {
	return Cycles()
}

// CyclesEnd returns Cycles.
func CyclesEnd() uint64 {
	return Cycles()
}

// EnableCycleCounter is a no-op.
func EnableCycleCounter(div64 bool) {}

// ResetCycleCounter is a no-op.
func ResetCycleCounter(div64 bool) {}

// DisableCycleCounter is a no-op.
func DisableCycleCounter() {}
