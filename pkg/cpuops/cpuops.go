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

// Package cpuops provides the cache and cycle counter operations that
// cachespy measures with.
//
// Every function takes raw addresses. Callers must only pass addresses that
// lie in memory mapped outside the Go heap (see package memutil), since the
// garbage collector may move or free heap objects at any time.
//
// Flush is only meaningful if HasFlush is true. Cycles reads the host cycle
// counter directly; on ARM this requires the kernel to have enabled user
// access to the performance monitors, otherwise the read faults.
package cpuops

// CyclesDiff returns the number of cycles between start and end, tolerating
// a 32-bit counter that wrapped once in between.
func CyclesDiff(start, end uint64) uint64 {
	if end >= start {
		return end - start
	}
	if start <= 0xffffffff {
		return (0x100000000 - start) + end
	}
	return 0
}
