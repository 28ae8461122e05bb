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

//go:build amd64 || arm64 || arm

package cpuops

// Access loads from addr, bringing its line into the cache.
//
//go:noescape
func Access(addr uintptr)

// Prefetch hints the hardware to bring addr's line into the cache.
//
//go:noescape
func Prefetch(addr uintptr)

// Barrier orders all preceding memory accesses and instructions before any
// following ones.
func Barrier()

// Cycles returns the raw cycle counter, without serialization.
func Cycles() uint64
