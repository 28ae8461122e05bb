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
	"fmt"
	"unsafe"

	"gvisor.dev/cachespy/pkg/atomicbitops"
)

// SharedState is the state shared by the workers of an attack. It is
// overlaid on a shared memory block. The master is the only writer of the
// offset.
type SharedState struct {
	// offset must stay first to remain 8-byte aligned.
	offset atomicbitops.Uint64
	lock   atomicbitops.Uint32
	_      uint32
}

// StateSize is the size of the block backing a SharedState.
const StateSize = int(unsafe.Sizeof(SharedState{}))

// StateOf returns the SharedState overlaid on b.
func StateOf(b []byte) (*SharedState, error) {
	if len(b) < StateSize {
		return nil, fmt.Errorf("shared block of %d bytes is smaller than %d", len(b), StateSize)
	}
	p := unsafe.Pointer(&b[0])
	if uintptr(p)%8 != 0 {
		return nil, fmt.Errorf("shared block at %p is not 8-byte aligned", p)
	}
	return (*SharedState)(p), nil
}

// Reset zeroes the offset and releases the lock. For round-robin locks this
// hands the first turn to slave 1.
func (s *SharedState) Reset() {
	s.offset.Store(0)
	s.lock.Store(0)
}

// Offset returns the current offset relative to Params.Offset.
func (s *SharedState) Offset() uint64 {
	return s.offset.Load()
}

// SetOffset publishes a new offset.
func (s *SharedState) SetOffset(off uint64) {
	s.offset.Store(off)
}

// LockWord returns the word backing the slaves' lock.
func (s *SharedState) LockWord() *atomicbitops.Uint32 {
	return &s.lock
}
