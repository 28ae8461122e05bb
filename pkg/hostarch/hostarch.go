// Copyright 2018 The gVisor Authors.
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

// Package hostarch contains host arch address operations for the memory
// layouts probed by cachespy.
package hostarch

import (
	"fmt"
	"unsafe"
)

const (
	// PageShift is the binary log of the page size cachespy translates
	// addresses at. The pagemap interface is indexed by the kernel's base
	// page size, so only 4K base page kernels are supported.
	PageShift = 12

	// PageSize is the page size used for address translation.
	PageSize = 1 << PageShift

	// CacheLineShift is the binary log of the default cache line size.
	CacheLineShift = 6

	// CacheLineSize is the default cache line size. Sweeps over a target
	// file advance by this much.
	CacheLineSize = 1 << CacheLineShift
)

// Addr represents a virtual address in this process.
type Addr uintptr

// AddrOf returns the address of the first byte of b.
func AddrOf(b []byte) Addr {
	return Addr(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

// Pointer returns v as an unsafe.Pointer.
//
// The caller must guarantee that v lies inside a live mapping that the Go
// garbage collector does not manage.
func (v Addr) Pointer() unsafe.Pointer {
	return unsafe.Pointer(uintptr(v))
}

// PageRoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) PageRoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// PageOffset returns the offset of v into its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// PageNumber returns the index of v's page.
func (v Addr) PageNumber() uint64 {
	return uint64(v) >> PageShift
}

// CacheLineRoundDown returns the address rounded down to the nearest cache
// line boundary.
func (v Addr) CacheLineRoundDown() Addr {
	return v & ^Addr(CacheLineSize-1)
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}
