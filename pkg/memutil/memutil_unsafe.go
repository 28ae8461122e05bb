// Copyright 2019 The gVisor Authors.
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

// Package memutil provides utilities for mapping the memory that cachespy
// measures: eviction arenas and read-only views of target files.
//
// All mappings are made outside the Go heap, so their addresses are stable
// and may be handed to the cache primitives as raw pointers.
package memutil

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapAnonymous returns a private read-write anonymous mapping of size bytes.
// If populate is set, the kernel faults in every page up front.
func MapAnonymous(size int, populate bool) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if populate {
		flags |= unix.MAP_POPULATE
	}
	return MapSlice(0, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, uintptr(flags), ^uintptr(0), 0)
}

// MapFile returns a read-only shared mapping of the first size bytes of f.
// Pages of a shared file mapping are backed by the page cache, so they are
// the same physical frames another process mapping the file would touch.
func MapFile(f *os.File, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mapping size %d for %s", size, f.Name())
	}
	b, err := MapSlice(0, uintptr(size), unix.PROT_READ, unix.MAP_SHARED, f.Fd(), 0)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return b, nil
}

// MapSlice is like mmap(2), but returns a slice instead of a uintptr.
func MapSlice(addr, size, prot, flags, fd, offset uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, size, prot, flags, fd, offset)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), nil
}

// UnmapSlice unmaps a mapping returned by MapSlice, MapAnonymous or MapFile.
func UnmapSlice(slice []byte) error {
	if len(slice) == 0 {
		return nil
	}
	ptr := unsafe.SliceData(slice)
	_, _, errno := unix.RawSyscall6(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(ptr)), uintptr(cap(slice)), 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// TotalRAM returns the amount of physical memory on the host, in bytes.
func TotalRAM() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
