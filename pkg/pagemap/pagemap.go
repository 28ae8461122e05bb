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

// Package pagemap translates virtual addresses of this process to physical
// addresses through /proc/self/pagemap.
//
// The file holds one 64-bit native-endian entry per virtual page. Bit 63 is
// set if the page is present in RAM, and bits 0-54 hold the page frame
// number. Since Linux 4.0 the frame number reads as zero unless the reader
// holds CAP_SYS_ADMIN.
package pagemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/moby/sys/capability"
	"gvisor.dev/cachespy/pkg/cpuops"
	"gvisor.dev/cachespy/pkg/hostarch"
	"gvisor.dev/cachespy/pkg/log"
)

const (
	// Path is the pagemap of the calling process.
	Path = "/proc/self/pagemap"

	entrySize = 8

	presentBit = 1 << 63
	pfnMask    = 1<<55 - 1
)

var (
	// ErrNotPresent is returned when a page is not resident in RAM, so it
	// has no physical address.
	ErrNotPresent = errors.New("page not present")

	// ErrHiddenPFN is returned when a page is present but the kernel hid
	// its frame number from this process.
	ErrHiddenPFN = errors.New("page frame number hidden, CAP_SYS_ADMIN required")

	// ErrPageSize is returned by Open on kernels whose base page size is
	// not hostarch.PageSize. pagemap has one entry per base page there, so
	// entries would be looked up at the wrong index.
	ErrPageSize = errors.New("unsupported kernel page size")
)

// pageSize is replaced in tests.
var pageSize = os.Getpagesize

// Translator maps virtual addresses to physical addresses.
type Translator struct {
	r io.ReaderAt

	// closer is set if Translator owns r.
	closer io.Closer

	// touch faults in a page before its entry is read. May be nil.
	touch func(addr uintptr)
}

// Open opens the pagemap of the calling process. Pages are touched before
// translation, so any mapped address translates.
func Open() (*Translator, error) {
	if ps := pageSize(); ps != hostarch.PageSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrPageSize, ps, hostarch.PageSize)
	}
	f, err := os.Open(Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", Path, err)
	}
	if ok, err := HasPFNAccess(); err != nil {
		log.Warningf("Unable to check capabilities, physical addresses may be hidden: %v", err)
	} else if !ok {
		log.Warningf("CAP_SYS_ADMIN not held, %s will not report physical addresses", Path)
	}
	return &Translator{r: f, closer: f, touch: cpuops.Access}, nil
}

// New returns a Translator reading entries from r. Pages are not touched
// before translation.
func New(r io.ReaderAt) *Translator {
	return &Translator{r: r}
}

// Entry returns the raw pagemap entry for va.
func (t *Translator) Entry(va uintptr) (uint64, error) {
	var buf [entrySize]byte
	off := int64(hostarch.Addr(va).PageNumber()) * entrySize
	n, err := t.r.ReadAt(buf[:], off)
	if n != entrySize {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, fmt.Errorf("reading pagemap entry for %#x: %w", va, err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Physical returns the physical address backing va.
func (t *Translator) Physical(va uintptr) (uint64, error) {
	if t.touch != nil {
		t.touch(va)
	}
	entry, err := t.Entry(va)
	if err != nil {
		return 0, err
	}
	if entry&presentBit == 0 {
		return 0, fmt.Errorf("translating %#x: %w", va, ErrNotPresent)
	}
	pfn := entry & pfnMask
	if pfn == 0 {
		return 0, fmt.Errorf("translating %#x: %w", va, ErrHiddenPFN)
	}
	return pfn*hostarch.PageSize | hostarch.Addr(va).PageOffset(), nil
}

// Close releases the pagemap file if the Translator owns it. It is
// idempotent.
func (t *Translator) Close() error {
	if t.closer == nil {
		return nil
	}
	err := t.closer.Close()
	t.closer = nil
	return err
}

// HasPFNAccess returns true if this process may read page frame numbers.
func HasPFNAccess() (bool, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false, err
	}
	if err := caps.Load(); err != nil {
		return false, err
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN), nil
}
