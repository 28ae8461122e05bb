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
	"os"

	"gvisor.dev/cachespy/pkg/hostarch"
	"gvisor.dev/cachespy/pkg/memutil"
)

// Target is a read-only shared mapping of the attacked file. The page cache
// backs it with the same frames as the victim's mapping of the file.
type Target struct {
	f       *os.File
	mapping []byte

	// Offset and Range are the aligned file offset and length of the
	// sampled region.
	Offset uint64
	Range  uint64
}

// OpenTarget maps the region of path starting at offset, aligned down to a
// cache line, and extending rng bytes. If rng is 0, the region extends to
// the end of the file. The region must lie within the file, since touching
// a mapped page past its end raises SIGBUS.
func OpenTarget(path string, offset, rng uint64) (*Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := uint64(fi.Size())
	if offset >= size {
		f.Close()
		return nil, fmt.Errorf("offset %#x is beyond the end of %s (%d bytes)", offset, path, size)
	}
	if rng == 0 {
		rng = size - offset
	} else if rng > size-offset {
		f.Close()
		return nil, fmt.Errorf("range %#x at offset %#x extends past the end of %s (%d bytes)", rng, offset, path, size)
	}
	offset = AlignOffset(offset)
	mapping, err := memutil.MapFile(f, int(offset+rng))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Target{f: f, mapping: mapping, Offset: offset, Range: rng}, nil
}

// Name returns the mapped file's name.
func (t *Target) Name() string {
	return t.f.Name()
}

// Base returns the address of the first sampled line.
func (t *Target) Base() uintptr {
	return uintptr(hostarch.AddrOf(t.mapping[t.Offset:]))
}

// Close unmaps and closes the file. It is idempotent.
func (t *Target) Close() error {
	if t.f == nil {
		return nil
	}
	err := memutil.UnmapSlice(t.mapping)
	t.mapping = nil
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	t.f = nil
	return err
}
