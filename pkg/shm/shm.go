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

// Package shm provides memory blocks visible to every worker of an attack.
//
// Worker processes share a System V segment. Worker goroutines of a single
// process share a private anonymous mapping. Both are page aligned.
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"gvisor.dev/cachespy/pkg/memutil"
)

// Block is shared memory.
type Block interface {
	// Bytes returns the block's memory. It is invalid after Close.
	Bytes() []byte

	// Close unmaps the block from this process.
	Close() error
}

// Segment is an attached System V shared memory segment.
type Segment struct {
	id   int
	data []byte
}

var _ Block = (*Segment)(nil)

// Create creates and attaches a private segment of at least size bytes. The
// caller must Remove it once every process has attached.
func Create(size int) (*Segment, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0600)
	if err != nil {
		return nil, fmt.Errorf("shmget(%d bytes): %w", size, err)
	}
	s, err := Attach(id)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, err
	}
	return s, nil
}

// Attach attaches the existing segment id.
func Attach(id int) (*Segment, error) {
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat(%d): %w", id, err)
	}
	return &Segment{id: id, data: data}, nil
}

// ID returns the segment identifier passed to Attach by other processes.
func (s *Segment) ID() int {
	return s.id
}

// Bytes implements Block.Bytes.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Close implements Block.Close. It detaches the segment and is idempotent.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	data := s.data
	s.data = nil
	if err := unix.SysvShmDetach(data); err != nil {
		return fmt.Errorf("shmdt(%d): %w", s.id, err)
	}
	return nil
}

// Remove marks the segment for destruction. Attached processes keep their
// mappings until they detach.
func (s *Segment) Remove() error {
	if _, err := unix.SysvShmCtl(s.id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shmctl(%d, IPC_RMID): %w", s.id, err)
	}
	return nil
}

// Private is memory shared among the goroutines of one process.
type Private struct {
	data []byte
}

var _ Block = (*Private)(nil)

// NewPrivate maps a private block of size bytes.
func NewPrivate(size int) (*Private, error) {
	data, err := memutil.MapAnonymous(size, false)
	if err != nil {
		return nil, fmt.Errorf("mapping %d byte block: %w", size, err)
	}
	return &Private{data: data}, nil
}

// Bytes implements Block.Bytes.
func (p *Private) Bytes() []byte {
	return p.data
}

// Close implements Block.Close. It is idempotent.
func (p *Private) Close() error {
	data := p.data
	p.data = nil
	return memutil.UnmapSlice(data)
}
