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

// Package shlock provides locks that serialize workers across processes.
//
// Spinlock and RoundRobin operate on words in shared memory and never enter
// the kernel except to yield. FileLock uses an advisory lock on a file.
package shlock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"gvisor.dev/cachespy/pkg/atomicbitops"
	"gvisor.dev/cachespy/pkg/sync"
)

// Kind selects a lock implementation.
type Kind int

const (
	// Spin is a test-and-set spinlock.
	Spin Kind = iota

	// RoundRobin hands the lock to each worker in turn.
	RoundRobin

	// File is an flock(2) lock on a shared file.
	File
)

var kindNames = []string{
	Spin:       "spin",
	RoundRobin: "round-robin",
	File:       "flock",
}

// String implements fmt.Stringer.String and flag.Value.String.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Set implements flag.Value.Set.
func (k *Kind) Set(v string) error {
	for i, name := range kindNames {
		if v == name {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("invalid lock %q, must be one of: %s", v, strings.Join(kindNames, ", "))
}

// Get implements flag.Getter.Get.
func (k *Kind) Get() any {
	return *k
}

// Locker is a lock whose acquisition can be abandoned.
type Locker interface {
	sync.Locker

	// LockContext is like Lock, but returns ctx.Err() without the lock
	// once ctx is done.
	LockContext(ctx context.Context) error
}

// fileRetryDelay is the interval between attempts of FileLock.LockContext.
const fileRetryDelay = time.Millisecond

// Options configures New.
type Options struct {
	// Word is the shared lock word used by Spin and RoundRobin. RoundRobin
	// treats it as the turn, which must start at 0.
	Word *atomicbitops.Uint32

	// Index and Count identify the worker among its peers, for RoundRobin.
	Index int
	Count int

	// Path is the lock file used by File.
	Path string
}

// New returns a lock of the given kind.
func New(kind Kind, opts Options) (Locker, error) {
	switch kind {
	case Spin:
		if opts.Word == nil {
			return nil, fmt.Errorf("%v lock requires a shared word", kind)
		}
		return NewSpinlock(opts.Word), nil
	case RoundRobin:
		if opts.Word == nil {
			return nil, fmt.Errorf("%v lock requires a shared word", kind)
		}
		return NewRoundRobin(opts.Word, opts.Index, opts.Count)
	case File:
		return NewFileLock(opts.Path)
	default:
		return nil, fmt.Errorf("unknown lock kind %v", kind)
	}
}

// Spinlock is a test-and-set lock on a shared word.
type Spinlock struct {
	word *atomicbitops.Uint32
}

// NewSpinlock returns a spinlock on word, which must be 0 when unlocked.
func NewSpinlock(word *atomicbitops.Uint32) *Spinlock {
	return &Spinlock{word: word}
}

// Lock implements sync.Locker.Lock.
func (l *Spinlock) Lock() {
	for !l.word.CompareAndSwap(0, 1) {
		sync.Yield()
	}
}

// LockContext implements Locker.LockContext.
func (l *Spinlock) LockContext(ctx context.Context) error {
	for !l.word.CompareAndSwap(0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		sync.Yield()
	}
	return nil
}

// Unlock implements sync.Locker.Unlock. It yields so that a spinning peer
// can take the lock.
func (l *Spinlock) Unlock() {
	l.word.Store(0)
	sync.Yield()
}

// RoundRobinLock admits workers in index order, wrapping at the worker
// count. A worker that never locks stalls all others.
type RoundRobinLock struct {
	turn  *atomicbitops.Uint32
	index uint32
	count uint32
}

// NewRoundRobin returns worker index's view of the lock whose turn word is
// turn.
func NewRoundRobin(turn *atomicbitops.Uint32, index, count int) (*RoundRobinLock, error) {
	if count <= 0 || index < 0 || index >= count {
		return nil, fmt.Errorf("invalid round-robin position %d of %d", index, count)
	}
	return &RoundRobinLock{turn: turn, index: uint32(index), count: uint32(count)}, nil
}

// Lock implements sync.Locker.Lock.
func (l *RoundRobinLock) Lock() {
	for l.turn.Load() != l.index {
		sync.Yield()
	}
}

// LockContext implements Locker.LockContext.
func (l *RoundRobinLock) LockContext(ctx context.Context) error {
	for l.turn.Load() != l.index {
		if err := ctx.Err(); err != nil {
			return err
		}
		sync.Yield()
	}
	return nil
}

// Unlock implements sync.Locker.Unlock.
func (l *RoundRobinLock) Unlock() {
	l.turn.Store((l.index + 1) % l.count)
	sync.Yield()
}

// FileLock is an advisory lock on a file. Each worker must hold its own
// FileLock, since the lock is owned by the open file.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock returns a lock on path, which is created if needed.
func NewFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("%v lock requires a path", File)
	}
	return &FileLock{fl: flock.NewFlock(path)}, nil
}

// Lock implements sync.Locker.Lock. Failing to lock is fatal, since the
// caller cannot proceed without exclusion.
func (l *FileLock) Lock() {
	if err := l.fl.Lock(); err != nil {
		panic(fmt.Sprintf("locking %s: %v", l.fl.Path(), err))
	}
}

// LockContext implements Locker.LockContext.
func (l *FileLock) LockContext(ctx context.Context) error {
	locked, err := l.fl.TryLockContext(ctx, fileRetryDelay)
	if err != nil {
		return err
	}
	if !locked {
		return ctx.Err()
	}
	return nil
}

// Unlock implements sync.Locker.Unlock.
func (l *FileLock) Unlock() {
	if err := l.fl.Unlock(); err != nil {
		panic(fmt.Sprintf("unlocking %s: %v", l.fl.Path(), err))
	}
	sync.Yield()
}
