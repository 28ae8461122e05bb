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

// Package eviction evicts cache lines by accessing congruent addresses,
// for hosts that lack an unprivileged flush instruction or where flushing
// is to be avoided.
//
// An Engine owns a large anonymous arena. To evict a target it translates
// the target to a physical address, finds the cache set it maps to, scans the
// arena for addresses mapping to the same set and then accesses them in the
// pattern given by a Strategy. Congruent sets are discovered once and cached.
package eviction

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"

	"gvisor.dev/cachespy/pkg/cpuops"
	"gvisor.dev/cachespy/pkg/hostarch"
	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/memutil"
	"gvisor.dev/cachespy/pkg/sync"
)

// ErrInsufficientCongruentAddresses is returned when the arena holds fewer
// addresses mapping to a set than the strategy needs. It is not recoverable
// without a larger arena.
var ErrInsufficientCongruentAddresses = errors.New("insufficient congruent addresses in arena")

const (
	// DefaultAddressCacheSize is the default number of target addresses
	// whose set index is remembered.
	DefaultAddressCacheSize = 128

	// DefaultArenaSize is the default fixed arena size.
	DefaultArenaSize = 64 << 20

	// touchStride is the pre-touch stride for arena pages.
	touchStride = 0x400
)

// Translator maps a virtual address to the physical address backing it.
type Translator interface {
	Physical(va uintptr) (uint64, error)
}

// Options configures an Engine.
type Options struct {
	Geometry Geometry
	Strategy Strategy

	// ArenaSize is the arena size in bytes. If zero, ArenaFraction is used.
	ArenaSize int

	// ArenaFraction sizes the arena as a fraction of physical RAM.
	ArenaFraction float64

	// AddressCacheSize bounds the number of remembered targets. If zero,
	// DefaultAddressCacheSize is used.
	AddressCacheSize int

	// Translator resolves physical addresses. Required.
	Translator Translator

	// Access touches an address. If nil, cpuops.Access is used.
	Access func(addr uintptr)
}

// congruentSet holds the addresses found for one cache set.
type congruentSet struct {
	mu sync.Mutex

	// populated is set once addrs is filled. Both are immutable after.
	populated bool
	addrs     []uintptr

	// sequence is the full eviction access order over addrs.
	sequence []uintptr
}

// addressCacheEntry remembers the set of a previously evicted target.
type addressCacheEntry struct {
	used  bool
	addr  uintptr
	index uint
}

// Engine evicts cache lines by congruent access. It is safe for concurrent
// use.
type Engine struct {
	geometry   Geometry
	strategy   Strategy
	translator Translator
	access     func(addr uintptr)

	// arenaMu protects arena.
	arenaMu sync.Mutex
	arena   []byte

	// addressCacheMu protects addressCache.
	addressCacheMu sync.Mutex
	addressCache   []addressCacheEntry

	sets []congruentSet
}

// New maps and pre-touches the arena and returns a ready Engine.
func New(opts Options) (*Engine, error) {
	if err := opts.Geometry.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Strategy.Validate(); err != nil {
		return nil, err
	}
	if opts.Translator == nil {
		return nil, fmt.Errorf("no address translator")
	}
	size, err := arenaSize(opts)
	if err != nil {
		return nil, err
	}
	cacheSize := opts.AddressCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultAddressCacheSize
	}
	access := opts.Access
	if access == nil {
		access = cpuops.Access
	}

	arena, err := memutil.MapAnonymous(size, true)
	if err != nil {
		return nil, fmt.Errorf("mapping %d byte eviction arena: %w", size, err)
	}
	// Make every page non-empty, so no two share the zero page.
	for off := 0; off+8 <= len(arena); off += touchStride {
		binary.NativeEndian.PutUint64(arena[off:], uint64(off))
	}
	log.Debugf("Eviction arena of %d bytes at %v, %d sets of %d byte lines, strategy %s",
		size, hostarch.AddrOf(arena), opts.Geometry.Sets, opts.Geometry.LineLength, opts.Strategy.Name())

	return &Engine{
		geometry:     opts.Geometry,
		strategy:     opts.Strategy,
		translator:   opts.Translator,
		access:       access,
		arena:        arena,
		addressCache: make([]addressCacheEntry, cacheSize),
		sets:         make([]congruentSet, opts.Geometry.Sets),
	}, nil
}

func arenaSize(opts Options) (int, error) {
	size := opts.ArenaSize
	if size == 0 {
		if opts.ArenaFraction <= 0 || opts.ArenaFraction > 1 {
			return 0, fmt.Errorf("arena fraction must be in (0, 1], got %v", opts.ArenaFraction)
		}
		total, err := memutil.TotalRAM()
		if err != nil {
			return 0, err
		}
		size = int(float64(total) * opts.ArenaFraction)
	}
	size &^= hostarch.PageSize - 1
	if size < hostarch.PageSize {
		return 0, fmt.Errorf("arena size %d is smaller than a page", size)
	}
	return size, nil
}

// Geometry returns the cache geometry.
func (e *Engine) Geometry() Geometry {
	return e.geometry
}

// Strategy returns the eviction strategy.
func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// NumberOfSets returns the number of cache sets.
func (e *Engine) NumberOfSets() int {
	return e.geometry.Sets
}

// SetIndex returns the cache set addr maps to.
func (e *Engine) SetIndex(addr uintptr) (uint, error) {
	phys, err := e.translator.Physical(addr)
	if err != nil {
		return 0, err
	}
	return e.geometry.SetIndex(phys), nil
}

// Evict evicts addr's line by accessing addresses congruent to it.
func (e *Engine) Evict(addr uintptr) error {
	index, err := e.lookup(addr)
	if err != nil {
		return err
	}
	e.evict(&e.sets[index])
	return nil
}

// lookup returns the populated set for addr, recording it in the address
// cache.
func (e *Engine) lookup(addr uintptr) (uint, error) {
	e.addressCacheMu.Lock()
	defer e.addressCacheMu.Unlock()

	for i := range e.addressCache {
		if ent := &e.addressCache[i]; ent.used && ent.addr == addr {
			return ent.index, nil
		}
	}

	phys, err := e.translator.Physical(addr)
	if err != nil {
		return 0, err
	}
	index := e.geometry.SetIndex(phys)
	if err := e.populate(index, phys, true); err != nil {
		return 0, err
	}

	slot := e.freeSlot()
	e.addressCache[slot] = addressCacheEntry{used: true, addr: addr, index: index}
	return index, nil
}

// freeSlot returns an unused address cache slot, or a random one if all are
// in use. Preconditions: e.addressCacheMu is held.
func (e *Engine) freeSlot() int {
	for i := range e.addressCache {
		if !e.addressCache[i].used {
			return i
		}
	}
	return rand.Intn(len(e.addressCache))
}

// Prime fills cache set index with arena lines.
func (e *Engine) Prime(index uint) error {
	if err := e.checkIndex(index); err != nil {
		return err
	}
	e.addressCacheMu.Lock()
	err := e.populate(index, 0, false)
	e.addressCacheMu.Unlock()
	if err != nil {
		return err
	}
	e.evict(&e.sets[index])
	return nil
}

// Probe accesses the congruent addresses of set index in reverse order.
// Timing the call tells whether another party touched the set since Prime.
func (e *Engine) Probe(index uint) error {
	if err := e.checkIndex(index); err != nil {
		return err
	}
	if err := e.populate(index, 0, false); err != nil {
		return err
	}
	set := &e.sets[index]
	set.mu.Lock()
	defer set.mu.Unlock()
	for i := len(set.addrs) - 1; i >= 0; i-- {
		e.access(set.addrs[i])
	}
	return nil
}

// CongruentAddresses returns the congruent addresses of set index,
// discovering them if needed.
func (e *Engine) CongruentAddresses(index uint) ([]uintptr, error) {
	if err := e.checkIndex(index); err != nil {
		return nil, err
	}
	if err := e.populate(index, 0, false); err != nil {
		return nil, err
	}
	set := &e.sets[index]
	set.mu.Lock()
	defer set.mu.Unlock()
	return append([]uintptr(nil), set.addrs...), nil
}

func (e *Engine) checkIndex(index uint) error {
	if index >= uint(len(e.sets)) {
		return fmt.Errorf("set index %d out of range [0, %d)", index, len(e.sets))
	}
	return nil
}

// evict runs the strategy's access sequence over set.
func (e *Engine) evict(set *congruentSet) {
	set.mu.Lock()
	defer set.mu.Unlock()
	if !set.populated {
		return
	}
	for _, addr := range set.sequence {
		e.access(addr)
	}
}

// populate discovers the congruent addresses of set index if that has not
// been done yet. If hasTrigger is set, the line at physical address trigger
// is excluded.
func (e *Engine) populate(index uint, trigger uint64, hasTrigger bool) error {
	set := &e.sets[index]
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.populated {
		return nil
	}

	e.arenaMu.Lock()
	arena := e.arena
	e.arenaMu.Unlock()
	if arena == nil {
		return fmt.Errorf("eviction engine closed")
	}

	want := e.strategy.AddressCount()
	addrs := make([]uintptr, 0, want)
	base := uintptr(hostarch.AddrOf(arena))
	line := uintptr(e.geometry.LineLength)

	// Lines of a page share its frame, so translate once per page.
scan:
	for page := uintptr(0); page < uintptr(len(arena)); page += hostarch.PageSize {
		pagePhys, err := e.translator.Physical(base + page)
		if err != nil {
			return fmt.Errorf("scanning arena for set %d: %w", index, err)
		}
		pagePhys &^= hostarch.PageSize - 1
		for off := uintptr(0); off < hostarch.PageSize; off += line {
			phys := pagePhys + uint64(off)
			if e.geometry.SetIndex(phys) != index || (hasTrigger && phys == trigger&^uint64(line-1)) {
				continue
			}
			addrs = append(addrs, base+page+off)
			if len(addrs) == want {
				break scan
			}
		}
	}
	if len(addrs) < want {
		return fmt.Errorf("set %d: found %d of %d addresses in %d byte arena: %w",
			index, len(addrs), want, len(arena), ErrInsufficientCongruentAddresses)
	}

	set.addrs = addrs
	set.sequence = e.sequence(addrs)
	set.populated = true
	return nil
}

// sequence returns the order in which addrs are accessed to evict their set.
func (e *Engine) sequence(addrs []uintptr) []uintptr {
	s := e.strategy
	windows := s.windows()
	seq := make([]uintptr, 0, len(windows)*s.AccessesInLoop*s.DifferentAddresses*2)
	for _, i := range windows {
		for j := 0; j < s.AccessesInLoop; j++ {
			for k := 0; k < s.DifferentAddresses; k++ {
				seq = append(seq, addrs[i+k])
			}
		}
	}
	if s.Mirroring {
		for w := len(windows) - 1; w >= 0; w-- {
			i := windows[w]
			for j := 0; j < s.AccessesInLoop; j++ {
				for k := s.DifferentAddresses - 1; k >= 0; k-- {
					seq = append(seq, addrs[i+k])
				}
			}
		}
	}
	return seq
}

// Close unmaps the arena. It is safe to call on a nil or closed Engine. No
// other method may be called after Close.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.arenaMu.Lock()
	defer e.arenaMu.Unlock()
	if e.arena == nil {
		return nil
	}
	err := memutil.UnmapSlice(e.arena)
	e.arena = nil
	return err
}
