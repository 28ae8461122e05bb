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

package session

import (
	"fmt"

	"gvisor.dev/cachespy/pkg/cpuops"
)

// The primitives below are meant for measurement loops. Eviction geometry
// failures cannot be handled there, so they panic; call PrepareFlush or
// PrepareEviction beforehand to surface them as errors.

// Access loads from addr.
func (s *Session) Access(addr uintptr) {
	cpuops.Access(addr)
}

// Flush removes addr's line from the cache.
func (s *Session) Flush(addr uintptr) {
	if s.useEviction {
		s.Evict(addr)
		return
	}
	cpuops.Flush(addr)
}

// FlushTime returns the time Flush(addr) takes.
func (s *Session) FlushTime(addr uintptr) uint64 {
	start := s.TimingStart()
	s.Flush(addr)
	return cpuops.CyclesDiff(start, s.TimingEnd())
}

// Evict removes addr's line from the cache by accessing congruent
// addresses.
func (s *Session) Evict(addr uintptr) {
	if err := s.engine.Evict(addr); err != nil {
		panic(fmt.Sprintf("evicting %#x: %v", addr, err))
	}
}

// EvictTime returns the time Evict(addr) takes.
func (s *Session) EvictTime(addr uintptr) uint64 {
	start := s.TimingStart()
	s.Evict(addr)
	return cpuops.CyclesDiff(start, s.TimingEnd())
}

// PrepareEviction discovers the congruent addresses for addr, so that later
// Flush and Evict calls cannot fail.
func (s *Session) PrepareEviction(addr uintptr) error {
	return s.engine.Evict(addr)
}

// PrepareFlush is PrepareEviction for sessions whose Flush evicts, and a
// no-op otherwise.
func (s *Session) PrepareFlush(addr uintptr) error {
	if !s.useEviction {
		return nil
	}
	return s.PrepareEviction(addr)
}

// Prefetch hints addr's line into the cache.
func (s *Session) Prefetch(addr uintptr) {
	cpuops.Prefetch(addr)
}

// PrefetchTime returns the time Prefetch(addr) takes.
func (s *Session) PrefetchTime(addr uintptr) uint64 {
	start := s.TimingStart()
	s.Prefetch(addr)
	return cpuops.CyclesDiff(start, s.TimingEnd())
}

// Reload returns the time a load from addr takes.
func (s *Session) Reload(addr uintptr) uint64 {
	start := s.TimingStart()
	cpuops.Access(addr)
	return cpuops.CyclesDiff(start, s.TimingEnd())
}

// ReloadAndFlush returns the time a load from addr takes, then flushes it.
func (s *Session) ReloadAndFlush(addr uintptr) uint64 {
	t := s.Reload(addr)
	s.Flush(addr)
	return t
}

// ReloadAndEvict returns the time a load from addr takes, then evicts it.
func (s *Session) ReloadAndEvict(addr uintptr) uint64 {
	t := s.Reload(addr)
	s.Evict(addr)
	return t
}

// Prime fills cache set index with lines of the session's arena.
func (s *Session) Prime(index uint) {
	if err := s.engine.Prime(index); err != nil {
		panic(fmt.Sprintf("priming set %d: %v", index, err))
	}
}

// Probe returns the time taken to reload the lines of set index loaded by
// Prime. It is higher if another party used the set in between.
func (s *Session) Probe(index uint) uint64 {
	start := s.TimingStart()
	if err := s.engine.Probe(index); err != nil {
		panic(fmt.Sprintf("probing set %d: %v", index, err))
	}
	return cpuops.CyclesDiff(start, s.TimingEnd())
}

// SetIndex returns the cache set addr maps to.
func (s *Session) SetIndex(addr uintptr) (uint, error) {
	return s.engine.SetIndex(addr)
}

// NumberOfSets returns the number of cache sets.
func (s *Session) NumberOfSets() int {
	return s.engine.NumberOfSets()
}

// PhysicalAddress returns the physical address backing addr.
func (s *Session) PhysicalAddress(addr uintptr) (uint64, error) {
	return s.translator.Physical(addr)
}

// PagemapEntry returns the raw pagemap entry of addr. It fails if the
// session translates through something other than the pagemap.
func (s *Session) PagemapEntry(addr uintptr) (uint64, error) {
	if s.pagemap == nil {
		return 0, fmt.Errorf("session does not use %s", "/proc/self/pagemap")
	}
	return s.pagemap.Entry(addr)
}

// Timing returns the current timing source value.
func (s *Session) Timing() uint64 {
	return s.timing.Timing()
}

// TimingStart returns the timing source value at the start of a measured
// region.
func (s *Session) TimingStart() uint64 {
	return s.timing.Start()
}

// TimingEnd returns the timing source value at the end of a measured region.
func (s *Session) TimingEnd() uint64 {
	return s.timing.End()
}

// ResetTiming re-arms the timing source.
func (s *Session) ResetTiming() {
	s.timing.Reset()
}
