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

package calibrate

import (
	"fmt"
	"sort"
	"strings"
)

// Technique is a pair of hit and miss measurements.
type Technique string

// Techniques.
const (
	FlushReload Technique = "flush_reload"
	PrimeProbe  Technique = "prime_probe"
	EvictReload Technique = "evict_reload"
	FlushFlush  Technique = "flush_flush"
	Prefetch    Technique = "prefetch"
)

// String implements fmt.Stringer.String and flag.Value.String.
func (t Technique) String() string {
	return string(t)
}

// Set implements flag.Value.Set.
func (t *Technique) Set(v string) error {
	if _, ok := techniques[Technique(v)]; !ok {
		return fmt.Errorf("invalid technique %q, must be one of: %s", v, strings.Join(Techniques(), ", "))
	}
	*t = Technique(v)
	return nil
}

// Techniques returns the technique names in sorted order.
func Techniques() []string {
	names := make([]string, 0, len(techniques))
	for t := range techniques {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

type measureFunc func(p Prober, addr uintptr, h *Histogram, opts Options) error

type measurement struct {
	hit  measureFunc
	miss measureFunc

	// evicts is set if the measurements call Evict, Prime or Probe.
	evicts bool
}

var techniques = map[Technique]measurement{
	FlushReload: {hit: reloadHit, miss: flushReloadMiss},
	PrimeProbe:  {hit: primeProbeHit, miss: primeProbeMiss, evicts: true},
	EvictReload: {hit: reloadHit, miss: evictReloadMiss, evicts: true},
	FlushFlush:  {hit: flushFlushHit, miss: flushFlushMiss},
	Prefetch:    {hit: prefetchHit, miss: prefetchMiss},
}

// sample adds opts.Entries results of f to h, yielding after each.
func sample(h *Histogram, opts Options, f func() uint64) {
	for i := 0; i < opts.Entries; i++ {
		h.Add(f())
		opts.Yield()
	}
}

func reloadHit(p Prober, addr uintptr, h *Histogram, opts Options) error {
	sample(h, opts, func() uint64 { return p.Reload(addr) })
	return nil
}

func flushReloadMiss(p Prober, addr uintptr, h *Histogram, opts Options) error {
	sample(h, opts, func() uint64 { return p.ReloadAndFlush(addr) })
	return nil
}

func evictReloadMiss(p Prober, addr uintptr, h *Histogram, opts Options) error {
	p.Evict(addr)
	sample(h, opts, func() uint64 { return p.ReloadAndEvict(addr) })
	return nil
}

func primeProbeHit(p Prober, addr uintptr, h *Histogram, opts Options) error {
	set, err := p.SetIndex(addr)
	if err != nil {
		return err
	}
	sample(h, opts, func() uint64 {
		p.Prime(set)
		return p.Probe(set)
	})
	return nil
}

func primeProbeMiss(p Prober, addr uintptr, h *Histogram, opts Options) error {
	set, err := p.SetIndex(addr)
	if err != nil {
		return err
	}
	sample(h, opts, func() uint64 {
		p.Prime(set)
		p.Access(addr)
		return p.Probe(set)
	})
	return nil
}

func flushFlushHit(p Prober, addr uintptr, h *Histogram, opts Options) error {
	sample(h, opts, func() uint64 {
		p.Reload(addr)
		return p.FlushTime(addr)
	})
	return nil
}

func flushFlushMiss(p Prober, addr uintptr, h *Histogram, opts Options) error {
	sample(h, opts, func() uint64 { return p.FlushTime(addr) })
	return nil
}

func prefetchHit(p Prober, addr uintptr, h *Histogram, opts Options) error {
	sample(h, opts, func() uint64 { return p.PrefetchTime(addr) })
	return nil
}

func prefetchMiss(p Prober, addr uintptr, h *Histogram, opts Options) error {
	sample(h, opts, func() uint64 {
		p.Flush(addr)
		return p.PrefetchTime(addr)
	})
	return nil
}
