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

// Package calibrate derives the latency threshold separating cache hits from
// cache misses.
//
// A hit histogram and a miss histogram are sampled with a measurement
// technique. The threshold lies halfway between the two histogram modes.
package calibrate

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"gvisor.dev/cachespy/pkg/sync"
)

// Prober is the set of measurement primitives calibration needs. It is
// implemented by *session.Session.
type Prober interface {
	Access(addr uintptr)
	Flush(addr uintptr)
	Evict(addr uintptr)
	Reload(addr uintptr) uint64
	ReloadAndFlush(addr uintptr) uint64
	ReloadAndEvict(addr uintptr) uint64
	FlushTime(addr uintptr) uint64
	PrefetchTime(addr uintptr) uint64
	SetIndex(addr uintptr) (uint, error)
	Prime(index uint)
	Probe(index uint) uint64
}

// Preparer is implemented by probers whose Flush and Evict cannot report
// errors, and instead fail the first time a line is used. Threshold prepares
// the measured line of such a prober before sampling.
type Preparer interface {
	PrepareFlush(addr uintptr) error
	PrepareEviction(addr uintptr) error
}

// Options configures Threshold.
type Options struct {
	// Size is the number of histogram buckets. Samples beyond the last
	// bucket are counted in it.
	Size int

	// Entries is the number of samples per histogram.
	Entries int

	// Scale is the width of a bucket.
	Scale uint64

	// HistogramThreshold is the count a miss bucket must exceed to be
	// reported as Result.MissMinimumIndex.
	HistogramThreshold uint64

	// Technique selects the hit and miss measurements.
	Technique Technique

	// Yield is called between samples. If nil, sync.Yield is used.
	Yield func()
}

// AttackOptions returns the options the attack uses to calibrate.
func AttackOptions() Options {
	return Options{
		Size:               200,
		Entries:            100000,
		Scale:              5,
		HistogramThreshold: 100,
		Technique:          FlushReload,
	}
}

// DriverOptions returns the defaults of the calibrate command.
func DriverOptions() Options {
	return Options{
		Size:               300,
		Entries:            50000,
		Scale:              5,
		HistogramThreshold: 100,
		Technique:          FlushReload,
	}
}

func (o *Options) validate() error {
	switch {
	case o.Size <= 0:
		return fmt.Errorf("histogram size must be positive, got %d", o.Size)
	case o.Entries <= 0:
		return fmt.Errorf("histogram entries must be positive, got %d", o.Entries)
	case o.Scale == 0:
		return fmt.Errorf("histogram scale must be positive")
	}
	if _, ok := techniques[o.Technique]; !ok {
		return fmt.Errorf("unknown technique %v", o.Technique)
	}
	return nil
}

// Histogram counts latencies in fixed-width buckets.
type Histogram struct {
	Scale   uint64
	Buckets []uint64
}

// NewHistogram returns an empty histogram with size buckets of width scale.
func NewHistogram(size int, scale uint64) *Histogram {
	return &Histogram{Scale: scale, Buckets: make([]uint64, size)}
}

// Add counts latency t.
func (h *Histogram) Add(t uint64) {
	i := t / h.Scale
	if last := uint64(len(h.Buckets) - 1); i > last {
		i = last
	}
	h.Buckets[i]++
}

// Mode returns the index of the fullest bucket. Ties go to the lowest index.
func (h *Histogram) Mode() int {
	mode := 0
	var maximum uint64
	for i, n := range h.Buckets {
		if n > maximum {
			maximum = n
			mode = i
		}
	}
	return mode
}

// FirstAbove returns the index of the first bucket holding more than n
// samples, or 0 if there is none.
func (h *Histogram) FirstAbove(n uint64) int {
	for i, c := range h.Buckets {
		if c > n {
			return i
		}
	}
	return 0
}

// Result is the outcome of a calibration.
type Result struct {
	Hit  *Histogram
	Miss *Histogram

	// CacheTime and MemoryTime are the modes of the hit and miss
	// histograms, in timing units.
	CacheTime  uint64
	MemoryTime uint64

	// Threshold is halfway between CacheTime and MemoryTime. Latencies
	// below it are hits.
	Threshold uint64

	// MissMinimumIndex is the first miss bucket exceeding
	// Options.HistogramThreshold.
	MissMinimumIndex int
}

// Threshold samples hits and misses of addr with p and derives the threshold.
// The caller should be bound to a CPU.
func Threshold(p Prober, addr uintptr, opts Options) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	if opts.Yield == nil {
		opts.Yield = sync.Yield
	}
	m := techniques[opts.Technique]
	r := Result{
		Hit:  NewHistogram(opts.Size, opts.Scale),
		Miss: NewHistogram(opts.Size, opts.Scale),
	}

	if err := prepare(p, addr, m.evicts); err != nil {
		return Result{}, err
	}

	p.Access(addr)
	if err := m.hit(p, addr, r.Hit, opts); err != nil {
		return Result{}, fmt.Errorf("measuring %v hits: %w", opts.Technique, err)
	}
	p.Flush(addr)
	if err := m.miss(p, addr, r.Miss, opts); err != nil {
		return Result{}, fmt.Errorf("measuring %v misses: %w", opts.Technique, err)
	}

	r.CacheTime = uint64(r.Hit.Mode()) * opts.Scale
	r.MemoryTime = uint64(r.Miss.Mode()) * opts.Scale
	r.MissMinimumIndex = r.Miss.FirstAbove(opts.HistogramThreshold)

	// Techniques like flush_flush are faster on a miss, so the difference
	// may be negative.
	cache, mem := int64(r.CacheTime), int64(r.MemoryTime)
	if t := mem - (mem-cache)/2; t > 0 {
		r.Threshold = uint64(t)
	}
	return r, nil
}

func prepare(p Prober, addr uintptr, evicts bool) error {
	pr, ok := p.(Preparer)
	if !ok {
		return nil
	}
	if err := pr.PrepareFlush(addr); err != nil {
		return fmt.Errorf("preparing flush of %#x: %w", addr, err)
	}
	if evicts {
		if err := pr.PrepareEviction(addr); err != nil {
			return fmt.Errorf("preparing eviction of %#x: %w", addr, err)
		}
	}
	return nil
}

// WriteTable writes one "time: hits misses" row per bucket.
func (r *Result) WriteTable(w io.Writer) error {
	for i := range r.Hit.Buckets {
		if _, err := fmt.Fprintf(w, "%4d: %10d %10d\n", uint64(i)*r.Hit.Scale, r.Hit.Buckets[i], r.Miss.Buckets[i]); err != nil {
			return err
		}
	}
	return nil
}

// WriteCSV writes the histograms as Time,Hit,Miss rows.
func (r *Result) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Time", "Hit", "Miss"}); err != nil {
		return err
	}
	for i := range r.Hit.Buckets {
		row := []string{
			strconv.FormatUint(uint64(i)*r.Hit.Scale, 10),
			strconv.FormatUint(r.Hit.Buckets[i], 10),
			strconv.FormatUint(r.Miss.Buckets[i], 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
