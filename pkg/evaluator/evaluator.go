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

// Package evaluator measures and ranks eviction strategies.
//
// Each strategy is run against a single line: miss latencies after eviction,
// the runtime of a single eviction, and the runtime of batches of evictions
// are logged as CSV. The logs are then reduced to an eviction rate and an
// average eviction time per strategy.
package evaluator

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"gvisor.dev/cachespy/pkg/cpuops"
	"gvisor.dev/cachespy/pkg/sync"
)

// Default measurement sizes.
const (
	DefaultRuns      = 1000 * 1000
	DefaultBatchSize = 5000
)

// Prober is the set of primitives the evaluator measures with. It is
// implemented by *session.Session.
type Prober interface {
	Access(addr uintptr)
	Flush(addr uintptr)
	ReloadAndFlush(addr uintptr) uint64
	Timing() uint64
	ResetTiming()
}

// preparer is implemented by probers whose Flush fails on first use of a
// line rather than returning an error.
type preparer interface {
	PrepareFlush(addr uintptr) error
}

// Options configures Measure.
type Options struct {
	// Runs is the number of miss and runtime samples.
	Runs int

	// BatchSize is the number of evictions per batch sample. There are
	// Runs/BatchSize batches.
	BatchSize int

	// Yield is called between samples. If nil, sync.Yield is used.
	Yield func()
}

// DefaultOptions returns the default measurement sizes.
func DefaultOptions() Options {
	return Options{Runs: DefaultRuns, BatchSize: DefaultBatchSize}
}

func (o *Options) validate() error {
	if o.Runs <= 0 || o.BatchSize <= 0 {
		return fmt.Errorf("runs and batch size must be positive, got %d and %d", o.Runs, o.BatchSize)
	}
	if o.BatchSize > o.Runs {
		return fmt.Errorf("batch size %d exceeds runs %d", o.BatchSize, o.Runs)
	}
	return nil
}

// Measurements are the raw samples of one strategy.
type Measurements struct {
	// Miss holds reload latencies of an evicted line.
	Miss []uint64

	// Runtime holds the time of an eviction followed by an access.
	Runtime []uint64

	// RuntimeBatch holds the time of BatchSize access and eviction pairs.
	RuntimeBatch []uint64
}

// Measure samples p evicting the line at addr.
func Measure(p Prober, addr uintptr, opts Options) (*Measurements, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Yield == nil {
		opts.Yield = sync.Yield
	}
	if pr, ok := p.(preparer); ok {
		if err := pr.PrepareFlush(addr); err != nil {
			return nil, fmt.Errorf("preparing flush of %#x: %w", addr, err)
		}
	}
	m := &Measurements{
		Miss:         make([]uint64, opts.Runs),
		Runtime:      make([]uint64, opts.Runs),
		RuntimeBatch: make([]uint64, opts.Runs/opts.BatchSize),
	}

	p.Flush(addr)
	for i := range m.Miss {
		m.Miss[i] = p.ReloadAndFlush(addr)
		opts.Yield()
	}

	p.ResetTiming()
	for i := range m.Runtime {
		begin := p.Timing()
		p.Flush(addr)
		p.Access(addr)
		m.Runtime[i] = cpuops.CyclesDiff(begin, p.Timing())
		opts.Yield()
	}

	for b := range m.RuntimeBatch {
		p.ResetTiming()
		begin := p.Timing()
		for i := 0; i < opts.BatchSize; i++ {
			p.Access(addr)
			p.Flush(addr)
		}
		m.RuntimeBatch[b] = cpuops.CyclesDiff(begin, p.Timing())
		opts.Yield()
	}
	return m, nil
}

// WriteCSV writes the measurements as Miss,Runtime,RuntimeBatch rows. The
// RuntimeBatch column is empty past the last batch.
func (m *Measurements) WriteCSV(w io.Writer) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("Miss,Runtime,RuntimeBatch\n")
	var buf []byte
	for i := range m.Miss {
		buf = strconv.AppendUint(buf[:0], m.Miss[i], 10)
		buf = append(buf, ',')
		buf = strconv.AppendUint(buf, m.Runtime[i], 10)
		buf = append(buf, ',')
		if i < len(m.RuntimeBatch) {
			buf = strconv.AppendUint(buf, m.RuntimeBatch[i], 10)
		}
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}
