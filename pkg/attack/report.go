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
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"gvisor.dev/cachespy/pkg/sync"
)

// Reporter receives slave results. Implementations must be safe for
// concurrent use.
type Reporter interface {
	// Hits reports the number of hits of a burst at file offset off.
	Hits(off, hits uint64)

	// Sample reports a single reload latency at file offset off.
	Sample(off, latency uint64)
}

// OffsetHits is a summary entry.
type OffsetHits struct {
	Offset uint64
	Hits   uint64
}

// Summary accumulates hits per offset, in offset order.
type Summary struct {
	tree *btree.BTreeG[OffsetHits]
}

// NewSummary returns an empty summary.
func NewSummary() *Summary {
	return &Summary{
		tree: btree.NewG(2, func(a, b OffsetHits) bool { return a.Offset < b.Offset }),
	}
}

// Add adds hits at off.
func (s *Summary) Add(off, hits uint64) {
	e, _ := s.tree.Get(OffsetHits{Offset: off})
	s.tree.ReplaceOrInsert(OffsetHits{Offset: off, Hits: e.Hits + hits})
}

// Entries returns the summary ordered by offset.
func (s *Summary) Entries() []OffsetHits {
	entries := make([]OffsetHits, 0, s.tree.Len())
	s.tree.Ascend(func(e OffsetHits) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

// WriteTo writes one "offset hits" line per entry.
func (s *Summary) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range s.Entries() {
		n, err := fmt.Fprintf(w, "%#8x %d\n", e.Offset, e.Hits)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadSummary builds a summary from an Offset,Hits log.
func ReadSummary(r io.Reader) (*Summary, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if header[0] != "Offset" || header[1] != "Hits" {
		return nil, fmt.Errorf("unexpected header %q", header)
	}
	s := NewSummary()
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return s, nil
		}
		if err != nil {
			return nil, err
		}
		off, err := strconv.ParseUint(strings.TrimPrefix(rec[0], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", rec, err)
		}
		hits, err := strconv.ParseUint(rec[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", rec, err)
		}
		s.Add(off, hits)
	}
}

// Recorder is a Reporter that prints results, logs them as CSV and
// summarizes hits.
type Recorder struct {
	mu      sync.Mutex
	out     io.Writer
	log     *csv.Writer
	summary *Summary

	// now returns seconds on the monotonic clock.
	now func() float64
}

var _ Reporter = (*Recorder)(nil)

// NewRecorder returns a recorder printing to out. If logfile is not nil,
// results are also written to it as CSV, and if header is set the CSV
// header for the ShowTiming mode is written first.
func NewRecorder(out, logfile io.Writer, showTiming, header bool) (*Recorder, error) {
	r := &Recorder{
		out:     out,
		summary: NewSummary(),
		now:     monotonicSeconds,
	}
	if logfile != nil {
		r.log = csv.NewWriter(logfile)
		if header {
			if err := r.writeRecord(CSVHeader(showTiming)...); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// CSVHeader returns the columns of the attack log.
func CSVHeader(showTiming bool) []string {
	if showTiming {
		return []string{"Time", "Offset", "Reload"}
	}
	return []string{"Offset", "Hits"}
}

// writeRecord writes and flushes a record, so that processes sharing the
// log interleave whole lines.
func (r *Recorder) writeRecord(fields ...string) error {
	if err := r.log.Write(fields); err != nil {
		return err
	}
	r.log.Flush()
	return r.log.Error()
}

// Hits implements Reporter.Hits.
func (r *Recorder) Hits(off, hits uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Add(off, hits)
	fmt.Fprintf(r.out, "%#8x - %d\n", off, hits)
	if r.log != nil {
		r.writeRecord(fmt.Sprintf("%#x", off), strconv.FormatUint(hits, 10))
	}
}

// Sample implements Reporter.Sample.
func (r *Recorder) Sample(off, latency uint64) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%.5f: %#8x - %d\n", now, off, latency)
	if r.log != nil {
		r.writeRecord(strconv.FormatFloat(now, 'f', 5, 64), fmt.Sprintf("%#x", off), strconv.FormatUint(latency, 10))
	}
}

// Summary returns the hits recorded so far, ordered by offset.
func (r *Recorder) Summary() []OffsetHits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.Entries()
}

func monotonicSeconds() float64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return float64(ts.Sec) + 1e-9*float64(ts.Nsec)
}
