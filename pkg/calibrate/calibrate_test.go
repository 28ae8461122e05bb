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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeProber models a single line with deterministic latencies.
type fakeProber struct {
	cached    bool
	primed    bool
	displaced bool
	setErr    error
}

const (
	fakeHit          = 40
	fakeMiss         = 210
	fakeFlushCached  = 120
	fakeFlushMissing = 80
	fakePrefetchHit  = 30
	fakePrefetchMiss = 90
	fakeProbeClean   = 100
	fakeProbeDirty   = 300
)

func (f *fakeProber) Access(uintptr) {
	f.cached = true
	if f.primed {
		f.displaced = true
	}
}

func (f *fakeProber) Flush(uintptr) { f.cached = false }
func (f *fakeProber) Evict(uintptr) { f.cached = false }

func (f *fakeProber) Reload(addr uintptr) uint64 {
	t := uint64(fakeMiss)
	if f.cached {
		t = fakeHit
	}
	f.Access(addr)
	return t
}

func (f *fakeProber) ReloadAndFlush(addr uintptr) uint64 {
	t := f.Reload(addr)
	f.Flush(addr)
	return t
}

func (f *fakeProber) ReloadAndEvict(addr uintptr) uint64 {
	t := f.Reload(addr)
	f.Evict(addr)
	return t
}

func (f *fakeProber) FlushTime(uintptr) uint64 {
	t := uint64(fakeFlushMissing)
	if f.cached {
		t = fakeFlushCached
	}
	f.cached = false
	return t
}

func (f *fakeProber) PrefetchTime(uintptr) uint64 {
	t := uint64(fakePrefetchMiss)
	if f.cached {
		t = fakePrefetchHit
	}
	f.cached = true
	return t
}

func (f *fakeProber) SetIndex(uintptr) (uint, error) { return 7, f.setErr }

func (f *fakeProber) Prime(uint) {
	f.primed = true
	f.displaced = false
}

func (f *fakeProber) Probe(uint) uint64 {
	f.primed = false
	if f.displaced {
		return fakeProbeDirty
	}
	return fakeProbeClean
}

func testOptions(technique Technique) Options {
	return Options{
		Size:               100,
		Entries:            500,
		Scale:              5,
		HistogramThreshold: 100,
		Technique:          technique,
		Yield:              func() {},
	}
}

func TestThreshold(t *testing.T) {
	for _, tc := range []struct {
		technique Technique
		cache     uint64
		mem       uint64
		threshold uint64
	}{
		{technique: FlushReload, cache: fakeHit, mem: fakeMiss, threshold: 125},
		{technique: EvictReload, cache: fakeHit, mem: fakeMiss, threshold: 125},
		{technique: PrimeProbe, cache: fakeProbeClean, mem: fakeProbeDirty, threshold: 200},
		{technique: FlushFlush, cache: fakeFlushCached, mem: fakeFlushMissing, threshold: 100},
		{technique: Prefetch, cache: fakePrefetchHit, mem: fakePrefetchMiss, threshold: 60},
	} {
		t.Run(tc.technique.String(), func(t *testing.T) {
			r, err := Threshold(&fakeProber{}, 0x1000, testOptions(tc.technique))
			if err != nil {
				t.Fatalf("Threshold: %v", err)
			}
			if r.CacheTime != tc.cache || r.MemoryTime != tc.mem || r.Threshold != tc.threshold {
				t.Errorf("got cache %d, memory %d, threshold %d; want %d, %d, %d",
					r.CacheTime, r.MemoryTime, r.Threshold, tc.cache, tc.mem, tc.threshold)
			}
			if want := int(tc.mem / 5); r.MissMinimumIndex != want {
				t.Errorf("MissMinimumIndex = %d, want %d", r.MissMinimumIndex, want)
			}
		})
	}
}

// Calibration over an unchanged distribution yields the same threshold.
func TestThresholdRepeatable(t *testing.T) {
	p := &fakeProber{}
	opts := testOptions(FlushReload)
	first, err := Threshold(p, 0x1000, opts)
	if err != nil {
		t.Fatalf("Threshold: %v", err)
	}
	for i := 0; i < 3; i++ {
		r, err := Threshold(p, 0x1000, opts)
		if err != nil {
			t.Fatalf("Threshold: %v", err)
		}
		if diff := cmp.Diff(first, r); diff != "" {
			t.Errorf("calibration %d differs (-first +got):\n%s", i, diff)
		}
	}
}

func TestThresholdYields(t *testing.T) {
	yields := 0
	opts := testOptions(FlushReload)
	opts.Yield = func() { yields++ }
	if _, err := Threshold(&fakeProber{}, 0x1000, opts); err != nil {
		t.Fatalf("Threshold: %v", err)
	}
	if want := 2 * opts.Entries; yields != want {
		t.Errorf("yielded %d times, want %d", yields, want)
	}
}

func TestThresholdErrors(t *testing.T) {
	errSet := errors.New("no translation")
	for _, tc := range []struct {
		name   string
		modify func(*Options)
		prober *fakeProber
	}{
		{name: "zero size", modify: func(o *Options) { o.Size = 0 }},
		{name: "zero entries", modify: func(o *Options) { o.Entries = 0 }},
		{name: "zero scale", modify: func(o *Options) { o.Scale = 0 }},
		{name: "unknown technique", modify: func(o *Options) { o.Technique = "spectre" }},
		{
			name:   "set index failure",
			modify: func(o *Options) { o.Technique = PrimeProbe },
			prober: &fakeProber{setErr: errSet},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions(FlushReload)
			tc.modify(&opts)
			p := tc.prober
			if p == nil {
				p = &fakeProber{}
			}
			if _, err := Threshold(p, 0x1000, opts); err == nil {
				t.Errorf("Threshold succeeded")
			}
		})
	}
}

// preparingProber is a fakeProber that records the preparations Threshold
// asks for.
type preparingProber struct {
	fakeProber
	flushErr error
	evictErr error
	prepared []string
}

func (p *preparingProber) PrepareFlush(uintptr) error {
	p.prepared = append(p.prepared, "flush")
	return p.flushErr
}

func (p *preparingProber) PrepareEviction(uintptr) error {
	p.prepared = append(p.prepared, "eviction")
	return p.evictErr
}

func TestThresholdPrepares(t *testing.T) {
	errHidden := errors.New("pfn hidden")
	for _, tc := range []struct {
		name      string
		technique Technique
		flushErr  error
		evictErr  error
		want      []string
		wantErr   bool
	}{
		{name: "flush only", technique: FlushReload, want: []string{"flush"}},
		{name: "evicting technique", technique: EvictReload, want: []string{"flush", "eviction"}},
		{name: "prime probe", technique: PrimeProbe, want: []string{"flush", "eviction"}},
		{name: "flush failure", technique: FlushReload, flushErr: errHidden, want: []string{"flush"}, wantErr: true},
		{name: "eviction failure", technique: EvictReload, evictErr: errHidden, want: []string{"flush", "eviction"}, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := &preparingProber{flushErr: tc.flushErr, evictErr: tc.evictErr}
			_, err := Threshold(p, 0x1000, testOptions(tc.technique))
			if (err != nil) != tc.wantErr {
				t.Fatalf("Threshold error: %v, wantErr: %t", err, tc.wantErr)
			}
			if tc.wantErr && !errors.Is(err, errHidden) {
				t.Errorf("Threshold error %v does not wrap %v", err, errHidden)
			}
			if diff := cmp.Diff(tc.want, p.prepared); diff != "" {
				t.Errorf("preparations mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram(4, 10)
	for _, v := range []uint64{0, 9, 10, 35, 40, 10000} {
		h.Add(v)
	}
	if diff := cmp.Diff([]uint64{2, 1, 0, 3}, h.Buckets); diff != "" {
		t.Errorf("buckets mismatch (-want +got):\n%s", diff)
	}
	if got := h.Mode(); got != 3 {
		t.Errorf("Mode() = %d, want 3", got)
	}
	if got := h.FirstAbove(1); got != 0 {
		t.Errorf("FirstAbove(1) = %d, want 0", got)
	}
	if got := h.FirstAbove(2); got != 3 {
		t.Errorf("FirstAbove(2) = %d, want 3", got)
	}
	if got := NewHistogram(4, 10).Mode(); got != 0 {
		t.Errorf("empty Mode() = %d, want 0", got)
	}
}

func TestOutput(t *testing.T) {
	r := Result{
		Hit:  &Histogram{Scale: 5, Buckets: []uint64{3, 0}},
		Miss: &Histogram{Scale: 5, Buckets: []uint64{0, 7}},
	}
	var csvOut, table bytes.Buffer
	if err := r.WriteCSV(&csvOut); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if got, want := csvOut.String(), "Time,Hit,Miss\n0,3,0\n5,0,7\n"; got != want {
		t.Errorf("WriteCSV got %q, want %q", got, want)
	}
	if err := r.WriteTable(&table); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(table.String(), "\n"), "\n")
	if diff := cmp.Diff([]string{"   0:          3          0", "   5:          0          7"}, lines); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}
}

func TestTechniqueSet(t *testing.T) {
	var tech Technique
	if err := tech.Set("prime_probe"); err != nil || tech != PrimeProbe {
		t.Errorf("Set(prime_probe) = %v, %v", tech, err)
	}
	if err := tech.Set("spectre"); err == nil {
		t.Errorf("Set(spectre) succeeded")
	}
	want := []string{"evict_reload", "flush_flush", "flush_reload", "prefetch", "prime_probe"}
	if diff := cmp.Diff(want, Techniques()); diff != "" {
		t.Errorf("Techniques() mismatch (-want +got):\n%s", diff)
	}
}
