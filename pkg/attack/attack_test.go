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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/cachespy/pkg/atomicbitops"
	"gvisor.dev/cachespy/pkg/hostarch"
	"gvisor.dev/cachespy/pkg/shlock"
	"gvisor.dev/cachespy/pkg/shm"
	"gvisor.dev/cachespy/pkg/sync"
)

// fakeSampler returns latencies from a repeating pattern and records the
// sampled addresses.
type fakeSampler struct {
	mu      sync.Mutex
	pattern []uint64
	next    int
	addrs   map[uintptr]int
	closed  atomicbitops.Bool
}

func newFakeSampler(pattern ...uint64) *fakeSampler {
	return &fakeSampler{pattern: pattern, addrs: make(map[uintptr]int)}
}

func (f *fakeSampler) ReloadAndFlush(addr uintptr) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[addr]++
	t := f.pattern[f.next%len(f.pattern)]
	f.next++
	return t
}

func (f *fakeSampler) Close() error {
	f.closed.Store(true)
	return nil
}

// countingReporter records hits per offset.
type countingReporter struct {
	mu      sync.Mutex
	hits    map[uint64]uint64
	samples int
}

func (r *countingReporter) Hits(off, hits uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hits == nil {
		r.hits = make(map[uint64]uint64)
	}
	r.hits[off] += hits
}

func (r *countingReporter) Sample(off, latency uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples++
}

func testParams() Params {
	p := DefaultParams()
	p.Threshold = 100
	p.Tests = 30
	return p
}

func TestBurstDebounce(t *testing.T) {
	latencies := []uint64{500, 500, 10, 10, 500, 10, 500, 500, 500, 10}
	for _, tc := range []struct {
		debounce int
		want     uint64
	}{
		{debounce: 0, want: 3},
		{debounce: 1, want: 2},
		{debounce: 2, want: 1},
		{debounce: 3, want: 0},
	} {
		t.Run(fmt.Sprintf("debounce=%d", tc.debounce), func(t *testing.T) {
			p := testParams()
			p.Tests = len(latencies)
			p.Debounce = tc.debounce
			yields := 0
			s := &SlaveWorker{
				Sampler: newFakeSampler(latencies...),
				Params:  p,
				Yield:   func() { yields++ },
			}
			if got := s.burst(0); got != tc.want {
				t.Errorf("burst with debounce %d = %d hits, want %d", tc.debounce, got, tc.want)
			}
			if yields != len(latencies)*DefaultYields {
				t.Errorf("yielded %d times, want %d", yields, len(latencies)*DefaultYields)
			}
		})
	}
}

func TestBurstShowTiming(t *testing.T) {
	p := testParams()
	p.ShowTiming = true
	rep := &countingReporter{}
	s := &SlaveWorker{Sampler: newFakeSampler(10), Params: p, Reporter: rep, Yield: func() {}}
	s.burst(0x40)
	if rep.samples != p.Tests {
		t.Errorf("reported %d samples, want %d", rep.samples, p.Tests)
	}
}

// A master sweeping 256 bytes is observed at exactly 4 offsets.
func TestThreadLauncherSweep(t *testing.T) {
	p := testParams()
	p.Offset = 0x1000
	p.Range = 256
	p.UpdateInterval = 100 * time.Millisecond

	const slaves = 2
	var (
		mu       sync.Mutex
		samplers []*fakeSampler
	)
	rep := &countingReporter{}
	l := &ThreadLauncher{
		Base: 0x7f0000,
		CPU:  -1,
		NewSampler: func(w Worker) (SamplerCloser, error) {
			s := newFakeSampler(500, 500, 10)
			mu.Lock()
			samplers = append(samplers, s)
			mu.Unlock()
			return s, nil
		},
		Reporter: rep,
	}
	if err := l.Launch(context.Background(), p, slaves); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	want := map[uint64]bool{0x1000: true, 0x1040: true, 0x1080: true, 0x10c0: true}
	got := make(map[uint64]bool)
	for off := range rep.hits {
		got[off] = true
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("offsets with hits mismatch (-want +got):\n%s", diff)
	}

	if len(samplers) != slaves {
		t.Fatalf("opened %d samplers, want %d", len(samplers), slaves)
	}
	for i, s := range samplers {
		if !s.closed.Load() {
			t.Errorf("sampler %d not closed", i)
		}
		for addr := range s.addrs {
			if off := uint64(addr - l.Base); off >= p.Range || off%hostarch.CacheLineSize != 0 {
				t.Errorf("sampler %d sampled unexpected address %#x", i, addr)
			}
		}
	}
}

func TestThreadLauncherRoundRobin(t *testing.T) {
	p := testParams()
	p.Range = 128
	p.UpdateInterval = 20 * time.Millisecond
	p.Lock = shlock.RoundRobin
	l := &ThreadLauncher{
		CPU: -1,
		NewSampler: func(Worker) (SamplerCloser, error) {
			return newFakeSampler(500), nil
		},
		Reporter: &countingReporter{},
	}
	done := make(chan error, 1)
	go func() { done <- l.Launch(context.Background(), p, 3) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Launch: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("round-robin slaves did not stop after the sweep")
	}
}

func TestThreadLauncherCanceled(t *testing.T) {
	p := testParams()
	p.Spy = true
	p.UpdateInterval = 10 * time.Millisecond
	l := &ThreadLauncher{
		CPU: -1,
		NewSampler: func(Worker) (SamplerCloser, error) {
			return newFakeSampler(500), nil
		},
		Reporter: &countingReporter{},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Launch(ctx, p, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Launch = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestThreadLauncherSamplerError(t *testing.T) {
	p := testParams()
	p.Spy = true
	errOpen := errors.New("no perf counter")
	l := &ThreadLauncher{
		CPU: -1,
		NewSampler: func(Worker) (SamplerCloser, error) {
			return nil, errOpen
		},
		Reporter: &countingReporter{},
	}
	if err := l.Launch(context.Background(), p, 1); !errors.Is(err, errOpen) {
		t.Errorf("Launch = %v, want %v", err, errOpen)
	}
}

func TestRunMasterSpyCancel(t *testing.T) {
	var block [16]uint64
	state, err := StateOf(sliceOf(&block))
	if err != nil {
		t.Fatalf("StateOf: %v", err)
	}
	state.SetOffset(0x80)
	p := testParams()
	p.Spy = true
	p.Range = 4096
	p.UpdateInterval = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := RunMaster(ctx, state, p); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunMaster = %v, want %v", err, context.DeadlineExceeded)
	}
	// Spy mode stays on the first line.
	if got := state.Offset(); got != 0 {
		t.Errorf("offset = %#x, want 0", got)
	}
}

func TestStateOf(t *testing.T) {
	var block [16]uint64
	b := sliceOf(&block)
	if _, err := StateOf(b[:StateSize-1]); err == nil {
		t.Errorf("StateOf accepted a short block")
	}
	if _, err := StateOf(b[1:]); err == nil {
		t.Errorf("StateOf accepted an unaligned block")
	}
	s, err := StateOf(b)
	if err != nil {
		t.Fatalf("StateOf: %v", err)
	}
	s.SetOffset(0x40)
	s.LockWord().Store(1)
	if block[0] != 0x40 {
		t.Errorf("offset not stored at the start of the block: %#x", block[0])
	}
	s.Reset()
	if s.Offset() != 0 || s.LockWord().Load() != 0 {
		t.Errorf("Reset left offset %#x, lock %d", s.Offset(), s.LockWord().Load())
	}
}

func TestRecorder(t *testing.T) {
	var out, logfile bytes.Buffer
	r, err := NewRecorder(&out, &logfile, false, true)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	r.Hits(0x1040, 3)
	r.Hits(0x40, 1)
	r.Hits(0x1040, 2)

	if got, want := out.String(), "  0x1040 - 3\n    0x40 - 1\n  0x1040 - 2\n"; got != want {
		t.Errorf("output got %q, want %q", got, want)
	}
	if got, want := logfile.String(), "Offset,Hits\n0x1040,3\n0x40,1\n0x1040,2\n"; got != want {
		t.Errorf("log got %q, want %q", got, want)
	}
	want := []OffsetHits{{Offset: 0x40, Hits: 1}, {Offset: 0x1040, Hits: 5}}
	if diff := cmp.Diff(want, r.Summary()); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	s, err := ReadSummary(&logfile)
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if diff := cmp.Diff(want, s.Entries()); diff != "" {
		t.Errorf("read summary mismatch (-want +got):\n%s", diff)
	}
	var table bytes.Buffer
	if _, err := s.WriteTo(&table); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if got, want := table.String(), "    0x40 1\n  0x1040 5\n"; got != want {
		t.Errorf("WriteTo got %q, want %q", got, want)
	}
}

func TestRecorderTiming(t *testing.T) {
	var out, logfile bytes.Buffer
	r, err := NewRecorder(&out, &logfile, true, true)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	r.now = func() float64 { return 12.5 }
	r.Sample(0x80, 230)
	if got, want := out.String(), "12.50000:     0x80 - 230\n"; got != want {
		t.Errorf("output got %q, want %q", got, want)
	}
	if got, want := logfile.String(), "Time,Offset,Reload\n12.50000,0x80,230\n"; got != want {
		t.Errorf("log got %q, want %q", got, want)
	}
}

func TestReadSummaryErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"Time,Offset\n",
		"Offset,Hits\nzz,1\n",
		"Offset,Hits\n0x40,-1\n",
	} {
		if _, err := ReadSummary(strings.NewReader(in)); err == nil {
			t.Errorf("ReadSummary(%q) succeeded", in)
		}
	}
}

func TestParseRange(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "0x1000-0x2000", want: 0x1000},
		{in: "7f00-7f40", want: 0x40},
		{in: "0-0", want: 0},
		{in: "2000-1000", wantErr: true},
		{in: "1000", wantErr: true},
		{in: "0x10-zz", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseRange(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseRange(%q) error: %v, wantErr: %t", tc.in, err, tc.wantErr)
			}
			if err == nil && got != tc.want {
				t.Errorf("ParseRange(%q) = %#x, want %#x", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseOffset(t *testing.T) {
	got, err := ParseOffset("0x1a7f")
	if err != nil {
		t.Fatalf("ParseOffset: %v", err)
	}
	if got != 0x1a7f {
		t.Errorf("ParseOffset = %#x, want 0x1a7f", got)
	}
	if got := AlignOffset(got); got != 0x1a40 {
		t.Errorf("AlignOffset = %#x, want 0x1a40", got)
	}
}

func TestParamsValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Params)
	}{
		{name: "tests", modify: func(p *Params) { p.Tests = 0 }},
		{name: "interval", modify: func(p *Params) { p.UpdateInterval = 0 }},
		{name: "debounce", modify: func(p *Params) { p.Debounce = -1 }},
		{name: "yields", modify: func(p *Params) { p.Yields = -1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.modify(&p)
			if err := p.Validate(); err == nil {
				t.Errorf("Validate succeeded for %+v", p)
			}
		})
	}
	p := DefaultParams()
	if err := p.Validate(); err != nil {
		t.Errorf("DefaultParams invalid: %v", err)
	}
}

func TestLaunchModeSet(t *testing.T) {
	var m LaunchMode
	if err := m.Set("processes"); err != nil || m != LaunchProcesses {
		t.Errorf("Set(processes) = %v, mode %v", err, m)
	}
	if got := m.String(); got != "processes" {
		t.Errorf("String() = %q", got)
	}
	if err := m.Set("fork"); err == nil {
		t.Errorf("Set(fork) succeeded")
	}
}

func TestWorkerCPU(t *testing.T) {
	for _, tc := range []struct {
		cpu, ncpu, i, want int
	}{
		{cpu: 0, ncpu: 4, i: 0, want: 0},
		{cpu: 2, ncpu: 4, i: 3, want: 1},
		{cpu: -1, ncpu: 4, i: 1, want: -1},
	} {
		if got := workerCPU(tc.cpu, tc.ncpu, tc.i); got != tc.want {
			t.Errorf("workerCPU(%d, %d, %d) = %d, want %d", tc.cpu, tc.ncpu, tc.i, got, tc.want)
		}
	}
}

func TestOpenTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libvictim.so")
	data := make([]byte, 3*hostarch.PageSize)
	for i := range data {
		data[i] = byte(i / hostarch.CacheLineSize)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tgt, err := OpenTarget(path, 0x1050, 0)
	if err != nil {
		t.Fatalf("OpenTarget: %v", err)
	}
	defer tgt.Close()
	if tgt.Offset != 0x1040 {
		t.Errorf("Offset = %#x, want 0x1040", tgt.Offset)
	}
	if want := uint64(len(data) - 0x1050); tgt.Range != want {
		t.Errorf("Range = %#x, want %#x", tgt.Range, want)
	}
	if got, want := *(*byte)(hostarch.Addr(tgt.Base()).Pointer()), data[0x1040]; got != want {
		t.Errorf("byte at Base = %#x, want %#x", got, want)
	}
	if err := tgt.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := tgt.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	tgt, err = OpenTarget(path, 0x1000, uint64(len(data)-0x1000))
	if err != nil {
		t.Fatalf("OpenTarget of a range ending at the end of the file: %v", err)
	}
	if tgt.Range != uint64(len(data)-0x1000) {
		t.Errorf("Range = %#x, want %#x", tgt.Range, len(data)-0x1000)
	}
	tgt.Close()

	for _, tc := range []struct {
		name        string
		offset, rng uint64
	}{
		{name: "offset at end", offset: uint64(len(data))},
		{name: "range past end", offset: 0, rng: 0x10000},
		{name: "range one byte past end", offset: 0x1000, rng: uint64(len(data) - 0x1000 + 1)},
		{name: "range overflowing", offset: 0x40, rng: ^uint64(0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tgt, err := OpenTarget(path, tc.offset, tc.rng); err == nil {
				tgt.Close()
				t.Errorf("OpenTarget(%#x, %#x) succeeded, want error", tc.offset, tc.rng)
			}
		})
	}
	if _, err := OpenTarget(filepath.Join(t.TempDir(), "missing"), 0, 0); err == nil {
		t.Errorf("OpenTarget of a missing file succeeded")
	}
}

func TestProcessLauncher(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("no shell: %v", err)
	}
	seg, err := shm.Create(StateSize)
	if err != nil {
		t.Skipf("System V shared memory unavailable: %v", err)
	}
	seg.Close()
	seg.Remove()
	for _, tc := range []struct {
		name       string
		masterExit string
		wantErr    bool
	}{
		{name: "success", masterExit: "exit 0"},
		{name: "failure", masterExit: "exit 3", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var specs []WorkerSpec
			l := &ProcessLauncher{
				// Spare capacity lets appends alias unless every
				// worker gets its own Args.
				Spec:         WorkerSpec{Target: "/lib/libvictim.so", Args: append(make([]string, 0, 8), "--debug", "worker")},
				CPU:          1,
				NumCPU:       2,
				PollInterval: 10 * time.Millisecond,
				Command: func(spec *WorkerSpec) (*exec.Cmd, error) {
					spec.Args = append(spec.Args, fmt.Sprintf("--index=%d", spec.Index))
					specs = append(specs, *spec)
					if spec.Role == Master {
						return exec.Command(sh, "-c", "sleep 0.1; "+tc.masterExit), nil
					}
					return exec.Command(sh, "-c", "sleep 60"), nil
				},
			}
			p := testParams()
			start := time.Now()
			err := l.Launch(context.Background(), p, 2)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Launch error: %v, wantErr: %t", err, tc.wantErr)
			}
			if elapsed := time.Since(start); elapsed > 30*time.Second {
				t.Errorf("Launch took %v, slaves were not killed", elapsed)
			}

			want := []Worker{
				{Role: Master, Index: 0, Slaves: 2, CPU: 1},
				{Role: Slave, Index: 1, Slaves: 2, CPU: 0},
				{Role: Slave, Index: 2, Slaves: 2, CPU: 1},
			}
			var got []Worker
			for _, s := range specs {
				got = append(got, s.Worker)
				if s.Target != "/lib/libvictim.so" || s.Tests != p.Tests || s.ShmID != specs[0].ShmID {
					t.Errorf("spec not propagated: %+v", s)
				}
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("workers mismatch (-want +got):\n%s", diff)
			}
			for i, s := range specs {
				wantArgs := []string{"--debug", "worker", fmt.Sprintf("--index=%d", i)}
				if diff := cmp.Diff(wantArgs, s.Args); diff != "" {
					t.Errorf("worker %d args mismatch (-want +got):\n%s", i, diff)
				}
			}
			if got := l.Spec.Args; len(got) != 2 {
				t.Errorf("template args modified: %q", got)
			}
		})
	}
}
