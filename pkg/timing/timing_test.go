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

package timing

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestParseKind(t *testing.T) {
	for _, tc := range []struct {
		name    string
		want    Kind
		wantErr bool
	}{
		{name: "register", want: Register},
		{name: "perf", want: Perf},
		{name: "monotonic", want: Monotonic},
		{name: "thread-counter", want: ThreadCounter},
		{name: "rdtsc", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var k Kind
			err := k.Set(tc.name)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Set(%q) error: %v, wantErr: %t", tc.name, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if k != tc.want {
				t.Errorf("Set(%q) = %v, want %v", tc.name, k, tc.want)
			}
			if k.String() != tc.name {
				t.Errorf("String() = %q, want %q", k.String(), tc.name)
			}
		})
	}
}

func openOrSkip(t *testing.T, opts Options) Source {
	t.Helper()
	src, err := Open(opts)
	if err != nil {
		t.Skipf("%v backend unavailable: %v", opts.Kind, err)
	}
	t.Cleanup(func() {
		if err := src.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return src
}

func checkMonotonic(t *testing.T, src Source) {
	t.Helper()
	prev := src.Timing()
	for i := 0; i < 10000; i++ {
		var cur uint64
		switch i % 3 {
		case 0:
			cur = src.Timing()
		case 1:
			cur = src.Start()
		case 2:
			cur = src.End()
		}
		if cur < prev {
			t.Fatalf("reading %d went backwards: %d < %d", i, cur, prev)
		}
		prev = cur
	}
}

func TestBackends(t *testing.T) {
	kinds := []Kind{Perf, Monotonic, ThreadCounter}
	if runtime.GOARCH == "amd64" {
		kinds = append(kinds, Register)
	}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			src := openOrSkip(t, Options{Kind: kind, CounterCPU: -1})
			if src.Kind() != kind {
				t.Errorf("Kind() = %v, want %v", src.Kind(), kind)
			}
			checkMonotonic(t, src)
		})
	}
}

func TestThreadCounterAdvances(t *testing.T) {
	src := openOrSkip(t, Options{Kind: ThreadCounter, CounterCPU: -1})
	start := src.Timing()
	deadline := time.Now().Add(10 * time.Second)
	for src.Timing() == start {
		if time.Now().After(deadline) {
			t.Fatalf("counter stuck at %d", start)
		}
		runtime.Gosched()
	}
}

func TestThreadCounterClose(t *testing.T) {
	src, err := Open(Options{Kind: ThreadCounter, CounterCPU: -1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tc := src.(*threadCounter)
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-tc.done:
	default:
		t.Fatalf("Close returned before the counter thread exited")
	}
	frozen := src.Timing()
	time.Sleep(10 * time.Millisecond)
	if got := src.Timing(); got != frozen {
		t.Errorf("counter advanced after Close: %d -> %d", frozen, got)
	}
	// Idempotent.
	if err := src.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestThreadCounterBadCPU(t *testing.T) {
	_, err := Open(Options{Kind: ThreadCounter, CounterCPU: 1 << 20})
	if err == nil {
		t.Fatalf("Open with an impossible CPU succeeded")
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := Open(Options{Kind: Kind(42)}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Open(Kind(42)) error = %v, want ErrUnsupported", err)
	}
}

// A perf source whose counter cannot be read repeats its last reading.
func TestPerfReadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")
	if err := os.WriteFile(path, binary.NativeEndian.AppendUint64(nil, 0x1234), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p := &perf{fd: fd}
	defer p.Close()

	if got := p.Timing(); got != 0x1234 {
		t.Errorf("first Timing() = %#x, want 0x1234", got)
	}
	// The file is exhausted, so this read is short.
	if got := p.End(); got != 0x1234 {
		t.Errorf("Timing() after a short read = %#x, want 0x1234", got)
	}
	if !p.warned {
		t.Errorf("short read was not logged")
	}

	// Resetting a file fails and keeps the last reading.
	p.Reset()
	if got := p.Start(); got != 0x1234 {
		t.Errorf("Timing() after a failed Reset = %#x, want 0x1234", got)
	}
}
