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

package shlock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/cachespy/pkg/atomicbitops"
	"gvisor.dev/cachespy/pkg/sync"
)

// exercise runs workers that each take their lock iterations times, and
// fails if more than one holder is ever observed.
func exercise(t *testing.T, locks []Locker, iterations int) {
	t.Helper()
	var (
		holders atomicbitops.Uint32
		maxSeen atomicbitops.Uint32
		wg      sync.WaitGroup
	)
	for _, l := range locks {
		wg.Add(1)
		go func(l Locker) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				l.Lock()
				if n := holders.Add(1); n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				sync.Yield()
				holders.Add(^uint32(0))
				l.Unlock()
			}
		}(l)
	}
	wg.Wait()
	if got := maxSeen.Load(); got != 1 {
		t.Errorf("observed %d concurrent holders, want 1", got)
	}
}

func TestMutualExclusion(t *testing.T) {
	const workers = 4
	for _, kind := range []Kind{Spin, RoundRobin, File} {
		t.Run(kind.String(), func(t *testing.T) {
			var word atomicbitops.Uint32
			path := filepath.Join(t.TempDir(), "lock")
			locks := make([]Locker, workers)
			for i := range locks {
				l, err := New(kind, Options{Word: &word, Index: i, Count: workers, Path: path})
				if err != nil {
					t.Fatalf("New(%v): %v", kind, err)
				}
				locks[i] = l
			}
			exercise(t, locks, 200)
		})
	}
}

func TestRoundRobinOrder(t *testing.T) {
	const workers = 3
	var (
		turn  atomicbitops.Uint32
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		l, err := NewRoundRobin(&turn, i, workers)
		if err != nil {
			t.Fatalf("NewRoundRobin: %v", err)
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 2; j++ {
				l.Lock()
				order = append(order, i)
				l.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if diff := cmp.Diff([]int{0, 1, 2, 0, 1, 2}, order); diff != "" {
		t.Errorf("admission order mismatch (-want +got):\n%s", diff)
	}
}

func TestLockContextCanceled(t *testing.T) {
	for _, kind := range []Kind{Spin, RoundRobin, File} {
		t.Run(kind.String(), func(t *testing.T) {
			var word atomicbitops.Uint32
			path := filepath.Join(t.TempDir(), "lock")
			holder, err := New(kind, Options{Word: &word, Index: 0, Count: 2, Path: path})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			waiter, err := New(kind, Options{Word: &word, Index: 1, Count: 2, Path: path})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if kind != RoundRobin {
				holder.Lock()
				defer holder.Unlock()
			}

			// The waiter's turn never comes, or the lock is held.
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			if err := waiter.LockContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("LockContext = %v, want %v", err, context.DeadlineExceeded)
			}
		})
	}
}

func TestLockContextAcquires(t *testing.T) {
	var word atomicbitops.Uint32
	l := NewSpinlock(&word)
	if err := l.LockContext(context.Background()); err != nil {
		t.Fatalf("LockContext: %v", err)
	}
	if got := word.Load(); got != 1 {
		t.Errorf("lock word = %d, want 1", got)
	}
	l.Unlock()
	if got := word.Load(); got != 0 {
		t.Errorf("lock word after Unlock = %d, want 0", got)
	}
}

func TestNewErrors(t *testing.T) {
	var word atomicbitops.Uint32
	for _, tc := range []struct {
		name string
		kind Kind
		opts Options
	}{
		{name: "spin without word", kind: Spin},
		{name: "round-robin without word", kind: RoundRobin, opts: Options{Count: 2}},
		{name: "round-robin index out of range", kind: RoundRobin, opts: Options{Word: &word, Index: 2, Count: 2}},
		{name: "round-robin no workers", kind: RoundRobin, opts: Options{Word: &word}},
		{name: "flock without path", kind: File},
		{name: "unknown", kind: Kind(9)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.kind, tc.opts); err == nil {
				t.Errorf("New(%v, %+v) succeeded", tc.kind, tc.opts)
			}
		})
	}
}

func TestKindSet(t *testing.T) {
	for _, name := range []string{"spin", "round-robin", "flock"} {
		var k Kind
		if err := k.Set(name); err != nil {
			t.Errorf("Set(%q): %v", name, err)
		}
		if k.String() != name {
			t.Errorf("Set(%q).String() = %q", name, k.String())
		}
	}
	var k Kind
	if err := k.Set("ticket"); err == nil {
		t.Errorf("Set(ticket) succeeded")
	}
}
