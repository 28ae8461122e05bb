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
	"context"
	"errors"
	"testing"

	"gvisor.dev/cachespy/pkg/calibrate"
	"gvisor.dev/cachespy/pkg/eviction"
	"gvisor.dev/cachespy/pkg/session"
	"gvisor.dev/cachespy/pkg/shlock"
	"gvisor.dev/cachespy/pkg/timing"
)

var errHidden = errors.New("pfn hidden")

// hiddenFrames is a Translator for an unprivileged process: every frame
// number reads as unavailable.
type hiddenFrames struct{}

func (hiddenFrames) Physical(uintptr) (uint64, error) {
	return 0, errHidden
}

func newEvictingSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{
		Timing:     timing.Options{Kind: timing.Monotonic},
		Geometry:   eviction.Geometry{Sets: 512, LineLength: 64},
		Strategy:   eviction.Strategy{EvictionCounter: 21, AccessesInLoop: 2, DifferentAddresses: 5, StepSize: 1},
		ArenaSize:  1 << 20,
		FlushMode:  session.FlushEviction,
		Translator: hiddenFrames{},
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCalibrateThresholdEvictionFailure(t *testing.T) {
	s := newEvictingSession(t)
	for _, technique := range []calibrate.Technique{calibrate.FlushReload, calibrate.EvictReload, calibrate.PrimeProbe} {
		t.Run(technique.String(), func(t *testing.T) {
			opts := calibrate.AttackOptions()
			opts.Technique = technique
			if _, err := CalibrateThreshold(s, opts); !errors.Is(err, errHidden) {
				t.Errorf("CalibrateThreshold = %v, want %v", err, errHidden)
			}
		})
	}
}

// preparingSampler is a fakeSampler that must prepare each line before
// sampling it.
type preparingSampler struct {
	*fakeSampler
	err error
}

func (p *preparingSampler) PrepareFlush(uintptr) error {
	return p.err
}

func TestThreadLauncherPrepareError(t *testing.T) {
	p := testParams()
	p.Spy = true
	l := &ThreadLauncher{
		Base: 0x7f0000,
		CPU:  -1,
		NewSampler: func(Worker) (SamplerCloser, error) {
			return &preparingSampler{fakeSampler: newFakeSampler(500), err: errHidden}, nil
		},
		Reporter: &countingReporter{},
	}
	if err := l.Launch(context.Background(), p, 1); !errors.Is(err, errHidden) {
		t.Errorf("Launch = %v, want %v", err, errHidden)
	}
}

func TestSlaveRunPrepareFailure(t *testing.T) {
	var block [16]uint64
	state, err := StateOf(sliceOf(&block))
	if err != nil {
		t.Fatalf("StateOf: %v", err)
	}
	p := testParams()
	s := &SlaveWorker{
		Worker:   Worker{Role: Slave, Index: 1, Slaves: 1},
		State:    state,
		Lock:     shlock.NewSpinlock(state.LockWord()),
		Sampler:  newEvictingSession(t),
		Base:     0x7f0000,
		Params:   p,
		Reporter: &countingReporter{},
	}
	if err := s.Run(context.Background()); !errors.Is(err, errHidden) {
		t.Errorf("Run = %v, want %v", err, errHidden)
	}
}
