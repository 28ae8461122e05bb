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
	"fmt"
	"time"

	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/shlock"
	"gvisor.dev/cachespy/pkg/sync"
)

// Sampler reloads and flushes a line, returning the reload latency. It is
// implemented by *session.Session.
type Sampler interface {
	ReloadAndFlush(addr uintptr) uint64
}

// Preparer is implemented by samplers whose flush fails on first use of a
// line instead of returning an error. Slaves prepare every line before
// sampling it.
type Preparer interface {
	PrepareFlush(addr uintptr) error
}

// SlaveWorker samples the line at the shared offset.
type SlaveWorker struct {
	Worker  Worker
	State   *SharedState
	Lock    shlock.Locker
	Sampler Sampler

	// Base is the address at which Params.Offset of the target is mapped.
	Base uintptr

	Params   Params
	Reporter Reporter

	// Yield is called Params.Yields times after each reload. If nil,
	// sync.Yield is used.
	Yield func()
}

// Run samples until ctx is done, and returns ctx.Err(). It returns early if
// a line cannot be prepared.
func (s *SlaveWorker) Run(ctx context.Context) error {
	if s.Yield == nil {
		s.Yield = sync.Yield
	}
	progress := log.RateLimitedLogger(log.WithPrefix(s.Worker.String()), time.Second)

	current := s.State.Offset()
	for {
		if err := s.prepare(current); err != nil {
			return err
		}
		for current == s.State.Offset() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.Lock.LockContext(ctx); err != nil {
				return err
			}
			hits := s.burst(current)
			s.Lock.Unlock()

			if hits > 0 && !s.Params.ShowTiming {
				s.Reporter.Hits(s.Params.Offset+current, hits)
			}
			progress.Debugf("Offset %#x: %d hits", s.Params.Offset+current, hits)
		}
		current = s.State.Offset()
	}
}

// prepare readies the line at off for sampling, outside the lock.
func (s *SlaveWorker) prepare(off uint64) error {
	p, ok := s.Sampler.(Preparer)
	if !ok {
		return nil
	}
	if err := p.PrepareFlush(s.Base + uintptr(off)); err != nil {
		return fmt.Errorf("preparing offset %#x: %w", s.Params.Offset+off, err)
	}
	return nil
}

// burst runs Params.Tests reloads of the line at off and returns the number
// of hits. A reload below the threshold is a hit only if more than
// Params.Debounce misses preceded it.
func (s *SlaveWorker) burst(off uint64) uint64 {
	addr := s.Base + uintptr(off)
	var hits uint64
	pause := 0
	for i := 0; i < s.Params.Tests; i++ {
		t := s.Sampler.ReloadAndFlush(addr)
		if t < s.Params.Threshold {
			if pause > s.Params.Debounce {
				hits++
			}
			pause = 0
		} else {
			pause++
		}
		if s.Params.ShowTiming {
			s.Reporter.Sample(s.Params.Offset+off, t)
		}
		for y := 0; y < s.Params.Yields; y++ {
			s.Yield()
		}
	}
	return hits
}
