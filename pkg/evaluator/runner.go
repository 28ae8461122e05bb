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

package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gvisor.dev/cachespy/pkg/cleanup"
	"gvisor.dev/cachespy/pkg/eviction"
	"gvisor.dev/cachespy/pkg/hostarch"
	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/memutil"
)

// ProberCloser is a Prober owning resources.
type ProberCloser interface {
	Prober
	Close() error
}

// Runner runs strategies and stores their logs in a directory.
type Runner struct {
	// Dir is the log directory. It is created if needed.
	Dir string

	Options Options

	// Force reruns strategies whose log already exists.
	Force bool

	// Open returns a prober evicting with strategy s.
	Open func(s eviction.Strategy) (ProberCloser, error)
}

// LogPath returns the path of the log of s.
func (r *Runner) LogPath(s eviction.Strategy) string {
	return filepath.Join(r.Dir, s.Name()+".log")
}

// Run measures s and writes its log. It returns false without measuring if
// the log exists and Force is unset.
func (r *Runner) Run(s eviction.Strategy) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	path := r.LogPath(s)
	if _, err := os.Stat(path); err == nil && !r.Force {
		log.Infof("Log of strategy %s already exists", s.Name())
		return false, nil
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return false, err
	}

	log.Infof("Evaluating %s", s.Name())
	p, err := r.Open(s)
	if err != nil {
		return false, fmt.Errorf("opening prober for %s: %w", s.Name(), err)
	}
	defer p.Close()

	page, err := memutil.MapAnonymous(hostarch.PageSize, true)
	if err != nil {
		return false, err
	}
	defer memutil.UnmapSlice(page)
	addr := uintptr((hostarch.AddrOf(page) + 1024).CacheLineRoundDown())

	m, err := Measure(p, addr, r.Options)
	if err != nil {
		return false, err
	}

	f, err := os.Create(path)
	if err != nil {
		return false, err
	}
	cu := cleanup.Make(func() {
		f.Close()
		os.Remove(path)
	})
	defer cu.Clean()
	if err := m.WriteCSV(f); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	cu.Release()
	return true, nil
}

// Limits bound a sweep of strategies.
type Limits struct {
	EvictionCounter    int
	AccessesInLoop     int
	DifferentAddresses int
	StepSize           int

	// Mirroring also runs the mirrored variant of each strategy.
	Mirroring bool
}

// Strategies enumerates the strategies within l, largest first.
func Strategies(l Limits) []eviction.Strategy {
	var strategies []eviction.Strategy
	for a := l.AccessesInLoop; a > 0; a-- {
		for d := l.DifferentAddresses; d > 0; d-- {
			for s := l.StepSize; s > 0; s-- {
				if d < s {
					continue
				}
				for e := l.EvictionCounter; e > 0; e-- {
					st := eviction.Strategy{
						EvictionCounter:    e,
						AccessesInLoop:     a,
						DifferentAddresses: d,
						StepSize:           s,
					}
					if st.AddressCount() < d {
						continue
					}
					strategies = append(strategies, st)
					if l.Mirroring {
						st.Mirroring = true
						strategies = append(strategies, st)
					}
				}
			}
		}
	}
	return strategies
}

// Sweep runs every strategy within l, one at a time, stopping early if ctx
// is done.
func (r *Runner) Sweep(ctx context.Context, l Limits) error {
	strategies := Strategies(l)
	log.Infof("Sweeping %d strategies", len(strategies))
	for i, s := range strategies {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Run(s); err != nil {
			return err
		}
		log.Debugf("Finished %d of %d strategies", i+1, len(strategies))
	}
	return nil
}
