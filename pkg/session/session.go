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

// Package session bundles the per-worker state needed to measure the cache:
// a timing source, an address translator and an eviction engine.
//
// Each cooperating process or worker goroutine owns one Session. A Session
// is not safe for concurrent use, although distinct Sessions may share the
// host freely.
package session

import (
	"fmt"
	"strings"

	"gvisor.dev/cachespy/pkg/cleanup"
	"gvisor.dev/cachespy/pkg/cpuops"
	"gvisor.dev/cachespy/pkg/eviction"
	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/pagemap"
	"gvisor.dev/cachespy/pkg/timing"
)

// FlushMode selects how lines are removed from the cache.
type FlushMode int

const (
	// FlushInstruction uses the host's flush instruction if it has one,
	// and falls back to eviction otherwise.
	FlushInstruction FlushMode = iota

	// FlushEviction always evicts through congruent addresses.
	FlushEviction
)

var flushModeNames = []string{
	FlushInstruction: "instruction",
	FlushEviction:    "eviction",
}

// String implements fmt.Stringer.String and flag.Value.String.
func (m FlushMode) String() string {
	if m < 0 || int(m) >= len(flushModeNames) {
		return fmt.Sprintf("FlushMode(%d)", int(m))
	}
	return flushModeNames[m]
}

// Set implements flag.Value.Set.
func (m *FlushMode) Set(v string) error {
	for i, name := range flushModeNames {
		if v == name {
			*m = FlushMode(i)
			return nil
		}
	}
	return fmt.Errorf("invalid flush mode %q, must be one of: %s", v, strings.Join(flushModeNames, ", "))
}

// Get implements flag.Getter.Get.
func (m *FlushMode) Get() any {
	return *m
}

// Options configures a Session.
type Options struct {
	Timing timing.Options

	Geometry eviction.Geometry
	Strategy eviction.Strategy

	// ArenaSize and ArenaFraction size the eviction arena. See
	// eviction.Options.
	ArenaSize     int
	ArenaFraction float64

	// AddressCacheSize bounds the eviction address cache.
	AddressCacheSize int

	FlushMode FlushMode

	// Translator overrides /proc/self/pagemap for address translation.
	Translator eviction.Translator
}

// Session is a worker's measurement context.
type Session struct {
	timing     timing.Source
	pagemap    *pagemap.Translator
	translator eviction.Translator
	engine     *eviction.Engine

	// useEviction is set if Flush evicts rather than flushes.
	useEviction bool

	closed bool
}

// New opens the timing source and address translator and maps the eviction
// arena. Resources acquired before a failure are released.
func New(opts Options) (*Session, error) {
	s := &Session{
		useEviction: opts.FlushMode == FlushEviction || !cpuops.HasFlush,
	}

	src, err := timing.Open(opts.Timing)
	if err != nil {
		return nil, fmt.Errorf("opening %v timing source: %w", opts.Timing.Kind, err)
	}
	s.timing = src
	cu := cleanup.Make(func() { src.Close() })
	defer cu.Clean()

	s.translator = opts.Translator
	if s.translator == nil {
		pm, err := pagemap.Open()
		if err != nil {
			return nil, err
		}
		cu.Add(func() { pm.Close() })
		s.pagemap = pm
		s.translator = pm
	}

	engine, err := eviction.New(eviction.Options{
		Geometry:         opts.Geometry,
		Strategy:         opts.Strategy,
		ArenaSize:        opts.ArenaSize,
		ArenaFraction:    opts.ArenaFraction,
		AddressCacheSize: opts.AddressCacheSize,
		Translator:       s.translator,
	})
	if err != nil {
		return nil, fmt.Errorf("creating eviction engine: %w", err)
	}
	s.engine = engine

	cu.Release()
	log.Debugf("Session opened: timing %v, flush by %s", src.Kind(), s.flushMethod())
	return s, nil
}

func (s *Session) flushMethod() string {
	if s.useEviction {
		return "eviction"
	}
	return "instruction"
}

// UsesEviction returns true if Flush evicts through congruent addresses.
func (s *Session) UsesEviction() bool {
	return s.useEviction
}

// TimingKind returns the timing backend in use.
func (s *Session) TimingKind() timing.Kind {
	return s.timing.Kind()
}

// Close releases the session's resources. It is idempotent.
func (s *Session) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if err := s.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.pagemap != nil {
		if err := s.pagemap.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.timing.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing session: %v", errs)
	}
	return nil
}
