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

// Package attack implements a cache template attack.
//
// One master worker sweeps a shared offset across a mapped target file. Any
// number of slave workers repeatedly Flush+Reload the line at the current
// offset, under a shared lock, and report offsets at which another process
// touched the line. Workers are goroutines or processes, depending on the
// Launcher.
package attack

import (
	"fmt"
	"strings"
	"time"

	"gvisor.dev/cachespy/pkg/hostarch"
	"gvisor.dev/cachespy/pkg/shlock"
)

// Default parameter values.
const (
	DefaultTests          = 1000
	DefaultUpdateInterval = 500 * time.Millisecond
	DefaultDebounce       = 1
	DefaultYields         = 1
)

// Params are the attack parameters common to all workers.
type Params struct {
	// Offset is the file offset of the first sampled line. It is aligned
	// down to a cache line.
	Offset uint64

	// Range is the number of bytes swept from Offset.
	Range uint64

	// Threshold is the latency below which a reload is a hit.
	Threshold uint64

	// Tests is the number of reloads per locked burst.
	Tests int

	// UpdateInterval is the time the master holds each offset.
	UpdateInterval time.Duration

	// Spy keeps the master on the first line forever.
	Spy bool

	// ShowTiming reports every reload instead of hit counts.
	ShowTiming bool

	// Debounce is the number of consecutive misses that must precede a
	// hit for it to count.
	Debounce int

	// Yields is the number of yields after each reload.
	Yields int

	// Lock selects the lock serializing slave bursts. LockPath is the lock
	// file for shlock.File.
	Lock     shlock.Kind
	LockPath string
}

// DefaultParams returns parameters with the documented defaults.
func DefaultParams() Params {
	return Params{
		Tests:          DefaultTests,
		UpdateInterval: DefaultUpdateInterval,
		Debounce:       DefaultDebounce,
		Yields:         DefaultYields,
		Lock:           shlock.Spin,
	}
}

// Validate checks p.
func (p *Params) Validate() error {
	switch {
	case p.Tests <= 0:
		return fmt.Errorf("number of tests must be positive, got %d", p.Tests)
	case p.UpdateInterval <= 0:
		return fmt.Errorf("offset update time must be positive, got %v", p.UpdateInterval)
	case p.Debounce < 0:
		return fmt.Errorf("debounce must not be negative, got %d", p.Debounce)
	case p.Yields < 0:
		return fmt.Errorf("yields must not be negative, got %d", p.Yields)
	}
	return nil
}

// sweepRange returns the number of bytes the master sweeps.
func (p *Params) sweepRange() uint64 {
	if p.Spy {
		return 1
	}
	return p.Range
}

// AlignOffset aligns off down to a cache line.
func AlignOffset(off uint64) uint64 {
	return off &^ (hostarch.CacheLineSize - 1)
}

// ParseRange parses a "start-end" range of hexadecimal addresses, with or
// without 0x prefixes, and returns its length.
func ParseRange(s string) (uint64, error) {
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return 0, fmt.Errorf("range %q is not of the form start-end", s)
	}
	lo, err := parseHex(start)
	if err != nil {
		return 0, fmt.Errorf("range %q: %w", s, err)
	}
	hi, err := parseHex(end)
	if err != nil {
		return 0, fmt.Errorf("range %q: %w", s, err)
	}
	if hi < lo {
		return 0, fmt.Errorf("range %q ends before it starts", s)
	}
	return hi - lo, nil
}

// ParseOffset parses a hexadecimal offset, with or without a 0x prefix.
func ParseOffset(s string) (uint64, error) {
	return parseHex(s)
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	var v uint64
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, fmt.Errorf("invalid hexadecimal number %q: %w", s, err)
	}
	return v, nil
}

// Role is a worker's part in the attack.
type Role int

const (
	// Master sweeps the offset.
	Master Role = iota

	// Slave samples the offset.
	Slave
)

var roleNames = []string{
	Master: "master",
	Slave:  "slave",
}

// String implements fmt.Stringer.String and flag.Value.String.
func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// Set implements flag.Value.Set.
func (r *Role) Set(v string) error {
	for i, name := range roleNames {
		if v == name {
			*r = Role(i)
			return nil
		}
	}
	return fmt.Errorf("invalid role %q, must be one of: %s", v, strings.Join(roleNames, ", "))
}

// Worker identifies a worker. Worker 0 is the master and workers 1 through
// Slaves are slaves.
type Worker struct {
	Role   Role
	Index  int
	Slaves int

	// CPU is the CPU the worker binds to, or -1.
	CPU int
}

// String returns the worker's log prefix.
func (w Worker) String() string {
	if w.Role == Master {
		return "master"
	}
	return fmt.Sprintf("slave %d", w.Index)
}

// workerCPU returns the CPU of worker i: (cpu+i) modulo ncpu, or -1 if
// binding is disabled.
func workerCPU(cpu, ncpu, i int) int {
	if cpu < 0 || ncpu <= 0 {
		return -1
	}
	return (cpu + i) % ncpu
}
