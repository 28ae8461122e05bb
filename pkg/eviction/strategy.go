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

package eviction

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Geometry describes the last level cache that is being evicted from.
type Geometry struct {
	// Sets is the number of cache sets.
	Sets int `yaml:"number-of-sets" toml:"number-of-sets"`

	// LineLength is the cache line size in bytes. It must be a power of
	// two.
	LineLength int `yaml:"line-length" toml:"line-length"`
}

// Validate returns an error if g cannot index a cache.
func (g Geometry) Validate() error {
	if g.Sets <= 0 {
		return fmt.Errorf("number of sets must be positive, got %d", g.Sets)
	}
	if g.LineLength <= 0 || g.LineLength&(g.LineLength-1) != 0 {
		return fmt.Errorf("line length must be a power of two, got %d", g.LineLength)
	}
	return nil
}

// LineShift returns log2(LineLength).
func (g Geometry) LineShift() uint {
	return uint(bits.TrailingZeros(uint(g.LineLength)))
}

// SetIndex returns the cache set that physical address phys maps to.
func (g Geometry) SetIndex(phys uint64) uint {
	return uint((phys >> g.LineShift()) % uint64(g.Sets))
}

// Strategy is an eviction access pattern over a set of congruent addresses.
//
// The pattern slides a window of DifferentAddresses addresses over the
// congruent set, advancing StepSize addresses at a time for EvictionCounter
// addresses. Each window is accessed AccessesInLoop times.
type Strategy struct {
	EvictionCounter    int  `yaml:"eviction-counter" toml:"eviction-counter"`
	AccessesInLoop     int  `yaml:"number-of-accesses-in-loop" toml:"number-of-accesses-in-loop"`
	DifferentAddresses int  `yaml:"different-addresses-in-loop" toml:"different-addresses-in-loop"`
	StepSize           int  `yaml:"step-size" toml:"step-size"`
	Mirroring          bool `yaml:"mirroring" toml:"mirroring"`
}

// AddressCount is the number of congruent addresses the strategy touches.
func (s Strategy) AddressCount() int {
	return s.EvictionCounter + s.DifferentAddresses - 1
}

// step returns the configured step, treating zero as one.
func (s Strategy) step() int {
	if s.StepSize <= 0 {
		return 1
	}
	return s.StepSize
}

// Validate returns an error if s is not a usable strategy.
func (s Strategy) Validate() error {
	if s.EvictionCounter < 1 || s.AccessesInLoop < 1 || s.DifferentAddresses < 1 {
		return fmt.Errorf("eviction counter, accesses in loop and different addresses must be positive, got %d, %d, %d",
			s.EvictionCounter, s.AccessesInLoop, s.DifferentAddresses)
	}
	if s.StepSize < 0 {
		return fmt.Errorf("step size must not be negative, got %d", s.StepSize)
	}
	if s.step() > s.DifferentAddresses {
		return fmt.Errorf("step size %d exceeds different addresses in loop %d", s.step(), s.DifferentAddresses)
	}
	return nil
}

// Name returns the strategy's log name, "addresses-accesses-different-step-M",
// with a lower case "m" if mirroring is disabled.
func (s Strategy) Name() string {
	m := "m"
	if s.Mirroring {
		m = "M"
	}
	return fmt.Sprintf("%d-%d-%d-%d-%s", s.AddressCount(), s.AccessesInLoop, s.DifferentAddresses, s.step(), m)
}

// ParseName parses a name produced by Name.
func ParseName(name string) (Strategy, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 5 {
		return Strategy{}, fmt.Errorf("invalid strategy name %q", name)
	}
	var v [4]int
	for i := range v {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return Strategy{}, fmt.Errorf("invalid strategy name %q: %w", name, err)
		}
		v[i] = n
	}
	var mirroring bool
	switch parts[4] {
	case "M":
		mirroring = true
	case "m":
	default:
		return Strategy{}, fmt.Errorf("invalid strategy name %q: bad mirroring flag %q", name, parts[4])
	}
	s := Strategy{
		EvictionCounter:    v[0] - v[2] + 1,
		AccessesInLoop:     v[1],
		DifferentAddresses: v[2],
		StepSize:           v[3],
		Mirroring:          mirroring,
	}
	if err := s.Validate(); err != nil {
		return Strategy{}, fmt.Errorf("invalid strategy name %q: %w", name, err)
	}
	return s, nil
}

// windows returns the start index of every window the strategy visits, in
// order.
func (s Strategy) windows() []int {
	var starts []int
	for i := 0; i < s.EvictionCounter; i += s.step() {
		starts = append(starts, i)
	}
	return starts
}
