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

// Package timing provides the clocks that cachespy measures access latency
// with.
//
// A Source is selected at configuration time from one of four backends. All
// readings are bracketed by memory barriers, so that loads issued before a
// reading cannot drift past it.
//
// A Source is owned by a single worker and is not safe for concurrent use.
package timing

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrUnsupported is returned by Open if the requested backend is not
// available on this host.
var ErrUnsupported = errors.New("timing source unsupported on this host")

// Kind selects a timing backend.
type Kind int

const (
	// Register reads the CPU cycle counter directly.
	Register Kind = iota

	// Perf reads the cycle counter through perf_event_open(2).
	Perf

	// Monotonic reads CLOCK_MONOTONIC, in nanoseconds.
	Monotonic

	// ThreadCounter reads a counter incremented by a dedicated spinning
	// thread.
	ThreadCounter
)

var kindNames = []string{
	Register:      "register",
	Perf:          "perf",
	Monotonic:     "monotonic",
	ThreadCounter: "thread-counter",
}

// DefaultKind is the backend used when none is configured. Only x86 exposes
// its cycle counter to user space unconditionally.
func DefaultKind() Kind {
	if runtime.GOARCH == "amd64" {
		return Register
	}
	return Perf
}

// String implements fmt.Stringer.String and flag.Value.String.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Set implements flag.Value.Set.
func (k *Kind) Set(v string) error {
	kind, err := ParseKind(v)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Get implements flag.Getter.Get.
func (k *Kind) Get() any {
	return *k
}

// ParseKind parses a backend name.
func ParseKind(v string) (Kind, error) {
	for i, name := range kindNames {
		if v == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("invalid timing source %q, must be one of: %s", v, strings.Join(kindNames, ", "))
}

// Source is a monotonically non-decreasing counter.
type Source interface {
	// Timing returns the current counter value.
	Timing() uint64

	// Start returns the counter value at the start of a measured region.
	// It is serialized where the host supports it and equivalent to
	// Timing elsewhere.
	Start() uint64

	// End returns the counter value at the end of a measured region.
	End() uint64

	// Reset re-arms the counter. It is a no-op for backends that cannot be
	// reset.
	Reset()

	// Close releases the backend's resources. It is idempotent.
	Close() error

	// Kind returns the backend in use.
	Kind() Kind
}

// Options configures Open.
type Options struct {
	// Kind is the backend to open.
	Kind Kind

	// Div64 enables the ARMv7 cycle divider for the register backend.
	Div64 bool

	// CounterCPU pins the thread-counter backend's thread to a CPU. A
	// negative value leaves it unpinned.
	CounterCPU int
}

// Open opens the backend selected by opts.
func Open(opts Options) (Source, error) {
	switch opts.Kind {
	case Register:
		return openRegister(opts.Div64), nil
	case Perf:
		return openPerf()
	case Monotonic:
		return monotonic{}, nil
	case ThreadCounter:
		return openThreadCounter(opts.CounterCPU)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, opts.Kind)
	}
}
