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
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/cachespy/pkg/cpuops"
	"gvisor.dev/cachespy/pkg/log"
)

// perf reads a user-space-only hardware cycle counter through the kernel.
type perf struct {
	fd  int
	buf [8]byte

	// last is the most recent reading. It is returned again if a read
	// fails, so that readings never decrease.
	last uint64

	// warned is set once a failure has been logged.
	warned bool
}

func openPerf() (*perf, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_HARDWARE,
		Config: unix.PERF_COUNT_HW_CPU_CYCLES,
		Bits:   unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv | unix.PerfBitExcludeCallchainKernel,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))
	fd, err := unix.PerfEventOpen(&attr, 0 /* pid: self */, -1 /* cpu: any */, -1 /* group */, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EOPNOTSUPP) {
			return nil, fmt.Errorf("%w: perf_event_open(cycles): %v", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("perf_event_open(cycles): %w", err)
	}
	return &perf{fd: fd}, nil
}

func (p *perf) read() uint64 {
	cpuops.Barrier()
	n, err := unix.Read(p.fd, p.buf[:])
	cpuops.Barrier()
	if err != nil || n != len(p.buf) {
		p.warn("reading perf counter: got %d of %d bytes: %v", n, len(p.buf), err)
		return p.last
	}
	p.last = binary.NativeEndian.Uint64(p.buf[:])
	return p.last
}

// warn logs the first failure of p. Later ones would be logged from
// measurement loops.
func (p *perf) warn(format string, v ...any) {
	if p.warned {
		return
	}
	p.warned = true
	log.Warningf(format+"; repeating the last reading", v...)
}

// Timing implements Source.Timing.
func (p *perf) Timing() uint64 { return p.read() }

// Start implements Source.Start.
func (p *perf) Start() uint64 { return p.read() }

// End implements Source.End.
func (p *perf) End() uint64 { return p.read() }

// Reset implements Source.Reset.
func (p *perf) Reset() {
	if err := unix.IoctlSetInt(p.fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		p.warn("resetting perf counter: %v", err)
		return
	}
	p.last = 0
}

// Close implements Source.Close.
func (p *perf) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}

// Kind implements Source.Kind.
func (*perf) Kind() Kind { return Perf }

// monotonic reads CLOCK_MONOTONIC.
type monotonic struct{}

func (monotonic) read() uint64 {
	var ts unix.Timespec
	cpuops.Barrier()
	unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	cpuops.Barrier()
	return uint64(ts.Nano())
}

// Timing implements Source.Timing.
func (m monotonic) Timing() uint64 { return m.read() }

// Start implements Source.Start.
func (m monotonic) Start() uint64 { return m.read() }

// End implements Source.End.
func (m monotonic) End() uint64 { return m.read() }

// Reset implements Source.Reset.
func (monotonic) Reset() {}

// Close implements Source.Close.
func (monotonic) Close() error { return nil }

// Kind implements Source.Kind.
func (monotonic) Kind() Kind { return Monotonic }
