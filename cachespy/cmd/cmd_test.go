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

package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/cachespy/cachespy/config"
	"gvisor.dev/cachespy/cachespy/flag"
	"gvisor.dev/cachespy/pkg/attack"
	"gvisor.dev/cachespy/pkg/eviction"
	"gvisor.dev/cachespy/pkg/hostcpu"
	"gvisor.dev/cachespy/pkg/shlock"
)

func TestWorkerArgs(t *testing.T) {
	want := attack.WorkerSpec{
		Worker: attack.Worker{Role: attack.Slave, Index: 2, Slaves: 3, CPU: 5},
		Params: attack.Params{
			Offset:         0x1240,
			Range:          0x4000,
			Threshold:      180,
			Tests:          500,
			UpdateInterval: 250 * time.Millisecond,
			Spy:            true,
			ShowTiming:     true,
			Debounce:       2,
			Yields:         3,
			Lock:           shlock.File,
			LockPath:       "/tmp/cachespy.lock",
		},
		ShmID:  42,
		Target: "/usr/lib/libc.so.6",
	}

	var w Worker
	f := flag.NewFlagSet("worker", flag.ContinueOnError)
	w.SetFlags(f)
	if err := f.Parse(workerArgs(&want, "/tmp/attack.csv")); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(want, w.spec); diff != "" {
		t.Errorf("worker spec mismatch (-want +got):\n%s", diff)
	}
	if w.logfile != "/tmp/attack.csv" {
		t.Errorf("logfile = %q", w.logfile)
	}
	if f.NArg() != 0 {
		t.Errorf("unexpected arguments %v", f.Args())
	}
}

func TestAttackParams(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want attack.Params
		err  bool
	}{
		{
			name: "defaults",
			want: attack.Params{
				Tests:          attack.DefaultTests,
				UpdateInterval: attack.DefaultUpdateInterval,
				Debounce:       attack.DefaultDebounce,
				Yields:         attack.DefaultYields,
				Lock:           shlock.RoundRobin,
			},
		},
		{
			name: "range and offset",
			args: []string{"-range=0x1000-0x1100", "-offset=0x1234", "-debounce=0", "-spy", "-offset-update-time=1s"},
			want: attack.Params{
				Offset:         0x1200,
				Range:          0x100,
				Tests:          attack.DefaultTests,
				UpdateInterval: time.Second,
				Spy:            true,
				Yields:         attack.DefaultYields,
				Lock:           shlock.RoundRobin,
			},
		},
		{name: "no slaves", args: []string{"-fork=0"}, err: true},
		{name: "bad offset", args: []string{"-offset=zz"}, err: true},
		{name: "bad range", args: []string{"-range=10"}, err: true},
		{name: "no tests", args: []string{"-number-of-tests=0"}, err: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := &Attack{}
			f := flag.NewFlagSet("attack", flag.ContinueOnError)
			a.SetFlags(f)
			if err := f.Parse(tc.args); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			got, err := a.params(&config.Config{Lock: shlock.RoundRobin})
			if tc.err {
				if err == nil {
					t.Errorf("params succeeded: %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("params: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeStrategy(t *testing.T) {
	def := eviction.Strategy{EvictionCounter: 21, AccessesInLoop: 2, DifferentAddresses: 5, StepSize: 1}
	for _, tc := range []struct {
		name string
		in   eviction.Strategy
		want eviction.Strategy
	}{
		{name: "unset", want: def},
		{
			name: "partial",
			in:   eviction.Strategy{AccessesInLoop: 4, Mirroring: true},
			want: eviction.Strategy{EvictionCounter: 21, AccessesInLoop: 4, DifferentAddresses: 5, StepSize: 1, Mirroring: true},
		},
		{
			name: "full",
			in:   eviction.Strategy{EvictionCounter: 3, AccessesInLoop: 1, DifferentAddresses: 2, StepSize: 2},
			want: eviction.Strategy{EvictionCounter: 3, AccessesInLoop: 1, DifferentAddresses: 2, StepSize: 2},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, mergeStrategy(tc.in, def)); diff != "" {
				t.Errorf("mergeStrategy mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

const exynosCPUInfo = `processor	: 0
CPU implementer	: 0x41
CPU architecture: 8
CPU variant	: 0x0
CPU part	: 0xd03
CPU revision	: 4

processor	: 4
CPU implementer	: 0x41
CPU architecture: 8
CPU variant	: 0x1
CPU part	: 0xd07
CPU revision	: 0
`

func TestWriteDevices(t *testing.T) {
	cpus, err := hostcpu.ParseCPUInfo(exynosCPUInfo)
	if err != nil {
		t.Fatalf("ParseCPUInfo: %v", err)
	}
	for _, tc := range []struct {
		cpu  int
		want string
	}{
		{cpu: 0, want: "auto on cpu 0: zeroflte\n"},
		{cpu: 4, want: "auto on cpu 4: zeroflte-a57\n"},
	} {
		var buf bytes.Buffer
		if err := writeDevices(&buf, cpus, tc.cpu); err != nil {
			t.Fatalf("writeDevices: %v", err)
		}
		out := buf.String()
		if !strings.HasSuffix(out, tc.want) {
			t.Errorf("writeDevices(cpu %d) does not end in %q:\n%s", tc.cpu, tc.want, out)
		}
		for _, s := range []string{"Cortex-A53", "Cortex-A57", "generic-x86", "25-2-5-1-m"} {
			if !strings.Contains(out, s) {
				t.Errorf("writeDevices output is missing %q:\n%s", s, out)
			}
		}
	}
}
