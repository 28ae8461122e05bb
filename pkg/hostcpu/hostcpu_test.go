// Copyright 2020 The gVisor Authors.
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

package hostcpu

import (
	"fmt"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMaxValueInLinuxBitmap(t *testing.T) {
	for _, test := range []struct {
		str string
		max uint64
	}{
		{"0", 0},
		{"0\n", 0},
		{"0,2", 2},
		{"0-63", 63},
		{"0-3,8-11", 11},
	} {
		t.Run(fmt.Sprintf("%q", test.str), func(t *testing.T) {
			max, err := maxValueInLinuxBitmap(test.str)
			if err != nil || max != test.max {
				t.Errorf("maxValueInLinuxBitmap: got (%d, %v), wanted (%d, nil)", max, err, test.max)
			}
		})
	}
}

func TestCountLinuxBitmap(t *testing.T) {
	for _, test := range []struct {
		str     string
		count   int
		wantErr bool
	}{
		{str: "0", count: 1},
		{str: "0-7\n", count: 8},
		{str: "0,2", count: 2},
		{str: "0-3,8-11", count: 8},
		{str: "", wantErr: true},
		{str: "3-1", wantErr: true},
		{str: "a-b", wantErr: true},
	} {
		t.Run(fmt.Sprintf("%q", test.str), func(t *testing.T) {
			n, err := countLinuxBitmap(test.str)
			if (err != nil) != test.wantErr {
				t.Fatalf("countLinuxBitmap: got err %v, wantErr %t", err, test.wantErr)
			}
			if err == nil && n != test.count {
				t.Errorf("countLinuxBitmap: got %d, wanted %d", n, test.count)
			}
		})
	}
}

func TestBindToCPU(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var orig unix.CPUSet
	if err := unix.SchedGetaffinity(0, &orig); err != nil {
		t.Skipf("sched_getaffinity unavailable: %v", err)
	}
	defer unix.SchedSetaffinity(0, &orig)

	cpu := -1
	for i := 0; i < 1024; i++ {
		if orig.IsSet(i) {
			cpu = i
			break
		}
	}
	if cpu < 0 {
		t.Skip("no CPU in affinity mask")
	}
	if err := BindToCPU(cpu); err != nil {
		t.Fatalf("BindToCPU(%d): %v", cpu, err)
	}
	var got unix.CPUSet
	if err := unix.SchedGetaffinity(0, &got); err != nil {
		t.Fatalf("sched_getaffinity: %v", err)
	}
	if got.Count() != 1 || !got.IsSet(cpu) {
		t.Errorf("affinity after BindToCPU(%d) has %d CPUs", cpu, got.Count())
	}
}
