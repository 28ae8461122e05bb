// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"golang.org/x/sys/unix"
)

// Yield gives up the CPU to another runnable thread.
//
// Unlike runtime.Gosched, this reaches the host scheduler, so threads of other
// processes spinning on a shared word also make progress. Goroutines locked to
// an OS thread must use this rather than Gosched.
//
//go:nosplit
func Yield() {
	unix.RawSyscall(unix.SYS_SCHED_YIELD, 0, 0, 0)
}

// SpinUntil yields until cond returns true.
func SpinUntil(cond func() bool) {
	for !cond() {
		Yield()
	}
}
