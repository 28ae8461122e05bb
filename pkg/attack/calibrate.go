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
	"gvisor.dev/cachespy/pkg/calibrate"
	"gvisor.dev/cachespy/pkg/hostarch"
	"gvisor.dev/cachespy/pkg/memutil"
)

// calibrationOffset is the offset into its page of the calibrated line.
const calibrationOffset = 1024

// CalibrateThreshold measures the hit threshold of p on a line of a freshly
// mapped page.
func CalibrateThreshold(p calibrate.Prober, opts calibrate.Options) (calibrate.Result, error) {
	page, err := memutil.MapAnonymous(hostarch.PageSize, true)
	if err != nil {
		return calibrate.Result{}, err
	}
	defer memutil.UnmapSlice(page)
	return calibrate.Threshold(p, uintptr(hostarch.AddrOf(page))+calibrationOffset, opts)
}
