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
	"context"
	"time"

	"gvisor.dev/cachespy/pkg/hostarch"
	"gvisor.dev/cachespy/pkg/log"
)

// RunMaster sweeps the shared offset over the attack range one cache line at
// a time, holding each offset for p.UpdateInterval. In spy mode it repeats
// the sweep until ctx is done. It returns ctx.Err() if interrupted.
func RunMaster(ctx context.Context, state *SharedState, p Params) error {
	rng := p.sweepRange()
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		for off := uint64(0); off < rng; off += hostarch.CacheLineSize {
			state.SetOffset(off)
			log.Debugf("Offset %#x", p.Offset+off)
			timer.Reset(p.UpdateInterval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		if !p.Spy {
			return nil
		}
	}
}
