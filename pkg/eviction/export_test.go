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
	"gvisor.dev/cachespy/pkg/hostarch"
)

func addrOf(arena []byte, off int) uintptr {
	return uintptr(hostarch.AddrOf(arena[off:]))
}

// cachedAddresses returns the targets in the address cache.
func (e *Engine) cachedAddresses() map[uintptr]bool {
	e.addressCacheMu.Lock()
	defer e.addressCacheMu.Unlock()
	m := make(map[uintptr]bool)
	for _, ent := range e.addressCache {
		if ent.used {
			m[ent.addr] = true
		}
	}
	return m
}
