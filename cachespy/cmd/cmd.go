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

// Package cmd holds implementations of the cachespy commands.
package cmd

import (
	"runtime"

	"gvisor.dev/cachespy/cachespy/config"
	"gvisor.dev/cachespy/pkg/attack"
	"gvisor.dev/cachespy/pkg/device"
	"gvisor.dev/cachespy/pkg/evaluator"
	"gvisor.dev/cachespy/pkg/eviction"
	"gvisor.dev/cachespy/pkg/hostcpu"
	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/session"
)

// onCPU runs fn on a fresh OS thread bound to cpu. A negative cpu leaves the
// thread unbound. The thread exits with fn, so its affinity does not leak
// into the runtime's thread pool.
func onCPU(cpu int, fn func() error) error {
	errc := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		if cpu >= 0 {
			if err := hostcpu.BindToCPU(cpu); err != nil {
				log.Warningf("Could not bind to CPU %d: %v", cpu, err)
			}
		}
		errc <- fn()
	}()
	return <-errc
}

// samplerOpener returns a function opening attack samplers on the device
// described by p.
func samplerOpener(conf *config.Config, p device.Profile) func(attack.Worker) (attack.SamplerCloser, error) {
	return func(attack.Worker) (attack.SamplerCloser, error) {
		s, err := session.New(conf.SessionOptions(p))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// proberOpener returns a function opening evaluator probers that evict with
// the given strategy on the device described by p. Their Flush always
// evicts.
func proberOpener(conf *config.Config, p device.Profile) func(eviction.Strategy) (evaluator.ProberCloser, error) {
	return func(s eviction.Strategy) (evaluator.ProberCloser, error) {
		opts := conf.SessionOptions(p)
		opts.Strategy = s
		opts.FlushMode = session.FlushEviction
		sess, err := session.New(opts)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}
