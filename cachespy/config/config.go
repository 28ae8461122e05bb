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

// Package config provides basic infrastructure to set configuration settings
// for cachespy. Each setting that can be changed from outside (e.g. CLI flags)
// must also have a corresponding field in Config.
package config

import (
	"fmt"
	"reflect"

	"gvisor.dev/cachespy/pkg/attack"
	"gvisor.dev/cachespy/pkg/device"
	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/session"
	"gvisor.dev/cachespy/pkg/shlock"
	"gvisor.dev/cachespy/pkg/timing"
)

// Config holds configuration that is shared by all commands. Worker
// processes receive it through ToFlags.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. If
	// it ends with '/', a file per command is created inside it.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Device is the codename of a built-in device profile, or device.Auto.
	Device string `flag:"device"`

	// DeviceFile is a YAML or TOML device profile. It takes precedence
	// over Device.
	DeviceFile string `flag:"device-file"`

	// Timing is the timing backend.
	Timing timing.Kind `flag:"timing"`

	// Div64 enables the ARMv7 cycle counter divider.
	Div64 bool `flag:"div64"`

	// CounterCPU pins the thread-counter backend, or -1.
	CounterCPU int `flag:"counter-cpu"`

	// Flush selects how lines are flushed.
	Flush session.FlushMode `flag:"flush"`

	// ArenaSize is the eviction arena size. Zero sizes the arena by
	// ArenaFraction instead.
	ArenaSize int `flag:"arena-size"`

	// ArenaFraction is the fraction of physical RAM mapped as arena.
	ArenaFraction float64 `flag:"arena-fraction"`

	// AddressCacheSize bounds the eviction address cache.
	AddressCacheSize int `flag:"address-cache-size"`

	// Launch selects how attack workers are run.
	Launch attack.LaunchMode `flag:"launch"`

	// Lock is the lock serializing attack slaves.
	Lock shlock.Kind `flag:"lock"`

	// LockFile is the lock file for the flock lock. If empty, a
	// temporary file is used.
	LockFile string `flag:"lock-file"`
}

func (c *Config) validate() error {
	for _, f := range []string{c.LogFormat, c.DebugLogFormat} {
		if f != "text" && f != "json" {
			return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", f)
		}
	}
	if c.Device == "" && c.DeviceFile == "" {
		return fmt.Errorf("one of --device or --device-file is required")
	}
	if c.CounterCPU < -1 {
		return fmt.Errorf("invalid counter CPU %d", c.CounterCPU)
	}
	if c.ArenaSize < 0 {
		return fmt.Errorf("arena size must not be negative, got %d", c.ArenaSize)
	}
	if c.ArenaSize == 0 && (c.ArenaFraction <= 0 || c.ArenaFraction > 1) {
		return fmt.Errorf("arena fraction must be in (0, 1] when --arena-size=0, got %v", c.ArenaFraction)
	}
	if c.AddressCacheSize <= 0 {
		return fmt.Errorf("address cache size must be positive, got %d", c.AddressCacheSize)
	}
	return nil
}

// Profile returns the device profile selected by the configuration. cpu is
// the core whose profile device.Auto selects.
func (c *Config) Profile(cpu int) (device.Profile, error) {
	return device.Resolve(c.Device, c.DeviceFile, cpu)
}

// SessionOptions returns the options of a session on a device described by
// p.
func (c *Config) SessionOptions(p device.Profile) session.Options {
	return session.Options{
		Timing: timing.Options{
			Kind:       c.Timing,
			Div64:      c.Div64,
			CounterCPU: c.CounterCPU,
		},
		Geometry:         p.Cache,
		Strategy:         p.Strategy,
		ArenaSize:        c.ArenaSize,
		ArenaFraction:    c.ArenaFraction,
		AddressCacheSize: c.AddressCacheSize,
		FlushMode:        c.Flush,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	c.forEachFlag(func(name string, field reflect.Value) {
		log.Infof("  --%s=%s", name, getVal(field))
	})
}

// forEachFlag calls fn with every field of c that has a flag tag.
func (c *Config) forEachFlag(fn func(name string, field reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fn(name, obj.Field(i))
	}
}
