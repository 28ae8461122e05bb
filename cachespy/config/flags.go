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

package config

import (
	"fmt"
	"reflect"
	"strconv"

	"gvisor.dev/cachespy/cachespy/flag"
	"gvisor.dev/cachespy/pkg/attack"
	"gvisor.dev/cachespy/pkg/eviction"
	"gvisor.dev/cachespy/pkg/session"
	"gvisor.dev/cachespy/pkg/shlock"
	"gvisor.dev/cachespy/pkg/timing"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Device flags.
	flagSet.String("device", "auto", "codename of the built-in device profile, or 'auto' to match the host CPU. See 'cachespy devices'.")
	flagSet.String("device-file", "", "YAML or TOML device profile. Overrides --device.")

	// Measurement flags.
	flagSet.Var(timingKindPtr(timing.DefaultKind()), "timing", "timing source: register, perf, monotonic, thread-counter.")
	flagSet.Bool("div64", false, "divide the ARMv7 cycle counter by 64.")
	flagSet.Int("counter-cpu", -1, "CPU the thread-counter timing thread is bound to. -1 leaves it unbound.")
	flagSet.Var(flushModePtr(session.FlushInstruction), "flush", "how lines are flushed: instruction (default, falls back to eviction if unavailable) or eviction.")
	flagSet.Int("arena-size", eviction.DefaultArenaSize, "size in bytes of the memory searched for congruent addresses. 0 uses --arena-fraction of physical memory.")
	flagSet.Float64("arena-fraction", 0.5, "fraction of physical memory searched for congruent addresses if --arena-size=0.")
	flagSet.Int("address-cache-size", eviction.DefaultAddressCacheSize, "number of evicted addresses whose congruent set is remembered.")

	// Attack flags.
	flagSet.Var(launchModePtr(attack.LaunchThreads), "launch", "how attack workers are run: threads (default) or processes.")
	flagSet.Var(lockKindPtr(shlock.Spin), "lock", "lock serializing attack slaves: spin (default), round-robin, flock.")
	flagSet.String("lock-file", "", "lock file for --lock=flock. A temporary file is used if empty.")
}

func timingKindPtr(v timing.Kind) *timing.Kind {
	return &v
}

func flushModePtr(v session.FlushMode) *session.FlushMode {
	return &v
}

func launchModePtr(v attack.LaunchMode) *attack.LaunchMode {
	return &v
}

func lockKindPtr(v shlock.Kind) *shlock.Kind {
	return &v
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.forEachFlag(func(name string, field reflect.Value) {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		field.Set(reflect.ValueOf(flag.Get(fl.Value)))
	})

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	c.forEachFlag(func(name string, field reflect.Value) {
		val := getVal(field)
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	})
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(field.Float(), 'g', -1, 64)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
