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

// Package device holds the cache geometry and eviction strategy of the
// devices cachespy knows how to attack, and loads descriptions of new ones.
//
// A description file has three sections:
//
//	device:
//	  name: Samsung Galaxy S6
//	  codename: zeroflte
//	  arch: armv8
//	  threshold: 180
//	cache:
//	  number-of-sets: 512
//	  line-length: 64
//	strategy:
//	  eviction-counter: 21
//	  number-of-accesses-in-loop: 2
//	  different-addresses-in-loop: 5
//
// YAML and TOML files with the same keys are accepted.
package device

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/cachespy/pkg/eviction"
	"gvisor.dev/cachespy/pkg/hostcpu"
	"gvisor.dev/cachespy/pkg/log"
)

// Auto is the profile name that selects a profile for the host CPU.
const Auto = "auto"

// Info identifies a device.
type Info struct {
	Name     string `yaml:"name,omitempty" toml:"name,omitempty"`
	Codename string `yaml:"codename" toml:"codename"`
	Arch     string `yaml:"arch" toml:"arch"`

	// Threshold is a known hit/miss threshold in timing units, or zero if
	// it must be calibrated.
	Threshold uint64 `yaml:"threshold,omitempty" toml:"threshold,omitempty"`
}

// Profile is a device's cache description.
type Profile struct {
	Device   Info              `yaml:"device" toml:"device"`
	Cache    eviction.Geometry `yaml:"cache" toml:"cache"`
	Strategy eviction.Strategy `yaml:"strategy" toml:"strategy"`

	// part is the MIDR part number used to match ARM hosts.
	part uint64
}

// Validate returns an error if p is incomplete.
func (p *Profile) Validate() error {
	if p.Device.Codename == "" {
		return fmt.Errorf("device codename is required")
	}
	if p.Device.Arch == "" {
		return fmt.Errorf("device %q: arch is required", p.Device.Codename)
	}
	if err := p.Cache.Validate(); err != nil {
		return fmt.Errorf("device %q: %w", p.Device.Codename, err)
	}
	if err := p.Strategy.Validate(); err != nil {
		return fmt.Errorf("device %q: %w", p.Device.Codename, err)
	}
	return nil
}

var builtin = []Profile{
	{
		Device:   Info{Name: "Samsung Galaxy S6 (Cortex-A53)", Codename: "zeroflte", Arch: "armv8"},
		Cache:    eviction.Geometry{Sets: 512, LineLength: 64},
		Strategy: eviction.Strategy{EvictionCounter: 21, AccessesInLoop: 2, DifferentAddresses: 5, StepSize: 1},
		part:     0xd03,
	},
	{
		Device:   Info{Name: "Samsung Galaxy S6 (Cortex-A57)", Codename: "zeroflte-a57", Arch: "armv8"},
		Cache:    eviction.Geometry{Sets: 2048, LineLength: 64},
		Strategy: eviction.Strategy{EvictionCounter: 25, AccessesInLoop: 10, DifferentAddresses: 10, StepSize: 1},
		part:     0xd07,
	},
	{
		Device:   Info{Name: "Generic x86-64", Codename: "generic-x86", Arch: "x86"},
		Cache:    eviction.Geometry{Sets: 2048, LineLength: 64},
		Strategy: eviction.Strategy{EvictionCounter: 20, AccessesInLoop: 2, DifferentAddresses: 2, StepSize: 1},
	},
}

// Builtin returns the built-in profiles, ordered by codename.
func Builtin() []Profile {
	ps := append([]Profile(nil), builtin...)
	sort.Slice(ps, func(i, j int) bool { return ps[i].Device.Codename < ps[j].Device.Codename })
	return ps
}

// Lookup returns the built-in profile with the given codename.
func Lookup(codename string) (Profile, error) {
	for _, p := range builtin {
		if p.Device.Codename == codename {
			return p, nil
		}
	}
	names := make([]string, 0, len(builtin))
	for _, p := range Builtin() {
		names = append(names, p.Device.Codename)
	}
	return Profile{}, fmt.Errorf("unknown device %q, must be one of: %s, %s", codename, strings.Join(names, ", "), Auto)
}

// Load reads a profile from a YAML or TOML file, chosen by extension.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		p, err = ParseYAML(data)
	case ".toml":
		p, err = ParseTOML(data)
	default:
		return Profile{}, fmt.Errorf("%s: unknown device file format %q, use .yaml or .toml", path, ext)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseYAML parses and validates a YAML profile. Unknown keys are errors.
func ParseYAML(data []byte) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, err
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// ParseTOML parses and validates a TOML profile. Unknown keys are errors.
func ParseTOML(data []byte) (Profile, error) {
	var p Profile
	md, err := toml.Decode(string(data), &p)
	if err != nil {
		return Profile{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Profile{}, fmt.Errorf("unknown keys: %v", undecoded)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// ForCPU returns the built-in profile that matches the core numbered cpu.
// If cpu is not found, the first core is used.
func ForCPU(cpus []*hostcpu.CPU, cpu int) (Profile, error) {
	if len(cpus) == 0 {
		return Profile{}, fmt.Errorf("no cpus to match")
	}
	c := cpus[0]
	for _, candidate := range cpus {
		if candidate.Processor == int64(cpu) {
			c = candidate
			break
		}
	}
	if c.IsARM() {
		for _, p := range builtin {
			if p.part != 0 && c.Implementer == hostcpu.ImplementerARM && c.Part == p.part {
				return p, nil
			}
		}
		return Profile{}, fmt.Errorf("no built-in profile for %s, provide a device file", c.Name())
	}
	return Lookup("generic-x86")
}

// Resolve returns the profile selected by the configuration: the file if
// set, otherwise the named profile. The name Auto matches the core numbered
// cpu of the host.
func Resolve(name, file string, cpu int) (Profile, error) {
	if file != "" {
		return Load(file)
	}
	if name != Auto {
		return Lookup(name)
	}
	cpus, err := hostcpu.ReadCPUInfo()
	if err != nil {
		return Profile{}, err
	}
	p, err := ForCPU(cpus, cpu)
	if err != nil {
		return Profile{}, err
	}
	log.Infof("Selected device profile %q for cpu %d", p.Device.Codename, cpu)
	return p, nil
}

// String implements fmt.Stringer.String.
func (p Profile) String() string {
	return fmt.Sprintf("%s (%s, %s): %d sets of %d bytes, strategy %s",
		p.Device.Codename, p.Device.Name, p.Device.Arch, p.Cache.Sets, p.Cache.LineLength, p.Strategy.Name())
}
