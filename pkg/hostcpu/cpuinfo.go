// Copyright 2021 The gVisor Authors.
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
	"os"
	"regexp"
	"strconv"
)

const (
	processorKey   = "processor"
	vendorIDKey    = "vendor_id"
	cpuFamilyKey   = "cpu family"
	modelKey       = "model"
	modelNameKey   = "model name"
	implementerKey = "CPU implementer"
	partKey        = "CPU part"
	archKey        = "CPU architecture"
)

// ImplementerARM is the MIDR implementer code of ARM Ltd. cores.
const ImplementerARM = 0x41

// armParts names the ARM Ltd. parts cachespy has geometry for, or is likely
// to run on.
var armParts = map[uint64]string{
	0xc07: "Cortex-A7",
	0xc09: "Cortex-A9",
	0xc0f: "Cortex-A15",
	0xd03: "Cortex-A53",
	0xd04: "Cortex-A35",
	0xd05: "Cortex-A55",
	0xd07: "Cortex-A57",
	0xd08: "Cortex-A72",
	0xd09: "Cortex-A73",
	0xd0a: "Cortex-A75",
	0xd0b: "Cortex-A76",
}

// CPU represents the identifying fields of one /proc/cpuinfo entry. Fields
// that the running architecture does not report are left zero.
type CPU struct {
	Processor int64 // the processor number of this CPU.

	// x86 fields.
	VendorID  string // the vendorID of CPU (e.g. GenuineIntel).
	Family    int64  // CPU family number.
	Model     int64  // CPU model number.
	ModelName string // human readable model.

	// ARM fields.
	Implementer  uint64 // MIDR implementer, e.g. 0x41 for ARM.
	Part         uint64 // MIDR primary part number, e.g. 0xd03.
	Architecture int64  // e.g. 7 or 8.
}

// Name returns a short human readable name for the core.
func (c *CPU) Name() string {
	if c.Implementer != 0 {
		if name, ok := armParts[c.Part]; ok && c.Implementer == ImplementerARM {
			return name
		}
		return fmt.Sprintf("implementer %#x part %#x", c.Implementer, c.Part)
	}
	if c.ModelName != "" {
		return c.ModelName
	}
	return fmt.Sprintf("%s family %d model %d", c.VendorID, c.Family, c.Model)
}

// IsARM returns true if the entry describes an ARM core.
func (c *CPU) IsARM() bool {
	return c.Implementer != 0
}

// ReadCPUInfo parses /proc/cpuinfo.
func ReadCPUInfo() ([]*CPU, error) {
	const path = "/proc/cpuinfo"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseCPUInfo(string(data))
}

// ParseCPUInfo returns one CPU per processor entry in data, which has the
// format of /proc/cpuinfo.
func ParseCPUInfo(data string) ([]*CPU, error) {
	// Each processor entry starts with the processor key. Find the
	// beginnings of each.
	r := buildRegex(processorKey, `\d+`)
	indices := r.FindAllStringIndex(data, -1)
	if len(indices) < 1 {
		return nil, fmt.Errorf("no cpus found for: %q", data)
	}

	// Add the ending index for last entry.
	indices = append(indices, []int{len(data), -1})

	// Some ARM kernels print the implementer fields once, after all
	// processor entries, so fields missing from an entry are taken from
	// the trailer.
	trailer := data[indices[len(indices)-2][0]:]

	cpus := make([]*CPU, 0, len(indices)-1)
	for i := 1; i < len(indices); i++ {
		c, err := parseCPU(data[indices[i-1][0]:indices[i][0]], trailer)
		if err != nil {
			return nil, err
		}
		cpus = append(cpus, c)
	}
	return cpus, nil
}

// parseCPU parses a CPU from a single cpu entry from /proc/cpuinfo.
func parseCPU(data, trailer string) (*CPU, error) {
	processor, err := parseIntegerResult(data, processorKey)
	if err != nil {
		return nil, err
	}
	c := &CPU{Processor: processor}

	c.VendorID, _ = parseRegex(data, vendorIDKey, `[\w\d]+`)
	c.Family, _ = parseIntegerResult(data, cpuFamilyKey)
	c.Model, _ = parseIntegerResult(data, modelKey)
	c.ModelName, _ = parseRegex(data, modelNameKey, `.*\S`)

	if c.Implementer, err = parseHexResult(data, implementerKey); err != nil {
		c.Implementer, _ = parseHexResult(trailer, implementerKey)
	}
	if c.Part, err = parseHexResult(data, partKey); err != nil {
		c.Part, _ = parseHexResult(trailer, partKey)
	}
	if c.Architecture, err = parseIntegerResult(data, archKey); err != nil {
		c.Architecture, _ = parseIntegerResult(trailer, archKey)
	}

	if c.VendorID == "" && c.Implementer == 0 {
		return nil, fmt.Errorf("processor %d has neither %q nor %q", processor, vendorIDKey, implementerKey)
	}
	return c, nil
}

// parseIntegerResult parses fields expecting a decimal integer.
func parseIntegerResult(data, key string) (int64, error) {
	result, err := parseRegex(data, key, `\d+`)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(result, 10, 64)
}

// parseHexResult parses fields expecting a 0x-prefixed integer.
func parseHexResult(data, key string) (uint64, error) {
	result, err := parseRegex(data, key, `0x[[:xdigit:]]+`)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(result, 0, 64)
}

// buildRegex builds a regex for parsing each CPU field.
func buildRegex(key, match string) *regexp.Regexp {
	reg := fmt.Sprintf(`(?m)^%s\s*:\s*(%s)\s*$`, regexp.QuoteMeta(key), match)
	return regexp.MustCompile(reg)
}

// parseRegex parses data with key inserted into a standard regex template.
func parseRegex(data, key, match string) (string, error) {
	r := buildRegex(key, match)
	matches := r.FindStringSubmatch(data)
	if len(matches) < 2 {
		return "", fmt.Errorf("failed to match key %q", key)
	}
	return matches[1], nil
}
