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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"gvisor.dev/cachespy/cachespy/cmd/util"
	"gvisor.dev/cachespy/cachespy/flag"
	"gvisor.dev/cachespy/pkg/device"
	"gvisor.dev/cachespy/pkg/hostcpu"
)

// Devices implements subcommands.Command for the "devices" command.
type Devices struct {
	cpu int
}

// Name implements subcommands.Command.Name.
func (*Devices) Name() string {
	return "devices"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Devices) Synopsis() string {
	return "identify the host CPUs and list built-in device profiles"
}

// Usage implements subcommands.Command.Usage.
func (*Devices) Usage() string {
	return "devices [flags] - identify the host CPUs and list built-in device profiles.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Devices) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.cpu, "cpu", 0, "CPU whose profile --device=auto selects.")
}

// Execute implements subcommands.Command.Execute.
func (d *Devices) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cpus, err := hostcpu.ReadCPUInfo()
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := writeDevices(os.Stdout, cpus, d.cpu); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// writeDevices writes the host CPUs, the built-in profiles and the profile
// selected for cpu.
func writeDevices(out io.Writer, cpus []*hostcpu.CPU, cpu int) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "CPU\tNAME\n")
	for _, c := range cpus {
		fmt.Fprintf(w, "%d\t%s\n", c.Processor, c.Name())
	}
	fmt.Fprint(w, "\nPROFILE\tARCH\tSETS\tLINE\tSTRATEGY\tDEVICE\n")
	for _, p := range device.Builtin() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			p.Device.Codename, p.Device.Arch, p.Cache.Sets, p.Cache.LineLength, p.Strategy.Name(), p.Device.Name)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	p, err := device.ForCPU(cpus, cpu)
	if err != nil {
		_, err = fmt.Fprintf(out, "\n%s on cpu %d: %v\n", device.Auto, cpu, err)
		return err
	}
	_, err = fmt.Fprintf(out, "\n%s on cpu %d: %s\n", device.Auto, cpu, p.Device.Codename)
	return err
}
