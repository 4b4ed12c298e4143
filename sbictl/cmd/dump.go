// Copyright 2018 The gVisor Authors.
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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"rvsbi.dev/rvsbi/pkg/machine"
	"rvsbi.dev/rvsbi/pkg/ring0/pagetables"
	"rvsbi.dev/rvsbi/sbictl/cmd/util"
	"rvsbi.dev/rvsbi/sbictl/config"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "build the boot page tables and print their mappings"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] - build the page tables of the board and print every leaf
mapping together with the physical memory map. The toml format prints the
board description instead, as accepted by --board.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.format, "format", "text", "output format: text, json, yaml or toml.")
}

type mappingView struct {
	Virtual  string `json:"virtual" yaml:"virtual"`
	Physical string `json:"physical" yaml:"physical"`
	Length   uint64 `json:"length" yaml:"length"`
	Level    int    `json:"level" yaml:"level"`
	Flags    string `json:"flags" yaml:"flags"`
}

type regionView struct {
	Name  string `json:"name" yaml:"name"`
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	Kind  string `json:"kind" yaml:"kind"`
}

type dumpView struct {
	Board    string        `json:"board" yaml:"board"`
	Root     string        `json:"root" yaml:"root"`
	Tables   int           `json:"tables" yaml:"tables"`
	Mappings []mappingView `json:"mappings" yaml:"mappings"`
	Regions  []regionView  `json:"regions" yaml:"regions"`
}

func newDumpView(m *machine.Machine) dumpView {
	v := dumpView{
		Board:  m.Board().Name(),
		Root:   m.Tables().RootPhysical().String(),
		Tables: m.Allocator().Len(),
	}
	for _, mp := range m.Tables().Mappings() {
		v.Mappings = append(v.Mappings, mappingView{
			Virtual:  mp.Virtual.String(),
			Physical: mp.Physical.String(),
			Length:   mp.Length,
			Level:    mp.Level,
			Flags:    mp.Flags.String(),
		})
	}
	for _, r := range m.Memory().Regions() {
		v.Regions = append(v.Regions, regionView{
			Name:  r.Name,
			Start: r.Range.Start.String(),
			End:   r.Range.End.String(),
			Kind:  r.Kind.String(),
		})
	}
	return v
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if d.format == "toml" {
		b, err := loadBoard(conf)
		if err != nil {
			util.Fatalf("%v", err)
		}
		if err := b.Encode(os.Stdout); err != nil {
			util.Fatalf("encoding board: %v", err)
		}
		return subcommands.ExitSuccess
	}

	m, err := bootMachine(ctx, conf, io.Discard, nil)
	if err != nil {
		util.Fatalf("%v", err)
	}
	if err := writeDump(os.Stdout, d.format, newDumpView(m)); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func writeDump(w io.Writer, format string, v dumpView) error {
	switch format {
	case "text":
		return writeDumpText(w, v)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("invalid format %q, must be 'text', 'json', 'yaml' or 'toml'", format)
	}
}

func writeDumpText(w io.Writer, v dumpView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "board %s, root %s, %d tables\n\n", v.Board, v.Root, v.Tables)
	fmt.Fprintf(tw, "VIRTUAL\tPHYSICAL\tSIZE\tLEVEL\tFLAGS\n")
	for _, mp := range v.Mappings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", mp.Virtual, mp.Physical, pageSizeName(mp.Length), mp.Level, mp.Flags)
	}
	fmt.Fprintf(tw, "\nREGION\tSTART\tEND\tKIND\n")
	for _, r := range v.Regions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Start, r.End, r.Kind)
	}
	return tw.Flush()
}

func pageSizeName(length uint64) string {
	switch length {
	case pagetables.LevelSize(2):
		return "1G"
	case pagetables.LevelSize(1):
		return "2M"
	case pagetables.LevelSize(0):
		return "4K"
	}
	return fmt.Sprintf("%#x", length)
}

