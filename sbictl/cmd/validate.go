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
	"errors"
	"flag"
	"os"

	"github.com/google/subcommands"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/memtest"
	"rvsbi.dev/rvsbi/pkg/platform/k210"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/sbictl/cmd/util"
	"rvsbi.dev/rvsbi/sbictl/config"
)

// defaultAliasOffset is the distance of the alias window above the physical
// window.
const defaultAliasOffset = 4 << 30

// Validate implements subcommands.Command for the "validate" command.
type Validate struct {
	base     addrFlag
	size     addrFlag
	offset   addrFlag
	boundary addrFlag
	seed     uint
	mode     string
	hart     int
}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "fill a physical window and check that its aliases read it back"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate [flags] - boot the board, fill a window of memory with a
reproducible byte stream, switch translation on through the set-mode ecall
and compare the identity and aliased views with the stream.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Validate) SetFlags(f *flag.FlagSet) {
	v.base = addrFlag(k210.SRAMBase)
	v.size = 3 << 20
	v.offset = defaultAliasOffset
	f.Var(&v.base, "base", "physical base of the window.")
	f.Var(&v.size, "size", "length of the window in bytes.")
	f.Var(&v.offset, "offset", "distance of the alias window above the identity window. Zero checks the identity window only.")
	f.Var(&v.boundary, "boundary", "bytes at the top of each window checked again with a skipped-ahead generator. Zero means one page.")
	f.UintVar(&v.seed, "seed", memtest.DefaultSeed, "generator seed.")
	f.StringVar(&v.mode, "mode", ring0.ModeSv39.String(), "translation mode activated before the checks.")
	f.IntVar(&v.hart, "hart", 0, "hart the validator runs on.")
}

// config returns the validator configuration selected by the flags.
func (v *Validate) config() (memtest.Config, error) {
	mode, err := ring0.ParseMode(v.mode)
	if err != nil {
		return memtest.Config{}, err
	}
	base := v.base.Addr()
	cfg := memtest.Config{
		Physical: base,
		Length:   uint64(v.size),
		Windows:  []hostarch.Addr{base},
		Seed:     uint32(v.seed),
		Mode:     mode,
		Boundary: uint64(v.boundary),
	}
	if v.offset != 0 {
		cfg.Windows = append(cfg.Windows, base+v.offset.Addr())
	}
	return cfg, cfg.Check()
}

// Execute implements subcommands.Command.Execute.
func (v *Validate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	cfg, err := v.config()
	if err != nil {
		util.Fatalf("invalid validator configuration: %v", err)
	}
	m, err := bootMachine(ctx, conf, os.Stdout, os.Stdin)
	if err != nil {
		util.Fatalf("%v", err)
	}
	h, err := hart(m, v.hart)
	if err != nil {
		util.Fatalf("%v", err)
	}

	r, err := memtest.NewValidator(h).Run(ctx, cfg)
	var mismatch *memtest.MismatchError
	switch {
	case errors.As(err, &mismatch):
		util.Fatalf("aliasing check failed: %v", mismatch)
	case err != nil:
		util.Fatalf("validator: %v", err)
	}
	util.Infof("OK: %d bytes filled, %d bytes checked in %d windows on hart %d (%v)", r.Filled, r.Checked, len(cfg.Windows), v.hart, r.Elapsed)
	return subcommands.ExitSuccess
}
