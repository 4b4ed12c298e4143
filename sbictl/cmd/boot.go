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
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/log"
	"rvsbi.dev/rvsbi/pkg/machine"
	"rvsbi.dev/rvsbi/pkg/memtest"
	"rvsbi.dev/rvsbi/pkg/platform/k210"
	"rvsbi.dev/rvsbi/pkg/sbi"
	"rvsbi.dev/rvsbi/sbictl/cmd/util"
	"rvsbi.dev/rvsbi/sbictl/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	base      addrFlag
	probeSize addrFlag
	probe     bool
	shutdown  bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot every hart and check the aliased window from all of them"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot the board, fill and check the standard aliased window
on hart 0, then check it again concurrently from every hart.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	b.base = addrFlag(k210.SRAMBase)
	b.probeSize = 5 << 20
	f.Var(&b.base, "base", "physical base of the checked window.")
	f.BoolVar(&b.probe, "probe", false, "run the test payload probe on hart 0 after the checks.")
	f.Var(&b.probeSize, "probe-size", "length of memory probed from the window base.")
	f.BoolVar(&b.shutdown, "shutdown", false, "request a shutdown from hart 0 when done.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := bootMachine(ctx, conf, os.Stdout, nil)
	if err != nil {
		util.Fatalf("%v", err)
	}
	cfg := memtest.ScenarioA(b.base.Addr())
	boot := m.Hart(0)
	r, err := memtest.NewValidator(boot).Run(ctx, cfg)
	if err != nil {
		util.Fatalf("hart 0: %v", err)
	}
	util.Infof("hart 0: %d bytes filled, %d bytes checked (%v)", r.Filled, r.Checked, r.Elapsed)

	ro := cfg
	ro.ReadOnly = true
	if err := m.RunHarts(ctx, func(ctx context.Context, h *machine.Hart) error {
		r, err := memtest.NewValidator(h).Run(ctx, ro)
		if err != nil {
			return fmt.Errorf("hart %d: %w", h.HartID(), err)
		}
		util.Infof("hart %d: %d bytes checked (%v)", h.HartID(), r.Checked, r.Elapsed)
		return nil
	}); err != nil {
		util.Fatalf("%v", err)
	}

	if b.probe {
		n, err := memtest.Probe(ctx, boot, memtest.ProbeConfig{
			Base:   b.base.Addr(),
			Length: uint64(b.probeSize),
		})
		if err != nil {
			util.Fatalf("probe: %v", err)
		}
		log.Infof("Probed %d bytes below %v", n, b.base.Addr()+hostarch.Addr(b.probeSize))
	}

	if b.shutdown {
		if _, e := boot.Ecall(sbi.OpShutdown, 0, 0); !e.Ok() {
			util.Fatalf("shutdown: %v", e)
		}
		for _, req := range m.Board().Requests() {
			util.Infof("board request: %v", req.Kind)
		}
	}
	return subcommands.ExitSuccess
}
