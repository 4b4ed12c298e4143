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
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/pkg/sbi"
	"rvsbi.dev/rvsbi/sbictl/cmd/util"
	"rvsbi.dev/rvsbi/sbictl/config"
)

// Ecall implements subcommands.Command for the "ecall" command.
type Ecall struct {
	op     string
	a0     addrFlag
	a1     addrFlag
	status addrFlag
	hart   int
}

// Name implements subcommands.Command.Name.
func (*Ecall) Name() string {
	return "ecall"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ecall) Synopsis() string {
	return "boot the board and make one firmware call from supervisor mode"
}

// Usage implements subcommands.Command.Usage.
func (*Ecall) Usage() string {
	return `ecall [flags] - make one ecall and print a0, the status register and the
resumption address before and after it.

Operations are given by name or number:
` + opList()
}

func opList() string {
	var s string
	for _, op := range sbi.Ops() {
		s += fmt.Sprintf("  %-24s %d\n", op, uint64(op))
	}
	return s
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Ecall) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.op, "op", "", "operation name or number, passed in a7.")
	f.Var(&e.a0, "a0", "first argument.")
	f.Var(&e.a1, "a1", "second argument.")
	f.Var(&e.status, "status", "bits set in mstatus before the call.")
	f.IntVar(&e.hart, "hart", 0, "calling hart.")
}

// Execute implements subcommands.Command.Execute.
func (e *Ecall) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || e.op == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	op, err := sbi.ParseOp(e.op)
	if err != nil {
		util.Fatalf("%v", err)
	}
	m, err := bootMachine(ctx, conf, os.Stdout, os.Stdin)
	if err != nil {
		util.Fatalf("%v", err)
	}
	h, err := hart(m, e.hart)
	if err != nil {
		util.Fatalf("%v", err)
	}

	regs := h.CSRs()
	if e.status != 0 {
		regs.Set(ring0.CSRMStatus, uint64(e.status))
	}
	statusBefore := regs.ReadStatus()
	stateBefore := h.Controller().State()
	pcBefore := h.PC()

	a0, res := h.Ecall(op, uint64(e.a0), uint64(e.a1))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "op\t%v (%d)\n", op, uint64(op))
	fmt.Fprintf(w, "hart\t%d\n", h.HartID())
	fmt.Fprintf(w, "result\t%v (%d)\n", res, int64(res))
	fmt.Fprintf(w, "a0\t%#x\n", a0)
	fmt.Fprintf(w, "mstatus\t%#x -> %#x\n", statusBefore, regs.ReadStatus())
	fmt.Fprintf(w, "translation\t%v -> %v\n", stateBefore, h.Controller().State())
	fmt.Fprintf(w, "pc\t%#x -> %#x (%+d)\n", pcBefore, h.PC(), int64(h.PC()-pcBefore))
	w.Flush()

	if !res.Ok() {
		return util.Errorf("ecall %v failed: %v", op, res)
	}
	return subcommands.ExitSuccess
}
