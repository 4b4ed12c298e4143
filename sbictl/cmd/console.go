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

	"github.com/google/subcommands"
	"golang.org/x/term"
	"rvsbi.dev/rvsbi/pkg/log"
	"rvsbi.dev/rvsbi/pkg/machine"
	"rvsbi.dev/rvsbi/pkg/sbi"
	"rvsbi.dev/rvsbi/sbictl/cmd/util"
	"rvsbi.dev/rvsbi/sbictl/config"
)

// Control characters that end the console session.
const (
	ctrlC = 0x03
	ctrlD = 0x04
)

// Console implements subcommands.Command for the "console" command.
type Console struct {
	hart int
}

// Name implements subcommands.Command.Name.
func (*Console) Name() string {
	return "console"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Console) Synopsis() string {
	return "echo the terminal through the firmware console calls"
}

// Usage implements subcommands.Command.Usage.
func (*Console) Usage() string {
	return `console [flags] - boot the board and run a supervisor echo loop over the
console_getchar and console_putchar calls. Ctrl-C or Ctrl-D ends it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Console) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.hart, "hart", 0, "hart running the echo loop.")
}

// Execute implements subcommands.Command.Execute.
func (c *Console) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := bootMachine(ctx, conf, os.Stdout, os.Stdin)
	if err != nil {
		util.Fatalf("%v", err)
	}
	h, err := hart(m, c.hart)
	if err != nil {
		util.Fatalf("%v", err)
	}

	raw := term.IsTerminal(int(os.Stdin.Fd()))
	if raw {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			util.Fatalf("putting the terminal in raw mode: %v", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), old)
	}
	n, err := echo(ctx, h, raw)
	if err != nil {
		return util.Errorf("console: %v", err)
	}
	log.Infof("Console closed after %d characters", n)
	return subcommands.ExitSuccess
}

// echo reads characters through console_getchar and writes them back
// through console_putchar until end of input or an interrupt character. A
// raw terminal gets a line feed after each carriage return.
func echo(ctx context.Context, h *machine.Hart, raw bool) (int, error) {
	n := 0
	for ctx.Err() == nil {
		a0, e := h.Ecall(sbi.OpConsoleGetchar, 0, 0)
		if !e.Ok() {
			return n, fmt.Errorf("console_getchar: %v", e)
		}
		// Anything wider than a byte is the no-input value.
		if a0 > 0xff {
			return n, nil
		}
		ch := byte(a0)
		if ch == ctrlC || ch == ctrlD {
			return n, nil
		}
		if err := putc(h, ch); err != nil {
			return n, err
		}
		if raw && ch == '\r' {
			if err := putc(h, '\n'); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, ctx.Err()
}

func putc(h *machine.Hart, ch byte) error {
	if _, e := h.Ecall(sbi.OpConsolePutchar, uint64(ch), 0); !e.Ok() {
		return fmt.Errorf("console_putchar: %v", e)
	}
	return nil
}
