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

// Package cmd holds implementations of the sbictl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/log"
	"rvsbi.dev/rvsbi/pkg/machine"
	"rvsbi.dev/rvsbi/sbictl/config"
)

// addrFlag is a flag.Value for addresses and sizes. Any base accepted by
// strconv.ParseUint with base 0 may be used.
type addrFlag uint64

// String implements flag.Value.
func (a *addrFlag) String() string {
	return fmt.Sprintf("%#x", uint64(*a))
}

// Get implements flag.Getter.
func (a *addrFlag) Get() any {
	return uint64(*a)
}

// Set implements flag.Value.
func (a *addrFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid flag value: %v", err)
	}
	*a = addrFlag(v)
	return nil
}

// Addr returns a as an address.
func (a addrFlag) Addr() hostarch.Addr {
	return hostarch.Addr(a)
}

// loadBoard returns the board selected by --board.
func loadBoard(conf *config.Config) (*config.Board, error) {
	if conf.BoardFile == "" {
		return config.DefaultBoard(), nil
	}
	return config.LoadBoard(conf.BoardFile)
}

// newMachine creates the machine described by the selected board, with the
// console attached to out and in.
func newMachine(conf *config.Config, out io.Writer, in io.Reader) (*machine.Machine, error) {
	b, err := loadBoard(conf)
	if err != nil {
		return nil, err
	}
	mc, err := b.MachineConfig(out, in)
	if err != nil {
		return nil, fmt.Errorf("board %q: %w", b.Name, err)
	}
	m, err := machine.New(mc)
	if err != nil {
		return nil, fmt.Errorf("board %q: %w", b.Name, err)
	}
	return m, nil
}

// bootMachine creates and boots the selected machine.
func bootMachine(ctx context.Context, conf *config.Config, out io.Writer, in io.Reader) (*machine.Machine, error) {
	m, err := newMachine(conf, out, in)
	if err != nil {
		return nil, err
	}
	if err := m.Boot(ctx); err != nil {
		return nil, fmt.Errorf("booting %q: %w", m.Board().Name(), err)
	}
	log.Infof("Booted %q with %d harts", m.Board().Name(), len(m.Harts()))
	return m, nil
}

// hart returns hart id of m.
func hart(m *machine.Machine, id int) (*machine.Hart, error) {
	if id < 0 || id >= len(m.Harts()) {
		return nil, fmt.Errorf("no hart %d, the board has %d", id, len(m.Harts()))
	}
	return m.Hart(id), nil
}
