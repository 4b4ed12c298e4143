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
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/machine"
	"rvsbi.dev/rvsbi/pkg/platform/k210"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/pkg/ring0/pagetables"
)

// Arena places the page-table arena.
type Arena struct {
	Base  hostarch.Addr `toml:"base"`
	Pages int           `toml:"pages"`
}

// Board is a board description file.
type Board struct {
	Name  string `toml:"name"`
	Harts int    `toml:"harts"`

	// XLEN is the register width, 32 or 64.
	XLEN int `toml:"xlen"`

	// Entry is the supervisor entry point.
	Entry uint64 `toml:"entry"`

	// AllowedModes lists the translation modes the set-mode call accepts.
	AllowedModes []string `toml:"allowed_modes"`

	// BootMode is activated before entering supervisor mode.
	BootMode string `toml:"boot_mode"`

	Arena Arena           `toml:"arena"`
	RAM   []k210.RAM      `toml:"ram"`
	Rules pagetables.Plan `toml:"rule"`
}

// DefaultBoard returns the description of the built-in K210.
func DefaultBoard() *Board {
	mc := machine.DefaultConfig()
	return &Board{
		Name:         mc.Board.Name,
		Harts:        mc.Board.Harts,
		XLEN:         int(mc.Width),
		Entry:        mc.Entry,
		AllowedModes: []string{ring0.ModeBare.String(), ring0.ModeSv39.String()},
		BootMode:     mc.BootMode.String(),
		Arena:        Arena{Base: mc.ArenaBase, Pages: mc.ArenaPages},
		RAM:          mc.Board.RAM,
		Rules:        mc.Plan,
	}
}

// LoadBoard reads a board description from a TOML file. Keys that are not
// set take the values of the built-in board.
func LoadBoard(path string) (*Board, error) {
	var b Board
	md, err := toml.DecodeFile(path, &b)
	if err != nil {
		return nil, fmt.Errorf("reading board %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("reading board %q: %w", path, err)
	}
	b.setDefaults()
	return &b, nil
}

// DecodeBoard parses a board description.
func DecodeBoard(data string) (*Board, error) {
	var b Board
	md, err := toml.Decode(data, &b)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	b.setDefaults()
	return &b, nil
}

// setDefaults fills the keys that were not set from the built-in board.
func (b *Board) setDefaults() {
	d := DefaultBoard()
	if b.Name == "" {
		b.Name = d.Name
	}
	if b.Harts == 0 {
		b.Harts = d.Harts
	}
	if b.XLEN == 0 {
		b.XLEN = d.XLEN
	}
	if b.Entry == 0 {
		b.Entry = d.Entry
	}
	if b.AllowedModes == nil {
		b.AllowedModes = d.AllowedModes
	}
	if b.BootMode == "" {
		b.BootMode = d.BootMode
	}
	if b.Arena.Base == 0 {
		b.Arena.Base = d.Arena.Base
	}
	if b.Arena.Pages == 0 {
		b.Arena.Pages = d.Arena.Pages
	}
	if b.RAM == nil {
		b.RAM = d.RAM
	}
	if b.Rules == nil {
		b.Rules = d.Rules
	}
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, 0, len(keys))
		for _, k := range keys {
			names = append(names, k.String())
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
	}
	return nil
}

// Encode writes b as TOML.
func (b *Board) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(b)
}

// MachineConfig returns the machine described by b, with the console
// attached to out and in.
func (b *Board) MachineConfig(out io.Writer, in io.Reader) (machine.Config, error) {
	mc := machine.DefaultConfig()
	width := hostarch.Width(b.XLEN)
	if !width.Valid() {
		return mc, fmt.Errorf("invalid xlen %d", b.XLEN)
	}
	var modes []ring0.Mode
	for _, s := range b.AllowedModes {
		m, err := ring0.ParseMode(s)
		if err != nil {
			return mc, err
		}
		modes = append(modes, m)
	}
	bootMode, err := ring0.ParseMode(b.BootMode)
	if err != nil {
		return mc, err
	}

	mc.Board = k210.Config{
		Name:   b.Name,
		Harts:  b.Harts,
		RAM:    b.RAM,
		Output: out,
		Input:  in,
	}
	mc.Width = width
	mc.Entry = b.Entry
	mc.Policy = ring0.AllowModes(modes...)
	mc.BootMode = bootMode
	mc.ArenaBase = b.Arena.Base
	mc.ArenaPages = b.Arena.Pages
	mc.Plan = b.Rules
	return mc, nil
}
