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
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/machine"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/pkg/ring0/pagetables"
)

const smallBoard = `
name = "k210-small"
harts = 1
xlen = 32
allowed_modes = ["bare"]

[arena]
pages = 16

[[rule]]
name = "low"
virtual = 0x80000000
physical = 0x80000000
length = 0x200000
opts = "rw-"
`

func TestDecodeBoard(t *testing.T) {
	b, err := DecodeBoard(smallBoard)
	if err != nil {
		t.Fatalf("DecodeBoard() failed: %v", err)
	}
	def := DefaultBoard()
	want := &Board{
		Name:         "k210-small",
		Harts:        1,
		XLEN:         32,
		Entry:        def.Entry,
		AllowedModes: []string{"bare"},
		BootMode:     def.BootMode,
		Arena:        Arena{Base: def.Arena.Base, Pages: 16},
		RAM:          def.RAM,
		Rules: pagetables.Plan{{
			Name:     "low",
			Virtual:  0x80000000,
			Physical: 0x80000000,
			Length:   0x200000,
			Opts:     pagetables.MapOpts{AccessType: hostarch.ReadWrite},
		}},
	}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("DecodeBoard() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeBoardErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
		want string
	}{
		{
			name: "unknown key",
			data: "name = \"x\"\nclock = 400\n",
			want: "unknown keys: clock",
		},
		{
			name: "bad opts",
			data: "[[rule]]\nname = \"w\"\nlength = 4096\nopts = \"-w-\"\n",
			want: "invalid leaf permissions",
		},
		{
			name: "syntax",
			data: "harts = \n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeBoard(tc.data)
			if err == nil {
				t.Fatalf("DecodeBoard() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("DecodeBoard() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadBoardRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := DefaultBoard().Encode(&buf); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "board.toml")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	b, err := LoadBoard(path)
	if err != nil {
		t.Fatalf("LoadBoard() failed: %v\n%s", err, buf.String())
	}
	if diff := cmp.Diff(DefaultBoard(), b); diff != "" {
		t.Errorf("LoadBoard() mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadBoard(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("LoadBoard(missing) succeeded, want error")
	}
}

func TestMachineConfig(t *testing.T) {
	b, err := DecodeBoard(smallBoard)
	if err != nil {
		t.Fatalf("DecodeBoard() failed: %v", err)
	}
	mc, err := b.MachineConfig(io.Discard, nil)
	if err != nil {
		t.Fatalf("MachineConfig() failed: %v", err)
	}
	if mc.Width != hostarch.Width32 {
		t.Errorf("Width = %d, want 32", mc.Width)
	}
	if want := ring0.AllowModes(ring0.ModeBare); mc.Policy != want {
		t.Errorf("Policy = %v, want %v", mc.Policy, want)
	}
	if mc.Board.Name != "k210-small" || mc.Board.Harts != 1 {
		t.Errorf("Board = %q with %d harts, want k210-small with 1", mc.Board.Name, mc.Board.Harts)
	}
	if mc.ArenaPages != 16 || mc.ArenaBase != machine.DefaultArenaBase {
		t.Errorf("arena = %v with %d pages, want %v with 16", mc.ArenaBase, mc.ArenaPages, hostarch.Addr(machine.DefaultArenaBase))
	}
	if diff := cmp.Diff(b.Rules, mc.Plan); diff != "" {
		t.Errorf("Plan mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		name   string
		mutate func(*Board)
	}{
		{"xlen", func(b *Board) { b.XLEN = 48 }},
		{"allowed mode", func(b *Board) { b.AllowedModes = []string{"sv57"} }},
		{"boot mode", func(b *Board) { b.BootMode = "16" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := DefaultBoard()
			tc.mutate(b)
			if _, err := b.MachineConfig(io.Discard, nil); err == nil {
				t.Errorf("MachineConfig() succeeded, want error")
			}
		})
	}
}

func TestDefaultBoardBoots(t *testing.T) {
	mc, err := DefaultBoard().MachineConfig(io.Discard, nil)
	if err != nil {
		t.Fatalf("MachineConfig() failed: %v", err)
	}
	m, err := machine.New(mc)
	if err != nil {
		t.Fatalf("machine.New() failed: %v", err)
	}
	if err := m.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() failed: %v", err)
	}
	for _, h := range m.Harts() {
		if !h.Online() {
			t.Errorf("hart %d is not online", h.HartID())
		}
	}
}
