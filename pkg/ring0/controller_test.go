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

package ring0

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvsbi.dev/rvsbi/pkg/hostarch"
)

// recordingRegisters records every register access in order.
type recordingRegisters struct {
	status uint64
	root   uint64
	ops    []string
}

func (r *recordingRegisters) ReadStatus() uint64 {
	r.ops = append(r.ops, "read status")
	return r.status
}

func (r *recordingRegisters) WriteStatus(v uint64) {
	r.ops = append(r.ops, fmt.Sprintf("write status %#x", v))
	r.status = v
}

func (r *recordingRegisters) ReadRoot() uint64 {
	r.ops = append(r.ops, "read root")
	return r.root
}

func (r *recordingRegisters) WriteRoot(v uint64) {
	r.ops = append(r.ops, fmt.Sprintf("write root %#x", v))
	r.root = v
}

func (r *recordingRegisters) FenceVMA() {
	r.ops = append(r.ops, "fence")
}

func TestSetModeSequence(t *testing.T) {
	regs := &recordingRegisters{status: StatusMIE | StatusMPIE}
	c := NewController(0, regs, DefaultModePolicy)
	if err := c.SetMode(ModeSv39, 0x80010000); err != nil {
		t.Fatalf("SetMode got err %v, want nil", err)
	}
	want := []string{
		"write root 0x80010",
		"read status",
		"write status 0x9020088",
		"fence",
	}
	if diff := cmp.Diff(want, regs.ops); diff != "" {
		t.Errorf("register accesses mismatch (-want +got):\n%s", diff)
	}
}

func TestSetModeClearsPreviousMode(t *testing.T) {
	regs := &recordingRegisters{status: 0xf<<StatusModeShift | StatusMPRV}
	c := NewController(0, regs, DefaultModePolicy)
	if err := c.SetMode(ModeBare, 0x1000); err != nil {
		t.Fatalf("SetMode got err %v, want nil", err)
	}
	want := []string{
		"write root 0x1",
		"read status",
		"write status 0x20000",
		"fence",
	}
	if diff := cmp.Diff(want, regs.ops); diff != "" {
		t.Errorf("register accesses mismatch (-want +got):\n%s", diff)
	}
}

func TestSetModePreservesUnrelatedBits(t *testing.T) {
	patterns := []uint64{
		0,
		^uint64(0),
		0x0000000a00001888,
		StatusModeMask,
		StatusMPRV,
		0xffffffff00000000,
		0x5555555555555555,
		0xaaaaaaaaaaaaaaaa,
	}
	// Mix in a pseudo-random tail.
	x := uint64(12345)
	for i := 0; i < 64; i++ {
		x = x*6364136223846793005 + 1442695040888963407
		patterns = append(patterns, x)
	}

	const touched = StatusModeMask | StatusMPRV
	for _, status := range patterns {
		for _, mode := range []Mode{ModeBare, ModeSv39} {
			regs := &recordingRegisters{status: status}
			c := NewController(0, regs, DefaultModePolicy)
			if err := c.SetMode(mode, 0x2000); err != nil {
				t.Fatalf("SetMode(%v) got err %v, want nil", mode, err)
			}
			if got, want := regs.status&^touched, status&^touched; got != want {
				t.Errorf("status %#x mode %v: unrelated bits got %#x, want %#x", status, mode, got, want)
			}
			if got := StatusMode(regs.status); got != mode {
				t.Errorf("status %#x: mode got %v, want %v", status, got, mode)
			}
			if regs.status&StatusMPRV == 0 {
				t.Errorf("status %#x: MPRV clear after SetMode", status)
			}
		}
	}
}

func TestSetModeSv39KeepsStatus(t *testing.T) {
	const before = 0x0000000a00001888
	regs := &recordingRegisters{status: before}
	c := NewController(0, regs, DefaultModePolicy)
	if err := c.SetMode(ModeSv39, 0x80000000); err != nil {
		t.Fatalf("SetMode got err %v, want nil", err)
	}
	if got, want := regs.status, uint64(before|StatusMPRV|9<<StatusModeShift); got != want {
		t.Errorf("status got %#x, want %#x", got, want)
	}
	if got, want := regs.root, uint64(0x80000); got != want {
		t.Errorf("root got %#x, want %#x", got, want)
	}
}

func TestSetModeRejected(t *testing.T) {
	for _, tc := range []struct {
		name string
		mode Mode
		want error
	}{
		{name: "out of range", mode: 16, want: ErrInvalidMode},
		{name: "far out of range", mode: 255, want: ErrInvalidMode},
		{name: "sv48", mode: ModeSv48, want: ErrModeDenied},
		{name: "reserved", mode: 3, want: ErrModeDenied},
	} {
		t.Run(tc.name, func(t *testing.T) {
			regs := &recordingRegisters{status: 0x1888}
			c := NewController(0, regs, DefaultModePolicy)
			if err := c.SetMode(tc.mode, 0x1000); !errors.Is(err, tc.want) {
				t.Errorf("SetMode(%d) got err %v, want %v", tc.mode, err, tc.want)
			}
			if len(regs.ops) != 0 {
				t.Errorf("rejected SetMode touched registers: %v", regs.ops)
			}
		})
	}
}

func TestSetModeAllModes(t *testing.T) {
	regs := &recordingRegisters{}
	c := NewController(0, regs, AllModes)
	if err := c.SetMode(ModeSv48, 0x1000); err != nil {
		t.Fatalf("SetMode got err %v, want nil", err)
	}
	if got := StatusMode(regs.status); got != ModeSv48 {
		t.Errorf("mode got %v, want %v", got, ModeSv48)
	}
}

func TestSetActiveMode(t *testing.T) {
	regs := &recordingRegisters{}
	c := NewController(1, regs, DefaultModePolicy)
	if err := c.SetActiveMode(ModeSv39); !errors.Is(err, ErrNoRoot) {
		t.Errorf("SetActiveMode without root got %v, want %v", err, ErrNoRoot)
	}
	if err := c.SetActiveMode(ModeBare); err != nil {
		t.Errorf("SetActiveMode(bare) without root got %v, want nil", err)
	}

	c.InstallRoot(0x80200000)
	if err := c.SetActiveMode(ModeSv39); err != nil {
		t.Fatalf("SetActiveMode got %v, want nil", err)
	}
	want := State{Mode: ModeSv39, Root: 0x80200000, Escalated: true}
	if diff := cmp.Diff(want, c.State()); diff != "" {
		t.Errorf("State mismatch (-want +got):\n%s", diff)
	}
	if !c.State().Translating() {
		t.Errorf("Translating got false, want true")
	}
}

func TestControllerOnRegisterFile(t *testing.T) {
	rf := NewRegisterFile(0, hostarch.Width64)
	rf.Write(CSRMStatus, StatusMIE|StatusSPP)
	c := NewController(0, rf, DefaultModePolicy)
	if err := c.SetMode(ModeSv39, 0x3000); err != nil {
		t.Fatalf("SetMode got err %v, want nil", err)
	}
	if got, want := rf.ReadStatus(), uint64(StatusMIE|StatusSPP|StatusMPRV|9<<StatusModeShift); got != want {
		t.Errorf("status got %#x, want %#x", got, want)
	}
	if got := rf.Fences(); got != 1 {
		t.Errorf("Fences got %d, want 1", got)
	}
}

func TestModePolicy(t *testing.T) {
	p := AllowModes(ModeBare, ModeSv39, 42)
	if got, want := p.String(), "{bare,sv39}"; got != want {
		t.Errorf("String got %q, want %q", got, want)
	}
	for m := Mode(0); m <= MaxMode+1; m++ {
		want := m == ModeBare || m == ModeSv39
		if got := p.Allowed(m); got != want {
			t.Errorf("Allowed(%v) got %t, want %t", m, got, want)
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "sv39", want: ModeSv39},
		{in: "bare", want: ModeBare},
		{in: "9", want: ModeSv39},
		{in: "0xa", want: ModeSv48},
		{in: "16", wantErr: true},
		{in: "sv57", wantErr: true},
		{in: "9x", wantErr: true},
	} {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseMode(%q) got err %v, wantErr %t", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseMode(%q) got %v, want %v", tc.in, got, tc.want)
		}
	}
}
