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

package machine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/mmu"
	"rvsbi.dev/rvsbi/pkg/physmem"
	"rvsbi.dev/rvsbi/pkg/platform/k210"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/pkg/ring0/pagetables"
	"rvsbi.dev/rvsbi/pkg/sbi"
)

func boot(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Boot(context.Background()); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	return m
}

func TestBoot(t *testing.T) {
	m := boot(t, DefaultConfig())
	for _, h := range m.Harts() {
		if !h.Online() {
			t.Errorf("hart %d not online", h.id)
		}
		if h.Privilege() != ring0.PrivSupervisor || h.PC() != DefaultEntry {
			t.Errorf("hart %d: %v mode at %#x, want supervisor at %#x", h.id, h.Privilege(), h.PC(), DefaultEntry)
		}
		if got := h.regs.ReadRoot(); got != 0x80500 {
			t.Errorf("hart %d: root got %#x, want 0x80500", h.id, got)
		}
		if got := h.regs.Read(ring0.CSRMEDeleg); got != 1<<1|1<<5|1<<7 {
			t.Errorf("hart %d: medeleg got %#x", h.id, got)
		}
		if got := h.regs.Read(ring0.CSRMSCounterEn); got != ^uint64(0) {
			t.Errorf("hart %d: mscounteren got %#x", h.id, got)
		}
		if mode := ring0.StatusMode(h.regs.ReadStatus()); mode != ring0.ModeBare {
			t.Errorf("hart %d: mode %v at entry, want bare", h.id, mode)
		}
	}
	if !m.Tables().Sealed() {
		t.Errorf("boot tables not sealed")
	}
	if got := m.Allocator().Len(); got != 1 {
		t.Errorf("arena pages used got %d, want 1", got)
	}
	if got := len(m.Board().Clocks()); got != 2 {
		t.Errorf("clocks got %d, want 2", got)
	}
	r, ok := m.Memory().Find(DefaultArenaBase)
	if !ok || r.Kind != physmem.Reserved {
		t.Errorf("arena region got %v (found=%t), want reserved", r.String(), ok)
	}
	if err := m.Boot(context.Background()); !errors.Is(err, ErrBooted) {
		t.Errorf("second Boot got %v, want %v", err, ErrBooted)
	}
}

func TestBootMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootMode = ring0.ModeSv39
	m := boot(t, cfg)
	for _, h := range m.Harts() {
		if mode := ring0.StatusMode(h.regs.ReadStatus()); mode != ring0.ModeSv39 {
			t.Errorf("hart %d: mode %v at entry, want sv39", h.id, mode)
		}
	}
}

func TestBootErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ArenaPages = 1
	cfg.Plan = pagetables.AliasPlan(0x80000000, hostarch.PageSize, 1<<32, pagetables.RWXGlobal)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Boot(context.Background()); !errors.Is(err, pagetables.ErrArenaExhausted) {
		t.Errorf("Boot got %v, want %v", err, pagetables.ErrArenaExhausted)
	}

	for name, mutate := range map[string]func(*Config){
		"width": func(c *Config) { c.Width = 16 },
		"arena": func(c *Config) { c.ArenaBase = 0x80500010 },
		"mode":  func(c *Config) { c.BootMode = 16 },
		"plan":  func(c *Config) { c.Plan = pagetables.Plan{{Virtual: 1, Length: hostarch.PageSize, Opts: pagetables.RWXGlobal}} },
		"harts": func(c *Config) { c.Board.Harts = 0 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Errorf("%s: New succeeded", name)
		}
	}
}

func TestBootHartZeroFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootMode = ring0.ModeSv32
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Boot(context.Background()); !errors.Is(err, ring0.ErrModeDenied) {
		t.Fatalf("Boot got %v, want %v", err, ring0.ErrModeDenied)
	}
	for _, h := range m.Harts() {
		if h.Online() {
			t.Errorf("hart %d online after failed boot", h.id)
		}
	}
}

func TestEcall(t *testing.T) {
	m := boot(t, DefaultConfig())
	h := m.Hart(0)
	h.regs.Set(ring0.CSRMStatus, ring0.StatusMIE)
	flushes := h.MMU().Flushes.Load()

	a0, err := h.Ecall(sbi.OpSetMode, uint64(ring0.ModeSv39), 0)
	if err != sbi.Success || a0 != 0 {
		t.Fatalf("set_mode got (%#x, %v), want success", a0, err)
	}
	if h.PC() != DefaultEntry+4 || h.Privilege() != ring0.PrivSupervisor {
		t.Errorf("returned to %v mode at %#x", h.Privilege(), h.PC())
	}
	status := h.regs.ReadStatus()
	if ring0.StatusMode(status) != ring0.ModeSv39 || status&ring0.StatusMPRV == 0 {
		t.Errorf("status got %#x, want sv39 with MPRV", status)
	}
	if status&ring0.StatusMIE == 0 {
		t.Errorf("MIE not restored by mret")
	}
	if got := h.regs.Read(ring0.CSRMCause); got != ring0.CauseSupervisorEcall {
		t.Errorf("mcause got %d", got)
	}
	if h.MMU().Flushes.Load() != flushes+1 {
		t.Errorf("set_mode did not flush the translation cache")
	}

	a0, err = h.Ecall(42, 1, 2)
	if err != sbi.ErrNotSupported || a0 != ^uint64(1) {
		t.Errorf("unsupported ecall got (%#x, %v)", a0, err)
	}
	if h.PC() != DefaultEntry+4 {
		t.Errorf("pc advanced by a failed ecall: %#x", h.PC())
	}
}

func TestAliasedAccess(t *testing.T) {
	m := boot(t, DefaultConfig())
	h := m.Hart(0)
	const pa = 0x80001230
	if err := h.Store(pa, 8, 0x1122334455667788); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := h.Ecall(sbi.OpSetMode, 9, 0); err != sbi.Success {
		t.Fatalf("set_mode got %v", err)
	}
	for _, va := range []hostarch.Addr{pa, pa + 1<<32} {
		got, err := h.Load(va, 8)
		if err != nil {
			t.Fatalf("Load(%v) failed: %v", va, err)
		}
		if got != 0x1122334455667788 {
			t.Errorf("Load(%v) got %#x", va, got)
		}
	}
	buf := make([]byte, 3*hostarch.PageSize)
	if err := h.WriteAt(buf, pa+1<<32-hostarch.PageSize); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if got, _ := h.Load(pa, 8); got != 0 {
		t.Errorf("write through alias not visible: %#x", got)
	}
	if _, err := h.Load(7<<30, 8); err == nil {
		t.Errorf("Load beyond the mapped windows succeeded")
	} else {
		var f *mmu.Fault
		if !errors.As(err, &f) || f.Cause != ring0.CauseLoadPageFault {
			t.Errorf("Load beyond the mapped windows got %v, want load page fault", err)
		}
	}
}

func TestArenaReserved(t *testing.T) {
	m := boot(t, DefaultConfig())
	if _, err := m.Hart(0).Load(DefaultArenaBase, 8); !errors.Is(err, physmem.ErrReserved) {
		t.Errorf("Load(arena) got %v, want %v", err, physmem.ErrReserved)
	}
}

func TestRemoteFence(t *testing.T) {
	m := boot(t, DefaultConfig())
	var before []uint64
	for _, h := range m.Harts() {
		before = append(before, h.MMU().Flushes.Load())
	}
	if _, err := m.Hart(0).Ecall(sbi.OpRemoteSFenceVMA, 0, 0); err != sbi.Success {
		t.Fatalf("remote_sfence_vma got %v", err)
	}
	if _, err := m.Hart(1).Ecall(sbi.OpRemoteFenceI, 0, 0); err != sbi.Success {
		t.Fatalf("remote_fence_i got %v", err)
	}
	for i, h := range m.Harts() {
		if got := h.MMU().Flushes.Load() - before[i]; got != 1 {
			t.Errorf("hart %d: flushes got %d, want 1", i, got)
		}
		if got := h.FenceIs(); got != 1 {
			t.Errorf("hart %d: fence.i got %d, want 1", i, got)
		}
		if m.Board().CLINT().MSIP(uint32(i)) {
			t.Errorf("hart %d: msip left raised", i)
		}
	}
}

func TestSendIPIMask(t *testing.T) {
	m := boot(t, DefaultConfig())
	sender, target := m.Hart(0), m.Hart(1)
	const maskAddr = 0x80100000
	if err := sender.Store(maskAddr, 8, 1<<1); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := sender.Ecall(sbi.OpSendIPI, maskAddr, 0); err != sbi.Success {
		t.Fatalf("send_ipi got %v", err)
	}
	if !m.Board().CLINT().MSIP(1) || m.Board().CLINT().MSIP(0) {
		t.Fatalf("msip not raised on hart 1 only")
	}
	target.ServiceInterrupts()
	sender.ServiceInterrupts()
	if target.regs.Read(ring0.CSRMIP)&ring0.IntSSIP == 0 {
		t.Errorf("SSIP not raised on the target")
	}
	if sender.regs.Read(ring0.CSRMIP)&ring0.IntSSIP != 0 {
		t.Errorf("SSIP raised on the sender")
	}
	if _, err := target.Ecall(sbi.OpClearIPI, 0, 0); err != sbi.Success {
		t.Fatalf("clear_ipi got %v", err)
	}
	if target.regs.Read(ring0.CSRMIP)&ring0.IntSSIP != 0 {
		t.Errorf("SSIP still raised after clear_ipi")
	}

	// The arena cannot be read as a hart mask.
	if _, err := sender.Ecall(sbi.OpSendIPI, uint64(DefaultArenaBase), 0); err != sbi.ErrInvalidAddress {
		t.Errorf("send_ipi with a mask in the arena got %v, want %v", err, sbi.ErrInvalidAddress)
	}
}

func TestTimer(t *testing.T) {
	m := boot(t, DefaultConfig())
	h := m.Hart(1)
	deadline := m.Board().TimerValue() + 50
	if _, err := h.Ecall(sbi.OpSetTimer, deadline, 0); err != sbi.Success {
		t.Fatalf("set_timer got %v", err)
	}
	h.ServiceInterrupts()
	if h.regs.Read(ring0.CSRMIP)&ring0.IntSTIP != 0 {
		t.Fatalf("timer fired before its deadline")
	}
	m.Board().CLINT().Advance(100)
	h.ServiceInterrupts()
	if h.regs.Read(ring0.CSRMIP)&ring0.IntSTIP == 0 {
		t.Errorf("STIP not raised after the deadline")
	}
	if h.regs.Read(ring0.CSRMIE)&ring0.IntMTIP != 0 {
		t.Errorf("MTIE still enabled after the timer fired")
	}
}

func TestShutdown(t *testing.T) {
	m := boot(t, DefaultConfig())
	if _, err := m.Hart(1).Ecall(sbi.OpShutdown, 0, 0); err != sbi.Success {
		t.Fatalf("shutdown got %v", err)
	}
	if !m.Hart(1).Halted() || m.Hart(0).Halted() {
		t.Errorf("wrong harts halted")
	}
	if diff := cmp.Diff([]k210.Request{{Kind: k210.Shutdown}}, m.Board().Requests()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	var ran atomic.Int32
	if err := m.RunHarts(context.Background(), func(ctx context.Context, h *Hart) error {
		ran.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("RunHarts failed: %v", err)
	}
	if got := ran.Load(); got != 1 {
		t.Errorf("RunHarts ran %d harts, want 1", got)
	}
}

func TestRunHarts(t *testing.T) {
	m := boot(t, DefaultConfig())
	err := m.RunHarts(context.Background(), func(ctx context.Context, h *Hart) error {
		if _, err := h.Ecall(sbi.OpSetMode, 9, 0); err != sbi.Success {
			return fmt.Errorf("hart %d: set_mode: %v", h.HartID(), err)
		}
		va := hostarch.Addr(0x180000000 + uint64(h.HartID())*hostarch.PageSize)
		return h.Store(va, 4, uint64(h.HartID())+1)
	})
	if err != nil {
		t.Fatalf("RunHarts failed: %v", err)
	}
	for i := range m.Harts() {
		got, err := m.Memory().Load(hostarch.Addr(0x80000000+uint64(i)*hostarch.PageSize), 4)
		if err != nil || got != uint64(i)+1 {
			t.Errorf("hart %d: store got (%d, %v)", i, got, err)
		}
	}

	wantErr := errors.New("stop")
	if err := m.RunHarts(context.Background(), func(context.Context, *Hart) error { return wantErr }); err != wantErr {
		t.Errorf("RunHarts got %v, want %v", err, wantErr)
	}
}
