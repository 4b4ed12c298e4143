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
	"fmt"
	"sync/atomic"

	"rvsbi.dev/rvsbi/pkg/atomicbitops"
	"rvsbi.dev/rvsbi/pkg/bits"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/mmu"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/pkg/sbi"
)

// csrFile is the register file of a hart. FenceVMA also flushes the hart's
// translation cache.
type csrFile struct {
	*ring0.RegisterFile
	mmu *mmu.MMU
}

// FenceVMA implements ring0.Registers.FenceVMA.
func (c csrFile) FenceVMA() {
	c.RegisterFile.FenceVMA()
	c.mmu.Flush()
}

// Hart is a software hart. It implements sbi.Context.
//
// The privilege and pc of a hart are only changed by the goroutine running
// it. Other harts may reach it through IPIs, which touch only the register
// file, the translation cache and the counters.
type Hart struct {
	id         uint32
	machine    *Machine
	regs       csrFile
	mmu        *mmu.MMU
	controller *ring0.Controller

	priv ring0.Privilege
	pc   uint64

	online  atomic.Bool
	halted  atomic.Bool
	fenceIs atomicbitops.Uint64
}

var _ sbi.Context = (*Hart)(nil)

func newHart(m *Machine, id uint32) *Hart {
	h := &Hart{
		id:      id,
		machine: m,
		mmu:     mmu.New(m.alloc),
		priv:    ring0.PrivMachine,
	}
	h.regs = csrFile{
		RegisterFile: ring0.NewRegisterFile(id, m.cfg.Width),
		mmu:          h.mmu,
	}
	h.controller = ring0.NewController(id, h.regs, m.cfg.Policy)
	return h
}

// HartID implements sbi.Context.HartID.
func (h *Hart) HartID() uint32 {
	return h.id
}

// Width implements sbi.Context.Width.
func (h *Hart) Width() hostarch.Width {
	return h.machine.cfg.Width
}

// CSRs implements sbi.Context.CSRs.
func (h *Hart) CSRs() ring0.CSRFile {
	return h.regs
}

// Controller implements sbi.Context.Controller.
func (h *Hart) Controller() *ring0.Controller {
	return h.controller
}

// FenceI implements sbi.Context.FenceI.
func (h *Hart) FenceI() {
	h.fenceIs.Add(1)
}

// FenceIs returns the number of instruction-stream fences executed.
func (h *Hart) FenceIs() uint64 {
	return h.fenceIs.Load()
}

// Halt implements sbi.Context.Halt.
func (h *Hart) Halt() {
	h.halted.Store(true)
}

// Halted reports whether the hart has stopped.
func (h *Hart) Halted() bool {
	return h.halted.Load()
}

// Online reports whether the hart has finished its warm boot.
func (h *Hart) Online() bool {
	return h.online.Load()
}

// Privilege returns the current privilege.
func (h *Hart) Privilege() ring0.Privilege {
	return h.priv
}

// PC returns the program counter.
func (h *Hart) PC() uint64 {
	return h.pc
}

// MMU returns the hart's translation unit.
func (h *Hart) MMU() *mmu.MMU {
	return h.mmu
}

// Ecall executes an ecall instruction at the current pc with a7 = op. It
// enters machine mode, runs the dispatcher and returns with mret. The
// returned value is a0 after the call.
func (h *Hart) Ecall(op sbi.Op, a0, a1 uint64) (uint64, sbi.Error) {
	if h.priv == ring0.PrivMachine {
		panic(fmt.Sprintf("hart %d: ecall from machine mode", h.id))
	}
	if h.Halted() {
		panic(fmt.Sprintf("hart %d: ecall on a halted hart", h.id))
	}
	h.trap(ring0.CauseSupervisorEcall)
	regs := sbi.TrapRegs{
		PC: h.regs.Read(ring0.CSRMEPC),
		A0: a0,
		A1: a1,
		A7: uint64(op),
	}
	err := h.machine.dispatcher.HandleTrap(h, &regs)
	h.regs.Write(ring0.CSRMEPC, regs.PC)
	h.mret()
	return regs.A0, err
}

// trap performs machine-mode trap entry.
func (h *Hart) trap(cause uint64) {
	h.regs.Write(ring0.CSRMEPC, h.pc)
	h.regs.Write(ring0.CSRMCause, cause)
	status := h.regs.ReadStatus()
	if status&ring0.StatusMIE != 0 {
		status |= ring0.StatusMPIE
	} else {
		status &^= ring0.StatusMPIE
	}
	status &^= ring0.StatusMIE
	status = bits.SetField64(status, ring0.StatusMPPShift, ring0.StatusMPPWidth, uint64(h.priv))
	h.regs.WriteStatus(status)
	h.priv = ring0.PrivMachine
}

// mret returns from a machine-mode trap.
func (h *Hart) mret() {
	status := h.regs.ReadStatus()
	h.priv = ring0.StatusMPPPrivilege(status)
	if status&ring0.StatusMPIE != 0 {
		status |= ring0.StatusMIE
	} else {
		status &^= ring0.StatusMIE
	}
	status |= ring0.StatusMPIE
	status = bits.SetField64(status, ring0.StatusMPPShift, ring0.StatusMPPWidth, uint64(ring0.PrivUser))
	h.regs.WriteStatus(status)
	h.pc = h.regs.Read(ring0.CSRMEPC)
}

// ServiceInterrupts takes pending machine-mode interrupts: the software
// interrupt raised by an IPI, and the timer when MTIE is set.
func (h *Hart) ServiceInterrupts() {
	clint := h.machine.board.CLINT()
	if clint.MSIP(h.id) {
		h.machine.ipi.Process(h)
	}
	if h.regs.Read(ring0.CSRMIE)&ring0.IntMTIP != 0 && clint.TimerPending(h.id) {
		h.machine.timer.Process(h)
	}
}

// regime returns the translation state of a data access. In machine mode
// with MPRV set, loads and stores use the privilege in MPP.
func (h *Hart) regime() mmu.Regime {
	status := h.regs.ReadStatus()
	priv := h.priv
	if priv == ring0.PrivMachine && status&ring0.StatusMPRV != 0 {
		priv = ring0.StatusMPPPrivilege(status)
	}
	return mmu.Regime{
		Status:    status,
		Root:      h.regs.ReadRoot(),
		Privilege: priv,
	}
}

// Translate returns the physical address of a data access at va.
func (h *Hart) Translate(va hostarch.Addr, at hostarch.AccessType) (hostarch.Addr, error) {
	return h.mmu.Translate(h.regime(), va, at)
}

func (h *Hart) access(r mmu.Regime, va hostarch.Addr, size int, at hostarch.AccessType) (hostarch.Addr, error) {
	if !va.IsAlignedTo(uint64(size)) {
		return 0, fmt.Errorf("misaligned %d-byte access at %v", size, va)
	}
	return h.mmu.Translate(r, va, at)
}

// Load reads size bytes at va.
func (h *Hart) Load(va hostarch.Addr, size int) (uint64, error) {
	pa, err := h.access(h.regime(), va, size, hostarch.Read)
	if err != nil {
		return 0, err
	}
	return h.machine.mem.Load(pa, size)
}

// Store writes size bytes at va.
func (h *Hart) Store(va hostarch.Addr, size int, v uint64) error {
	pa, err := h.access(h.regime(), va, size, hostarch.Write)
	if err != nil {
		return err
	}
	return h.machine.mem.Store(pa, size, v)
}

// LoadCallerWord implements sbi.Context.LoadCallerWord.
func (h *Hart) LoadCallerWord(addr hostarch.Addr) (uint64, error) {
	r := h.regime()
	r.Privilege = ring0.StatusMPPPrivilege(r.Status)
	size := int(h.Width()) / 8
	pa, err := h.access(r, addr.Truncate(h.Width()), size, hostarch.Read)
	if err != nil {
		return 0, err
	}
	return h.machine.mem.Load(pa, size)
}

// ReadAt copies len(dst) bytes at va into dst, translating page by page.
func (h *Hart) ReadAt(dst []byte, va hostarch.Addr) error {
	return h.copy(dst, va, hostarch.Read)
}

// WriteAt copies src to va, translating page by page.
func (h *Hart) WriteAt(src []byte, va hostarch.Addr) error {
	return h.copy(src, va, hostarch.Write)
}

func (h *Hart) copy(buf []byte, va hostarch.Addr, at hostarch.AccessType) error {
	r := h.regime()
	for len(buf) > 0 {
		n := int(hostarch.PageSize - va.PageOffset())
		if n > len(buf) {
			n = len(buf)
		}
		pa, err := h.mmu.Translate(r, va, at)
		if err != nil {
			return err
		}
		if at.Write {
			err = h.machine.mem.WriteAt(buf[:n], pa)
		} else {
			err = h.machine.mem.ReadAt(buf[:n], pa)
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
		va += hostarch.Addr(n)
	}
	return nil
}
