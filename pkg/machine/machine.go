// Copyright 2018 Google Inc.
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

// Package machine assembles software harts, the board and the firmware into
// a machine that boots and runs supervisor code on the host.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/log"
	"rvsbi.dev/rvsbi/pkg/physmem"
	"rvsbi.dev/rvsbi/pkg/platform/k210"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/pkg/ring0/pagetables"
	"rvsbi.dev/rvsbi/pkg/sbi"
)

// Defaults for the K210 board.
const (
	// DefaultArenaBase leaves the low 5 MiB of SRAM to the supervisor.
	DefaultArenaBase hostarch.Addr = 0x80500000

	DefaultArenaPages = 64

	// DefaultEntry is where supervisor code starts.
	DefaultEntry = 0x80020000
)

// ErrBooted is returned by Boot on a machine that has already booted.
var ErrBooted = errors.New("machine already booted")

// Config configures a machine.
type Config struct {
	// Board configures the board.
	Board k210.Config

	// Width is the register width of every hart.
	Width hostarch.Width

	// ArenaBase and ArenaPages place the page-table arena.
	ArenaBase  hostarch.Addr
	ArenaPages int

	// Plan is built into the arena at boot.
	Plan pagetables.Plan

	// Policy restricts the translation modes the set-mode call accepts.
	Policy ring0.ModePolicy

	// BootMode is activated on every hart before entering supervisor mode.
	BootMode ring0.Mode

	// Entry is the supervisor entry point.
	Entry uint64
}

// DefaultConfig returns the K210 configuration with translation off at
// entry.
func DefaultConfig() Config {
	return Config{
		Board:      k210.DefaultConfig(),
		Width:      hostarch.Width64,
		ArenaBase:  DefaultArenaBase,
		ArenaPages: DefaultArenaPages,
		Plan:       pagetables.K210Plan(),
		Policy:     ring0.DefaultModePolicy,
		BootMode:   ring0.ModeBare,
		Entry:      DefaultEntry,
	}
}

// Machine is a board with its harts and firmware.
type Machine struct {
	cfg        Config
	mem        *physmem.Memory
	board      *k210.Board
	alloc      *pagetables.PoolAllocator
	tables     *pagetables.PageTables
	ipi        *sbi.IPI
	timer      *sbi.Timer
	dispatcher *sbi.Dispatcher
	harts      []*Hart

	booted     bool
	coldBooted atomic.Bool
}

// New returns a machine that has not booted.
func New(cfg Config) (*Machine, error) {
	if !cfg.Width.Valid() {
		return nil, fmt.Errorf("invalid register width %d", cfg.Width)
	}
	if !cfg.ArenaBase.IsPageAligned() || cfg.ArenaPages <= 0 {
		return nil, fmt.Errorf("invalid page-table arena %v with %d pages", cfg.ArenaBase, cfg.ArenaPages)
	}
	if cfg.BootMode > ring0.MaxMode {
		return nil, fmt.Errorf("%w: %d", ring0.ErrInvalidMode, cfg.BootMode)
	}
	if err := cfg.Plan.Check(); err != nil {
		return nil, err
	}

	mem := physmem.New()
	board, err := k210.New(mem, cfg.Board)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:   cfg,
		mem:   mem,
		board: board,
		alloc: pagetables.NewPoolAllocator(cfg.ArenaBase, cfg.ArenaPages),
		ipi:   sbi.NewIPI(board),
		timer: sbi.NewTimer(board),
	}
	m.dispatcher = sbi.NewDispatcher(board, m.ipi, m.timer)
	for i := 0; i < board.HartCount(); i++ {
		m.harts = append(m.harts, newHart(m, uint32(i)))
	}
	board.SetIPIHandler(func(hart uint32) {
		m.ipi.Process(m.harts[hart])
	})
	return m, nil
}

// Config returns the machine configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// Memory returns the physical address space.
func (m *Machine) Memory() *physmem.Memory {
	return m.mem
}

// Board returns the board.
func (m *Machine) Board() *k210.Board {
	return m.board
}

// Allocator returns the page-table arena.
func (m *Machine) Allocator() *pagetables.PoolAllocator {
	return m.alloc
}

// Tables returns the boot page tables, or nil before Boot.
func (m *Machine) Tables() *pagetables.PageTables {
	return m.tables
}

// Dispatcher returns the ecall dispatcher.
func (m *Machine) Dispatcher() *sbi.Dispatcher {
	return m.dispatcher
}

// IPI returns the inter-hart interrupt service.
func (m *Machine) IPI() *sbi.IPI {
	return m.ipi
}

// Harts returns every hart.
func (m *Machine) Harts() []*Hart {
	return m.harts
}

// Hart returns hart id.
func (m *Machine) Hart(id int) *Hart {
	return m.harts[id]
}

// Boot runs the firmware's boot path. Hart 0 performs the cold boot: board
// initialization, page-table construction and its own warm boot. The other
// harts wait for it and then perform their warm boot; if hart 0 fails, they
// never start. Every hart ends in supervisor mode at
// the entry point.
func (m *Machine) Boot(ctx context.Context) error {
	if m.booted {
		return ErrBooted
	}
	m.booted = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range m.harts[1:] {
		g.Go(func() error {
			b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
			op := func() error {
				if !m.coldBooted.Load() {
					return fmt.Errorf("hart %d: waiting for cold boot", h.id)
				}
				return nil
			}
			if err := backoff.Retry(op, b); err != nil {
				return err
			}
			return m.warmBoot(h, false)
		})
	}

	if err := m.coldBoot(); err != nil {
		cancel()
		g.Wait()
		return err
	}
	if err := m.warmBoot(m.harts[0], true); err != nil {
		cancel()
		g.Wait()
		return err
	}
	m.coldBooted.Store(true)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warm boot: %w", err)
	}
	log.Infof("%s: %d harts online, root table at %v", m.board.Name(), len(m.harts), m.tables.RootPhysical())
	return nil
}

// coldBoot initializes the board and builds the boot page tables.
func (m *Machine) coldBoot() error {
	if err := m.board.EarlyInit(true); err != nil {
		return fmt.Errorf("early init: %w", err)
	}
	tables, err := pagetables.Build(m.alloc, m.cfg.Plan)
	if err != nil {
		return fmt.Errorf("building page tables: %w", err)
	}
	tables.Seal()
	ar := m.alloc.Range()
	if err := m.mem.Reserve("page-tables", ar.Start, ar.Length()); err != nil {
		return fmt.Errorf("reserving page-table arena: %w", err)
	}
	m.tables = tables
	log.Debugf("page tables: %d of %d arena pages used", m.alloc.Len(), m.alloc.Cap())
	return nil
}

// warmBoot prepares h and drops it to supervisor mode.
func (m *Machine) warmBoot(h *Hart, coldBoot bool) error {
	if !coldBoot {
		if err := m.board.EarlyInit(false); err != nil {
			return fmt.Errorf("hart %d: early init: %w", h.id, err)
		}
	}
	h.controller.InstallRoot(m.tables.RootPhysical())
	h.regs.WriteRoot(m.tables.RootPPN())
	h.regs.Set(ring0.CSRMEDeleg, 1<<ring0.CauseFetchAccess|1<<ring0.CauseLoadAccess|1<<ring0.CauseStoreAccess)
	h.regs.Write(ring0.CSRMSCounterEn, ^uint64(0))
	if m.cfg.BootMode != ring0.ModeBare {
		if err := h.controller.SetActiveMode(m.cfg.BootMode); err != nil {
			return fmt.Errorf("hart %d: %w", h.id, err)
		}
	}

	status := h.regs.ReadStatus()
	status = (status &^ ring0.StatusMPP) | uint64(ring0.PrivSupervisor)<<ring0.StatusMPPShift
	h.regs.WriteStatus(status)
	h.regs.Write(ring0.CSRMEPC, m.cfg.Entry)
	h.mret()
	h.online.Store(true)
	log.Debugf("hart %d: online at %#x in %v mode", h.id, h.pc, h.priv)
	return nil
}

// RunHarts runs fn concurrently on every hart that has not halted and
// returns the first error.
func (m *Machine) RunHarts(ctx context.Context, fn func(context.Context, *Hart) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range m.harts {
		if h.Halted() {
			continue
		}
		g.Go(func() error {
			return fn(ctx, h)
		})
	}
	return g.Wait()
}
