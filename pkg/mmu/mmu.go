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

// Package mmu implements the Sv39 translation performed by a hart.
//
// Tables are read through a pagetables.Allocator. Translations are cached per
// page and the cache is only discarded by Flush, so stale translations stay
// visible until the hart fences, as on hardware.
package mmu

import (
	"errors"
	"fmt"
	"sync"

	"rvsbi.dev/rvsbi/pkg/atomicbitops"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/pkg/ring0/pagetables"
)

// Translation failures.
var (
	ErrNonCanonical    = errors.New("address is not canonical")
	ErrInvalidEntry    = errors.New("invalid page table entry")
	ErrPermission      = errors.New("permission denied")
	ErrMisaligned      = errors.New("misaligned superpage")
	ErrNotAccessed     = errors.New("accessed or dirty bit clear")
	ErrTableAccess     = errors.New("page table outside the arena")
	ErrUnsupportedMode = errors.New("translation mode not implemented")
)

// Fault is a failed translation.
type Fault struct {
	// Cause is the trap cause a hart raises for the fault.
	Cause uint64

	// Addr is the faulting virtual address.
	Addr hostarch.Addr

	// Access is the attempted access.
	Access hostarch.AccessType

	// Err is the reason.
	Err error
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("%v fault at %v (cause %d): %v", f.Access, f.Addr, f.Cause, f.Err)
}

// Unwrap returns the reason.
func (f *Fault) Unwrap() error {
	return f.Err
}

// PageFault returns true if f is a page fault rather than an access fault.
func (f *Fault) PageFault() bool {
	switch f.Cause {
	case ring0.CauseFetchPageFault, ring0.CauseLoadPageFault, ring0.CauseStorePageFault:
		return true
	}
	return false
}

func pageFault(addr hostarch.Addr, at hostarch.AccessType, err error) *Fault {
	cause := uint64(ring0.CauseLoadPageFault)
	switch {
	case at.Execute:
		cause = ring0.CauseFetchPageFault
	case at.Write:
		cause = ring0.CauseStorePageFault
	}
	return &Fault{Cause: cause, Addr: addr, Access: at, Err: err}
}

func accessFault(addr hostarch.Addr, at hostarch.AccessType, err error) *Fault {
	cause := uint64(ring0.CauseLoadAccess)
	switch {
	case at.Execute:
		cause = ring0.CauseFetchAccess
	case at.Write:
		cause = ring0.CauseStoreAccess
	}
	return &Fault{Cause: cause, Addr: addr, Access: at, Err: err}
}

// Regime is the translation state an access is performed under.
type Regime struct {
	// Status is mstatus.
	Status uint64

	// Root is the translation-root register.
	Root uint64

	// Privilege is the effective privilege of the access.
	Privilege ring0.Privilege
}

// tlbKey identifies a cached translation.
type tlbKey struct {
	root uint64
	vpn  uint64
}

// tlbEntry is a cached leaf, narrowed to one page.
type tlbEntry struct {
	physical hostarch.Addr
	flags    pagetables.Flags
}

// MMU translates virtual addresses for one hart.
type MMU struct {
	tables pagetables.Allocator

	mu  sync.Mutex
	tlb map[tlbKey]tlbEntry

	// Hits, Misses and Flushes count cache events.
	Hits    atomicbitops.Uint64
	Misses  atomicbitops.Uint64
	Flushes atomicbitops.Uint64
}

// New returns an MMU reading tables from the given arena.
func New(tables pagetables.Allocator) *MMU {
	return &MMU{
		tables: tables,
		tlb:    make(map[tlbKey]tlbEntry),
	}
}

// Flush discards every cached translation.
func (m *MMU) Flush() {
	m.mu.Lock()
	clear(m.tlb)
	m.mu.Unlock()
	m.Flushes.Add(1)
}

// Cached returns the number of cached translations.
func (m *MMU) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tlb)
}

// Translate returns the physical address for an access at va.
//
// Machine-mode accesses and accesses in bare mode are not translated.
func (m *MMU) Translate(r Regime, va hostarch.Addr, at hostarch.AccessType) (hostarch.Addr, error) {
	if r.Privilege == ring0.PrivMachine {
		return va, nil
	}
	switch mode := ring0.StatusMode(r.Status); mode {
	case ring0.ModeBare:
		return va, nil
	case ring0.ModeSv39:
	default:
		return 0, accessFault(va, at, fmt.Errorf("%w: %v", ErrUnsupportedMode, mode))
	}

	// Bits 63-39 must equal bit 38.
	if top := uint64(va) >> 38; top != 0 && top != (1<<26)-1 {
		return 0, pageFault(va, at, ErrNonCanonical)
	}

	key := tlbKey{root: r.Root, vpn: uint64(va) >> hostarch.PageShift}
	m.mu.Lock()
	e, ok := m.tlb[key]
	m.mu.Unlock()
	if ok {
		m.Hits.Add(1)
	} else {
		m.Misses.Add(1)
		var err error
		if e, err = m.walk(r.Root, va, at); err != nil {
			return 0, err
		}
		m.mu.Lock()
		m.tlb[key] = e
		m.mu.Unlock()
	}

	if err := check(r, e.flags, at); err != nil {
		return 0, pageFault(va, at, err)
	}
	return e.physical + hostarch.Addr(va.PageOffset()), nil
}

// walk finds the leaf for va and narrows it to the page containing va.
func (m *MMU) walk(root uint64, va hostarch.Addr, at hostarch.AccessType) (tlbEntry, error) {
	table := hostarch.Addr(root << hostarch.PageShift)
	for level := pagetables.Levels - 1; level >= 0; level-- {
		ptes := m.tables.LookupPTEs(table)
		if ptes == nil {
			return tlbEntry{}, accessFault(va, at, fmt.Errorf("%w: %v", ErrTableAccess, table))
		}
		pte := ptes[pagetables.Index(va, level)]
		flags := pte.Flags()
		if !pte.Valid() || (flags&pagetables.Writable != 0 && flags&pagetables.Readable == 0) {
			return tlbEntry{}, pageFault(va, at, fmt.Errorf("%w: %v at level %d", ErrInvalidEntry, pte, level))
		}
		if !pte.IsLeaf() {
			table = pte.Address()
			continue
		}
		size := pagetables.LevelSize(level)
		if !pte.Address().IsAlignedTo(size) {
			return tlbEntry{}, pageFault(va, at, ErrMisaligned)
		}
		return tlbEntry{
			physical: pte.Address() + hostarch.Addr(uint64(va)&(size-1)).RoundDown(),
			flags:    flags,
		}, nil
	}
	return tlbEntry{}, pageFault(va, at, fmt.Errorf("%w: pointer at level 0", ErrInvalidEntry))
}

// check applies the permission rules of a leaf.
func check(r Regime, flags pagetables.Flags, at hostarch.AccessType) error {
	user := flags&pagetables.User != 0
	switch r.Privilege {
	case ring0.PrivUser:
		if !user {
			return fmt.Errorf("%w: supervisor page from user mode", ErrPermission)
		}
	case ring0.PrivSupervisor:
		if user && (at.Execute || r.Status&ring0.StatusPUM != 0) {
			return fmt.Errorf("%w: user page from supervisor mode", ErrPermission)
		}
	}

	readable := flags&pagetables.Readable != 0 ||
		(r.Status&ring0.StatusMXR != 0 && flags&pagetables.Executable != 0)
	switch {
	case at.Read && !readable,
		at.Write && flags&pagetables.Writable == 0,
		at.Execute && flags&pagetables.Executable == 0:
		return fmt.Errorf("%w: %v on %v", ErrPermission, at, flags)
	}

	// Accessed and dirty bits are never updated here.
	if flags&pagetables.Accessed == 0 || (at.Write && flags&pagetables.Dirty == 0) {
		return ErrNotAccessed
	}
	return nil
}
