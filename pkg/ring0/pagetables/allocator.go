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

package pagetables

import (
	"errors"
	"fmt"

	"rvsbi.dev/rvsbi/pkg/hostarch"
)

// ErrArenaExhausted is returned when no table page is left.
var ErrArenaExhausted = errors.New("page table arena exhausted")

// Allocator is used to allocate and map PTEs.
//
// Pages are never freed: tables are built once and are immutable after they
// have been activated.
type Allocator interface {
	// NewPTEs returns a new set of zeroed PTEs.
	NewPTEs() (*PTEs, error)

	// PhysicalFor returns the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) hostarch.Addr

	// LookupPTEs looks up PTEs by physical address. It returns nil if
	// physical is not the address of an allocated table.
	LookupPTEs(physical hostarch.Addr) *PTEs
}

// Rewinder is implemented by allocators that can take back every page handed
// out since a mark. Build uses it to leave the arena untouched on failure.
type Rewinder interface {
	// Mark returns the current allocation point.
	Mark() int

	// Rewind releases every page allocated after mark.
	Rewind(mark int)
}

// TableID is the handle of a table page within a PoolAllocator.
type TableID int

// PoolAllocator is a fixed-capacity arena of table pages occupying the
// physical range [base, base+capacity*PageSize).
//
// Pages are handed out in order; page i lives at base+i*PageSize.
type PoolAllocator struct {
	base  hostarch.Addr
	pages []PTEs
	used  int

	// ids maps allocated pages back to their handles.
	ids map[*PTEs]TableID
}

// NewPoolAllocator returns an arena of capacity pages placed at base.
//
// Precondition: base must be page-aligned and capacity must be positive.
func NewPoolAllocator(base hostarch.Addr, capacity int) *PoolAllocator {
	if !base.IsPageAligned() {
		panic(fmt.Sprintf("unaligned arena base %v", base))
	}
	if capacity <= 0 {
		panic(fmt.Sprintf("invalid arena capacity %d", capacity))
	}
	if _, ok := base.AddLength(uint64(capacity) * hostarch.PageSize); !ok {
		panic(fmt.Sprintf("arena at %v with %d pages overflows", base, capacity))
	}
	return &PoolAllocator{
		base:  base,
		pages: make([]PTEs, capacity),
		ids:   make(map[*PTEs]TableID, capacity),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *PoolAllocator) NewPTEs() (*PTEs, error) {
	if a.used == len(a.pages) {
		return nil, fmt.Errorf("%w: all %d pages in use", ErrArenaExhausted, len(a.pages))
	}
	id := TableID(a.used)
	a.used++
	ptes := &a.pages[id]
	a.ids[ptes] = id
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *PoolAllocator) PhysicalFor(ptes *PTEs) hostarch.Addr {
	id, ok := a.ids[ptes]
	if !ok {
		panic("PTEs not allocated by this arena")
	}
	return a.PhysicalForID(id)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *PoolAllocator) LookupPTEs(physical hostarch.Addr) *PTEs {
	id, ok := a.IDFor(physical)
	if !ok {
		return nil
	}
	return &a.pages[id]
}

// IDFor returns the handle of the table at physical.
func (a *PoolAllocator) IDFor(physical hostarch.Addr) (TableID, bool) {
	if physical < a.base || !physical.IsPageAligned() {
		return 0, false
	}
	i := uint64(physical-a.base) / hostarch.PageSize
	if i >= uint64(a.used) {
		return 0, false
	}
	return TableID(i), true
}

// PhysicalForID returns the physical address of the given table.
func (a *PoolAllocator) PhysicalForID(id TableID) hostarch.Addr {
	return a.base + hostarch.Addr(uint64(id)*hostarch.PageSize)
}

// Table returns the table with the given handle.
func (a *PoolAllocator) Table(id TableID) *PTEs {
	if int(id) < 0 || int(id) >= a.used {
		panic(fmt.Sprintf("table %d not allocated", id))
	}
	return &a.pages[id]
}

// Mark implements Rewinder.Mark.
func (a *PoolAllocator) Mark() int {
	return a.used
}

// Rewind implements Rewinder.Rewind. Released pages are zeroed and their
// handles become invalid.
//
// Precondition: no live table may reference a released page.
func (a *PoolAllocator) Rewind(mark int) {
	if mark < 0 || mark > a.used {
		panic(fmt.Sprintf("invalid arena mark %d with %d pages in use", mark, a.used))
	}
	for i := mark; i < a.used; i++ {
		delete(a.ids, &a.pages[i])
		a.pages[i] = PTEs{}
	}
	a.used = mark
}

// Len returns the number of pages in use.
func (a *PoolAllocator) Len() int {
	return a.used
}

// Cap returns the capacity of the arena.
func (a *PoolAllocator) Cap() int {
	return len(a.pages)
}

// Range returns the physical range reserved by the arena.
func (a *PoolAllocator) Range() hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: a.base,
		End:   a.base + hostarch.Addr(uint64(len(a.pages))*hostarch.PageSize),
	}
}
