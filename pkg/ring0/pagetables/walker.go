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

package pagetables

import (
	"fmt"

	"rvsbi.dev/rvsbi/pkg/hostarch"
)

// Sv39 geometry. The root is level 2; level 0 holds 4K leaves.
const (
	// LowerTop is the first address above the lower canonical half.
	LowerTop = 1 << 38

	// Levels is the number of translation levels.
	Levels = 3

	pteShift = 12
	pmdShift = 21
	pgdShift = 30

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512
)

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

var levelShifts = [Levels]uint{pteShift, pmdShift, pgdShift}

// LevelSize returns the size mapped by a leaf at the given level.
func LevelSize(level int) uint64 {
	return 1 << levelShifts[level]
}

// Index returns the index of addr in a table at the given level.
func Index(addr hostarch.Addr, level int) int {
	return int((uint64(addr) >> levelShifts[level]) & (entriesPerPage - 1))
}

// addrEnd returns the next boundary of the given size after addr, or end if
// that comes earlier.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// mapWalker installs leaves for a single Map call.
type mapWalker struct {
	pageTables *PageTables
	virtual    uint64
	physical   uint64
	opts       MapOpts

	// replaced is set if an existing leaf was overwritten or split.
	replaced bool
}

// target returns the physical address that start maps to.
func (w *mapWalker) target(start uint64) uint64 {
	return w.physical + (start - w.virtual)
}

// walk maps [start, end) within entries at the given level.
//
// A leaf is installed at this level when start, its target and the remaining
// length all allow it. An existing leaf that cannot be replaced whole is split
// into the next level with its attributes replicated; an existing pointer is
// always descended.
func (w *mapWalker) walk(entries *PTEs, level int, start, end uint64) error {
	size := LevelSize(level)
	for start < end {
		nextBoundary := addrEnd(start, end, size)
		entry := &entries[Index(hostarch.Addr(start), level)]
		fits := start&(size-1) == 0 && end-start >= size && w.target(start)&(size-1) == 0

		if level == 0 || (fits && !entry.IsPointer()) {
			if entry.Valid() {
				w.replaced = true
			}
			entry.Set(hostarch.Addr(w.target(start)), w.opts)
			start = nextBoundary
			continue
		}

		var (
			next *PTEs
			err  error
		)
		switch {
		case !entry.Valid():
			if next, err = w.pageTables.Allocator.NewPTEs(); err != nil {
				return err
			}
			entry.setPageTable(w.pageTables, next)
		case entry.IsLeaf():
			// Does this page need to be split?
			w.replaced = true
			if next, err = w.pageTables.split(entry, level); err != nil {
				return err
			}
		default:
			next = w.pageTables.Allocator.LookupPTEs(entry.Address())
			if next == nil {
				panic(fmt.Sprintf("dangling table pointer %v at level %d", *entry, level))
			}
		}

		// Map the next level.
		if err := w.walk(next, level-1, start, nextBoundary); err != nil {
			return err
		}
		start = nextBoundary
	}
	return nil
}

// split replaces the leaf entry at the given level with a pointer to a table
// of leaves one level down that map the same range with the same flags.
func (p *PageTables) split(entry *PTE, level int) (*PTEs, error) {
	next, err := p.Allocator.NewPTEs()
	if err != nil {
		return nil, err
	}
	addr, flags := Decode(*entry)
	size := LevelSize(level - 1)
	for index := range next {
		next[index] = Encode(addr+hostarch.Addr(uint64(index)*size), flags)
	}
	entry.setPageTable(p, next)
	return next, nil
}

// leafFunc is called for each leaf. start is the first virtual address
// covered by the leaf. Returning false stops the walk.
type leafFunc func(start uint64, pte PTE, level int) bool

// iterateRange calls fn for every leaf overlapping [start, end), in address
// order. Invalid entries are skipped.
func (p *PageTables) iterateRange(start, end uint64, fn leafFunc) {
	p.walkLeaves(p.root, Levels-1, start, end, fn)
}

func (p *PageTables) walkLeaves(entries *PTEs, level int, start, end uint64, fn leafFunc) bool {
	size := LevelSize(level)
	for start < end {
		nextBoundary := addrEnd(start, end, size)
		entry := entries[Index(hostarch.Addr(start), level)]
		switch {
		case entry.IsLeaf():
			if !fn(start&^(size-1), entry, level) {
				return false
			}
		case entry.IsPointer() && level > 0:
			next := p.Allocator.LookupPTEs(entry.Address())
			if next != nil && !p.walkLeaves(next, level-1, start, nextBoundary, fn) {
				return false
			}
		}
		start = nextBoundary
	}
	return true
}
