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

// Package pagetables builds Sv39 page tables.
//
// Tables live in an arena owned by an Allocator. They are built once, sealed,
// and then handed to the translation-mode controller; sealed tables are never
// modified.
package pagetables

import (
	"errors"
	"fmt"

	"rvsbi.dev/rvsbi/pkg/hostarch"
)

// Mapping errors.
var (
	ErrSealed        = errors.New("page tables are sealed")
	ErrUnaligned     = errors.New("address not page-aligned")
	ErrLength        = errors.New("length is not a positive multiple of the page size")
	ErrOverflow      = errors.New("range overflows")
	ErrNonCanonical  = errors.New("virtual range outside the lower canonical half")
	ErrPhysicalRange = errors.New("physical range outside the physical address space")
	ErrPermissions   = errors.New("invalid leaf permissions")
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical hostarch.Addr

	// sealed is set once the tables may be active.
	sealed bool
}

// New returns new PageTables with an empty root.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// CheckRange returns an error if [addr, addr+length) cannot be mapped to
// physical.
func CheckRange(addr hostarch.Addr, length uint64, physical hostarch.Addr) error {
	if !addr.IsPageAligned() {
		return fmt.Errorf("%w: virtual %v", ErrUnaligned, addr)
	}
	if !physical.IsPageAligned() {
		return fmt.Errorf("%w: physical %v", ErrUnaligned, physical)
	}
	if length == 0 || length%hostarch.PageSize != 0 {
		return fmt.Errorf("%w: %#x", ErrLength, length)
	}
	vend, ok := addr.AddLength(length)
	if !ok {
		return fmt.Errorf("%w: virtual %v+%#x", ErrOverflow, addr, length)
	}
	pend, ok := physical.AddLength(length)
	if !ok {
		return fmt.Errorf("%w: physical %v+%#x", ErrOverflow, physical, length)
	}
	if vend > LowerTop {
		return fmt.Errorf("%w: [%v, %v)", ErrNonCanonical, addr, vend)
	}
	if pend > maxPhysical {
		return fmt.Errorf("%w: [%v, %v)", ErrPhysicalRange, physical, pend)
	}
	return nil
}

// Map installs a mapping with the given physical address. Overlapping
// mappings installed earlier are replaced for every page in the range.
//
// True is returned iff an existing mapping was replaced.
//
// If the arena is exhausted part of the range may have been mapped.
func (p *PageTables) Map(addr hostarch.Addr, length uint64, opts MapOpts, physical hostarch.Addr) (bool, error) {
	if p.sealed {
		return false, ErrSealed
	}
	if !opts.Valid() {
		return false, fmt.Errorf("%w: %v", ErrPermissions, opts)
	}
	if err := CheckRange(addr, length, physical); err != nil {
		return false, err
	}
	w := mapWalker{
		pageTables: p,
		virtual:    uint64(addr),
		physical:   uint64(physical),
		opts:       opts,
	}
	err := w.walk(p.root, Levels-1, uint64(addr), uint64(addr)+length)
	return w.replaced, err
}

// Lookup returns the physical address for the given virtual address.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical hostarch.Addr, opts MapOpts, ok bool) {
	if addr >= LowerTop {
		return 0, MapOpts{}, false
	}
	page := uint64(addr.RoundDown())
	p.iterateRange(page, page+pteSize, func(start uint64, pte PTE, level int) bool {
		physical = pte.Address() + hostarch.Addr(uint64(addr)-start)
		opts = pte.Opts()
		ok = true
		return false
	})
	return physical, opts, ok
}

// Mapping is a single leaf.
type Mapping struct {
	Virtual  hostarch.Addr
	Physical hostarch.Addr
	Length   uint64
	Level    int
	Flags    Flags
}

// Opts returns the mapping options of m.
func (m Mapping) Opts() MapOpts {
	return PTE(m.Flags).Opts()
}

// String implements fmt.Stringer.String.
func (m Mapping) String() string {
	return fmt.Sprintf("%v-%v -> %v [%v]", m.Virtual, m.Virtual+hostarch.Addr(m.Length), m.Physical, m.Flags)
}

// Mappings returns every leaf in virtual address order.
func (p *PageTables) Mappings() []Mapping {
	var ms []Mapping
	p.iterateRange(0, LowerTop, func(start uint64, pte PTE, level int) bool {
		ms = append(ms, Mapping{
			Virtual:  hostarch.Addr(start),
			Physical: pte.Address(),
			Length:   LevelSize(level),
			Level:    level,
			Flags:    pte.Flags(),
		})
		return true
	})
	return ms
}

// Seal marks the tables as ready for activation. Subsequent Map calls fail.
func (p *PageTables) Seal() {
	p.sealed = true
}

// Sealed returns true if Seal was called.
func (p *PageTables) Sealed() bool {
	return p.sealed
}

// RootPhysical returns the physical address of the root table.
func (p *PageTables) RootPhysical() hostarch.Addr {
	return p.rootPhysical
}

// RootPPN returns the root in the encoding of the translation-root register.
func (p *PageTables) RootPPN() uint64 {
	return p.rootPhysical.PageNumber()
}
