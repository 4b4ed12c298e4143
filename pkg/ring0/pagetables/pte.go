// Copyright 2019 The gVisor Authors.
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
	"strings"

	"rvsbi.dev/rvsbi/pkg/hostarch"
)

// Flags are the low ten bits of an entry.
type Flags uint16

// Entry flags.
const (
	Valid Flags = 1 << iota
	Readable
	Writable
	Executable
	User
	Global
	Accessed
	Dirty

	// rswShift locates the two bits reserved for software.
	rswShift = 8

	// FlagsMask covers every flag bit, RSW included.
	FlagsMask Flags = 0x3ff
)

// flagNames are printed in bit order.
const flagNames = "vrwxugad"

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var b strings.Builder
	for i := 0; i < len(flagNames); i++ {
		if f&(1<<i) != 0 {
			b.WriteByte(flagNames[i])
		} else {
			b.WriteByte('-')
		}
	}
	if rsw := (f >> rswShift) & 0x3; rsw != 0 {
		fmt.Fprintf(&b, "+rsw%d", rsw)
	}
	return b.String()
}

// RSW returns the software-reserved bits.
func (f Flags) RSW() uint8 {
	return uint8((f >> rswShift) & 0x3)
}

const (
	// ppnShift is the position of the physical page number in an entry.
	ppnShift = 10

	// maxPhysical is the first physical address that cannot be encoded.
	maxPhysical = 1 << hostarch.PhysicalAddressBits
)

// PTE is a single Sv39 page table entry.
type PTE uint64

// Encode returns the entry pointing at physical with the given flags.
//
// Precondition: physical must be page-aligned and below 2^56, and flags must
// fit in FlagsMask. Encode panics otherwise; there is no silent truncation.
func Encode(physical hostarch.Addr, flags Flags) PTE {
	if !physical.IsPageAligned() {
		panic(fmt.Sprintf("pagetables.Encode: unaligned physical address %v", physical))
	}
	if uint64(physical) >= maxPhysical {
		panic(fmt.Sprintf("pagetables.Encode: physical address %v out of range", physical))
	}
	if flags&^FlagsMask != 0 {
		panic(fmt.Sprintf("pagetables.Encode: flags %#x out of range", uint16(flags)))
	}
	return PTE(physical.PageNumber()<<ppnShift | uint64(flags))
}

// Decode is the inverse of Encode.
func Decode(p PTE) (hostarch.Addr, Flags) {
	return p.Address(), p.Flags()
}

// NewLeaf returns a leaf entry mapping physical with opts. Leaves are created
// with the accessed bit set, and the dirty bit set if writable, since the
// board never updates either.
//
// Precondition: opts must be a valid leaf permission (see MapOpts.Valid).
func NewLeaf(physical hostarch.Addr, opts MapOpts) PTE {
	if !opts.Valid() {
		panic(fmt.Sprintf("pagetables.NewLeaf: invalid permissions %v", opts))
	}
	return Encode(physical, opts.flags())
}

// NewPointer returns an entry pointing at the next-level table at physical.
// A pointer carries no permission bits.
func NewPointer(physical hostarch.Addr, global bool) PTE {
	f := Valid
	if global {
		f |= Global
	}
	return Encode(physical, f)
}

// Valid returns true iff this entry is valid.
func (p PTE) Valid() bool {
	return p&PTE(Valid) != 0
}

// IsLeaf returns true iff this entry maps memory.
func (p PTE) IsLeaf() bool {
	return p.Valid() && p&PTE(Readable|Executable) != 0
}

// IsPointer returns true iff this entry points at a next-level table.
func (p PTE) IsPointer() bool {
	return p.Valid() && p&PTE(Readable|Writable|Executable) == 0
}

// Address returns the physical address encoded in the entry.
func (p PTE) Address() hostarch.Addr {
	return hostarch.Addr((uint64(p) >> ppnShift) << hostarch.PageShift)
}

// Flags returns the flag bits of the entry.
func (p PTE) Flags() Flags {
	return Flags(p) & FlagsMask
}

// Opts returns the mapping options of a leaf.
func (p PTE) Opts() MapOpts {
	f := p.Flags()
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    f&Readable != 0,
			Write:   f&Writable != 0,
			Execute: f&Executable != 0,
		},
		User:   f&User != 0,
		Global: f&Global != 0,
	}
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	switch {
	case !p.Valid():
		return "<invalid>"
	case p.IsPointer():
		return fmt.Sprintf("table@%v", p.Address())
	default:
		return fmt.Sprintf("%v[%v]", p.Address(), p.Flags())
	}
}

// Clear clears this entry.
func (p *PTE) Clear() {
	*p = 0
}

// Set sets this entry to a leaf.
func (p *PTE) Set(physical hostarch.Addr, opts MapOpts) {
	*p = NewLeaf(physical, opts)
}

// setPageTable sets this entry to point at the given table.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	*p = NewPointer(pt.Allocator.PhysicalFor(ptes), false)
}

// MapOpts are the options of a leaf mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the page is accessible from user mode.
	User bool

	// Global indicates the mapping exists in every address space.
	Global bool
}

// Valid returns true if opts can be encoded as a leaf: at least one of read
// or execute, and write only together with read.
func (opts MapOpts) Valid() bool {
	at := opts.AccessType
	if !at.Read && !at.Execute {
		return false
	}
	return !at.Write || at.Read
}

// flags returns the leaf flags for opts.
func (opts MapOpts) flags() Flags {
	f := Valid | Accessed
	if opts.AccessType.Read {
		f |= Readable
	}
	if opts.AccessType.Write {
		f |= Writable | Dirty
	}
	if opts.AccessType.Execute {
		f |= Executable
	}
	if opts.User {
		f |= User
	}
	if opts.Global {
		f |= Global
	}
	return f
}

// String implements fmt.Stringer.String.
func (opts MapOpts) String() string {
	s := opts.AccessType.String()
	if opts.User {
		s += ",user"
	}
	if opts.Global {
		s += ",global"
	}
	return s
}

// ParseMapOpts parses the form produced by MapOpts.String, for example
// "rwx,global".
func ParseMapOpts(s string) (MapOpts, error) {
	var opts MapOpts
	for i, part := range strings.Split(s, ",") {
		switch {
		case part == "user":
			opts.User = true
		case part == "global":
			opts.Global = true
		case i == 0:
			at, err := hostarch.ParseAccessType(part)
			if err != nil {
				return MapOpts{}, err
			}
			opts.AccessType = at
		default:
			return MapOpts{}, fmt.Errorf("unknown mapping option %q", part)
		}
	}
	if !opts.Valid() {
		return MapOpts{}, fmt.Errorf("invalid leaf permissions %q", s)
	}
	return opts, nil
}

// MarshalText implements encoding.TextMarshaler.
func (opts MapOpts) MarshalText() ([]byte, error) {
	return []byte(opts.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (opts *MapOpts) UnmarshalText(b []byte) error {
	o, err := ParseMapOpts(string(b))
	if err != nil {
		return err
	}
	*opts = o
	return nil
}
