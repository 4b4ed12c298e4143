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

// Package physmem models the physical address space of a board: RAM,
// reserved ranges and device registers, indexed by start address.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"rvsbi.dev/rvsbi/pkg/hostarch"
)

// Kind is the kind of a region.
type Kind int

// Region kinds.
const (
	// RAM is ordinary memory.
	RAM Kind = iota

	// Reserved is memory owned by the firmware, such as the page table
	// arena. Data accesses to it fail.
	Reserved

	// Device is a range of device registers.
	Device
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case RAM:
		return "ram"
	case Reserved:
		return "reserved"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Registers are the registers of a memory-mapped device. Offsets are relative
// to the start of the device region.
type Registers interface {
	// Load reads size bytes at offset.
	Load(offset uint64, size int) (uint64, error)

	// Store writes the low size bytes of v at offset.
	Store(offset uint64, size int, v uint64) error
}

// Access errors.
var (
	ErrUnmapped = errors.New("no region at address")
	ErrReserved = errors.New("region is reserved")
	ErrBounds   = errors.New("access crosses the end of a region")
	ErrSize     = errors.New("invalid access size")
	ErrOverlap  = errors.New("region overlaps an existing region")
)

// AccessError is returned for a failed load or store.
type AccessError struct {
	Addr  hostarch.Addr
	Size  int
	Write bool
	Err   error
}

// Error implements error.Error.
func (e *AccessError) Error() string {
	op := "load"
	if e.Write {
		op = "store"
	}
	return fmt.Sprintf("%s of %d bytes at %v: %v", op, e.Size, e.Addr, e.Err)
}

// Unwrap returns the cause.
func (e *AccessError) Unwrap() error {
	return e.Err
}

// Region is a contiguous range of the physical address space.
type Region struct {
	Name  string             `json:"name" yaml:"name"`
	Range hostarch.AddrRange `json:"range" yaml:"range"`
	Kind  Kind               `json:"kind" yaml:"kind"`

	data []byte
	regs Registers
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("%s %v %v", r.Name, r.Range, r.Kind)
}

func regionLess(a, b *Region) bool {
	return a.Range.Start < b.Range.Start
}

// Memory is a physical address space.
type Memory struct {
	mu      sync.RWMutex
	regions *btree.BTreeG[*Region]
}

// New returns an empty address space.
func New() *Memory {
	return &Memory{
		regions: btree.NewG(8, regionLess),
	}
}

// add inserts r.
//
// Preconditions: m.mu must be locked.
func (m *Memory) add(r *Region) error {
	if !r.Range.WellFormed() || r.Range.Length() == 0 {
		return fmt.Errorf("invalid range %v for %q", r.Range, r.Name)
	}
	var conflict *Region
	// The only candidates are the last region starting below End.
	m.regions.DescendLessOrEqual(&Region{Range: hostarch.AddrRange{Start: r.Range.End - 1}}, func(o *Region) bool {
		if o.Range.Overlaps(r.Range) {
			conflict = o
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("%w: %q %v and %q %v", ErrOverlap, r.Name, r.Range, conflict.Name, conflict.Range)
	}
	m.regions.ReplaceOrInsert(r)
	return nil
}

func checkRange(start hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	ar, ok := start.ToRange(length)
	if !ok {
		return ar, fmt.Errorf("range %v+%#x overflows", start, length)
	}
	return ar, nil
}

// AddRAM adds zeroed memory.
func (m *Memory) AddRAM(name string, start hostarch.Addr, length uint64) error {
	ar, err := checkRange(start, length)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(&Region{Name: name, Range: ar, Kind: RAM, data: make([]byte, length)})
}

// Reserve marks a range as inaccessible to data accesses. The range may lie
// within RAM, in which case the RAM region is carved around it.
func (m *Memory) Reserve(name string, start hostarch.Addr, length uint64) error {
	ar, err := checkRange(start, length)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if ram, ok := m.find(start); ok && ram.Kind == RAM && ram.Range.IsSupersetOf(ar) {
		m.regions.Delete(ram)
		off := uint64(ar.Start - ram.Range.Start)
		if off > 0 {
			m.regions.ReplaceOrInsert(&Region{
				Name:  ram.Name,
				Range: hostarch.AddrRange{Start: ram.Range.Start, End: ar.Start},
				Kind:  RAM,
				data:  ram.data[:off],
			})
		}
		if ar.End < ram.Range.End {
			m.regions.ReplaceOrInsert(&Region{
				Name:  ram.Name,
				Range: hostarch.AddrRange{Start: ar.End, End: ram.Range.End},
				Kind:  RAM,
				data:  ram.data[off+length:],
			})
		}
	}
	return m.add(&Region{Name: name, Range: ar, Kind: Reserved})
}

// AddDevice maps device registers.
func (m *Memory) AddDevice(name string, start hostarch.Addr, length uint64, regs Registers) error {
	ar, err := checkRange(start, length)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(&Region{Name: name, Range: ar, Kind: Device, regs: regs})
}

// find returns the region containing addr.
//
// Preconditions: m.mu must be locked.
func (m *Memory) find(addr hostarch.Addr) (*Region, bool) {
	var found *Region
	m.regions.DescendLessOrEqual(&Region{Range: hostarch.AddrRange{Start: addr}}, func(r *Region) bool {
		if r.Range.Contains(addr) {
			found = r
		}
		return false
	})
	return found, found != nil
}

// Find returns the region containing addr.
func (m *Memory) Find(addr hostarch.Addr) (Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.find(addr)
	if !ok {
		return Region{}, false
	}
	return *r, true
}

// Regions returns every region in address order.
func (m *Memory) Regions() []Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := make([]Region, 0, m.regions.Len())
	m.regions.Ascend(func(r *Region) bool {
		rs = append(rs, *r)
		return true
	})
	return rs
}

// span returns the region holding [addr, addr+size).
//
// Preconditions: m.mu must be locked.
func (m *Memory) span(addr hostarch.Addr, size int, write bool) (*Region, error) {
	r, ok := m.find(addr)
	if !ok {
		return nil, &AccessError{Addr: addr, Size: size, Write: write, Err: ErrUnmapped}
	}
	if r.Kind == Reserved {
		return nil, &AccessError{Addr: addr, Size: size, Write: write, Err: ErrReserved}
	}
	if end, ok := addr.AddLength(uint64(size)); !ok || end > r.Range.End {
		return nil, &AccessError{Addr: addr, Size: size, Write: write, Err: ErrBounds}
	}
	return r, nil
}

func validSize(size int) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

// Load reads a little-endian value of size 1, 2, 4 or 8 bytes.
func (m *Memory) Load(addr hostarch.Addr, size int) (uint64, error) {
	if !validSize(size) {
		return 0, &AccessError{Addr: addr, Size: size, Err: ErrSize}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.span(addr, size, false)
	if err != nil {
		return 0, err
	}
	off := uint64(addr - r.Range.Start)
	if r.Kind == Device {
		v, err := r.regs.Load(off, size)
		if err != nil {
			return 0, &AccessError{Addr: addr, Size: size, Err: err}
		}
		return v, nil
	}
	var buf [8]byte
	copy(buf[:], r.data[off:off+uint64(size)])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Store writes the low size bytes of v in little-endian order.
func (m *Memory) Store(addr hostarch.Addr, size int, v uint64) error {
	if !validSize(size) {
		return &AccessError{Addr: addr, Size: size, Write: true, Err: ErrSize}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.span(addr, size, true)
	if err != nil {
		return err
	}
	off := uint64(addr - r.Range.Start)
	if r.Kind == Device {
		if err := r.regs.Store(off, size, v); err != nil {
			return &AccessError{Addr: addr, Size: size, Write: true, Err: err}
		}
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(r.data[off:off+uint64(size)], buf[:size])
	return nil
}

// ReadAt copies RAM at addr into dst. The range must lie in one RAM region.
func (m *Memory) ReadAt(dst []byte, addr hostarch.Addr) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.ram(addr, len(dst), false)
	if err != nil {
		return err
	}
	off := uint64(addr - r.Range.Start)
	copy(dst, r.data[off:])
	return nil
}

// WriteAt copies src into RAM at addr. The range must lie in one RAM region.
func (m *Memory) WriteAt(src []byte, addr hostarch.Addr) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.ram(addr, len(src), true)
	if err != nil {
		return err
	}
	off := uint64(addr - r.Range.Start)
	copy(r.data[off:], src)
	return nil
}

// ram is span restricted to RAM.
//
// Preconditions: m.mu must be locked.
func (m *Memory) ram(addr hostarch.Addr, size int, write bool) (*Region, error) {
	r, err := m.span(addr, size, write)
	if err != nil {
		return nil, err
	}
	if r.Kind != RAM {
		return nil, &AccessError{Addr: addr, Size: size, Write: write, Err: fmt.Errorf("bulk access to %v region", r.Kind)}
	}
	return r, nil
}
