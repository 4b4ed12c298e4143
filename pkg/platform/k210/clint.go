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

package k210

import (
	"fmt"
	"sync"

	"rvsbi.dev/rvsbi/pkg/atomicbitops"
)

// CLINT register offsets.
const (
	clintMSIP     = 0x0000
	clintMTimeCmp = 0x4000
	clintMTime    = 0xbff8

	// CLINTSize is the size of the CLINT register window.
	CLINTSize = 0xc000
)

// CLINT is the core-local interruptor: a software-interrupt register and a
// timer comparator per hart, and a shared timer.
//
// mtime advances by Step on every read, so that successive reads are
// strictly increasing without a wall clock.
type CLINT struct {
	// Step is added to mtime on each read.
	Step uint64

	mtime atomicbitops.Uint64

	mu       sync.Mutex
	msip     []uint32
	mtimecmp []uint64
}

// NewCLINT returns a CLINT for harts harts with all comparators disarmed.
func NewCLINT(harts int) *CLINT {
	c := &CLINT{
		Step:     1,
		msip:     make([]uint32, harts),
		mtimecmp: make([]uint64, harts),
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0)
	}
	return c
}

// Advance moves mtime forward by d.
func (c *CLINT) Advance(d uint64) {
	c.mtime.Add(d)
}

// MSIP reports whether hart's software interrupt is raised.
func (c *CLINT) MSIP(hart uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msip[hart]&1 != 0
}

// TimerPending reports whether hart's comparator has been reached. It does
// not advance mtime.
func (c *CLINT) TimerPending(hart uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtime.Load() >= c.mtimecmp[hart]
}

// hartRegister decodes offset within a per-hart array of stride-sized
// registers starting at base.
func (c *CLINT) hartRegister(offset, base, stride uint64) (int, bool) {
	if offset < base || (offset-base)%stride != 0 {
		return 0, false
	}
	hart := (offset - base) / stride
	if hart >= uint64(len(c.msip)) {
		return 0, false
	}
	return int(hart), true
}

// Load implements physmem.Registers.Load.
func (c *CLINT) Load(offset uint64, size int) (uint64, error) {
	switch {
	case offset == clintMTime && size == 8:
		return c.mtime.Add(c.Step) - c.Step, nil
	case offset >= clintMTimeCmp && size == 8:
		if hart, ok := c.hartRegister(offset, clintMTimeCmp, 8); ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.mtimecmp[hart], nil
		}
	case offset < clintMTimeCmp && size == 4:
		if hart, ok := c.hartRegister(offset, clintMSIP, 4); ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return uint64(c.msip[hart]), nil
		}
	}
	return 0, fmt.Errorf("clint: no %d-byte register at %#x", size, offset)
}

// Store implements physmem.Registers.Store.
func (c *CLINT) Store(offset uint64, size int, v uint64) error {
	switch {
	case offset == clintMTime && size == 8:
		c.mtime.Store(v)
		return nil
	case offset >= clintMTimeCmp && size == 8:
		if hart, ok := c.hartRegister(offset, clintMTimeCmp, 8); ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.mtimecmp[hart] = v
			return nil
		}
	case offset < clintMTimeCmp && size == 4:
		if hart, ok := c.hartRegister(offset, clintMSIP, 4); ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			// Only bit 0 is implemented.
			c.msip[hart] = uint32(v) & 1
			return nil
		}
	}
	return fmt.Errorf("clint: no %d-byte register at %#x", size, offset)
}
