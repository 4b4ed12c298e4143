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

package sbi

import (
	"fmt"

	"rvsbi.dev/rvsbi/pkg/atomicbitops"
	"rvsbi.dev/rvsbi/pkg/bits"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/ring0"
)

// Event is an inter-processor event.
type Event int

// Events, in processing order.
const (
	EventSoft Event = iota
	EventFenceI
	EventSFenceVMA
	EventHalt
)

// String implements fmt.Stringer.String.
func (e Event) String() string {
	switch e {
	case EventSoft:
		return "soft"
	case EventFenceI:
		return "fence.i"
	case EventSFenceVMA:
		return "sfence.vma"
	case EventHalt:
		return "halt"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// IPI delivers events between harts. Each hart has a set of pending events;
// senders mark the set and raise the target's software interrupt, and the
// target drains the set in Process.
type IPI struct {
	platform Platform
	pending  []atomicbitops.Uint64
}

// NewIPI returns an IPI service for every hart of p.
func NewIPI(p Platform) *IPI {
	return &IPI{
		platform: p,
		pending:  make([]atomicbitops.Uint64, p.HartCount()),
	}
}

// Pending returns the events pending on hart.
func (i *IPI) Pending(hart uint32) uint64 {
	return i.pending[hart].Load()
}

// availableMask returns the mask of every hart.
func (i *IPI) availableMask() uint64 {
	n := len(i.pending)
	if n >= 64 {
		return ^uint64(0)
	}
	return bits.MaskOf64(n) - 1
}

// SendMany sends event to the harts in the mask stored at maskAddr, read
// through the caller's view of memory. A zero maskAddr means every hart. The
// calling hart, if targeted, is signalled last.
func (i *IPI) SendMany(ctx Context, maskAddr hostarch.Addr, event Event) Error {
	mask := i.availableMask()
	if maskAddr != 0 {
		m, err := ctx.LoadCallerWord(maskAddr)
		if err != nil {
			return ErrInvalidAddress
		}
		mask &= m
	}

	self := ctx.HartID()
	var ret Error
	bits.ForEachSetBit64(mask, func(hart int) {
		if uint32(hart) != self && ret == Success {
			ret = i.send(uint32(hart), event)
		}
	})
	if ret != Success {
		return ret
	}
	if bits.IsOn64(mask, bits.MaskOf64(int(self))) {
		return i.send(self, event)
	}
	return Success
}

// send marks event pending on target and interrupts it. Events other than
// EventSoft are synchronous.
func (i *IPI) send(target uint32, event Event) Error {
	if int(target) >= len(i.pending) {
		return ErrFailed
	}
	atomicbitops.OrUint64(&i.pending[target], bits.MaskOf64(int(event)))
	i.platform.IPISend(target)
	if event != EventSoft {
		i.platform.IPISync(target)
	}
	return Success
}

// Process drains the events pending on ctx's hart. It is called when the
// hart takes its machine software interrupt.
func (i *IPI) Process(ctx Context) {
	hart := ctx.HartID()
	i.platform.IPIClear(hart)
	for {
		events := atomicbitops.SwapAndClearUint64(&i.pending[hart], ^uint64(0))
		if events == 0 {
			return
		}
		bits.ForEachSetBit64(events, func(e int) {
			switch Event(e) {
			case EventSoft:
				ctx.CSRs().Set(ring0.CSRMIP, ring0.IntSSIP)
			case EventFenceI:
				ctx.FenceI()
			case EventSFenceVMA:
				ctx.CSRs().FenceVMA()
			case EventHalt:
				ctx.Halt()
			}
		})
	}
}

// ClearSmode clears the supervisor software interrupt of ctx's hart.
func (i *IPI) ClearSmode(ctx Context) {
	ctx.CSRs().Clear(ring0.CSRMIP, ring0.IntSSIP)
}
