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
	"bufio"
	"fmt"
	"io"
	"sync"

	"rvsbi.dev/rvsbi/pkg/log"
)

// UARTHS register offsets.
const (
	uartTxData = 0x00
	uartRxData = 0x04
	uartTxCtrl = 0x08
	uartRxCtrl = 0x0c
	uartIE     = 0x10
	uartIP     = 0x14
	uartDiv    = 0x18

	// UARTHSSize is the size of the UARTHS register window.
	UARTHSSize = 0x1000

	// uartEmpty is set in rxdata when no byte is available.
	uartEmpty = 1 << 31
)

// UARTHS is the high-speed UART used as the firmware console. Transmitted
// bytes go to an io.Writer; received bytes come from an io.Reader.
type UARTHS struct {
	mu   sync.Mutex
	out  io.Writer
	in   *bufio.Reader
	regs map[uint64]uint32

	// errs is the number of failed writes to out.
	errs int
}

// NewUARTHS returns a UART writing to out and reading from in. Either may
// be nil.
func NewUARTHS(out io.Writer, in io.Reader) *UARTHS {
	u := &UARTHS{
		out:  out,
		regs: make(map[uint64]uint32),
	}
	if in != nil {
		u.in = bufio.NewReader(in)
	}
	return u
}

// Configure programs the divisor for baud given the bus frequency, and
// enables the transmitter and receiver with the given stop bits.
func (u *UARTHS) Configure(busFreq, baud uint64, stopBits uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.regs[uartDiv] = uint32(busFreq/baud - 1)
	u.regs[uartTxCtrl] = 1 | stopBits<<1
	u.regs[uartRxCtrl] = 1
}

// Load implements physmem.Registers.Load.
func (u *UARTHS) Load(offset uint64, size int) (uint64, error) {
	if size != 4 {
		return 0, fmt.Errorf("uarths: %d-byte access at %#x", size, offset)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	switch offset {
	case uartTxData:
		// The transmit FIFO is never full.
		return 0, nil
	case uartRxData:
		if u.in == nil {
			return uartEmpty, nil
		}
		b, err := u.in.ReadByte()
		if err != nil {
			return uartEmpty, nil
		}
		return uint64(b), nil
	case uartTxCtrl, uartRxCtrl, uartIE, uartIP, uartDiv:
		return uint64(u.regs[offset]), nil
	}
	return 0, fmt.Errorf("uarths: no register at %#x", offset)
}

// Store implements physmem.Registers.Store.
func (u *UARTHS) Store(offset uint64, size int, v uint64) error {
	if size != 4 {
		return fmt.Errorf("uarths: %d-byte access at %#x", size, offset)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	switch offset {
	case uartTxData:
		if u.out == nil {
			return nil
		}
		if _, err := u.out.Write([]byte{byte(v)}); err != nil {
			u.errs++
			if u.errs == 1 {
				log.Warningf("uarths: console write failed: %v", err)
			}
		}
		return nil
	case uartRxData, uartIP:
		// Read-only.
		return nil
	case uartTxCtrl, uartRxCtrl, uartIE, uartDiv:
		u.regs[offset] = uint32(v)
		return nil
	}
	return fmt.Errorf("uarths: no register at %#x", offset)
}
