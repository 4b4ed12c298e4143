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

package memtest

import (
	"context"
	"fmt"

	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/sbi"
)

// DefaultStride is the distance between probed bytes.
const DefaultStride = 0x80000

// ProbeConfig configures a probe.
type ProbeConfig struct {
	Base   hostarch.Addr
	Length uint64

	// Stride is the distance between probed bytes. Zero means
	// DefaultStride.
	Stride uint64
}

// Probe writes one byte every stride bytes across the window, reads each
// back, and reports progress on the console through firmware calls. The
// bytes written are the digits '0', '1', ... in order. It returns the number
// of bytes probed.
func Probe(ctx context.Context, h Hart, cfg ProbeConfig) (int, error) {
	stride := cfg.Stride
	if stride == 0 {
		stride = DefaultStride
	}
	if err := puts(h, "\nTest payload running\n"); err != nil {
		return 0, err
	}
	ch := byte('0')
	n := 0
	for off := uint64(0); off < cfg.Length; off += stride {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := puts(h, "mem test "); err != nil {
			return n, err
		}
		addr := cfg.Base + hostarch.Addr(off)
		if err := h.WriteAt([]byte{ch}, addr); err != nil {
			return n, fmt.Errorf("probing %v: %w", addr, err)
		}
		var got [1]byte
		if err := h.ReadAt(got[:], addr); err != nil {
			return n, fmt.Errorf("probing %v: %w", addr, err)
		}
		if got[0] != ch {
			return n, &MismatchError{Addr: addr, Got: got[0], Want: ch}
		}
		if err := puts(h, string(ch)+"    \n"); err != nil {
			return n, err
		}
		ch++
		n++
	}
	return n, nil
}

// puts writes s to the console one character at a time.
func puts(h Hart, s string) error {
	for i := 0; i < len(s); i++ {
		if _, e := h.Ecall(sbi.OpConsolePutchar, uint64(s[i]), 0); e != sbi.Success {
			return fmt.Errorf("console_putchar: %v", e)
		}
	}
	return nil
}
