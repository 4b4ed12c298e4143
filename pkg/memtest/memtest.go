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

// Package memtest verifies page-table aliasing by writing a reproducible
// byte stream through one window of memory and reading it back through
// others.
package memtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/log"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/pkg/sbi"
)

// chunkSize is the amount of memory copied per access.
const chunkSize = 64 << 10

// ErrModeSwitch is returned when the set-mode call fails.
var ErrModeSwitch = errors.New("translation mode switch failed")

// Hart is the view of a hart the tests run on. Addresses are virtual and
// accesses go through the hart's current translation.
type Hart interface {
	// HartID returns the hart ID.
	HartID() uint32

	// ReadAt copies memory at va into dst.
	ReadAt(dst []byte, va hostarch.Addr) error

	// WriteAt copies src to memory at va.
	WriteAt(src []byte, va hostarch.Addr) error

	// Ecall makes a firmware call and returns a0.
	Ecall(op sbi.Op, a0, a1 uint64) (uint64, sbi.Error)
}

// Config configures a validation run.
type Config struct {
	// Physical and Length describe the window that is filled.
	Physical hostarch.Addr
	Length   uint64

	// Windows are the virtual bases expected to alias Physical.
	Windows []hostarch.Addr

	// Seed seeds the byte stream.
	Seed uint32

	// Mode is activated between the fill and the checks.
	Mode ring0.Mode

	// Boundary is the number of bytes at the top of each window that are
	// checked a second time with a generator skipped ahead to them. Zero
	// means one page.
	Boundary uint64

	// ReadOnly skips the fill, for runs against a window filled earlier.
	ReadOnly bool
}

// ScenarioA returns the standard run: a 3 MiB window at base, identity
// mapped and aliased 4 GiB higher, checked under Sv39.
func ScenarioA(base hostarch.Addr) Config {
	return Config{
		Physical: base,
		Length:   3 << 20,
		Windows:  []hostarch.Addr{base, base + 4<<30},
		Seed:     DefaultSeed,
		Mode:     ring0.ModeSv39,
	}
}

// Check returns an error if c cannot be run.
func (c Config) Check() error {
	if c.Length == 0 {
		return fmt.Errorf("empty window")
	}
	if _, ok := c.Physical.AddLength(c.Length); !ok {
		return fmt.Errorf("window %v+%#x overflows", c.Physical, c.Length)
	}
	if len(c.Windows) == 0 {
		return fmt.Errorf("no windows to check")
	}
	for _, w := range c.Windows {
		if _, ok := w.AddLength(c.Length); !ok {
			return fmt.Errorf("window %v+%#x overflows", w, c.Length)
		}
	}
	if c.Mode > ring0.MaxMode {
		return fmt.Errorf("%w: %d", ring0.ErrInvalidMode, c.Mode)
	}
	return nil
}

// boundary returns the length of the boundary check.
func (c Config) boundary() uint64 {
	b := c.Boundary
	if b == 0 {
		b = hostarch.PageSize
	}
	return min(b, c.Length)
}

// MismatchError reports the first byte that differs from the stream.
type MismatchError struct {
	// Window is the index of the window in Config.Windows.
	Window int

	// Addr is the virtual address of the byte.
	Addr hostarch.Addr

	Got  byte
	Want byte
}

// Error implements error.Error.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("window %d: mismatch at %v: got %#02x, want %#02x", e.Window, e.Addr, e.Got, e.Want)
}

// Report summarizes a successful run.
type Report struct {
	// Filled is the number of bytes written.
	Filled uint64

	// Checked is the number of bytes compared, boundary checks included.
	Checked uint64

	Elapsed time.Duration
}

// Validator runs aliasing checks on a hart.
type Validator struct {
	hart Hart
}

// NewValidator returns a validator running on h.
func NewValidator(h Hart) *Validator {
	return &Validator{hart: h}
}

// Run fills the physical window with the stream while translation is off,
// activates cfg.Mode through the set-mode call, and checks that every
// window reads back the stream. The caller must not have enabled
// translation before the fill. A difference is returned as a
// *MismatchError.
func (v *Validator) Run(ctx context.Context, cfg Config) (Report, error) {
	var r Report
	if err := cfg.Check(); err != nil {
		return r, err
	}
	start := time.Now()
	if !cfg.ReadOnly {
		if err := v.fill(ctx, cfg); err != nil {
			return r, err
		}
		r.Filled = cfg.Length
	}
	if _, e := v.hart.Ecall(sbi.OpSetMode, uint64(cfg.Mode), 0); e != sbi.Success {
		return r, fmt.Errorf("%w: mode %v: %v", ErrModeSwitch, cfg.Mode, e)
	}

	tail := cfg.boundary()
	for i, w := range cfg.Windows {
		if err := v.check(ctx, i, w, cfg.Length, NewStream(cfg.Seed, 0)); err != nil {
			return r, err
		}
		off := cfg.Length - tail
		if err := v.check(ctx, i, w+hostarch.Addr(off), tail, NewStream(cfg.Seed, off)); err != nil {
			return r, err
		}
		r.Checked += cfg.Length + tail
		log.Infof("hart %d: window %d at %v matches %#x bytes", v.hart.HartID(), i, w, cfg.Length)
	}
	r.Elapsed = time.Since(start)
	return r, nil
}

// fill writes the stream across the physical window.
func (v *Validator) fill(ctx context.Context, cfg Config) error {
	s := NewStream(cfg.Seed, 0)
	buf := make([]byte, chunkSize)
	for off := uint64(0); off < cfg.Length; off += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(chunkSize, cfg.Length-off)
		io.ReadFull(s, buf[:n])
		if err := v.hart.WriteAt(buf[:n], cfg.Physical+hostarch.Addr(off)); err != nil {
			return fmt.Errorf("filling %v: %w", cfg.Physical+hostarch.Addr(off), err)
		}
	}
	log.Debugf("hart %d: filled %v+%#x with seed %d", v.hart.HartID(), cfg.Physical, cfg.Length, cfg.Seed)
	return nil
}

// check compares length bytes at va with s.
func (v *Validator) check(ctx context.Context, window int, va hostarch.Addr, length uint64, s *Stream) error {
	got := make([]byte, chunkSize)
	want := make([]byte, chunkSize)
	for off := uint64(0); off < length; off += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(chunkSize, length-off)
		io.ReadFull(s, want[:n])
		addr := va + hostarch.Addr(off)
		if err := v.hart.ReadAt(got[:n], addr); err != nil {
			return fmt.Errorf("window %d: reading %v: %w", window, addr, err)
		}
		if bytes.Equal(got[:n], want[:n]) {
			continue
		}
		for i := range got[:n] {
			if got[i] != want[i] {
				return &MismatchError{
					Window: window,
					Addr:   addr + hostarch.Addr(i),
					Got:    got[i],
					Want:   want[i],
				}
			}
		}
	}
	return nil
}
