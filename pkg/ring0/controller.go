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

package ring0

import (
	"errors"
	"fmt"
	"strings"

	"rvsbi.dev/rvsbi/pkg/bits"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/log"
)

var (
	// ErrInvalidMode is returned for mode values that do not fit the 4-bit
	// selector.
	ErrInvalidMode = errors.New("translation mode out of range")

	// ErrModeDenied is returned for modes refused by the ModePolicy.
	ErrModeDenied = errors.New("translation mode not permitted")

	// ErrNoRoot is returned when a translating mode is requested before a
	// root table was installed.
	ErrNoRoot = errors.New("no translation root installed")
)

// ModePolicy is the set of modes a controller accepts, one bit per mode.
type ModePolicy uint16

// AllowModes returns a policy accepting exactly the given modes.
func AllowModes(modes ...Mode) ModePolicy {
	var p ModePolicy
	for _, m := range modes {
		if m <= MaxMode {
			p |= 1 << m
		}
	}
	return p
}

const (
	// AllModes accepts any value of the selector.
	AllModes ModePolicy = 0xffff
)

// DefaultModePolicy accepts the modes the board translates: bare and Sv39.
var DefaultModePolicy = AllowModes(ModeBare, ModeSv39)

// Allowed returns true if p accepts m.
func (p ModePolicy) Allowed(m Mode) bool {
	return m <= MaxMode && p&(1<<m) != 0
}

// String implements fmt.Stringer.String.
func (p ModePolicy) String() string {
	var names []string
	bits.ForEachSetBit64(uint64(p), func(i int) {
		names = append(names, Mode(i).String())
	})
	return "{" + strings.Join(names, ",") + "}"
}

// State is the observable translation state of one hart.
type State struct {
	// Mode is the active translation mode.
	Mode Mode

	// Root is the physical address of the root table.
	Root hostarch.Addr

	// Escalated is true if machine-mode loads and stores are translated.
	Escalated bool
}

// Translating returns true if s is not the identity state.
func (s State) Translating() bool {
	return s.Mode != ModeBare
}

// String implements fmt.Stringer.String.
func (s State) String() string {
	if !s.Translating() {
		return "identity"
	}
	return fmt.Sprintf("translating(mode=%v, root=%v, mprv=%t)", s.Mode, s.Root, s.Escalated)
}

// Controller switches one hart between the identity state and a translating
// state. It is driven from the ecall dispatcher, inside the trap handler of
// the hart it controls; it is not safe to share across harts.
type Controller struct {
	hartID uint32
	regs   Registers
	policy ModePolicy

	// root is the root installed at boot, if haveRoot.
	root     hostarch.Addr
	haveRoot bool
}

// NewController returns a controller for the given hart.
func NewController(hartID uint32, regs Registers, policy ModePolicy) *Controller {
	return &Controller{
		hartID: hartID,
		regs:   regs,
		policy: policy,
	}
}

// HartID returns the controlled hart.
func (c *Controller) HartID() uint32 {
	return c.hartID
}

// Policy returns the accepted modes.
func (c *Controller) Policy() ModePolicy {
	return c.policy
}

// InstallRoot records the root table used by SetActiveMode. The tables
// behind root must be complete; they are never modified afterwards.
//
// Precondition: root must be page-aligned.
func (c *Controller) InstallRoot(root hostarch.Addr) {
	if !root.IsPageAligned() {
		panic(fmt.Sprintf("unaligned root table %v", root))
	}
	c.root = root
	c.haveRoot = true
}

// Root returns the installed root, if any.
func (c *Controller) Root() (hostarch.Addr, bool) {
	return c.root, c.haveRoot
}

// SetActiveMode switches to mode using the installed root. The caller cannot
// supply a root through this path.
func (c *Controller) SetActiveMode(mode Mode) error {
	if !c.haveRoot && mode != ModeBare {
		return ErrNoRoot
	}
	return c.SetMode(mode, c.root)
}

// SetMode switches the hart to mode with root as the translation root, and
// sets MPRV so that machine-mode loads and stores are translated as well.
//
// The sequence is: write the root, replace the mode field and MPRV in a
// single read-modify-write of mstatus, fence. Every other status bit is
// unchanged when SetMode returns. The code that runs after SetMode must itself be mapped by the new
// tables; that is the caller's responsibility.
//
// Precondition: root must be page-aligned.
func (c *Controller) SetMode(mode Mode, root hostarch.Addr) error {
	if mode > MaxMode {
		return fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}
	if !c.policy.Allowed(mode) {
		return fmt.Errorf("%w: %v not in %v", ErrModeDenied, mode, c.policy)
	}
	if !root.IsPageAligned() {
		panic(fmt.Sprintf("unaligned root table %v", root))
	}

	c.regs.WriteRoot(root.PageNumber())

	// Trap entry has cleared MIE, so nothing runs between these two.
	next := nextStatus(c.regs.ReadStatus(), mode)
	c.regs.WriteStatus(next)
	c.regs.FenceVMA()

	log.Debugf("hart %d: %v root=%v mstatus=%#x", c.hartID, mode, root, next)
	return nil
}

// nextStatus returns status with the mode field set to mode and MPRV set.
// All other bits are taken from status.
func nextStatus(status uint64, mode Mode) uint64 {
	status = bits.SetField64(status, StatusModeShift, StatusModeWidth, uint64(mode))
	return status | StatusMPRV
}

// State returns the current translation state read back from the registers.
func (c *Controller) State() State {
	status := c.regs.ReadStatus()
	return State{
		Mode:      StatusMode(status),
		Root:      hostarch.Addr(c.regs.ReadRoot() << hostarch.PageShift),
		Escalated: status&StatusMPRV != 0,
	}
}
