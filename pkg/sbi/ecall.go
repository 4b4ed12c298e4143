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

// Package sbi implements the legacy supervisor binary interface: the ecall
// dispatcher and the IPI and timer services it forwards to.
package sbi

import (
	"fmt"
	"strconv"
	"time"

	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/log"
	"rvsbi.dev/rvsbi/pkg/metric"
	"rvsbi.dev/rvsbi/pkg/ring0"
)

// Version of the interface.
const (
	VersionMajor = 0
	VersionMinor = 1
)

// Op is an ecall operation, passed in a7.
type Op uint64

// Operations.
const (
	OpSetTimer            Op = 0
	OpConsolePutchar      Op = 1
	OpConsoleGetchar      Op = 2
	OpClearIPI            Op = 3
	OpSendIPI             Op = 4
	OpRemoteFenceI        Op = 5
	OpRemoteSFenceVMA     Op = 6
	OpRemoteSFenceVMAASID Op = 7
	OpShutdown            Op = 8

	// OpSetMode switches translation on the calling hart. a0 is the mode.
	OpSetMode Op = 23
)

var opNames = map[Op]string{
	OpSetTimer:            "set_timer",
	OpConsolePutchar:      "console_putchar",
	OpConsoleGetchar:      "console_getchar",
	OpClearIPI:            "clear_ipi",
	OpSendIPI:             "send_ipi",
	OpRemoteFenceI:        "remote_fence_i",
	OpRemoteSFenceVMA:     "remote_sfence_vma",
	OpRemoteSFenceVMAASID: "remote_sfence_vma_asid",
	OpShutdown:            "shutdown",
	OpSetMode:             "set_mode",
}

// unsupportedName is the metric field value of unrecognized operations.
const unsupportedName = "unsupported"

// String implements fmt.Stringer.String.
func (op Op) String() string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint64(op))
}

// Supported returns true if op is a recognized operation.
func (op Op) Supported() bool {
	_, ok := opNames[op]
	return ok
}

// ParseOp parses an operation name or number. Numbers need not be
// recognized operations.
func ParseOp(s string) (Op, error) {
	for op, n := range opNames {
		if n == s {
			return op, nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ecall operation %q", s)
	}
	return Op(v), nil
}

// Ops returns the recognized operations in numeric order.
func Ops() []Op {
	return []Op{
		OpSetTimer, OpConsolePutchar, OpConsoleGetchar, OpClearIPI, OpSendIPI,
		OpRemoteFenceI, OpRemoteSFenceVMA, OpRemoteSFenceVMAASID, OpShutdown, OpSetMode,
	}
}

func metricOpNames() []string {
	var names []string
	for _, op := range Ops() {
		names = append(names, op.String())
	}
	return append(names, unsupportedName)
}

var (
	ecallCount = metric.MustCreateNewUint64Metric("sbi_ecalls_total", true,
		"Number of ecalls handled, by operation.",
		metric.NewField("op", metricOpNames()))
	ecallFailures = metric.MustCreateNewUint64Metric("sbi_ecall_failures_total", true,
		"Number of ecalls that returned an error, by operation.",
		metric.NewField("op", metricOpNames()))

	unsupportedLog = log.BasicRateLimitedLogger(time.Second)
)

// Context is the hart an ecall was made on. It is used from the trap handler
// of that hart, and from IPI delivery targeting it.
type Context interface {
	// HartID returns the hart ID.
	HartID() uint32

	// Width returns the register width.
	Width() hostarch.Width

	// CSRs returns the control and status registers. FenceVMA flushes the
	// hart's translation cache.
	CSRs() ring0.CSRFile

	// Controller returns the translation-mode controller of the hart.
	Controller() *ring0.Controller

	// LoadCallerWord reads a register-sized word at addr as the caller
	// would: with the privilege in MPP and the active translation.
	LoadCallerWord(addr hostarch.Addr) (uint64, error)

	// FenceI synchronizes the instruction stream of the hart.
	FenceI()

	// Halt stops the hart after the current trap.
	Halt()
}

// TrapRegs are the registers an ecall reads and writes.
type TrapRegs struct {
	// PC is mepc: the address of the ecall instruction on entry.
	PC uint64

	A0 uint64
	A1 uint64
	A7 uint64
}

// Dispatcher routes ecalls. It holds no per-hart state and may be used by
// every hart concurrently.
type Dispatcher struct {
	platform Platform
	ipi      *IPI
	timer    *Timer
}

// NewDispatcher returns a dispatcher for the given platform.
func NewDispatcher(p Platform, ipi *IPI, timer *Timer) *Dispatcher {
	return &Dispatcher{
		platform: p,
		ipi:      ipi,
		timer:    timer,
	}
}

// Handle performs op and returns the value for a0. If the returned Error is
// not Success the value must be ignored.
func (d *Dispatcher) Handle(ctx Context, op Op, a0, a1 uint64) (uint64, Error) {
	if !op.Supported() {
		ecallCount.Increment(unsupportedName)
		unsupportedLog.Warningf("hart %d: unsupported ecall %d", ctx.HartID(), uint64(op))
		return 0, ErrNotSupported
	}
	ecallCount.Increment(op.String())
	ret, err := d.handle(ctx, op, a0, a1)
	if err != Success {
		ecallFailures.Increment(op.String())
		log.Debugf("hart %d: %v(%#x, %#x) failed: %v", ctx.HartID(), op, a0, a1, err)
	}
	return ret, err
}

func (d *Dispatcher) handle(ctx Context, op Op, a0, a1 uint64) (uint64, Error) {
	switch op {
	case OpSetTimer:
		deadline := a0
		if ctx.Width() == hostarch.Width32 {
			deadline = a1<<32 | a0&0xffffffff
		}
		d.timer.EventStart(ctx, deadline)
		return 0, Success

	case OpConsolePutchar:
		d.platform.ConsolePutc(byte(a0))
		return 0, Success

	case OpConsoleGetchar:
		return ctx.Width().Mask(uint64(int64(d.platform.ConsoleGetc()))), Success

	case OpClearIPI:
		d.ipi.ClearSmode(ctx)
		return 0, Success

	case OpSendIPI:
		return 0, d.ipi.SendMany(ctx, hostarch.Addr(a0), EventSoft)

	case OpRemoteFenceI:
		return 0, d.ipi.SendMany(ctx, hostarch.Addr(a0), EventFenceI)

	case OpRemoteSFenceVMA, OpRemoteSFenceVMAASID:
		return 0, d.ipi.SendMany(ctx, hostarch.Addr(a0), EventSFenceVMA)

	case OpShutdown:
		if err := d.platform.SystemShutdown(0); err != nil {
			log.Warningf("hart %d: shutdown failed: %v", ctx.HartID(), err)
			return 0, ErrFailed
		}
		ctx.Halt()
		return 0, Success

	case OpSetMode:
		return 0, d.setMode(ctx, a0)

	default:
		panic(fmt.Sprintf("unhandled operation %v", op))
	}
}

// setMode switches the calling hart to mode using the root installed at
// boot. The caller cannot supply a root.
func (d *Dispatcher) setMode(ctx Context, mode uint64) Error {
	if mode > uint64(ring0.MaxMode) {
		return ErrInvalidParam
	}
	c := ctx.Controller()
	if err := c.SetActiveMode(ring0.Mode(mode)); err != nil {
		return errorFor(err)
	}
	log.Infof("hart %d: mstatus=%#x", ctx.HartID(), ctx.CSRs().ReadStatus())
	return Success
}

// HandleTrap handles a supervisor ecall trap. The result, or the error code
// on failure, is written to a0. The PC is advanced past the ecall only on
// success, so a failed call re-executes if retried.
func (d *Dispatcher) HandleTrap(ctx Context, regs *TrapRegs) Error {
	ret, err := d.Handle(ctx, Op(regs.A7), regs.A0, regs.A1)
	w := ctx.Width()
	if err != Success {
		regs.A0 = w.Mask(uint64(err))
		return err
	}
	regs.A0 = w.Mask(ret)
	regs.PC = w.Mask(regs.PC + 4)
	return Success
}
