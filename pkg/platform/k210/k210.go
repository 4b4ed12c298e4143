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

// Package k210 simulates the Kendryte K210 board: SRAM, the CLINT and the
// UARTHS console, behind the sbi.Platform interface.
package k210

import (
	"fmt"
	"io"
	"maps"
	"sync"

	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/log"
	"rvsbi.dev/rvsbi/pkg/physmem"
)

// Board constants.
const (
	Name      = "Kendryte K210"
	HartCount = 2

	SRAMBase   hostarch.Addr = 0x80000000
	SRAMSize                 = 6 << 20
	CLINTBase  hostarch.Addr = 0x02000000
	UARTHSBase hostarch.Addr = 0x38000000

	BaudRate = 115200
	PLL0Freq = 800000000
	PLL1Freq = 400000000

	// stopBits1 selects one stop bit in txctrl.
	stopBits1 = 0
)

// RAM describes one memory region of the board.
type RAM struct {
	Name string        `toml:"name" json:"name"`
	Base hostarch.Addr `toml:"base" json:"base"`
	Size uint64        `toml:"size" json:"size"`
}

// Config configures a board.
type Config struct {
	// Name is reported by the platform.
	Name string

	// Harts is the number of harts.
	Harts int

	// RAM lists the memory regions.
	RAM []RAM

	// Output receives console output. Nil discards it.
	Output io.Writer

	// Input supplies console input. Nil means no input is ever available.
	Input io.Reader
}

// DefaultConfig returns the configuration of the real board.
func DefaultConfig() Config {
	return Config{
		Name:  Name,
		Harts: HartCount,
		RAM:   []RAM{{Name: "sram", Base: SRAMBase, Size: SRAMSize}},
	}
}

// RequestKind is a system-level request made by the supervisor.
type RequestKind int

// Request kinds.
const (
	Reboot RequestKind = iota
	Shutdown
)

// String implements fmt.Stringer.
func (k RequestKind) String() string {
	switch k {
	case Reboot:
		return "reboot"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("request(%d)", int(k))
	}
}

// Request records a reboot or shutdown.
type Request struct {
	Kind RequestKind
	Type uint32
}

// Board is a simulated K210. It implements sbi.Platform.
type Board struct {
	name  string
	harts int
	mem   *physmem.Memory
	clint *CLINT
	uart  *UARTHS

	mu       sync.Mutex
	clocks   map[string]uint64
	requests []Request
	onIPI    func(hart uint32)
}

// New adds the board's memory and devices to mem and returns the board.
func New(mem *physmem.Memory, cfg Config) (*Board, error) {
	if cfg.Harts < 1 || cfg.Harts > 64 {
		return nil, fmt.Errorf("invalid hart count %d", cfg.Harts)
	}
	if len(cfg.RAM) == 0 {
		return nil, fmt.Errorf("board %q has no memory", cfg.Name)
	}
	b := &Board{
		name:   cfg.Name,
		harts:  cfg.Harts,
		mem:    mem,
		clint:  NewCLINT(cfg.Harts),
		uart:   NewUARTHS(cfg.Output, cfg.Input),
		clocks: make(map[string]uint64),
	}
	for _, r := range cfg.RAM {
		if err := mem.AddRAM(r.Name, r.Base, r.Size); err != nil {
			return nil, fmt.Errorf("adding %s: %w", r.Name, err)
		}
	}
	if err := mem.AddDevice("clint", CLINTBase, CLINTSize, b.clint); err != nil {
		return nil, err
	}
	if err := mem.AddDevice("uarths", UARTHSBase, UARTHSSize, b.uart); err != nil {
		return nil, err
	}
	return b, nil
}

// CLINT returns the board's CLINT.
func (b *Board) CLINT() *CLINT {
	return b.clint
}

// SetIPIHandler sets the function that services a raised software
// interrupt on a hart. IPISync calls it synchronously.
func (b *Board) SetIPIHandler(fn func(hart uint32)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onIPI = fn
}

// Clocks returns the configured PLL frequencies.
func (b *Board) Clocks() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.clocks)
}

// Requests returns the reboot and shutdown requests received so far.
func (b *Board) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// Name implements sbi.Platform.Name.
func (b *Board) Name() string {
	return b.name
}

// HartCount implements sbi.Platform.HartCount.
func (b *Board) HartCount() int {
	return b.harts
}

// EarlyInit implements sbi.Platform.EarlyInit. The cold boot sets the PLLs
// and brings up the console.
func (b *Board) EarlyInit(coldBoot bool) error {
	if !coldBoot {
		return nil
	}
	b.mu.Lock()
	b.clocks["pll0"] = PLL0Freq
	b.clocks["pll1"] = PLL1Freq
	b.mu.Unlock()

	// The CPU runs from PLL0 divided by two.
	b.uart.Configure(PLL0Freq/2, BaudRate, stopBits1)
	log.Infof("%s: pll0=%d pll1=%d", b.name, uint64(PLL0Freq), uint64(PLL1Freq))
	return nil
}

// ConsolePutc implements sbi.Platform.ConsolePutc.
func (b *Board) ConsolePutc(ch byte) {
	if err := b.mem.Store(UARTHSBase+uartTxData, 4, uint64(ch)); err != nil {
		log.Warningf("console write: %v", err)
	}
}

// ConsoleGetc implements sbi.Platform.ConsoleGetc.
func (b *Board) ConsoleGetc() int {
	v, err := b.mem.Load(UARTHSBase+uartRxData, 4)
	if err != nil || v&uartEmpty != 0 {
		return -1
	}
	return int(v & 0xff)
}

// IPISend implements sbi.Platform.IPISend.
func (b *Board) IPISend(target uint32) {
	b.storeMSIP(target, 1)
}

// IPISync implements sbi.Platform.IPISync.
func (b *Board) IPISync(target uint32) {
	b.mu.Lock()
	fn := b.onIPI
	b.mu.Unlock()
	if fn == nil {
		return
	}
	if b.clint.MSIP(target) {
		fn(target)
	}
	if b.clint.MSIP(target) {
		log.Warningf("hart %d did not acknowledge its software interrupt", target)
	}
}

// IPIClear implements sbi.Platform.IPIClear.
func (b *Board) IPIClear(target uint32) {
	b.storeMSIP(target, 0)
}

func (b *Board) storeMSIP(target uint32, v uint64) {
	addr := CLINTBase + clintMSIP + hostarch.Addr(4*target)
	if err := b.mem.Store(addr, 4, v); err != nil {
		log.Warningf("msip %d: %v", target, err)
	}
}

// TimerValue implements sbi.Platform.TimerValue.
func (b *Board) TimerValue() uint64 {
	v, err := b.mem.Load(CLINTBase+clintMTime, 8)
	if err != nil {
		panic(fmt.Sprintf("mtime: %v", err))
	}
	return v
}

// TimerEventStart implements sbi.Platform.TimerEventStart.
func (b *Board) TimerEventStart(hart uint32, deadline uint64) {
	b.storeMTimeCmp(hart, deadline)
}

// TimerEventStop implements sbi.Platform.TimerEventStop.
func (b *Board) TimerEventStop(hart uint32) {
	b.storeMTimeCmp(hart, ^uint64(0))
}

func (b *Board) storeMTimeCmp(hart uint32, v uint64) {
	addr := CLINTBase + clintMTimeCmp + hostarch.Addr(8*hart)
	if err := b.mem.Store(addr, 8, v); err != nil {
		log.Warningf("mtimecmp %d: %v", hart, err)
	}
}

// SystemReboot implements sbi.Platform.SystemReboot.
func (b *Board) SystemReboot(kind uint32) error {
	log.Infof("System reboot")
	b.record(Request{Kind: Reboot, Type: kind})
	return nil
}

// SystemShutdown implements sbi.Platform.SystemShutdown.
func (b *Board) SystemShutdown(kind uint32) error {
	log.Infof("System shutdown")
	b.record(Request{Kind: Shutdown, Type: kind})
	return nil
}

func (b *Board) record(r Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, r)
}
