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

// Package ring0 holds the machine-mode privileged state of a RISC-V hart: the
// control and status register layout, the register capability through which
// firmware touches that state, and the translation-mode controller.
//
// The register layout follows privileged architecture 1.9.1, which is what the
// Kendryte K210 implements: the translation mode lives in mstatus rather than
// in the root register.
package ring0

import (
	"fmt"
	"strconv"

	"rvsbi.dev/rvsbi/pkg/bits"
)

// CSR is a control and status register number.
type CSR uint16

// Control and status registers used by the firmware.
const (
	CSRSStatus CSR = 0x100
	CSRSIE     CSR = 0x104
	CSRSIP     CSR = 0x144

	// CSRTranslationRoot is sptbr on privileged 1.9.1 and satp afterwards.
	// Both hold the physical page number of the root table.
	CSRTranslationRoot CSR = 0x180

	CSRMStatus     CSR = 0x300
	CSRMISA        CSR = 0x301
	CSRMEDeleg     CSR = 0x302
	CSRMIDeleg     CSR = 0x303
	CSRMIE         CSR = 0x304
	CSRMTVec       CSR = 0x305
	CSRMSCounterEn CSR = 0x321
	CSRMScratch    CSR = 0x340
	CSRMEPC        CSR = 0x341
	CSRMCause      CSR = 0x342
	CSRMBadAddr    CSR = 0x343
	CSRMIP         CSR = 0x344
	CSRMHartID     CSR = 0xf14
)

var csrNames = map[CSR]string{
	CSRSStatus:         "sstatus",
	CSRSIE:             "sie",
	CSRSIP:             "sip",
	CSRTranslationRoot: "sptbr",
	CSRMStatus:         "mstatus",
	CSRMISA:            "misa",
	CSRMEDeleg:         "medeleg",
	CSRMIDeleg:         "mideleg",
	CSRMIE:             "mie",
	CSRMTVec:           "mtvec",
	CSRMSCounterEn:     "mscounteren",
	CSRMScratch:        "mscratch",
	CSRMEPC:            "mepc",
	CSRMCause:          "mcause",
	CSRMBadAddr:        "mbadaddr",
	CSRMIP:             "mip",
	CSRMHartID:         "mhartid",
}

// String implements fmt.Stringer.String.
func (c CSR) String() string {
	if n, ok := csrNames[c]; ok {
		return n
	}
	return fmt.Sprintf("csr%#x", uint16(c))
}

// mstatus fields.
const (
	StatusSIE  = 1 << 1
	StatusMIE  = 1 << 3
	StatusSPIE = 1 << 5
	StatusMPIE = 1 << 7
	StatusSPP  = 1 << 8

	StatusMPPShift = 11
	StatusMPPWidth = 2
	StatusMPP      = 0x3 << StatusMPPShift

	// StatusMPRV makes machine-mode loads and stores use the translation
	// and protection of the privilege held in MPP.
	StatusMPRV = 1 << 17

	StatusPUM = 1 << 18
	StatusMXR = 1 << 19

	// StatusModeShift and StatusModeWidth locate the translation mode
	// selector.
	StatusModeShift = 24
	StatusModeWidth = 4
	StatusModeMask  = 0xf << StatusModeShift
)

// Interrupt pending and enable bits (mip/mie).
const (
	IntSSIP = 1 << 1
	IntMSIP = 1 << 3
	IntSTIP = 1 << 5
	IntMTIP = 1 << 7
	IntSEIP = 1 << 9
	IntMEIP = 1 << 11
)

// Trap causes.
const (
	CauseFetchAccess      = 1
	CauseIllegalInsn      = 2
	CauseLoadAccess       = 5
	CauseStoreAccess      = 7
	CauseUserEcall        = 8
	CauseSupervisorEcall  = 9
	CauseMachineEcall     = 11
	CauseFetchPageFault   = 12
	CauseLoadPageFault    = 13
	CauseStorePageFault   = 15
	CauseInterruptBit     = 1 << 63
	CauseSupervisorSoft   = CauseInterruptBit | 1
	CauseMachineTimer     = CauseInterruptBit | 7
	CauseSupervisorTimer  = CauseInterruptBit | 5
	CauseMachineSoftware  = CauseInterruptBit | 3
	CauseSupervisorExtern = CauseInterruptBit | 9
)

// Privilege is a privilege level.
type Privilege uint8

// Privilege levels.
const (
	PrivUser       Privilege = 0
	PrivSupervisor Privilege = 1
	PrivMachine    Privilege = 3
)

// String implements fmt.Stringer.String.
func (p Privilege) String() string {
	switch p {
	case PrivUser:
		return "U"
	case PrivSupervisor:
		return "S"
	case PrivMachine:
		return "M"
	default:
		return fmt.Sprintf("priv(%d)", uint8(p))
	}
}

// Mode is the value of the translation mode selector.
type Mode uint8

// Translation modes. Only Bare and Sv39 are implemented by the board's
// memory management unit.
const (
	ModeBare Mode = 0
	ModeSv32 Mode = 8
	ModeSv39 Mode = 9
	ModeSv48 Mode = 10

	// MaxMode is the largest value the 4-bit selector can hold.
	MaxMode Mode = 15
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case ModeBare:
		return "bare"
	case ModeSv32:
		return "sv32"
	case ModeSv39:
		return "sv39"
	case ModeSv48:
		return "sv48"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses a mode name or number.
func ParseMode(s string) (Mode, error) {
	for m := Mode(0); m <= MaxMode; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || Mode(v) > MaxMode {
		return 0, fmt.Errorf("invalid translation mode %q", s)
	}
	return Mode(v), nil
}

// StatusMode extracts the translation mode from an mstatus value.
func StatusMode(status uint64) Mode {
	return Mode(bits.Field64(status, StatusModeShift, StatusModeWidth))
}

// StatusMPPPrivilege extracts MPP from an mstatus value.
func StatusMPPPrivilege(status uint64) Privilege {
	return Privilege(bits.Field64(status, StatusMPPShift, StatusMPPWidth))
}
