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
	"sync"

	"rvsbi.dev/rvsbi/pkg/hostarch"
)

// Registers is the narrow capability through which the translation-mode
// controller touches privileged state. A hart implements it with CSR
// instructions; tests substitute a recording mock.
type Registers interface {
	// ReadStatus returns mstatus.
	ReadStatus() uint64

	// WriteStatus replaces mstatus.
	WriteStatus(v uint64)

	// ReadRoot returns the translation-root register.
	ReadRoot() uint64

	// WriteRoot replaces the translation-root register.
	WriteRoot(v uint64)

	// FenceVMA discards every cached translation on this hart.
	FenceVMA()
}

// CSRFile extends Registers with generic access to the remaining control and
// status registers, as needed by the timer and IPI subsystems.
type CSRFile interface {
	Registers

	// Read returns the value of csr.
	Read(csr CSR) uint64

	// Write replaces the value of csr.
	Write(csr CSR, v uint64)

	// Set ORs bits into csr.
	Set(csr CSR, bits uint64)

	// Clear clears bits in csr.
	Clear(csr CSR, bits uint64)
}

// RegisterFile is a software register file. Values are truncated to the
// register width of the hart.
//
// RegisterFile.FenceVMA only counts fences; a hart with a translation cache
// wraps RegisterFile and flushes its cache on FenceVMA.
type RegisterFile struct {
	width hostarch.Width

	mu     sync.Mutex
	csrs   map[CSR]uint64
	fences uint64
}

// NewRegisterFile returns a register file for the given hart.
func NewRegisterFile(hartID uint32, width hostarch.Width) *RegisterFile {
	if !width.Valid() {
		panic("invalid register width " + width.String())
	}
	return &RegisterFile{
		width: width,
		csrs: map[CSR]uint64{
			CSRMHartID: uint64(hartID),
		},
	}
}

// Width returns the register width.
func (r *RegisterFile) Width() hostarch.Width {
	return r.width
}

// Read implements CSRFile.Read.
func (r *RegisterFile) Read(csr CSR) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.csrs[csr]
}

// Write implements CSRFile.Write.
func (r *RegisterFile) Write(csr CSR, v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.csrs[csr] = r.width.Mask(v)
}

// Set implements CSRFile.Set.
func (r *RegisterFile) Set(csr CSR, bits uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.csrs[csr] = r.width.Mask(r.csrs[csr] | bits)
}

// Clear implements CSRFile.Clear.
func (r *RegisterFile) Clear(csr CSR, bits uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.csrs[csr] &^= bits
}

// ReadStatus implements Registers.ReadStatus.
func (r *RegisterFile) ReadStatus() uint64 {
	return r.Read(CSRMStatus)
}

// WriteStatus implements Registers.WriteStatus.
func (r *RegisterFile) WriteStatus(v uint64) {
	r.Write(CSRMStatus, v)
}

// ReadRoot implements Registers.ReadRoot.
func (r *RegisterFile) ReadRoot() uint64 {
	return r.Read(CSRTranslationRoot)
}

// WriteRoot implements Registers.WriteRoot.
func (r *RegisterFile) WriteRoot(v uint64) {
	r.Write(CSRTranslationRoot, v)
}

// FenceVMA implements Registers.FenceVMA.
func (r *RegisterFile) FenceVMA() {
	r.mu.Lock()
	r.fences++
	r.mu.Unlock()
}

// Fences returns the number of FenceVMA calls so far.
func (r *RegisterFile) Fences() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fences
}
