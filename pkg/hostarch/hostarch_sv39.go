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

package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of a level-1 (megapage) size.
	HugePageShift = 21

	// HugePageSize is the size of a level-1 megapage.
	HugePageSize = 1 << HugePageShift

	// GigaPageShift is the binary log of a level-2 (gigapage) size.
	GigaPageShift = 30

	// GigaPageSize is the size of a level-2 gigapage.
	GigaPageSize = 1 << GigaPageShift

	// PhysicalAddressBits is the width of a physical address.
	PhysicalAddressBits = 56
)

// Width is the register width (XLEN) of a hart.
type Width uint8

const (
	// Width32 is RV32.
	Width32 Width = 32

	// Width64 is RV64.
	Width64 Width = 64
)

// Mask truncates v to the register width.
func (w Width) Mask(v uint64) uint64 {
	if w == Width32 {
		return v & 0xffffffff
	}
	return v
}

// Valid returns true if w is a supported register width.
func (w Width) Valid() bool {
	return w == Width32 || w == Width64
}

// String implements fmt.Stringer.String.
func (w Width) String() string {
	return fmt.Sprintf("rv%d", uint8(w))
}
