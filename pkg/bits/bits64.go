// Copyright 2018 Google LLC
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

// Package bits holds the bit and field helpers used on control and status
// register values.
package bits

import (
	"math/bits"
)

// IsOn64 returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn64(mask, bits uint64) bool {
	return mask&bits == bits
}

// MaskOf64 returns a uint64 with only bit i set.
func MaskOf64(i int) uint64 {
	return uint64(1) << uint64(i)
}

// ForEachSetBit64 calls f once for each set bit in x, lowest first, with
// argument i equal to the set bit's index.
func ForEachSetBit64(x uint64, f func(i int)) {
	for x != 0 {
		i := bits.TrailingZeros64(x)
		f(i)
		x &^= MaskOf64(i)
	}
}

// Field64 extracts the width-bit field at shift from v.
func Field64(v uint64, shift, width int) uint64 {
	return (v >> uint(shift)) & (MaskOf64(width) - 1)
}

// SetField64 returns v with the width-bit field at shift replaced by field.
// Bits of field beyond width are discarded; all other bits of v are kept.
func SetField64(v uint64, shift, width int, field uint64) uint64 {
	m := (MaskOf64(width) - 1) << uint(shift)
	return (v &^ m) | ((field << uint(shift)) & m)
}
