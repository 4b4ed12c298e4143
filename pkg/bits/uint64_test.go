// Copyright 2018 Google Inc.
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

package bits

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestForEachSetBit64(t *testing.T) {
	for _, tc := range []struct {
		x    uint64
		want []int
	}{
		{0, nil},
		{1 << 9, []int{9}},
		{0x0202, []int{1, 9}},
		{1 << 63, []int{63}},
	} {
		var got []int
		ForEachSetBit64(tc.x, func(i int) { got = append(got, i) })
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ForEachSetBit64(%#x) mismatch (-want +got):\n%s", tc.x, diff)
		}
	}
}

func TestIsOn(t *testing.T) {
	const mstatus = 1<<17 | 1<<3
	if !IsOn64(mstatus, 1<<17) {
		t.Errorf("IsOn64(%#x, MPRV) = false, want true", uint64(mstatus))
	}
	if IsOn64(mstatus, 1<<17|1<<7) {
		t.Errorf("IsOn64(%#x, MPRV|MPIE) = true, want false", uint64(mstatus))
	}
	if !IsOn64(mstatus, 0) {
		t.Errorf("IsOn64(%#x, 0) = false, want true", uint64(mstatus))
	}
}

func TestField(t *testing.T) {
	v := uint64(0xdead_0000_0000_0008)
	v = SetField64(v, 24, 4, 9)
	if got := Field64(v, 24, 4); got != 9 {
		t.Errorf("Field64 = %d, want 9", got)
	}
	if got, want := v&^(0xf<<24), uint64(0xdead_0000_0000_0008); got != want {
		t.Errorf("SetField64 touched other bits: %#x, want %#x", got, want)
	}
	// Oversized values are truncated to the field.
	if got := Field64(SetField64(0, 24, 4, 0x1f), 24, 4); got != 0xf {
		t.Errorf("SetField64 oversized = %#x, want 0xf", got)
	}
	if got := SetField64(0, 24, 4, 0x1f); got&(1<<28) != 0 {
		t.Errorf("SetField64 leaked beyond the field: %#x", got)
	}
	// MPP is two bits at 11.
	if got := Field64(SetField64(^uint64(0), 11, 2, 1), 11, 2); got != 1 {
		t.Errorf("MPP = %d, want 1", got)
	}
}
