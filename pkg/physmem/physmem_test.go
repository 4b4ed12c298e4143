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

package physmem

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"rvsbi.dev/rvsbi/pkg/hostarch"
)

type fakeDevice struct {
	last uint64
}

func (d *fakeDevice) Load(offset uint64, size int) (uint64, error) {
	if offset != 0 {
		return 0, errors.New("no such register")
	}
	return d.last, nil
}

func (d *fakeDevice) Store(offset uint64, size int, v uint64) error {
	d.last = v
	return nil
}

func newMemory(t *testing.T) *Memory {
	t.Helper()
	m := New()
	if err := m.AddRAM("sram", 0x80000000, 0x600000); err != nil {
		t.Fatalf("AddRAM failed: %v", err)
	}
	if err := m.AddDevice("dev", 0x38000000, 0x1000, &fakeDevice{}); err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}
	return m
}

func TestLoadStore(t *testing.T) {
	m := newMemory(t)
	if err := m.Store(0x80000010, 8, 0x0102030405060708); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	for _, tc := range []struct {
		addr hostarch.Addr
		size int
		want uint64
	}{
		{0x80000010, 8, 0x0102030405060708},
		{0x80000010, 1, 0x08},
		{0x80000011, 2, 0x0607},
		{0x80000014, 4, 0x01020304},
		{0x80000018, 8, 0},
	} {
		got, err := m.Load(tc.addr, tc.size)
		if err != nil || got != tc.want {
			t.Errorf("Load(%v, %d) got (%#x, %v), want %#x", tc.addr, tc.size, got, err, tc.want)
		}
	}
}

func TestDevice(t *testing.T) {
	m := newMemory(t)
	if err := m.Store(0x38000000, 4, 0x41); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if got, err := m.Load(0x38000000, 4); err != nil || got != 0x41 {
		t.Errorf("Load got (%#x, %v), want 0x41", got, err)
	}
	var ae *AccessError
	if _, err := m.Load(0x38000008, 4); !errors.As(err, &ae) {
		t.Errorf("Load of bad register got %v, want *AccessError", err)
	}
	if err := m.WriteAt([]byte{1}, 0x38000000); err == nil {
		t.Errorf("WriteAt to device succeeded")
	}
}

func TestAccessErrors(t *testing.T) {
	m := newMemory(t)
	if err := m.Reserve("tables", 0x80200000, 0x10000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	for _, tc := range []struct {
		name string
		addr hostarch.Addr
		size int
		want error
	}{
		{"unmapped", 0x1000, 4, ErrUnmapped},
		{"reserved", 0x80200008, 8, ErrReserved},
		{"crosses end", 0x805ffffc, 8, ErrBounds},
		{"crosses into reserved", 0x801ffffc, 8, ErrBounds},
		{"bad size", 0x80000000, 3, ErrSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Load(tc.addr, tc.size)
			if !errors.Is(err, tc.want) {
				t.Errorf("Load got %v, want %v", err, tc.want)
			}
			var ae *AccessError
			if !errors.As(err, &ae) || ae.Addr != tc.addr || ae.Write {
				t.Errorf("Load got %v, want *AccessError at %v", err, tc.addr)
			}
			if err := m.Store(tc.addr, tc.size, 0); !errors.Is(err, tc.want) {
				t.Errorf("Store got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestReserveCarvesRAM(t *testing.T) {
	m := newMemory(t)
	if err := m.Store(0x80300000, 4, 0xdeadbeef); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := m.Reserve("tables", 0x80200000, 0x10000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	want := []Region{
		{Name: "dev", Range: hostarch.AddrRange{Start: 0x38000000, End: 0x38001000}, Kind: Device},
		{Name: "sram", Range: hostarch.AddrRange{Start: 0x80000000, End: 0x80200000}, Kind: RAM},
		{Name: "tables", Range: hostarch.AddrRange{Start: 0x80200000, End: 0x80210000}, Kind: Reserved},
		{Name: "sram", Range: hostarch.AddrRange{Start: 0x80210000, End: 0x80600000}, Kind: RAM},
	}
	if diff := cmp.Diff(want, m.Regions(), cmpopts.IgnoreUnexported(Region{})); diff != "" {
		t.Errorf("Regions mismatch (-want +got):\n%s", diff)
	}
	// Contents survive the carve.
	if got, err := m.Load(0x80300000, 4); err != nil || got != 0xdeadbeef {
		t.Errorf("Load got (%#x, %v), want 0xdeadbeef", got, err)
	}
}

func TestOverlap(t *testing.T) {
	m := newMemory(t)
	for _, r := range []hostarch.AddrRange{
		{Start: 0x7ffff000, End: 0x80001000},
		{Start: 0x80100000, End: 0x80101000},
		{Start: 0x805ff000, End: 0x80700000},
		{Start: 0x37000000, End: 0x90000000},
	} {
		if err := m.AddRAM("x", r.Start, r.Length()); !errors.Is(err, ErrOverlap) {
			t.Errorf("AddRAM(%v) got %v, want %v", r, err, ErrOverlap)
		}
	}
	if err := m.AddRAM("after", 0x80600000, 0x1000); err != nil {
		t.Errorf("adjacent AddRAM failed: %v", err)
	}
	if err := m.AddRAM("wrap", ^hostarch.Addr(0xfff), 0x2000); err == nil {
		t.Errorf("overflowing AddRAM succeeded")
	}
}

func TestBulk(t *testing.T) {
	m := newMemory(t)
	src := []byte("hello, world")
	if err := m.WriteAt(src, 0x80000100); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	dst := make([]byte, len(src))
	if err := m.ReadAt(dst, 0x80000100); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Errorf("ReadAt mismatch (-want +got):\n%s", diff)
	}
	if r, ok := m.Find(0x80000100); !ok || r.Name != "sram" {
		t.Errorf("Find got (%v, %t)", r.Name, ok)
	}
}
