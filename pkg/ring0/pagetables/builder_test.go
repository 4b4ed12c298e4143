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

package pagetables

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvsbi.dev/rvsbi/pkg/hostarch"
)

func TestK210Plan(t *testing.T) {
	a := NewPoolAllocator(arenaBase, 4)
	pt, err := Build(a, K210Plan())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	var want []Mapping
	for i := 0; i < 7; i++ {
		physical := hostarch.Addr(i%4) * pgdSize
		if i >= 4 {
			physical = hostarch.Addr(i-4) * pgdSize
		}
		want = append(want, leaf(hostarch.Addr(i)*pgdSize, physical, 2, RWXGlobal))
	}
	checkMappings(t, pt, want)

	// Only the root is needed.
	if got := a.Len(); got != 1 {
		t.Errorf("arena pages got %d, want 1", got)
	}
	if got, _, ok := pt.Lookup(4*pgdSize + 0x80000123); !ok || got != 0x80000123 {
		t.Errorf("alias Lookup got (%v, %t), want 0x80000123", got, ok)
	}
	if _, _, ok := pt.Lookup(7 * pgdSize); ok {
		t.Errorf("Lookup above the alias window hit")
	}
}

func TestAliasPlan(t *testing.T) {
	const (
		base   = 0x80000000
		length = 3 << 20
		offset = 4 << 30
	)
	pt, err := Build(NewPoolAllocator(arenaBase, 16), AliasPlan(base, length, offset, rw))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, off := range []hostarch.Addr{0, 0x1234, 0x1fffff, 0x200000, 0x2fffff} {
		for _, va := range []hostarch.Addr{base + off, base + offset + off} {
			got, opts, ok := pt.Lookup(va)
			if !ok || got != base+off || opts != rw {
				t.Errorf("Lookup(%v) got (%v, %v, %t), want (%v, %v, true)", va, got, opts, ok, hostarch.Addr(base)+off, rw)
			}
		}
	}
	if _, _, ok := pt.Lookup(base + length); ok {
		t.Errorf("Lookup past the window hit")
	}
	if _, _, ok := pt.Lookup(base + offset + length); ok {
		t.Errorf("Lookup past the alias hit")
	}
}

func TestBuildLastWriteWins(t *testing.T) {
	plan := Plan{
		{Name: "wide", Virtual: 0, Physical: 0, Length: pgdSize, Opts: RWXGlobal},
		{Name: "narrow", Virtual: 0x200000, Physical: 0x80000000, Length: pteSize, Opts: ro},
	}
	pt, err := Build(NewPoolAllocator(arenaBase, 8), plan)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got, opts, _ := pt.Lookup(0x200000); got != 0x80000000 || opts != ro {
		t.Errorf("overlapped page got (%v, %v), want (0x80000000, %v)", got, opts, ro)
	}
	if got, opts, _ := pt.Lookup(0x201000); got != 0x201000 || opts != RWXGlobal {
		t.Errorf("neighbouring page got (%v, %v), want (0x201000, %v)", got, opts, RWXGlobal)
	}

	// Reversed, the wide rule wins everywhere.
	pt, err = Build(NewPoolAllocator(arenaBase, 8), Plan{plan[1], plan[0]})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got, opts, _ := pt.Lookup(0x200000); got != 0x200000 || opts != RWXGlobal {
		t.Errorf("overlapped page got (%v, %v), want (0x200000, %v)", got, opts, RWXGlobal)
	}
}

func TestBuildRuleError(t *testing.T) {
	a := NewPoolAllocator(arenaBase, 8)
	plan := Plan{
		{Name: "ok", Virtual: 0, Physical: 0, Length: pteSize, Opts: rw},
		{Name: "bad", Virtual: 0x1000, Physical: 0x1000, Length: 0x10, Opts: rw},
	}
	_, err := Build(a, plan)
	var re *RuleError
	if !errors.As(err, &re) {
		t.Fatalf("Build got %v, want *RuleError", err)
	}
	if diff := cmp.Diff(plan[1], re.Rule); diff != "" || re.Index != 1 {
		t.Errorf("RuleError names rule %d (-want +got):\n%s", re.Index, diff)
	}
	if !errors.Is(err, ErrLength) {
		t.Errorf("Build got %v, want %v", err, ErrLength)
	}
	if got := a.Len(); got != 0 {
		t.Errorf("invalid plan allocated %d pages", got)
	}
}

func TestBuildExhausted(t *testing.T) {
	a := NewPoolAllocator(arenaBase, 2)
	_, err := Build(a, AliasPlan(0x80000000, 3<<20, 4<<30, rw))
	var re *RuleError
	if !errors.As(err, &re) || !errors.Is(err, ErrArenaExhausted) {
		t.Errorf("Build got %v, want *RuleError wrapping %v", err, ErrArenaExhausted)
	}
	if got := a.Len(); got != 0 {
		t.Errorf("failed Build left %d pages allocated", got)
	}
	if got := a.LookupPTEs(arenaBase); got != nil {
		t.Errorf("LookupPTEs(%v) after failed Build got a table", hostarch.Addr(arenaBase))
	}

	// The whole arena is available again, and the rewound root carries
	// nothing from the failed build.
	pt, err := Build(a, Plan{{Name: "low", Length: hostarch.GigaPageSize, Opts: rw}})
	if err != nil {
		t.Fatalf("Build after failure: %v", err)
	}
	if got := a.Len(); got != 1 {
		t.Errorf("arena pages used got %d, want 1", got)
	}
	for i, pte := range a.Table(0)[1:] {
		if pte.Valid() {
			t.Errorf("stale root entry %d: %#x", i+1, uint64(pte))
		}
	}
	if _, _, ok := pt.Lookup(0x80000000); ok {
		t.Errorf("Lookup(0x80000000) found a mapping from the failed build")
	}
}
