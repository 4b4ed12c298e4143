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

// Package atomicbitops provides the atomic bit sets used for per-hart
// pending state: interrupt-pending words and IPI event sets.
//
// All read-modify-write operations implemented by this package have
// acquire-release memory ordering (like sync/atomic).
package atomicbitops

import (
	"sync/atomic"
)

// Uint64 is an atomic uint64 that is guaranteed to be 64-bit aligned, even on
// 32-bit hosts. The zero value is zero.
type Uint64 struct {
	_     noCopy
	value atomic.Uint64
}

// FromUint64 returns an Uint64 initialized to value v.
func FromUint64(v uint64) *Uint64 {
	u := new(Uint64)
	u.value.Store(v)
	return u
}

// Load is analogous to atomic.LoadUint64.
func (u *Uint64) Load() uint64 {
	return u.value.Load()
}

// Store is analogous to atomic.StoreUint64.
func (u *Uint64) Store(v uint64) {
	u.value.Store(v)
}

// Add is analogous to atomic.AddUint64.
func (u *Uint64) Add(v uint64) uint64 {
	return u.value.Add(v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint64.
func (u *Uint64) CompareAndSwap(oldVal, newVal uint64) bool {
	return u.value.CompareAndSwap(oldVal, newVal)
}

// update applies fn to *u atomically and returns the old value.
func (u *Uint64) update(fn func(uint64) uint64) uint64 {
	for {
		o := u.Load()
		if u.CompareAndSwap(o, fn(o)) {
			return o
		}
	}
}

// AndUint64 atomically applies bitwise and operation to *addr with val.
func AndUint64(addr *Uint64, val uint64) {
	addr.update(func(o uint64) uint64 { return o & val })
}

// OrUint64 atomically applies bitwise or operation to *addr with val and
// returns true if none of the bits of val were set before.
func OrUint64(addr *Uint64, val uint64) bool {
	return addr.update(func(o uint64) uint64 { return o | val })&val == 0
}

// SwapAndClearUint64 atomically clears the bits of val in *addr and returns
// the bits of val that were previously set.
func SwapAndClearUint64(addr *Uint64, val uint64) uint64 {
	return addr.update(func(o uint64) uint64 { return o &^ val }) & val
}

// noCopy may be embedded into structs which must not be copied after the
// first use. It is detected by go vet's copylocks checker.
type noCopy struct{}

// Lock is a no-op used by the copylocks checker.
func (*noCopy) Lock() {}

// Unlock is a no-op used by the copylocks checker.
func (*noCopy) Unlock() {}
