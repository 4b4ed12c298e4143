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

package sbi

import "rvsbi.dev/rvsbi/pkg/ring0"

// Timer forwards supervisor timer requests to the platform timer.
type Timer struct {
	platform Platform
}

// NewTimer returns a timer service for p.
func NewTimer(p Platform) *Timer {
	return &Timer{platform: p}
}

// Value returns the current time.
func (t *Timer) Value() uint64 {
	return t.platform.TimerValue()
}

// EventStart arms the timer of ctx's hart for deadline. Any supervisor timer
// interrupt still pending is cleared.
func (t *Timer) EventStart(ctx Context, deadline uint64) {
	t.platform.TimerEventStart(ctx.HartID(), deadline)
	ctx.CSRs().Clear(ring0.CSRMIP, ring0.IntSTIP)
	ctx.CSRs().Set(ring0.CSRMIE, ring0.IntMTIP)
}

// EventStop disarms the timer of ctx's hart.
func (t *Timer) EventStop(ctx Context) {
	t.platform.TimerEventStop(ctx.HartID())
	ctx.CSRs().Clear(ring0.CSRMIE, ring0.IntMTIP)
}

// Process handles the machine timer interrupt of ctx's hart by passing it on
// to supervisor mode.
func (t *Timer) Process(ctx Context) {
	ctx.CSRs().Clear(ring0.CSRMIE, ring0.IntMTIP)
	ctx.CSRs().Set(ring0.CSRMIP, ring0.IntSTIP)
}
