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

// Platform is the set of board operations the firmware calls into.
//
// Hart arguments are hart IDs. Implementations must be safe for concurrent
// use by every hart.
type Platform interface {
	// Name returns the board name.
	Name() string

	// HartCount returns the number of harts.
	HartCount() int

	// EarlyInit performs board setup before the harts are started.
	EarlyInit(coldBoot bool) error

	// ConsolePutc writes a character.
	ConsolePutc(ch byte)

	// ConsoleGetc returns the next input character, or -1 if there is
	// none.
	ConsoleGetc() int

	// IPISend raises the software interrupt of target.
	IPISend(target uint32)

	// IPISync returns once target has taken its software interrupt.
	IPISync(target uint32)

	// IPIClear clears the software interrupt of target.
	IPIClear(target uint32)

	// TimerValue returns the current time.
	TimerValue() uint64

	// TimerEventStart arms the timer of hart for deadline.
	TimerEventStart(hart uint32, deadline uint64)

	// TimerEventStop disarms the timer of hart.
	TimerEventStop(hart uint32)

	// SystemReboot resets the board.
	SystemReboot(kind uint32) error

	// SystemShutdown powers the board off.
	SystemShutdown(kind uint32) error
}
