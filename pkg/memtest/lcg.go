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

package memtest

import (
	"encoding/binary"
)

// Generator constants.
const (
	DefaultSeed = 12345
	Multiplier  = 1103515245
	Increment   = 12345
)

// LCG is the linear congruential generator x' = x*Mul + Inc over uint32.
type LCG struct {
	Mul   uint32
	Inc   uint32
	state uint32
}

// NewLCG returns the standard generator starting at seed.
func NewLCG(seed uint32) *LCG {
	return &LCG{Mul: Multiplier, Inc: Increment, state: seed}
}

// State returns the last output, or the seed if there has been none.
func (g *LCG) State() uint32 {
	return g.state
}

// Next advances the generator and returns the new state.
func (g *LCG) Next() uint32 {
	g.state = g.state*g.Mul + g.Inc
	return g.state
}

// Skip advances the generator by n steps in O(log n) time.
func (g *LCG) Skip(n uint64) {
	// Compose x -> mul*x + inc with itself by squaring.
	accMul, accInc := uint32(1), uint32(0)
	mul, inc := g.Mul, g.Inc
	for ; n > 0; n >>= 1 {
		if n&1 != 0 {
			accMul, accInc = accMul*mul, accInc*mul+inc
		}
		mul, inc = mul*mul, inc*mul+inc
	}
	g.state = g.state*accMul + accInc
}

// Stream is the little-endian byte serialization of the outputs of an LCG.
// The seed itself is not part of the stream.
type Stream struct {
	g       *LCG
	buf     [4]byte
	pending []byte
}

// NewStream returns the stream of seed, positioned at byte offset.
func NewStream(seed uint32, offset uint64) *Stream {
	s := &Stream{g: NewLCG(seed)}
	s.g.Skip(offset / 4)
	if r := offset % 4; r != 0 {
		s.refill()
		s.pending = s.pending[r:]
	}
	return s
}

func (s *Stream) refill() {
	binary.LittleEndian.PutUint32(s.buf[:], s.g.Next())
	s.pending = s.buf[:]
}

// Read implements io.Reader.Read. It never fails.
func (s *Stream) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(s.pending) == 0 {
			// Fast path for whole words.
			for len(p)-n >= 4 {
				binary.LittleEndian.PutUint32(p[n:], s.g.Next())
				n += 4
			}
			if n == len(p) {
				break
			}
			s.refill()
		}
		c := copy(p[n:], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
	return n, nil
}
