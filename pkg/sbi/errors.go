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

import (
	"errors"
	"fmt"

	"rvsbi.dev/rvsbi/pkg/physmem"
	"rvsbi.dev/rvsbi/pkg/ring0"
)

// Error is the result code returned to the caller in a0. It is not a Go
// error: the trap boundary only carries codes.
type Error int64

// Result codes.
const (
	Success           Error = 0
	ErrFailed         Error = -1
	ErrNotSupported   Error = -2
	ErrInvalidParam   Error = -3
	ErrDenied         Error = -4
	ErrInvalidAddress Error = -5
)

var errorNames = map[Error]string{
	Success:           "success",
	ErrFailed:         "failed",
	ErrNotSupported:   "not_supported",
	ErrInvalidParam:   "invalid_param",
	ErrDenied:         "denied",
	ErrInvalidAddress: "invalid_address",
}

// String implements fmt.Stringer.String.
func (e Error) String() string {
	if n, ok := errorNames[e]; ok {
		return n
	}
	return fmt.Sprintf("error(%d)", int64(e))
}

// Ok returns true if e is Success.
func (e Error) Ok() bool {
	return e == Success
}

// errorFor maps an internal error to a result code.
func errorFor(err error) Error {
	var ae *physmem.AccessError
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ring0.ErrInvalidMode):
		return ErrInvalidParam
	case errors.Is(err, ring0.ErrModeDenied):
		return ErrDenied
	case errors.As(err, &ae):
		return ErrInvalidAddress
	default:
		return ErrFailed
	}
}
