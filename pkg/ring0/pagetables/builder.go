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
	"fmt"

	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/log"
)

// Rule maps Length bytes at Virtual to Physical.
type Rule struct {
	Name     string        `toml:"name" json:"name" yaml:"name"`
	Virtual  hostarch.Addr `toml:"virtual" json:"virtual" yaml:"virtual"`
	Physical hostarch.Addr `toml:"physical" json:"physical" yaml:"physical"`
	Length   uint64        `toml:"length" json:"length" yaml:"length"`
	Opts     MapOpts       `toml:"opts" json:"opts" yaml:"opts"`
}

// String implements fmt.Stringer.String.
func (r Rule) String() string {
	return fmt.Sprintf("%q %v+%#x -> %v [%v]", r.Name, r.Virtual, r.Length, r.Physical, r.Opts)
}

// Check returns an error if r cannot be mapped.
func (r Rule) Check() error {
	if !r.Opts.Valid() {
		return fmt.Errorf("%w: %v", ErrPermissions, r.Opts)
	}
	return CheckRange(r.Virtual, r.Length, r.Physical)
}

// Plan is an ordered list of rules. Where rules overlap, the later rule
// wins for every overlapping page.
type Plan []Rule

// RuleError is returned by Build for an invalid rule.
type RuleError struct {
	// Index is the position of the rule in the plan.
	Index int

	// Rule is the offending rule.
	Rule Rule

	// Err is the reason.
	Err error
}

// Error implements error.Error.
func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %d (%q): %v", e.Index, e.Rule.Name, e.Err)
}

// Unwrap returns the reason.
func (e *RuleError) Unwrap() error {
	return e.Err
}

// Check validates every rule of the plan.
func (plan Plan) Check() error {
	for i, r := range plan {
		if err := r.Check(); err != nil {
			return &RuleError{Index: i, Rule: r, Err: err}
		}
	}
	return nil
}

// Build builds tables for plan in a.
//
// Every rule is validated before anything is allocated. The returned tables
// are not sealed.
//
// If mapping fails partway, the pages taken so far are returned to a when it
// implements Rewinder; otherwise they stay allocated and unreferenced.
func Build(a Allocator, plan Plan) (pt *PageTables, err error) {
	if err := plan.Check(); err != nil {
		return nil, err
	}
	if rewinder, ok := a.(Rewinder); ok {
		mark := rewinder.Mark()
		defer func() {
			if err != nil {
				rewinder.Rewind(mark)
			}
		}()
	}
	pt, err = New(a)
	if err != nil {
		return nil, err
	}
	for i, r := range plan {
		replaced, err := pt.Map(r.Virtual, r.Length, r.Opts, r.Physical)
		if err != nil {
			return nil, &RuleError{Index: i, Rule: r, Err: err}
		}
		if replaced {
			log.Debugf("Rule %q replaces earlier mappings", r.Name)
		}
	}
	return pt, nil
}

// RWXGlobal are the options used by the board's boot mappings.
var RWXGlobal = MapOpts{AccessType: hostarch.AnyAccess, Global: true}

// K210Plan returns the boot plan of the K210: [0, 4G) is identity mapped and
// [4G, 7G) aliases [0, 3G), all with 1G leaves.
func K210Plan() Plan {
	return Plan{
		{Name: "identity", Virtual: 0, Physical: 0, Length: 4 * hostarch.GigaPageSize, Opts: RWXGlobal},
		{Name: "alias", Virtual: 4 * hostarch.GigaPageSize, Physical: 0, Length: 3 * hostarch.GigaPageSize, Opts: RWXGlobal},
	}
}

// AliasPlan returns a plan mapping the window [base, base+length) both at
// itself and at base+offset.
func AliasPlan(base hostarch.Addr, length uint64, offset uint64, opts MapOpts) Plan {
	return Plan{
		{Name: "window", Virtual: base, Physical: base, Length: length, Opts: opts},
		{Name: "window-alias", Virtual: base + hostarch.Addr(offset), Physical: base, Length: length, Opts: opts},
	}
}
