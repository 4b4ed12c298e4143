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

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
	"rvsbi.dev/rvsbi/pkg/hostarch"
	"rvsbi.dev/rvsbi/pkg/memtest"
	"rvsbi.dev/rvsbi/pkg/ring0"
	"rvsbi.dev/rvsbi/sbictl/config"
)

func TestAddrFlag(t *testing.T) {
	var a addrFlag
	for _, tc := range []struct {
		in   string
		want uint64
	}{
		{"0x80000000", 0x80000000},
		{"4096", 4096},
		{"0o17", 017},
	} {
		if err := a.Set(tc.in); err != nil {
			t.Errorf("Set(%q) failed: %v", tc.in, err)
			continue
		}
		if got := a.Get().(uint64); got != tc.want {
			t.Errorf("Set(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}
	if err := a.Set("3M"); err == nil {
		t.Errorf("Set(3M) succeeded, want error")
	}
}

func TestValidateFlags(t *testing.T) {
	v := &Validate{}
	f := flag.NewFlagSet("validate", flag.ContinueOnError)
	v.SetFlags(f)

	cfg, err := v.config()
	if err != nil {
		t.Fatalf("config() failed: %v", err)
	}
	if diff := cmp.Diff(memtest.ScenarioA(0x80000000), cfg); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}

	if err := f.Parse([]string{"-base=0x80100000", "-size=0x1000", "-offset=0", "-mode=bare", "-seed=7"}); err != nil {
		t.Fatal(err)
	}
	cfg, err = v.config()
	if err != nil {
		t.Fatalf("config() failed: %v", err)
	}
	want := memtest.Config{
		Physical: 0x80100000,
		Length:   0x1000,
		Windows:  []hostarch.Addr{0x80100000},
		Seed:     7,
		Mode:     ring0.ModeBare,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	if err := f.Parse([]string{"-size=0"}); err != nil {
		t.Fatal(err)
	}
	if _, err := v.config(); err == nil {
		t.Errorf("config() with an empty window succeeded, want error")
	}
}

func bootDefault(t *testing.T) dumpView {
	t.Helper()
	m, err := bootMachine(context.Background(), &config.Config{}, io.Discard, nil)
	if err != nil {
		t.Fatalf("bootMachine() failed: %v", err)
	}
	return newDumpView(m)
}

func TestDumpView(t *testing.T) {
	v := bootDefault(t)
	if v.Tables != 1 {
		t.Errorf("Tables = %d, want 1", v.Tables)
	}
	if len(v.Mappings) != 7 {
		t.Fatalf("got %d mappings, want 7: %+v", len(v.Mappings), v.Mappings)
	}
	for i, mp := range v.Mappings {
		if mp.Level != 2 || mp.Length != hostarch.GigaPageSize {
			t.Errorf("mapping %d = %+v, want a 1G leaf", i, mp)
		}
	}
	if got, want := v.Mappings[4].Physical, "0x0"; got != want {
		t.Errorf("alias physical = %s, want %s", got, want)
	}
	var names []string
	for _, r := range v.Regions {
		names = append(names, r.Name)
	}
	if !strings.Contains(strings.Join(names, ","), "page-tables") {
		t.Errorf("regions %v do not include the page-table arena", names)
	}
}

func TestWriteDump(t *testing.T) {
	v := bootDefault(t)

	var buf bytes.Buffer
	if err := writeDump(&buf, "json", v); err != nil {
		t.Fatalf("json: %v", err)
	}
	var fromJSON dumpView
	if err := json.Unmarshal(buf.Bytes(), &fromJSON); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if diff := cmp.Diff(v, fromJSON); diff != "" {
		t.Errorf("json mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := writeDump(&buf, "yaml", v); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var fromYAML dumpView
	if err := yaml.Unmarshal(buf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if diff := cmp.Diff(v, fromYAML); diff != "" {
		t.Errorf("yaml mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := writeDump(&buf, "text", v); err != nil {
		t.Fatalf("text: %v", err)
	}
	if got := strings.Count(buf.String(), " 1G "); got != 7 {
		t.Errorf("text dump has %d 1G rows, want 7:\n%s", got, buf.String())
	}

	if err := writeDump(&buf, "xml", v); err == nil {
		t.Errorf("writeDump(xml) succeeded, want error")
	}
}
