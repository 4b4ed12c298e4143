// Copyright 2018 The gVisor Authors.
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

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelText(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		b, err := lv.MarshalText()
		if err != nil {
			t.Errorf("MarshalText(%v) failed: %v", lv, err)
			continue
		}
		var got Level
		if err := got.UnmarshalText(b); err != nil {
			t.Errorf("UnmarshalText(%s) failed: %v", b, err)
		}
		if got != lv {
			t.Errorf("UnmarshalText(%s) = %v, want %v", b, got, lv)
		}
	}
	if _, err := Level(7).MarshalText(); err == nil {
		t.Errorf("MarshalText(7) succeeded, want error")
	}
}

func TestLevelUnmarshalJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{`0`, Warning},
		{`1`, Info},
		{`2`, Debug},
		{`"warning"`, Warning},
		{`"debug"`, Debug},
	} {
		var lv Level
		if err := json.Unmarshal([]byte(tc.in), &lv); err != nil {
			t.Errorf("Unmarshal(%s) failed: %v", tc.in, err)
			continue
		}
		if lv != tc.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tc.in, lv, tc.want)
		}
	}
	for _, in := range []string{`3`, `"fatal"`, `-1`} {
		var lv Level
		if err := json.Unmarshal([]byte(in), &lv); err == nil {
			t.Errorf("Unmarshal(%s) = %v, want error", in, lv)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	JSONEmitter{&Writer{Next: &buf}}.Emit(0, Info, ts, "hart %d online", 1)

	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller = %q, want json_test.go:<line>", got.Caller)
	}
	got.Caller = ""
	want := jsonLog{Msg: "hart 1 online", Level: Info, Time: ts}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(buf.String(), `"level":"info"`) {
		t.Errorf("record %q does not name the level", buf.String())
	}
}

func TestK8sJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	K8sJSONEmitter{&Writer{Next: &buf}}.Emit(0, Warning, time.Now(), "shutdown")

	var got k8sJSONLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if !strings.HasPrefix(got.Log, "json_test.go:") || !strings.HasSuffix(got.Log, "] shutdown") {
		t.Errorf("log = %q, want json_test.go:<line>] shutdown", got.Log)
	}
	if got.Level != Warning {
		t.Errorf("level = %v, want %v", got.Level, Warning)
	}
}
