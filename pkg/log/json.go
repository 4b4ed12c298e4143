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
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalText implements encoding.TextMarshaler. JSON, YAML and TOML
// encoders all use it.
func (l Level) MarshalText() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts the level
// names and their numeric values.
func (l *Level) UnmarshalText(b []byte) error {
	s := string(b)
	for i, name := range levelNames {
		if s == name {
			*l = Level(i)
			return nil
		}
	}
	if v, err := strconv.ParseUint(s, 10, 32); err == nil && v < uint64(len(levelNames)) {
		*l = Level(v)
		return nil
	}
	return fmt.Errorf("unknown level %q", s)
}

// UnmarshalJSON implements json.Unmarshaler. Levels written as bare
// integers by older tools are accepted as well as names.
func (l *Level) UnmarshalJSON(b []byte) error {
	return l.UnmarshalText([]byte(strings.Trim(string(b), `"`)))
}

// caller returns the file:line of the logging call, depth frames above the
// emitter, without the directory.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return ""
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

type jsonLog struct {
	Msg    string    `json:"msg"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
	Caller string    `json:"caller,omitempty"`
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	e.write(jsonLog{
		Msg:    fmt.Sprintf(format, v...),
		Level:  level,
		Time:   timestamp,
		Caller: caller(depth),
	})
}

func (e JSONEmitter) write(j any) {
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}

type k8sJSONLog struct {
	Log   string    `json:"log"`
	Level Level     `json:"level"`
	Time  time.Time `json:"time"`
}

// K8sJSONEmitter logs messages in json format that is compatible with
// Kubernetes fluent configuration. The caller is folded into the message,
// which is the only free-form field fluent keeps.
type K8sJSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e K8sJSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if c := caller(depth); c != "" {
		msg = c + "] " + msg
	}
	JSONEmitter(e).write(k8sJSONLog{
		Log:   msg,
		Level: level,
		Time:  timestamp,
	})
}
