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

package log

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger, for hosts that
// collect firmware logs alongside other logrus output.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns an emitter writing JSON lines through a fresh
// logrus logger to w's underlying writer.
func NewLogrusEmitter(w *Writer) LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	return LogrusEmitter{Logger: l}
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	msg := fmt.Sprintf(format, v...)
	switch level {
	case Warning:
		entry.Warn(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}
