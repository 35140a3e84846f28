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
	"io"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger. Level filtering
// is left to the BasicLogger in front of it, so the logrus logger is expected
// to accept everything down to Debug.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns a LogrusEmitter writing text records to w.
func NewLogrusEmitter(w io.Writer) LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})
	return LogrusEmitter{Logger: l}
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", filepath.Base(file), line))
	}
	switch level {
	case Debug:
		entry.Debugf(format, v...)
	case Info:
		entry.Infof(format, v...)
	default:
		entry.Warnf(format, v...)
	}
}
