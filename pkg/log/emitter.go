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
	"os"

	"golang.org/x/term"
)

// IsTerminal returns true if f refers to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// EmitterFor returns an emitter writing to f in the named format. Supported
// formats are "text", "json" and "logrus". An empty format or "auto" picks
// text for terminals and json otherwise.
func EmitterFor(format string, f *os.File) (Emitter, error) {
	if format == "" || format == "auto" {
		format = "json"
		if IsTerminal(f) {
			format = "text"
		}
	}
	switch format {
	case "text", "glog":
		return GoogleEmitter{&Writer{Next: f}}, nil
	case "json":
		return JSONEmitter{&Writer{Next: f}}, nil
	case "logrus":
		return NewLogrusEmitter(f), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", format)
	}
}
