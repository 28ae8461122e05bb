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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// record is one line written by JSONEmitter. Worker processes of an attack
// append to the same file, so every record carries the writer's pid.
type record struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	PID    int       `json:"pid"`
	Source string    `json:"src,omitempty"`
	Msg    string    `json:"msg"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if l > Debug {
		return nil, fmt.Errorf("unknown level %d", uint32(l))
	}
	return strconv.AppendQuote(nil, strings.ToLower(l.String())), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. Both level names
// and their numeric values are accepted.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		if Level(n) > Debug {
			return fmt.Errorf("unknown level %d", n)
		}
		*l = Level(n)
		return nil
	}
	name, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("unknown level %s", s)
	}
	lv, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := record{
		Time:  timestamp,
		Level: level,
		PID:   os.Getpid(),
		Msg:   fmt.Sprintf(format, v...),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		r.Source = filepath.Base(file) + ":" + strconv.Itoa(line)
	}
	b, err := json.Marshal(r)
	if err != nil {
		// Only an out of range level gets here.
		fmt.Fprintf(os.Stderr, "dropping log record: %v\n", err)
		return
	}
	e.Writer.Write(append(b, '\n'))
}
