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
	"os"
	"strings"
	"testing"
	"time"
)

// Test that integers and names can be properly unmarshaled.
func TestUnmarshalLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{`0`, Warning},
		{`1`, Info},
		{`2`, Debug},
		{`"warning"`, Warning},
		{`"warn"`, Warning},
		{`"Info"`, Info},
		{`"debug"`, Debug},
	} {
		var lv Level
		if err := lv.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Errorf("error unmarshaling %s: %v", tc.in, err)
			continue
		}
		if lv != tc.want {
			t.Errorf("unmarshal %s got %v want %v", tc.in, lv, tc.want)
		}
	}

	var lv Level
	for _, in := range []string{`"trace"`, `7`, `trace`} {
		if err := lv.UnmarshalJSON([]byte(in)); err == nil {
			t.Errorf("unmarshal of %s succeeded: %v", in, lv)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	e.Emit(0, Info, ts, "threshold %d", 180)

	var got record
	if err := json.Unmarshal([]byte(strings.Join(tw.lines, "")), &got); err != nil {
		t.Fatalf("output is not json: %v: %q", err, tw.lines)
	}
	if got.Level != Info {
		t.Errorf("level got %v want %v", got.Level, Info)
	}
	if !got.Time.Equal(ts) {
		t.Errorf("time got %v want %v", got.Time, ts)
	}
	if got.PID != os.Getpid() {
		t.Errorf("pid got %d want %d", got.PID, os.Getpid())
	}
	if got.Msg != "threshold 180" {
		t.Errorf("msg got %q want %q", got.Msg, "threshold 180")
	}
	if !strings.HasPrefix(got.Source, "json_test.go:") {
		t.Errorf("src got %q, want json_test.go:<line>", got.Source)
	}
	if !strings.Contains(strings.Join(tw.lines, ""), `"level":"info"`) {
		t.Errorf("level not written by name: %q", tw.lines)
	}
}
