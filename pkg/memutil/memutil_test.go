// Copyright 2019 The gVisor Authors.
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

package memutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMapAnonymous(t *testing.T) {
	const size = 1 << 20
	b, err := MapAnonymous(size, true)
	if err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}
	defer UnmapSlice(b)

	if len(b) != size {
		t.Fatalf("len got %d want %d", len(b), size)
	}
	for i := 0; i < size; i += 0x400 {
		b[i] = byte(i >> 10)
	}
	if b[0x800] != 2 {
		t.Errorf("b[0x800] got %d want 2", b[0x800])
	}
}

func TestMapFile(t *testing.T) {
	want := bytes.Repeat([]byte("libcrypto"), 1000)
	path := filepath.Join(t.TempDir(), "target")
	if err := os.WriteFile(path, want, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	b, err := MapFile(f, len(want))
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	defer UnmapSlice(b)
	if !bytes.Equal(b, want) {
		t.Errorf("mapped contents differ from file")
	}

	if _, err := MapFile(f, 0); err == nil {
		t.Errorf("MapFile with size 0 succeeded")
	}
}

func TestUnmapEmpty(t *testing.T) {
	if err := UnmapSlice(nil); err != nil {
		t.Errorf("UnmapSlice(nil): %v", err)
	}
}

func TestTotalRAM(t *testing.T) {
	total, err := TotalRAM()
	if err != nil {
		t.Fatalf("TotalRAM: %v", err)
	}
	if total < 1<<20 {
		t.Errorf("TotalRAM = %d, implausibly small", total)
	}
}
