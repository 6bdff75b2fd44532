// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package filelock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestReadWriteFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "cache")

	data, err := ReadFile(name)
	if err != nil || len(data) != 0 {
		t.Fatalf("ReadFile of a missing file = %q, %v", data, err)
	}

	if err := WriteFile(name, []byte("a longer first version")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(name, []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, err = ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("ReadFile = %q, want %q", data, "second")
	}
}

func TestConcurrentWriters(t *testing.T) {
	name := filepath.Join(t.TempDir(), "cache")
	contents := []string{"aaaaaaaaaaaaaaaaaaaaaaaa", "bb", "cccccccccccc"}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			if err := WriteFile(name, []byte(s)); err != nil {
				t.Error(err)
			}
		}(contents[i%len(contents)])
	}
	wg.Wait()

	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range contents {
		if string(data) == s {
			return
		}
	}
	t.Errorf("file holds interleaved content %q", data)
}

func TestLockUnlock(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "f"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := Lock(f); err != nil {
		t.Fatal(err)
	}
	if err := Unlock(f); err != nil {
		t.Fatal(err)
	}
	if err := RLock(f); err != nil {
		t.Fatal(err)
	}
	if err := Unlock(f); err != nil {
		t.Fatal(err)
	}
}
