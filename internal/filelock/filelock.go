// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package filelock provides advisory locks on open files, used to
// serialize processes that share a compile cache file.
//
// On platforms without flock the functions succeed without locking.
package filelock // import "github.com/nsload/nsload/internal/filelock"

import (
	"fmt"
	"io"
	"os"
)

// Lock places an exclusive lock on f, blocking until it is available.
func Lock(f *os.File) error {
	if err := lock(f, true); err != nil {
		return &os.PathError{Op: "lock", Path: f.Name(), Err: err}
	}
	return nil
}

// RLock places a shared lock on f, blocking until it is available.
func RLock(f *os.File) error {
	if err := lock(f, false); err != nil {
		return &os.PathError{Op: "rlock", Path: f.Name(), Err: err}
	}
	return nil
}

// Unlock removes any lock held on f.
func Unlock(f *os.File) error {
	if err := unlock(f); err != nil {
		return &os.PathError{Op: "unlock", Path: f.Name(), Err: err}
	}
	return nil
}

// ReadFile returns the contents of the named file, read under a
// shared lock. A missing file reads as empty.
func ReadFile(name string) ([]byte, error) {
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := RLock(f); err != nil {
		return nil, err
	}
	defer Unlock(f)
	return io.ReadAll(f)
}

// WriteFile replaces the contents of the named file with data, under
// an exclusive lock, creating the file if necessary.
func WriteFile(name string, data []byte) (err error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := Lock(f); err != nil {
		return err
	}
	defer Unlock(f)
	if err := f.Truncate(0); err != nil {
		return err
	}
	if n, err := f.WriteAt(data, 0); err != nil {
		return err
	} else if n != len(data) {
		return fmt.Errorf("%s: short write", name)
	}
	return nil
}
