// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nsload/nsload/nsid"
)

// ErrSourceNotFound is reported, wrapped in a *DependencyError, when
// no source could be obtained for a required namespace.
var ErrSourceNotFound = errors.New("source not found")

// A Diagnostic is one message reported by the compiler.
type Diagnostic struct {
	Pos string // "file:line:col", or empty if unknown
	Msg string
}

func (d Diagnostic) String() string {
	if d.Pos == "" {
		return d.Msg
	}
	return d.Pos + ": " + d.Msg
}

// A CompileError reports that a unit's source is invalid.
// Compilers may return one directly; any other compiler error is
// wrapped in one by the loader.
type CompileError struct {
	Unit        string
	Diagnostics []Diagnostic
	Err         error // underlying compiler error, if any
}

func (e *CompileError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "compiling %s", e.Unit)
	switch {
	case len(e.Diagnostics) == 1:
		fmt.Fprintf(&buf, ": %s", e.Diagnostics[0])
	case len(e.Diagnostics) > 1:
		for _, d := range e.Diagnostics {
			fmt.Fprintf(&buf, "\n\t%s", d)
		}
	case e.Err != nil:
		fmt.Fprintf(&buf, ": %v", e.Err)
	}
	return buf.String()
}

func (e *CompileError) Unwrap() error { return e.Err }

// A DependencyError reports that a required namespace could not be
// made available. Err is ErrSourceNotFound, the source loader's
// error, or the failure of the dependency's own compilation,
// resolution or execution.
type DependencyError struct {
	ID  nsid.ID
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("cannot load %s: %v", e.ID, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// A CacheFormatError reports a malformed cache blob.
// The cache is left unchanged; callers should clear it and retry.
type CacheFormatError struct {
	Err error
}

func (e *CacheFormatError) Error() string { return "malformed compile cache: " + e.Err.Error() }
func (e *CacheFormatError) Unwrap() error { return e.Err }

// A ConsistencyError reports that a symbol the compiler declared as
// exported is absent from the registry after successful execution.
// It indicates a broken compiler and is always fatal.
type ConsistencyError struct {
	Symbol string // as declared, "ns/name"
	Path   string // canonical registry path that was probed
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("internal error: exported symbol %s is not defined (registry path %s)", e.Symbol, e.Path)
}

// Missing returns the innermost namespace of a chain of dependency
// failures, the one whose own loading failed.
func (e *DependencyError) Missing() nsid.ID {
	id := e.ID
	var next *DependencyError
	for err := e.Err; errors.As(err, &next); err = next.Err {
		id = next.ID
	}
	return id
}
