// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nsid derives canonical identifiers from namespace names.
//
// A namespace name is a dot-separated sequence of segments such as
// "my.math" or "test.munged-ns-name". A name ending in "$macros"
// denotes the macro namespace of the name without the suffix.
//
// All derivations are pure: the same name always yields the same ID.
package nsid // import "github.com/nsload/nsload/nsid"

import "strings"

// MacrosSuffix marks a macro namespace.
const MacrosSuffix = "$macros"

// An ID identifies a namespace for the purpose of locating its source.
type ID struct {
	Name   string // namespace name without MacrosSuffix
	Macros bool   // whether the macro namespace was requested
	Path   string // munged name with dots replaced by slashes, e.g. "my/foo_bar"
}

// Parse returns the ID of the namespace name.
func Parse(name string) ID {
	macros := strings.HasSuffix(name, MacrosSuffix)
	if macros {
		name = strings.TrimSuffix(name, MacrosSuffix)
	}
	return ID{
		Name:   name,
		Macros: macros,
		Path:   strings.ReplaceAll(Munge(name), ".", "/"),
	}
}

// String returns the namespace name the ID was parsed from.
func (id ID) String() string {
	if id.Macros {
		return id.Name + MacrosSuffix
	}
	return id.Name
}

// Munge applies the compiler's identifier canonicalization to s.
// Hyphens, which are legal in guest-language names but not in host
// identifiers, become underscores.
func Munge(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

// SplitSymbol splits a qualified symbol "ns/name" at its final slash.
// ok is false if the symbol has no namespace part.
func SplitSymbol(sym string) (ns, name string, ok bool) {
	i := strings.LastIndexByte(sym, '/')
	if i < 0 {
		return "", sym, false
	}
	return sym[:i], sym[i+1:], true
}

// Qualify joins a namespace and a local name into a qualified symbol.
func Qualify(ns, name string) string {
	return ns + "/" + name
}

// RegistryPath returns the canonical registry path of the qualified
// symbol sym: both halves are munged and joined with a dot.
func RegistryPath(sym string) (path, local string) {
	ns, name, ok := SplitSymbol(sym)
	local = Munge(name)
	if !ok {
		return local, local
	}
	return Munge(ns) + "." + local, local
}
