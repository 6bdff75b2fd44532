// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"github.com/nsload/nsload/nsid"
	"github.com/nsload/nsload/registry"
)

// collectExports looks up each exported symbol "ns/name" in reg and
// stores its value in into under the munged local name, dropping the
// namespace. A declared export that reg does not define is a
// *ConsistencyError.
func collectExports(symbols []string, reg registry.Registry, into Exports) error {
	for _, sym := range symbols {
		path, local := nsid.RegistryPath(sym)
		v, ok := reg.Lookup(path)
		if !ok {
			return &ConsistencyError{Symbol: sym, Path: path}
		}
		into[local] = v
	}
	return nil
}
