// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"context"
	"sort"

	"github.com/nsload/nsload/registry"
)

// Names of the bindings the loader injects into every execution.
// Context entries with these names are overridden.
const (
	BindingExports  = "exports"      // the run's Exports accumulator
	BindingRegistry = "__registry__" // a registry.Registry for the unit's definitions
)

// An Evaluator executes compiled code in a sandbox.
//
// Execute runs code so that it can refer to exactly the names in
// bindings plus the host's ambient globals, and returns the value the
// execution yields. Implementations must be reentrant: the loader
// calls Execute concurrently, and each call receives its own bindings.
type Evaluator interface {
	Execute(ctx context.Context, code []byte, bindings map[string]any) (any, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, code []byte, bindings map[string]any) (any, error)

func (f EvaluatorFunc) Execute(ctx context.Context, code []byte, bindings map[string]any) (any, error) {
	return f(ctx, code, bindings)
}

// Exports maps the local names of a run's exported symbols to their
// values. Each run gets a fresh one.
type Exports map[string]any

// bindingNames returns the sorted names that sandboxes will receive
// under opts.
func bindingNames(opts *Options) []string {
	names := []string{BindingExports, BindingRegistry}
	for name := range opts.Context {
		if name != BindingExports && name != BindingRegistry {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// bindings returns a new binding map for one execution.
func bindings(opts *Options, exports Exports, reg registry.Registry) map[string]any {
	m := make(map[string]any, len(opts.Context)+2)
	for k, v := range opts.Context {
		m[k] = v
	}
	m[BindingExports] = exports
	m[BindingRegistry] = reg
	return m
}
