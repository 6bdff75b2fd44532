// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package starlarkns provides a namespace-oriented dialect of
// Starlark for the loader: a Compiler and an Evaluator that share a
// set of predeclared names.
//
// A unit is a Starlark file divided into namespace sections:
//
//	namespace("my.math")
//
//	def square(x):
//	    return x * x
//
//	export(square)
//
// Statements before the first namespace call belong to the implicit
// namespace "user". The compiler appends an epilogue that defines the
// globals of each section in the registry, so that after execution
// my.math.square is defined.
//
// A unit reaches other namespaces either eagerly, with the load
// statement, whose module names a namespace:
//
//	load("my.math", "square")
//
// or lazily, with require, which returns a handle whose attributes
// are looked up in the registry when accessed:
//
//	m = require("my.math")
//
//	def cube(x):
//	    return m.square(x) * x
//
// Both forms make the named namespace a dependency of the unit.
// Only require supports mutual recursion between namespaces, since
// the cyclic namespace is not yet defined when the unit executes.
//
// The predeclared environment contains namespace, export, require,
// struct, module, and the json, math and time modules, plus any
// Dialect.Predeclared values and the bindings of the run.
package starlarkns // import "github.com/nsload/nsload/starlarkns"

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/registry"
	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// A Dialect configures the compiler and evaluator of the language.
// Its fields must not change once either is in use.
type Dialect struct {
	// Predeclared holds extra values visible to every unit, such as
	// test helpers. They are known to the compiler by name only.
	Predeclared starlark.StringDict

	// Print handles calls to print. If nil, output goes to
	// standard error.
	Print func(thread *starlark.Thread, msg string)

	// MaxSteps, if positive, bounds the execution steps of each unit.
	MaxSteps uint64

	// Logger receives debug messages. If nil, nothing is logged.
	Logger *slog.Logger
}

// Compiler returns the dialect's compiler. It implements
// loader.Fingerprinter, reflecting the resolver flags of package
// go.starlark.net/resolve and the predeclared names.
func (d *Dialect) Compiler() loader.Compiler { return compiler{d} }

type compiler struct{ d *Dialect }

func (c compiler) Compile(ctx context.Context, unit loader.Unit) (*loader.Output, error) {
	return c.d.compile(ctx, unit)
}

func (c compiler) Fingerprint() string { return c.d.fingerprint() }

// Evaluator returns the dialect's evaluator.
func (d *Dialect) Evaluator() loader.Evaluator { return loader.EvaluatorFunc(d.execute) }

// NewCompiler returns the compiler of the default dialect.
func NewCompiler() loader.Compiler { return new(Dialect).Compiler() }

// NewEvaluator returns the evaluator of the default dialect.
func NewEvaluator() loader.Evaluator { return new(Dialect).Evaluator() }

// Universe holds the builtins of the dialect, in addition to
// starlark.Universe.
var Universe = starlark.StringDict{
	"namespace": starlark.NewBuiltin("namespace", namespace_),
	"export":    starlark.NewBuiltin("export", export),
	"require":   starlark.NewBuiltin("require", require),
	"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
	"module":    starlark.NewBuiltin("module", starlarkstruct.MakeModule),
	"json":      starlarkjson.Module,
	"math":      starlarkmath.Module,
	"time":      starlarktime.Module,
}

// predeclaredNames returns the names the compiler treats as
// predeclared for a unit with the given bindings.
func (d *Dialect) predeclaredNames(bindings []string) map[string]bool {
	names := map[string]bool{
		loader.BindingExports:  true,
		loader.BindingRegistry: true,
	}
	for name := range Universe {
		names[name] = true
	}
	for name := range d.Predeclared {
		names[name] = true
	}
	for _, name := range bindings {
		names[name] = true
	}
	return names
}

const registryKey = "nsload.registry" // thread-local key of the unit's registry

func registryOf(thread *starlark.Thread) (registry.Registry, error) {
	reg, _ := thread.Local(registryKey).(registry.Registry)
	if reg == nil {
		return nil, fmt.Errorf("no registry in thread %s", thread.Name)
	}
	return reg, nil
}

// namespace(name) marks the start of a section. It is interpreted by
// the compiler; at run time it only checks its argument.
func namespace_(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// export(*values) marks globals as exported. It is interpreted by the
// compiler.
func export(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	return starlark.None, nil
}

// require(name) returns a late-bound handle to a namespace.
func require(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	reg, err := registryOf(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	return &namespaceHandle{name: name, reg: reg}, nil
}

func logEnabled(logger *slog.Logger, level slog.Level) bool {
	return logger != nil && logger.Enabled(context.Background(), level)
}
