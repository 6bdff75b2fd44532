// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loadertest defines utilities for testing the loader and
// programs that run under it.
//
// Lang is a scripted guest language whose compiler and evaluator
// record what they are asked to do, so that tests can observe
// compilation counts and execution order. AssertModule provides a
// Starlark "assert" module that reports failures to a testing.T.
package loadertest // import "github.com/nsload/nsload/loadertest"

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/registry"
)

// Lang is a line-oriented guest language for tests. Each line of a
// unit is one directive; blank lines and lines starting with '#' are
// ignored.
//
//	ns NAME            declare namespace NAME
//	require NAME       require namespace NAME
//	export NS/NAME     declare the exported symbol NS/NAME
//	error MSG          fail to compile, reporting MSG
//	def PATH PARTS...  at run time, define PATH to the concatenated PARTS
//	result PARTS...    at run time, yield the concatenated PARTS
//	fail MSG           at run time, fail with MSG
//
// A part "@a.b.c" denotes the value at registry path a.b.c; a part
// "$x" denotes the context binding x; any other part is a literal.
// A missing registry path or binding is a run-time error.
//
// Code compiled by Lang is only understood by Lang's evaluator.
type Lang struct {
	// BeforeCompile, if set, is called at the start of every
	// compilation, for tests that need to block or delay compilers.
	BeforeCompile func(unit string)

	mu       sync.Mutex
	compiled []string
	executed []string
}

// Compiler returns the compiler of the language.
func (lang *Lang) Compiler() loader.Compiler {
	return loader.CompilerFunc(lang.compile)
}

// Evaluator returns the evaluator of the language.
func (lang *Lang) Evaluator() loader.Evaluator {
	return loader.EvaluatorFunc(lang.execute)
}

// Compiled returns the names of the units compiled so far, in order.
func (lang *Lang) Compiled() []string {
	lang.mu.Lock()
	defer lang.mu.Unlock()
	return append([]string(nil), lang.compiled...)
}

// Executed returns the names of the units executed so far, in order.
func (lang *Lang) Executed() []string {
	lang.mu.Lock()
	defer lang.mu.Unlock()
	return append([]string(nil), lang.executed...)
}

// Count returns how many times unit was compiled.
func (lang *Lang) Count(unit string) int {
	n := 0
	for _, u := range lang.Compiled() {
		if u == unit {
			n++
		}
	}
	return n
}

func (lang *Lang) compile(ctx context.Context, unit loader.Unit) (*loader.Output, error) {
	if lang.BeforeCompile != nil {
		lang.BeforeCompile(unit.Name)
	}
	lang.mu.Lock()
	lang.compiled = append(lang.compiled, unit.Name)
	lang.mu.Unlock()

	out := new(loader.Output)
	code := []string{"unit " + unit.Name}
	var diags []loader.Diagnostic
	sc := bufio.NewScanner(strings.NewReader(unit.Source))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		verb, rest, _ := strings.Cut(text, " ")
		rest = strings.TrimSpace(rest)
		switch verb {
		case "ns":
			out.Namespaces = append(out.Namespaces, rest)
		case "require":
			out.Dependencies = append(out.Dependencies, rest)
		case "export":
			out.Exports = append(out.Exports, rest)
		case "error":
			diags = append(diags, loader.Diagnostic{Pos: fmt.Sprintf("%s:%d:1", unit.Filename, line), Msg: rest})
		case "def", "result", "fail":
			code = append(code, text)
		default:
			diags = append(diags, loader.Diagnostic{
				Pos: fmt.Sprintf("%s:%d:1", unit.Filename, line),
				Msg: fmt.Sprintf("unknown directive %q", verb),
			})
		}
	}
	if len(diags) > 0 {
		return nil, &loader.CompileError{Unit: unit.Name, Diagnostics: diags}
	}
	out.Code = []byte(strings.Join(code, "\n"))
	return out, nil
}

func (lang *Lang) execute(ctx context.Context, code []byte, bindings map[string]any) (any, error) {
	reg, ok := bindings[loader.BindingRegistry].(registry.Registry)
	if !ok {
		return nil, fmt.Errorf("no registry binding")
	}
	lines := strings.Split(string(code), "\n")
	unit := strings.TrimPrefix(lines[0], "unit ")
	lang.mu.Lock()
	lang.executed = append(lang.executed, unit)
	lang.mu.Unlock()

	var result any
	for _, text := range lines[1:] {
		verb, rest, _ := strings.Cut(text, " ")
		switch verb {
		case "def":
			path, parts, _ := strings.Cut(rest, " ")
			v, err := concat(reg, bindings, parts)
			if err != nil {
				return nil, fmt.Errorf("%s: %v", unit, err)
			}
			if err := reg.Define(path, v); err != nil {
				return nil, err
			}
		case "result":
			v, err := concat(reg, bindings, rest)
			if err != nil {
				return nil, fmt.Errorf("%s: %v", unit, err)
			}
			result = v
		case "fail":
			return nil, fmt.Errorf("%s: %s", unit, rest)
		}
	}
	return result, nil
}

func concat(reg registry.Registry, bindings map[string]any, parts string) (string, error) {
	var buf strings.Builder
	for _, part := range strings.Fields(parts) {
		switch {
		case strings.HasPrefix(part, "@"):
			v, ok := reg.Lookup(part[1:])
			if !ok {
				return "", fmt.Errorf("%s is not defined", part[1:])
			}
			fmt.Fprint(&buf, v)
		case strings.HasPrefix(part, "$"):
			v, ok := bindings[part[1:]]
			if !ok {
				return "", fmt.Errorf("no binding %s", part[1:])
			}
			fmt.Fprint(&buf, v)
		default:
			buf.WriteString(part)
		}
	}
	return buf.String(), nil
}
