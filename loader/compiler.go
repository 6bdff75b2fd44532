// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// A Unit is one compilation request.
type Unit struct {
	Name     string // unit id, used in diagnostics and as the cache's unit key
	Filename string // file name reported in positions; defaults to Name
	Source   string

	// Bindings are the sorted names the sandbox will inject when the
	// compiled code runs. Compilers that resolve free names at
	// compile time treat them as predeclared.
	Bindings []string
}

// An Output is the result of compiling a Unit.
type Output struct {
	Code         []byte   // opaque to the loader; understood by the Evaluator
	Namespaces   []string // namespaces the unit declares
	Dependencies []string // namespaces the unit requires
	Exports      []string // exported symbols "ns/name", in declaration order
}

// A Compiler is the external compiler for the guest language.
// The loader treats it as a black box.
type Compiler interface {
	Compile(ctx context.Context, unit Unit) (*Output, error)
}

// A Fingerprinter is a Compiler whose output depends on settings
// other than the Unit, such as language dialect flags. The compile
// cache keys each entry by the fingerprint in effect when it was
// compiled, so a cache saved under one configuration is not used
// under another.
type Fingerprinter interface {
	Fingerprint() string
}

// fingerprint returns the configuration fingerprint of l's compiler.
func (l *Loader) fingerprint() string {
	if f, ok := l.compiler.(Fingerprinter); ok {
		return f.Fingerprint()
	}
	return ""
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, unit Unit) (*Output, error)

func (f CompilerFunc) Compile(ctx context.Context, unit Unit) (*Output, error) { return f(ctx, unit) }

// CallbackCompiler adapts a compiler with a callback interface.
// The function must eventually call exactly one of onSuccess or
// onFailure, from any goroutine; later calls are ignored.
// Compile returns early if ctx is cancelled, but the underlying
// compilation is not stopped.
type CallbackCompiler func(unit Unit, onSuccess func(*Output), onFailure func(error))

func (f CallbackCompiler) Compile(ctx context.Context, unit Unit) (*Output, error) {
	type result struct {
		out *Output
		err error
	}
	ch := make(chan result, 1)
	var once sync.Once
	deliver := func(r result) { once.Do(func() { ch <- r }) }

	f(unit,
		func(out *Output) { deliver(result{out: out}) },
		func(err error) {
			if err == nil {
				err = errors.New("compiler reported failure without an error")
			}
			deliver(result{err: err})
		})

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// compile compiles unit, consulting the compile cache first.
// Compiler failures are reported as *CompileError.
func (l *Loader) compile(ctx context.Context, unit Unit, logger *slog.Logger) (*Output, error) {
	fp := l.fingerprint()
	key := cacheKey(unit, fp)
	if out := l.cache.get(key); out != nil {
		if logEnabled(logger, LevelTrace) {
			logger.LogAttrs(ctx, LevelTrace, "compile cache hit", slog.String("unit", unit.Name))
		}
		return out, nil
	}

	out, err := l.compiler.Compile(ctx, unit)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		var cerr *CompileError
		if errors.As(err, &cerr) {
			if cerr.Unit == "" {
				cerr.Unit = unit.Name
			}
			return nil, cerr
		}
		return nil, &CompileError{Unit: unit.Name, Err: err}
	}
	if out == nil {
		return nil, &CompileError{Unit: unit.Name, Err: fmt.Errorf("compiler returned no output")}
	}
	out = &Output{
		Code:         out.Code,
		Namespaces:   dedup(out.Namespaces),
		Dependencies: dedup(out.Dependencies),
		Exports:      append([]string(nil), out.Exports...),
	}
	if logEnabled(logger, slog.LevelDebug) {
		logger.LogAttrs(ctx, slog.LevelDebug, "compiled",
			slog.String("unit", unit.Name),
			slog.Any("namespaces", out.Namespaces),
			slog.Any("dependencies", out.Dependencies),
			slog.Int("exports", len(out.Exports)))
	}
	l.cache.put(key, unit, fp, out)
	return out, nil
}

// dedup returns the distinct elements of list in first-seen order.
func dedup(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(list))
	res := make([]string, 0, len(list))
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			res = append(res, s)
		}
	}
	return res
}
