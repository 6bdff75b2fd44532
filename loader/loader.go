// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loader compiles and executes units of a namespace-oriented
// guest language on demand, loading their dependencies first.
//
// A Loader coordinates four collaborators it does not implement: a
// Compiler that turns source text into code and reports the
// namespaces the code declares, requires and exports; a registry.Registry
// into which executed code writes its definitions; a SourceLoader that
// fetches the source of a required namespace; and an Evaluator that
// executes code in a sandbox with a given set of bindings.
//
// Run compiles a unit, marks the namespaces it declares as being
// evaluated, loads each required namespace that the registry does not
// yet define (recursively, and concurrently with its siblings), executes
// the unit, and collects its exported symbols from the registry:
//
//	l := loader.New(starlarkns.NewCompiler(), registry.NewTree(),
//		loader.WithSourceLoader(sources.Dir([]string{"lib"})),
//		loader.WithEvaluator(starlarkns.NewEvaluator()))
//	res, err := l.Run(ctx, "main.star", src, nil)
//
// A namespace that is being evaluated on the path that requires it
// forms a cycle; it is assumed to become available rather than loaded
// again. A namespace being loaded by an unrelated concurrent
// evaluation is awaited rather than loaded twice.
//
// Compiler outputs are memoized. The memo can be saved with DumpCache
// and restored with LoadCache.
package loader // import "github.com/nsload/nsload/loader"

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nsload/nsload/registry"
)

// LevelTrace is a log level more verbose than Debug, used for
// per-namespace detail such as cache hits and waits.
const LevelTrace = slog.Level(-8)

// Options configures a run.
type Options struct {
	// Logger receives diagnostic messages. If nil, nothing is logged.
	Logger *slog.Logger

	// SourceLoader fetches the source of missing dependencies.
	SourceLoader SourceLoader

	// Evaluator executes compiled code.
	Evaluator Evaluator

	// Context holds extra bindings injected into every execution,
	// including those of dependencies. A run's Context is merged over
	// the Loader's default, entries of the run taking precedence.
	Context map[string]any
}

// An Option sets a default used by runs whose Options leave it unset.
type Option func(*Options)

// WithLogger sets the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithSourceLoader sets the default source loader.
func WithSourceLoader(sl SourceLoader) Option {
	return func(o *Options) { o.SourceLoader = sl }
}

// WithEvaluator sets the default evaluator.
func WithEvaluator(e Evaluator) Option {
	return func(o *Options) { o.Evaluator = e }
}

// WithContext sets the default extra bindings.
func WithContext(bindings map[string]any) Option {
	return func(o *Options) { o.Context = bindings }
}

// A Loader runs compilation units against one registry.
// It is safe for concurrent use.
type Loader struct {
	compiler Compiler
	registry registry.Registry
	defaults Options
	cache    *compileCache
	state    *evalState
}

// New returns a Loader that compiles with compiler and resolves
// namespaces against reg.
func New(compiler Compiler, reg registry.Registry, opts ...Option) *Loader {
	l := &Loader{
		compiler: compiler,
		registry: reg,
		cache:    newCompileCache(),
		state:    newEvalState(),
	}
	for _, opt := range opts {
		opt(&l.defaults)
	}
	return l
}

// Registry returns the loader's registry.
func (l *Loader) Registry() registry.Registry { return l.registry }

// A Result is the outcome of a successful run.
type Result struct {
	Unit       string
	Exports    Exports  // exported symbols by local name; never nil
	Value      any      // the value yielded by executing the unit
	Namespaces []string // namespaces the unit declared
	Defined    []string // registry paths the unit defined, in order
}

// Run compiles and executes the unit named unitID with source text
// src, first loading any namespace it requires that is not yet
// defined. Fields of opts that are unset take the Loader's defaults;
// opts may be nil. An empty unitID is replaced by a generated one.
//
// Run returns either a complete Result or an error: a *CompileError
// if src is invalid, a *DependencyError if a required namespace could
// not be loaded, a *ConsistencyError if an export is missing after
// execution, or the Evaluator's error.
func (l *Loader) Run(ctx context.Context, unitID, src string, opts *Options) (*Result, error) {
	o := l.options(opts)
	if unitID == "" {
		unitID = "unit-" + uuid.NewString()
	}
	unit := Unit{Name: unitID, Filename: unitID, Source: src, Bindings: bindingNames(o)}
	return l.run(ctx, unit, nil, o)
}

func (l *Loader) options(opts *Options) *Options {
	o := l.defaults
	if opts != nil {
		if opts.Logger != nil {
			o.Logger = opts.Logger
		}
		if opts.SourceLoader != nil {
			o.SourceLoader = opts.SourceLoader
		}
		if opts.Evaluator != nil {
			o.Evaluator = opts.Evaluator
		}
		if len(opts.Context) > 0 {
			ctx := make(map[string]any, len(o.Context)+len(opts.Context))
			for k, v := range o.Context {
				ctx[k] = v
			}
			for k, v := range opts.Context {
				ctx[k] = v
			}
			o.Context = ctx
		}
	}
	return &o
}

// run executes the steps of Run for one unit. If out is non-nil the
// unit is already compiled. If ctx carries a flight, the unit is
// evaluated as part of it; otherwise run starts a new one.
func (l *Loader) run(ctx context.Context, unit Unit, out *Output, opts *Options) (_ *Result, err error) {
	logger := componentLogger(opts.Logger, "loader")

	if out == nil {
		out, err = l.compile(ctx, unit, logger)
		if err != nil {
			return nil, err
		}
	}

	cur := flightFrom(ctx)
	if cur == nil {
		cur = newFlight(unit.Name)
		ctx = withFlight(ctx, cur)
		defer func() { l.state.finish(cur, err) }()
	}
	release := l.state.mark(cur, out.Namespaces)
	defer release()

	if err := l.resolve(ctx, cur, out.Dependencies, opts, logger); err != nil {
		return nil, err
	}

	if opts.Evaluator == nil {
		return nil, errors.New("loader: no evaluator")
	}
	var (
		mu      sync.Mutex
		defined []string
	)
	facade := &registry.Facade{
		Parent: l.registry,
		OnDefine: func(path string, _ any) (bool, error) {
			mu.Lock()
			defined = append(defined, path)
			mu.Unlock()
			return true, nil
		},
	}
	exports := make(Exports)
	if logEnabled(logger, slog.LevelDebug) {
		logger.LogAttrs(ctx, slog.LevelDebug, "executing", slog.String("unit", unit.Name))
	}
	value, err := opts.Evaluator.Execute(ctx, out.Code, bindings(opts, exports, facade))
	if err != nil {
		return nil, err
	}
	if err := collectExports(out.Exports, l.registry, exports); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return &Result{
		Unit:       unit.Name,
		Exports:    exports,
		Value:      value,
		Namespaces: out.Namespaces,
		Defined:    defined,
	}, nil
}

// Evaluating reports whether the namespace name is currently marked
// as being evaluated.
func (l *Loader) Evaluating(name string) bool { return l.state.evaluating(name) }

// DumpCache returns the serialized compile cache.
func (l *Loader) DumpCache() string { return l.cache.dump() }

// LoadCache replaces the compile cache with one read from blob.
// On error, which is a *CacheFormatError, the cache is unchanged.
func (l *Loader) LoadCache(blob string) error { return l.cache.load(blob) }

// ClearCache empties the compile cache.
func (l *Loader) ClearCache() { l.cache.clear() }

func componentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("component", component))
}

// logEnabled reports whether logging is enabled at the given level.
func logEnabled(logger *slog.Logger, level slog.Level) bool {
	return logger != nil && logger.Enabled(context.Background(), level)
}
