// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nsload/nsload/nsid"
	"golang.org/x/sync/errgroup"
)

// resolve makes every namespace in names available before returning.
// A namespace is available if the registry defines it, if the cycle
// guard reports that it is being evaluated on the path that led here,
// or once it has been loaded by this call or by a concurrent one.
// Missing namespaces are loaded concurrently; resolve returns after
// all of them have finished, with the first error.
func (l *Loader) resolve(ctx context.Context, cur *flight, names []string, opts *Options, logger *slog.Logger) error {
	var g errgroup.Group
	for _, name := range names {
		if l.defined(name) {
			continue
		}
		name := name
		g.Go(func() error { return l.require(ctx, cur, name, opts, logger) })
	}
	return g.Wait()
}

func (l *Loader) defined(name string) bool {
	return l.registry.Probe(nsid.Munge(name))
}

// require obtains a single namespace on behalf of flight cur.
func (l *Loader) require(ctx context.Context, cur *flight, name string, opts *Options, logger *slog.Logger) error {
	id := nsid.Parse(name)
	f, c := l.state.claim(cur, name, func() bool { return l.defined(name) })
	switch c {
	case claimDone:
		return nil

	case claimCycle:
		if logEnabled(logger, slog.LevelDebug) {
			logger.LogAttrs(ctx, slog.LevelDebug, "cyclic dependency assumed available",
				slog.String("namespace", name), slog.String("from", cur.name))
		}
		return nil

	case claimWait:
		if logEnabled(logger, LevelTrace) {
			logger.LogAttrs(ctx, LevelTrace, "waiting for namespace",
				slog.String("namespace", name), slog.String("owner", f.name))
		}
		defer l.state.unwait(cur, f)
		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if f.err != nil {
			return &DependencyError{ID: id, Err: f.err}
		}
		return nil
	}

	err := l.load(withFlight(ctx, f), id, opts, logger)
	l.state.finish(f, err)
	l.state.unwait(cur, f)
	if err != nil {
		return &DependencyError{ID: id, Err: err}
	}
	return nil
}

// load fetches, compiles and runs the unit defining id.
// A unit cached under the namespace's name is run without fetching.
func (l *Loader) load(ctx context.Context, id nsid.ID, opts *Options, logger *slog.Logger) error {
	bindings := bindingNames(opts)
	if unit, out := l.cache.lookupNamespace(id.String(), bindings, l.fingerprint()); out != nil {
		if logEnabled(logger, slog.LevelDebug) {
			logger.LogAttrs(ctx, slog.LevelDebug, "running cached namespace",
				slog.String("namespace", id.String()), slog.String("unit", unit))
		}
		_, err := l.run(ctx, Unit{Name: unit, Filename: unit, Bindings: bindings}, out, opts)
		return err
	}

	if opts.SourceLoader == nil {
		return fmt.Errorf("%w (no source loader)", ErrSourceNotFound)
	}
	if logEnabled(logger, slog.LevelDebug) {
		logger.LogAttrs(ctx, slog.LevelDebug, "fetching source",
			slog.String("namespace", id.String()), slog.String("path", id.Path))
	}
	src, err := opts.SourceLoader.Load(ctx, id)
	if err != nil {
		return err
	}
	if src == nil {
		return ErrSourceNotFound
	}
	name := src.Filename
	if name == "" {
		name = id.String()
	}
	_, err = l.run(ctx, Unit{Name: name, Filename: name, Source: src.Text, Bindings: bindings}, nil, opts)
	return err
}
