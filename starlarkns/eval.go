// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package starlarkns

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/nsid"
	"github.com/nsload/nsload/registry"
	"go.starlark.net/starlark"
)

// execute implements loader.Evaluator. The value of an execution is
// the unit's frozen globals, a starlark.StringDict.
func (d *Dialect) execute(ctx context.Context, code []byte, bindings map[string]any) (any, error) {
	prog, err := starlark.CompiledProgram(bytes.NewReader(code))
	if err != nil {
		return nil, err
	}
	reg, ok := bindings[loader.BindingRegistry].(registry.Registry)
	if !ok {
		return nil, fmt.Errorf("%s: no %s binding", prog.Filename(), loader.BindingRegistry)
	}

	predeclared := make(starlark.StringDict, len(Universe)+len(d.Predeclared)+len(bindings))
	for k, v := range Universe {
		predeclared[k] = v
	}
	for k, v := range d.Predeclared {
		predeclared[k] = v
	}
	for k, v := range bindings {
		x, err := toStarlark(v, nil, k)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %v", k, err)
		}
		predeclared[k] = x
	}

	thread := &starlark.Thread{
		Name:  prog.Filename(),
		Print: d.Print,
		Load:  d.load,
	}
	thread.SetLocal(registryKey, reg)
	if d.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(d.MaxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	if logEnabled(d.Logger, slog.LevelDebug) {
		d.Logger.LogAttrs(ctx, slog.LevelDebug, "executing", slog.String("file", prog.Filename()))
	}
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return nil, err
	}
	globals.Freeze()
	return globals, nil
}

// load implements the load statement: the module names a namespace
// that must already be defined in the registry.
func (d *Dialect) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	reg, err := registryOf(thread)
	if err != nil {
		return nil, err
	}
	ns, ok := registry.Members(reg, nsid.Munge(module))
	if !ok {
		return nil, undefinedNamespace(reg, module)
	}
	members := make(starlark.StringDict, len(ns))
	for k, v := range ns {
		x, err := toStarlark(v, reg, module+"."+k)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %v", module, k, err)
		}
		members[k] = x
	}
	if logEnabled(d.Logger, loader.LevelTrace) {
		d.Logger.LogAttrs(context.Background(), loader.LevelTrace, "loaded namespace",
			slog.String("file", thread.Name), slog.String("namespace", module))
	}
	return members, nil
}
