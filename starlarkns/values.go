// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package starlarkns

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/nsid"
	"github.com/nsload/nsload/registry"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// toStarlark converts a host value to a Starlark value.
// Registry namespaces become live namespace handles if reg is
// non-nil, and immutable modules otherwise.
func toStarlark(v any, reg registry.Registry, path string) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return v, nil
	case string:
		return starlark.String(v), nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case uint64:
		return starlark.MakeUint64(v), nil
	case float64:
		return starlark.Float(v), nil
	case []string:
		elems := make([]starlark.Value, len(v))
		for i, s := range v {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, x := range v {
			e, err := toStarlark(x, nil, "")
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(v))
		for _, k := range sortedKeys(v) {
			e, err := toStarlark(v[k], nil, "")
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), e); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case registry.Namespace:
		if reg != nil {
			return &namespaceHandle{name: path, reg: reg}, nil
		}
		members := make(starlark.StringDict, len(v))
		for _, k := range v.Keys() {
			e, err := toStarlark(v[k], nil, "")
			if err != nil {
				return nil, err
			}
			members[k] = e
		}
		return &starlarkstruct.Module{Name: path, Members: members}, nil
	case registry.Registry:
		return &registryValue{reg: v}, nil
	case loader.Exports:
		return &exportsValue{m: v}, nil
	}
	return nil, fmt.Errorf("cannot convert %T to a Starlark value", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// namespaces returns the dotted names of all namespaces in reg.
func namespaces(reg registry.Registry) []string {
	var names []string
	var walk func(prefix string, ns registry.Namespace)
	walk = func(prefix string, ns registry.Namespace) {
		for k, v := range ns {
			if sub, ok := v.(registry.Namespace); ok {
				names = append(names, prefix+k)
				walk(prefix+k+".", sub)
			}
		}
	}
	if root, ok := registry.Members(reg, ""); ok {
		walk("", root)
	}
	sort.Strings(names)
	return names
}

// undefinedNamespace returns an error reporting that the namespace
// name is not defined, with a spelling suggestion if one is close.
func undefinedNamespace(reg registry.Registry, name string) error {
	if n := nearest(nsid.Munge(name), namespaces(reg)); n != "" {
		return fmt.Errorf("namespace %s is not defined (did you mean %s?)", name, n)
	}
	return fmt.Errorf("namespace %s is not defined", name)
}

// A namespaceHandle is a late-bound reference to a registry
// namespace, as returned by require. Its attributes are looked up
// when accessed, so a handle may be obtained before the namespace is
// defined.
type namespaceHandle struct {
	name string // as written
	reg  registry.Registry
}

var _ starlark.HasAttrs = (*namespaceHandle)(nil)

func (h *namespaceHandle) String() string        { return fmt.Sprintf("<namespace %s>", h.name) }
func (h *namespaceHandle) Type() string          { return "namespace" }
func (h *namespaceHandle) Freeze()               {}
func (h *namespaceHandle) Truth() starlark.Bool  { return true }
func (h *namespaceHandle) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: namespace") }

func (h *namespaceHandle) path() string { return nsid.Munge(h.name) }

func (h *namespaceHandle) Attr(name string) (starlark.Value, error) {
	if !h.reg.Probe(h.path()) {
		return nil, undefinedNamespace(h.reg, h.name)
	}
	path := h.path() + "." + name
	v, ok := h.reg.Lookup(path)
	if !ok {
		return nil, nil // "no such field", with suggestions from AttrNames
	}
	return toStarlark(v, h.reg, h.name+"."+name)
}

func (h *namespaceHandle) AttrNames() []string {
	ns, _ := registry.Members(h.reg, h.path())
	return ns.Keys()
}

// registryValue exposes a registry to compiled code as __registry__.
type registryValue struct {
	reg registry.Registry
}

var _ starlark.HasAttrs = (*registryValue)(nil)

func (r *registryValue) String() string        { return "<registry>" }
func (r *registryValue) Type() string          { return "registry" }
func (r *registryValue) Freeze()               {}
func (r *registryValue) Truth() starlark.Bool  { return true }
func (r *registryValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: registry") }

var registryMethods = map[string]*starlark.Builtin{
	"define":         starlark.NewBuiltin("define", registryDefine),
	"define_globals": starlark.NewBuiltin("define_globals", registryDefineGlobals),
	"lookup":         starlark.NewBuiltin("lookup", registryLookup),
	"has":            starlark.NewBuiltin("has", registryHas),
}

func (r *registryValue) Attr(name string) (starlark.Value, error) {
	if b, ok := registryMethods[name]; ok {
		return b.BindReceiver(r), nil
	}
	return nil, nil
}

func (r *registryValue) AttrNames() []string {
	names := make([]string, 0, len(registryMethods))
	for name := range registryMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// define(ns, **members) defines each member in namespace ns, in
// argument order. With no members it creates an empty namespace.
func registryDefine(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ns string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &ns); err != nil {
		return nil, err
	}
	reg := b.Receiver().(*registryValue).reg
	path := nsid.Munge(ns)
	if len(kwargs) == 0 {
		if err := reg.Define(path, registry.Namespace{}); err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
		return starlark.None, nil
	}
	for _, kv := range kwargs {
		name := string(kv[0].(starlark.String))
		if err := reg.Define(path+"."+nsid.Munge(name), kv[1]); err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
	}
	return starlark.None, nil
}

// define_globals(ns, fn, *names) defines in namespace ns each of
// names that is bound among the module globals of function fn.
// Unbound names, such as those assigned only in a branch that did
// not run, are skipped. The namespace is created even if none is
// bound.
func registryDefineGlobals(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("%s: got %d arguments, want at least 2", b.Name(), len(args))
	}
	ns, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: namespace must be string, got %s", b.Name(), args[0].Type())
	}
	fn, ok := args[1].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want function", b.Name(), args[1].Type())
	}
	globals := fn.Globals()
	reg := b.Receiver().(*registryValue).reg
	path := nsid.Munge(ns)
	n := 0
	for _, arg := range args[2:] {
		name, ok := starlark.AsString(arg)
		if !ok {
			return nil, fmt.Errorf("%s: name must be string, got %s", b.Name(), arg.Type())
		}
		v, ok := globals[name]
		if !ok {
			continue
		}
		if err := reg.Define(path+"."+nsid.Munge(name), v); err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
		n++
	}
	if n == 0 {
		if err := reg.Define(path, registry.Namespace{}); err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
	}
	return starlark.None, nil
}

// lookup(path) returns the value at a dotted registry path, or None.
func registryLookup(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	reg := b.Receiver().(*registryValue).reg
	v, ok := reg.Lookup(path)
	if !ok {
		return starlark.None, nil
	}
	return toStarlark(v, reg, path)
}

func registryHas(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	return starlark.Bool(b.Receiver().(*registryValue).reg.Probe(path)), nil
}

// exportsValue exposes a run's export accumulator as a mapping.
// Keys written by the program are added to the run's exports.
type exportsValue struct {
	m      loader.Exports
	frozen bool
}

var (
	_ starlark.HasSetKey = (*exportsValue)(nil)
	_ starlark.Sequence  = (*exportsValue)(nil)
)

func (e *exportsValue) String() string {
	var buf strings.Builder
	buf.WriteString("exports(")
	for i, k := range sortedKeys(e.m) {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(k)
	}
	buf.WriteString(")")
	return buf.String()
}

func (e *exportsValue) Type() string          { return "exports" }
func (e *exportsValue) Freeze()               { e.frozen = true }
func (e *exportsValue) Truth() starlark.Bool  { return len(e.m) > 0 }
func (e *exportsValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: exports") }
func (e *exportsValue) Len() int              { return len(e.m) }

func (e *exportsValue) Iterate() starlark.Iterator {
	keys := sortedKeys(e.m)
	elems := make([]starlark.Value, len(keys))
	for i, k := range keys {
		elems[i] = starlark.String(k)
	}
	return starlark.Tuple(elems).Iterate()
}

func (e *exportsValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	s, ok := k.(starlark.String)
	if !ok {
		return nil, false, fmt.Errorf("exports key must be string, got %s", k.Type())
	}
	v, ok := e.m[string(s)]
	if !ok {
		return nil, false, nil
	}
	x, err := toStarlark(v, nil, "")
	return x, err == nil, err
}

func (e *exportsValue) SetKey(k, v starlark.Value) error {
	if e.frozen {
		return fmt.Errorf("cannot insert into frozen exports")
	}
	s, ok := k.(starlark.String)
	if !ok {
		return fmt.Errorf("exports key must be string, got %s", k.Type())
	}
	e.m[nsid.Munge(string(s))] = v
	return nil
}
