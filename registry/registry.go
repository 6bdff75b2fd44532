// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry defines the host registry: the global tree of
// names into which executed guest code writes its definitions.
//
// Paths are dot-separated, e.g. "my.math.myfunc". Interior nodes of
// the tree are namespaces; leaves hold values. The loader never writes
// to the registry itself: definitions are an effect of executing
// compiled code, which reaches the registry through an injected handle.
package registry // import "github.com/nsload/nsload/registry"

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// A Registry is a nested name-to-value tree.
type Registry interface {
	// Lookup returns the value at path. For a namespace it returns
	// a Namespace snapshot of its members.
	Lookup(path string) (any, bool)

	// Define binds path to v, creating enclosing namespaces as
	// needed. If v is a Namespace, its members are merged into the
	// namespace at path.
	Define(path string, v any) error

	// Probe reports whether path is defined.
	Probe(path string) bool
}

// A Namespace is a snapshot of the members of a namespace node.
// Nested namespaces appear as Namespace values.
type Namespace map[string]any

// Keys returns the member names in sorted order.
func (ns Namespace) Keys() []string {
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// A Tree is the concrete Registry. It is safe for concurrent use.
// The zero value is not usable; call NewTree.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

var _ Registry = (*Tree)(nil)

type node struct {
	members map[string]*node // non-nil iff the node is a namespace
	value   any
}

func newNamespaceNode() *node { return &node{members: make(map[string]*node)} }

// NewTree returns an empty registry.
func NewTree() *Tree {
	return &Tree{root: newNamespaceNode()}
}

func split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// find returns the node at path, or nil. Callers hold t.mu.
func (t *Tree) find(path string) *node {
	n := t.root
	for _, seg := range split(path) {
		if n.members == nil {
			return nil
		}
		n = n.members[seg]
		if n == nil {
			return nil
		}
	}
	return n
}

func (t *Tree) Lookup(path string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.find(path)
	if n == nil {
		return nil, false
	}
	return n.snapshot(), true
}

func (t *Tree) Probe(path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.find(path) != nil
}

func (t *Tree) Define(path string, v any) error {
	segs := split(path)
	if len(segs) == 0 {
		return fmt.Errorf("cannot define the registry root")
	}
	for _, seg := range segs {
		if seg == "" {
			return fmt.Errorf("invalid registry path %q", path)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parent := t.root
	for i, seg := range segs[:len(segs)-1] {
		child := parent.members[seg]
		if child == nil {
			child = newNamespaceNode()
			parent.members[seg] = child
		} else if child.members == nil {
			return fmt.Errorf("cannot define %s: %s is not a namespace", path, strings.Join(segs[:i+1], "."))
		}
		parent = child
	}
	return parent.bind(path, segs[len(segs)-1], v)
}

// bind defines name within the namespace node n.
func (n *node) bind(path, name string, v any) error {
	old := n.members[name]
	ns, isNamespace := v.(Namespace)
	if !isNamespace {
		if old != nil && old.members != nil {
			return fmt.Errorf("cannot define %s: it is a namespace", path)
		}
		n.members[name] = &node{value: v}
		return nil
	}
	if old == nil {
		old = newNamespaceNode()
		n.members[name] = old
	} else if old.members == nil {
		return fmt.Errorf("cannot define namespace %s: it is already bound to a value", path)
	}
	for _, k := range ns.Keys() {
		if err := old.bind(path+"."+k, k, ns[k]); err != nil {
			return err
		}
	}
	return nil
}

func (n *node) snapshot() any {
	if n.members == nil {
		return n.value
	}
	ns := make(Namespace, len(n.members))
	for k, m := range n.members {
		ns[k] = m.snapshot()
	}
	return ns
}

// A Facade is a Registry that overrides selected operations of a
// parent registry and delegates the rest to it.
//
// The loader hands each executing unit its own Facade so that it can
// observe the unit's definitions without the unit being able to tell.
type Facade struct {
	Parent Registry

	// OnDefine, if non-nil, is called before each definition.
	// If it returns pass == false the definition is not forwarded
	// to Parent. A non-nil error aborts the definition.
	OnDefine func(path string, v any) (pass bool, err error)
}

var _ Registry = (*Facade)(nil)

func (f *Facade) Lookup(path string) (any, bool) { return f.Parent.Lookup(path) }
func (f *Facade) Probe(path string) bool         { return f.Parent.Probe(path) }

func (f *Facade) Define(path string, v any) error {
	if f.OnDefine != nil {
		pass, err := f.OnDefine(path, v)
		if err != nil || !pass {
			return err
		}
	}
	return f.Parent.Define(path, v)
}

// Members returns the namespace at path, and whether path denotes a
// namespace in r.
func Members(r Registry, path string) (Namespace, bool) {
	v, ok := r.Lookup(path)
	if !ok {
		return nil, false
	}
	ns, ok := v.(Namespace)
	return ns, ok
}
