// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"context"
	"sync"
)

// A flight is one evaluation in progress: either a top-level Run or
// the loading of a required namespace on behalf of another flight.
//
// Flights are the nodes of a waits-for graph. A flight has an edge to
// every flight whose completion it awaits, including the flights it
// started for its own dependencies. Before adding an edge, the state
// checks whether the new edge would close a cycle; if so the
// dependency is cyclic and, rather than deadlocking, the waiter
// assumes the namespace will become available.
type flight struct {
	name  string // namespace being loaded, or unit name for a top-level run
	done  chan struct{}
	err   error            // set before done is closed
	waits map[*flight]int // outgoing edges with multiplicity; guarded by evalState.mu
}

func newFlight(name string) *flight {
	return &flight{name: name, done: make(chan struct{}), waits: make(map[*flight]int)}
}

type flightKey struct{}

func withFlight(ctx context.Context, f *flight) context.Context {
	return context.WithValue(ctx, flightKey{}, f)
}

func flightFrom(ctx context.Context) *flight {
	f, _ := ctx.Value(flightKey{}).(*flight)
	return f
}

// evalState is the cycle guard of one Loader.
//
// owners records, for each namespace, the flights whose compiled
// unit declared it and whose dependency resolution and execution
// have not finished. pending records the flight currently fetching
// each required namespace.
type evalState struct {
	mu      sync.Mutex
	owners  map[string][]*flight
	pending map[string]*flight
}

func newEvalState() *evalState {
	return &evalState{
		owners:  make(map[string][]*flight),
		pending: make(map[string]*flight),
	}
}

// mark records that f is evaluating a unit that declares names.
// The returned function removes the marks; it must be called on
// every exit path.
func (s *evalState) mark(f *flight, names []string) (release func()) {
	s.mu.Lock()
	for _, name := range names {
		if !containsFlight(s.owners[name], f) {
			s.owners[name] = append(s.owners[name], f)
		}
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, name := range names {
			list := s.owners[name]
			for i, g := range list {
				if g == f {
					list = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(s.owners, name)
			} else {
				s.owners[name] = list
			}
		}
	}
}

// evaluating reports whether name is marked by any flight.
func (s *evalState) evaluating(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners[name]) > 0
}

// A claim is the outcome of asking the state for a required namespace.
type claim int

const (
	claimLoad  claim = iota // caller must load the namespace in the returned flight
	claimWait               // caller must wait for the returned flight
	claimCycle              // the namespace is part of a cycle through the caller
	claimDone               // the namespace became available since the caller checked
)

// claim decides how flight cur obtains the namespace name. If the
// result is claimWait or claimLoad, an edge from cur to the returned
// flight has been added; the caller removes it with unwait.
//
// available reports whether the namespace is already defined. It is
// called with s.mu held, after the in-progress checks, so that a
// flight that finished since the caller's own check is not repeated.
func (s *evalState) claim(cur *flight, name string, available func() bool) (*flight, claim) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owners := s.owners[name]; len(owners) > 0 {
		for _, o := range owners {
			if o == cur || s.reaches(o, cur) {
				return nil, claimCycle
			}
		}
		cur.waits[owners[0]]++
		return owners[0], claimWait
	}
	if p := s.pending[name]; p != nil {
		if p == cur || s.reaches(p, cur) {
			return nil, claimCycle
		}
		cur.waits[p]++
		return p, claimWait
	}
	if available() {
		return nil, claimDone
	}
	f := newFlight(name)
	s.pending[name] = f
	cur.waits[f]++
	return f, claimLoad
}

// reaches reports whether there is a path in the waits-for graph from
// flight x to flight y. Callers hold s.mu.
func (s *evalState) reaches(x, y *flight) bool {
	seen := make(map[*flight]bool)
	var visit func(f *flight) bool
	visit = func(f *flight) bool {
		if f == y {
			return true
		}
		if seen[f] {
			return false
		}
		seen[f] = true
		for g := range f.waits {
			if visit(g) {
				return true
			}
		}
		return false
	}
	return visit(x)
}

func (s *evalState) unwait(cur, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur.waits[f]--; cur.waits[f] <= 0 {
		delete(cur.waits, f)
	}
}

// finish records the outcome of f and wakes its waiters.
func (s *evalState) finish(f *flight, err error) {
	s.mu.Lock()
	if s.pending[f.name] == f {
		delete(s.pending, f.name)
	}
	f.err = err
	s.mu.Unlock()
	close(f.done)
}

func containsFlight(list []*flight, f *flight) bool {
	for _, g := range list {
		if g == f {
			return true
		}
	}
	return false
}
