// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/nsload/nsload/internal/cachewire"
	"github.com/zeebo/blake3"
)

// compileCache memoizes compiler outputs.
//
// Entries are keyed by a digest of everything the compiler sees, and
// additionally indexed by the namespaces they declare, so that a
// dependency compiled once can be executed again without fetching its
// source. The index does not notice changed sources; ClearCache does.
type compileCache struct {
	mu          sync.Mutex
	entries     map[string]*cacheEntry // key -> entry
	byNamespace map[string]string      // declared namespace -> key of latest entry
	seq         int
}

type cacheEntry struct {
	seq         int // insertion order
	unit        string
	bindings    []string
	fingerprint string
	out         *Output
}

func newCompileCache() *compileCache {
	c := new(compileCache)
	c.reset()
	return c
}

func (c *compileCache) reset() {
	c.entries = make(map[string]*cacheEntry)
	c.byNamespace = make(map[string]string)
	c.seq = 0
}

// cacheKey returns the digest of the compiler's input and the
// fingerprint of its configuration.
func cacheKey(unit Unit, fingerprint string) string {
	h := blake3.New()
	fmt.Fprintf(h, "compiler: %s\n", fingerprint)
	fmt.Fprintf(h, "unit: %s\n", unit.Name)
	fmt.Fprintf(h, "file: %s\n", unit.Filename)
	fmt.Fprintf(h, "bindings: %s\n", strings.Join(unit.Bindings, " "))
	fmt.Fprintf(h, "source: %d\n", len(unit.Source))
	io.WriteString(h, unit.Source)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *compileCache) get(key string) *Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[key]; e != nil {
		return e.out
	}
	return nil
}

// lookupNamespace returns the cached output of the unit that declared
// the namespace name, provided it was compiled for the same bindings
// by an identically configured compiler.
func (c *compileCache) lookupNamespace(name string, bindings []string, fingerprint string) (unit string, out *Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[c.byNamespace[name]]
	if e == nil || e.fingerprint != fingerprint || !equalStrings(e.bindings, bindings) {
		return "", nil
	}
	return e.unit, e.out
}

func (c *compileCache) put(key string, unit Unit, fingerprint string, out *Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(key, &cacheEntry{unit: unit.Name, bindings: unit.Bindings, fingerprint: fingerprint, out: out})
}

func (c *compileCache) insert(key string, e *cacheEntry) {
	c.seq++
	e.seq = c.seq
	c.entries[key] = e
	for _, ns := range e.out.Namespaces {
		c.byNamespace[ns] = key
	}
}

func (c *compileCache) dump() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Entries are written in insertion order so that loading the blob
	// rebuilds the same namespace index.
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return c.entries[keys[i]].seq < c.entries[keys[j]].seq })
	records := make([]cachewire.Entry, len(keys))
	for i, k := range keys {
		e := c.entries[k]
		records[i] = cachewire.Entry{
			Key:          k,
			Unit:         e.unit,
			Bindings:     e.bindings,
			Fingerprint:  e.fingerprint,
			Code:         e.out.Code,
			Namespaces:   e.out.Namespaces,
			Dependencies: e.out.Dependencies,
			Exports:      e.out.Exports,
		}
	}
	return cachewire.Encode(records)
}

func (c *compileCache) load(blob string) error {
	records, err := cachewire.Decode(blob)
	if err != nil {
		return &CacheFormatError{Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	for _, r := range records {
		c.insert(r.Key, &cacheEntry{
			unit:        r.Unit,
			bindings:    r.Bindings,
			fingerprint: r.Fingerprint,
			out: &Output{
				Code:         r.Code,
				Namespaces:   r.Namespaces,
				Dependencies: r.Dependencies,
				Exports:      r.Exports,
			},
		})
	}
	return nil
}

func (c *compileCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func equalStrings(x, y []string) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
