// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sources provides implementations of loader.SourceLoader.
//
// A namespace "my.foo-bar" is looked up as the file "my/foo_bar" plus
// an extension. Macro namespaces ("my.math$macros") try the macro
// extensions before the ordinary ones.
package sources // import "github.com/nsload/nsload/sources"

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/nsid"
)

// DefaultExtensions are tried, in order, for every namespace.
var DefaultExtensions = []string{".star"}

// DefaultMacroExtensions are tried, in order, before DefaultExtensions
// for macro namespaces.
var DefaultMacroExtensions = []string{".macros.star"}

// An Option configures a file-based source loader.
type Option func(*config)

type config struct {
	extensions      []string
	macroExtensions []string
}

func defaultConfig() config {
	return config{
		extensions:      DefaultExtensions,
		macroExtensions: DefaultMacroExtensions,
	}
}

// WithExtensions sets the extensions tried for every namespace.
func WithExtensions(exts ...string) Option {
	return func(c *config) { c.extensions = exts }
}

// WithMacroExtensions sets the extensions tried first for macro namespaces.
func WithMacroExtensions(exts ...string) Option {
	return func(c *config) { c.macroExtensions = exts }
}

func (c *config) candidates(id nsid.ID) []string {
	var exts []string
	if id.Macros {
		exts = append(exts, c.macroExtensions...)
	}
	exts = append(exts, c.extensions...)
	names := make([]string, len(exts))
	for i, ext := range exts {
		names[i] = id.Path + ext
	}
	return names
}

// Map is an in-memory source loader from namespace name, as returned
// by nsid.ID.String, to source text.
type Map map[string]string

var _ loader.SourceLoader = Map(nil)

func (m Map) Load(_ context.Context, id nsid.ID) (*loader.Source, error) {
	text, ok := m[id.String()]
	if !ok {
		return nil, nil
	}
	return &loader.Source{Filename: id.String(), Text: text}, nil
}

type fsSource struct {
	fsys   fs.FS
	prefix string // prepended to reported file names
	config config
}

// FS returns a source loader that reads namespaces from fsys.
func FS(fsys fs.FS, opts ...Option) loader.SourceLoader {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &fsSource{fsys: fsys, config: cfg}
}

// Dir returns a source loader that searches the directories roots in
// order. Directories that do not exist are skipped at lookup time.
func Dir(roots []string, opts ...Option) loader.SourceLoader {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	var list []loader.SourceLoader
	for _, root := range roots {
		list = append(list, &fsSource{fsys: os.DirFS(root), prefix: root, config: cfg})
	}
	return Multi(list...)
}

func (s *fsSource) Load(ctx context.Context, id nsid.ID) (*loader.Source, error) {
	for _, name := range s.config.candidates(id) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := fs.ReadFile(s.fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		filename := name
		if s.prefix != "" {
			filename = filepath.Join(s.prefix, filepath.FromSlash(name))
		}
		return &loader.Source{Filename: path.Clean(filepath.ToSlash(filename)), Text: string(data)}, nil
	}
	return nil, nil
}

type multi []loader.SourceLoader

// Multi returns a source loader that consults each of list in turn
// and returns the first source found. An error from any of them stops
// the search.
func Multi(list ...loader.SourceLoader) loader.SourceLoader {
	return multi(list)
}

func (m multi) Load(ctx context.Context, id nsid.ID) (*loader.Source, error) {
	for _, sl := range m {
		src, err := sl.Load(ctx, id)
		if err != nil || src != nil {
			return src, err
		}
	}
	return nil, nil
}

// Counting wraps a source loader and counts its calls per namespace.
type Counting struct {
	Loader loader.SourceLoader

	mu    sync.Mutex
	calls map[string]int
}

var _ loader.SourceLoader = (*Counting)(nil)

func (c *Counting) Load(ctx context.Context, id nsid.ID) (*loader.Source, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[id.String()]++
	c.mu.Unlock()
	return c.Loader.Load(ctx, id)
}

// Calls returns the number of loads of the namespace name.
func (c *Counting) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// Total returns the number of loads of all namespaces.
func (c *Counting) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.calls {
		n += k
	}
	return n
}

// Names returns the namespaces loaded at least once, in sorted order.
func (c *Counting) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.calls))
	for name := range c.calls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
