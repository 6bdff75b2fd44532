// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nsload/nsload/internal/cachewire"
	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/loadertest"
	"github.com/nsload/nsload/registry"
	"github.com/nsload/nsload/sources"
)

var cacheSources = sources.Map{
	"b": "ns b\nrequire c\ndef b.v b @c.v\nexport b/v",
	"c": "ns c\ndef c.v c",
}

const cacheMain = "ns a\nrequire b\nresult a @b.v"

func TestCacheIdempotent(t *testing.T) {
	lang := new(loadertest.Lang)
	l, counting := newLoader(lang, cacheSources)

	for i := 0; i < 3; i++ {
		res, err := l.Run(context.Background(), "main", cacheMain, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Value != "abc" {
			t.Errorf("run %d: Value = %v, want abc", i, res.Value)
		}
	}
	for _, unit := range []string{"main", "b", "c"} {
		if n := lang.Count(unit); n != 1 {
			t.Errorf("%s compiled %d times, want 1", unit, n)
		}
	}
	if n := counting.Total(); n != 2 {
		t.Errorf("source loader called %d times, want 2", n)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	lang := new(loadertest.Lang)
	l1, _ := newLoader(lang, cacheSources)
	if _, err := l1.Run(context.Background(), "main", cacheMain, nil); err != nil {
		t.Fatal(err)
	}
	blob := l1.DumpCache()

	// A fresh loader with a fresh registry, restored from the blob,
	// runs the same unit without compiling or fetching anything.
	l2, counting := newLoader(lang, cacheSources)
	if err := l2.LoadCache(blob); err != nil {
		t.Fatal(err)
	}
	if got := l2.DumpCache(); got != blob {
		t.Errorf("DumpCache after LoadCache differs:\n got %q\nwant %q", got, blob)
	}
	res, err := l2.Run(context.Background(), "main", cacheMain, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != "abc" {
		t.Errorf("Value = %v, want abc", res.Value)
	}
	if n := counting.Total(); n != 0 {
		t.Errorf("source loader called %d times, want 0", n)
	}
	if n := len(lang.Compiled()); n != 3 {
		t.Errorf("%d compilations, want 3", n)
	}
}

func TestCacheClear(t *testing.T) {
	lang := new(loadertest.Lang)
	l, counting := newLoader(lang, cacheSources)
	empty := l.DumpCache()
	if empty != cachewire.Prefix {
		t.Errorf("empty DumpCache = %q, want %q", empty, cachewire.Prefix)
	}

	if _, err := l.Run(context.Background(), "main", cacheMain, nil); err != nil {
		t.Fatal(err)
	}
	l.ClearCache()
	if got := l.DumpCache(); got != empty {
		t.Errorf("DumpCache after ClearCache = %q, want %q", got, empty)
	}

	// The registry still defines b, so only main is recompiled.
	if _, err := l.Run(context.Background(), "main", cacheMain, nil); err != nil {
		t.Fatal(err)
	}
	if n := lang.Count("main"); n != 2 {
		t.Errorf("main compiled %d times, want 2", n)
	}
	if n := counting.Total(); n != 2 {
		t.Errorf("source loader called %d times, want 2", n)
	}
}

func TestCacheBindingsInKey(t *testing.T) {
	lang := new(loadertest.Lang)
	l, _ := newLoader(lang, nil)
	if _, err := l.Run(context.Background(), "main", "result $x", &loader.Options{Context: map[string]any{"x": 1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(context.Background(), "main", "result $x", &loader.Options{Context: map[string]any{"x": 2}}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(context.Background(), "main", "result $x $y", &loader.Options{Context: map[string]any{"x": 1, "y": 2}}); err != nil {
		t.Fatal(err)
	}
	if n := lang.Count("main"); n != 2 {
		t.Errorf("main compiled %d times, want 2", n)
	}
}

func TestLoadCacheMalformed(t *testing.T) {
	lang := new(loadertest.Lang)
	l, _ := newLoader(lang, cacheSources)
	if _, err := l.Run(context.Background(), "main", cacheMain, nil); err != nil {
		t.Fatal(err)
	}
	before := l.DumpCache()

	for _, blob := range []string{
		"",
		"not a cache",
		cachewire.Prefix + "!!!",
		cachewire.Prefix + "AQ==",
	} {
		err := l.LoadCache(blob)
		var ferr *loader.CacheFormatError
		if !errors.As(err, &ferr) {
			t.Errorf("LoadCache(%q) = %v, want *CacheFormatError", blob, err)
		}
	}
	if got := l.DumpCache(); got != before {
		t.Error("failed LoadCache changed the cache")
	}
}

func TestCacheNamespaceIndexBindings(t *testing.T) {
	// The namespace index is keyed by bindings: a dependency cached
	// under other bindings is fetched and compiled again.
	lang := new(loadertest.Lang)
	counting := &sources.Counting{Loader: cacheSources}
	l := loader.New(lang.Compiler(), registry.NewTree(),
		loader.WithSourceLoader(counting), loader.WithEvaluator(lang.Evaluator()))
	if _, err := l.Run(context.Background(), "main", cacheMain, nil); err != nil {
		t.Fatal(err)
	}

	l2 := loader.New(lang.Compiler(), registry.NewTree(),
		loader.WithSourceLoader(counting), loader.WithEvaluator(lang.Evaluator()),
		loader.WithContext(map[string]any{"extra": true}))
	if err := l2.LoadCache(l.DumpCache()); err != nil {
		t.Fatal(err)
	}
	if _, err := l2.Run(context.Background(), "main", cacheMain, nil); err != nil {
		t.Fatal(err)
	}
	if n := counting.Calls("b"); n != 2 {
		t.Errorf("b fetched %d times, want 2", n)
	}
}
