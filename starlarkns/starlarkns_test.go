// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package starlarkns_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nsload/nsload/internal/chunkedfile"
	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/loadertest"
	"github.com/nsload/nsload/registry"
	"github.com/nsload/nsload/sources"
	"github.com/nsload/nsload/starlarkns"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
)

func newLoader(d *starlarkns.Dialect, srcs sources.Map, opts ...loader.Option) *loader.Loader {
	opts = append([]loader.Option{
		loader.WithSourceLoader(srcs),
		loader.WithEvaluator(d.Evaluator()),
	}, opts...)
	return loader.New(d.Compiler(), registry.NewTree(), opts...)
}

func globals(t *testing.T, res *loader.Result) starlark.StringDict {
	t.Helper()
	g, ok := res.Value.(starlark.StringDict)
	if !ok {
		t.Fatalf("Value is %T, want starlark.StringDict", res.Value)
	}
	return g
}

func TestFixtures(t *testing.T) {
	files, err := filepath.Glob("testdata/*.star")
	if err != nil {
		t.Fatal(err)
	}
	for _, filename := range files {
		filename := filename
		t.Run(filepath.Base(filename), func(t *testing.T) {
			file := chunkedfile.Read(filename, t)
			d := &starlarkns.Dialect{
				Predeclared: starlark.StringDict{"assert": loadertest.AssertModule(t)},
			}
			for _, chunk := range file.Run {
				l := newLoader(d, file.Libraries)
				_, err := l.Run(context.Background(), filename, chunk.Source, nil)
				for _, e := range errorLines(err, filename) {
					chunk.GotError(e.line, e.msg)
				}
				chunk.Done()
			}
		})
	}
}

type lineError struct {
	line int
	msg  string
}

// errorLines returns the errors of err that occurred in filename,
// with their line numbers.
func errorLines(err error, filename string) []lineError {
	if err == nil {
		return nil
	}
	var (
		evalErr    *starlark.EvalError
		compileErr *loader.CompileError
	)
	switch {
	case errors.As(err, &compileErr) && compileErr.Unit == filename:
		var res []lineError
		for _, d := range compileErr.Diagnostics {
			rest, ok := strings.CutPrefix(d.Pos, filename+":")
			if !ok {
				continue
			}
			line, _, _ := strings.Cut(rest, ":")
			n, _ := strconv.Atoi(line)
			res = append(res, lineError{n, d.Msg})
		}
		return res
	case errors.As(err, &evalErr):
		line := 0
		for _, fr := range evalErr.CallStack {
			if fr.Pos.Filename() == filename {
				line = int(fr.Pos.Line)
			}
		}
		return []lineError{{line, evalErr.Msg}}
	}
	return []lineError{{0, err.Error()}}
}

func TestLinearChain(t *testing.T) {
	d := new(starlarkns.Dialect)
	l := newLoader(d, sources.Map{
		"chain.b": `
namespace("chain.b")
load("chain.c", cs = "s")
def s():
    return "b" + cs()
export(s)
`,
		"chain.c": `
namespace("chain.c")
load("chain.d", ds = "s")
def s():
    return "c" + ds()
export(s)
`,
		"chain.d": `
namespace("chain.d")
def s():
    return "d"
export(s)
`,
	})
	res, err := l.Run(context.Background(), "main.star", `
load("chain.b", bs = "s")
result = "a" + bs()
`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := globals(t, res)["result"]; got != starlark.String("abcd") {
		t.Errorf("result = %v, want \"abcd\"", got)
	}
	for _, path := range []string{"chain.b.s", "chain.c.s", "chain.d.s", "user.result"} {
		if !l.Registry().Probe(path) {
			t.Errorf("%s is not defined", path)
		}
	}
}

func TestSections(t *testing.T) {
	d := new(starlarkns.Dialect)
	l := newLoader(d, nil)
	res, err := l.Run(context.Background(), "main.star", `
top = 1

namespace("x")
def f():
    return 1
(a, [b, c]) = (1, [2, 3])
export(f, b)

namespace("y")
g = 2
`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"x", "y"}, res.Namespaces); diff != "" {
		t.Errorf("Namespaces mismatch (-want +got):\n%s", diff)
	}
	want := []string{"user.top", "x.f", "x.a", "x.b", "x.c", "y.g"}
	if diff := cmp.Diff(want, res.Defined); diff != "" {
		t.Errorf("Defined mismatch (-want +got):\n%s", diff)
	}
	for _, path := range []string{"x.g", "y.f", "user.f"} {
		if l.Registry().Probe(path) {
			t.Errorf("%s is defined", path)
		}
	}
	if _, ok := res.Exports["f"].(*starlark.Function); !ok {
		t.Errorf("Exports[f] = %v, want function", res.Exports["f"])
	}
	if fmt.Sprint(res.Exports["b"]) != "2" {
		t.Errorf("Exports[b] = %v, want 2", res.Exports["b"])
	}
}

func TestEmptyNamespaceIsDefined(t *testing.T) {
	d := new(starlarkns.Dialect)
	l := newLoader(d, nil)
	if _, err := l.Run(context.Background(), "main.star", `namespace("empty.ns")`, nil); err != nil {
		t.Fatal(err)
	}
	if !l.Registry().Probe("empty.ns") {
		t.Error("empty.ns is not defined")
	}
	if l.Registry().Probe("user") {
		t.Error("user namespace defined by a unit without user globals")
	}
}

func TestExports(t *testing.T) {
	d := new(starlarkns.Dialect)
	l := newLoader(d, nil)
	res, err := l.Run(context.Background(), "main.star", `
namespace("test.munged-ns-name")

def foo_bar(x):
    return x * x

export(foo_bar)
exports["extra-value"] = 42
`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"extra_value", "foo_bar"}, sortedKeys(res.Exports)); diff != "" {
		t.Errorf("export names mismatch (-want +got):\n%s", diff)
	}
	if fmt.Sprint(res.Exports["extra_value"]) != "42" {
		t.Errorf("extra_value = %v, want 42", res.Exports["extra_value"])
	}
	fn := res.Exports["foo_bar"].(starlark.Callable)
	v, err := starlark.Call(new(starlark.Thread), fn, starlark.Tuple{starlark.MakeInt(5)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "25" {
		t.Errorf("foo_bar(5) = %v, want 25", v)
	}
	if !l.Registry().Probe("test.munged_ns_name.foo_bar") {
		t.Error("munged path not defined")
	}
}

func sortedKeys(m loader.Exports) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestCompileErrorPositions(t *testing.T) {
	d := new(starlarkns.Dialect)
	l := newLoader(d, nil)
	_, err := l.Run(context.Background(), "main.star", "x = 1\ny = undefined\nz = also_undefined\n", nil)
	var cerr *loader.CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("Run error = %v, want *CompileError", err)
	}
	want := []loader.Diagnostic{
		{Pos: "main.star:2:5", Msg: "undefined: undefined"},
		{Pos: "main.star:3:5", Msg: "undefined: also_undefined"},
	}
	if diff := cmp.Diff(want, cerr.Diagnostics); diff != "" {
		t.Errorf("Diagnostics mismatch (-want +got):\n%s", diff)
	}

	_, err = l.Run(context.Background(), "syntax.star", "def f(:\n", nil)
	if !errors.As(err, &cerr) || len(cerr.Diagnostics) != 1 || !strings.HasPrefix(cerr.Diagnostics[0].Pos, "syntax.star:1:") {
		t.Errorf("Run error = %v, want one syntax diagnostic on line 1", err)
	}
}

// TestDirectEquivalence checks that a unit without namespaces or
// dependencies yields the same globals as executing it directly.
func TestDirectEquivalence(t *testing.T) {
	const src = `
x = [1, 2]
y = x + [len(x)]
def f(n):
    return {"n": n, "sq": n * n}
z = f(len(y))
`
	d := new(starlarkns.Dialect)
	l := newLoader(d, nil)
	res, err := l.Run(context.Background(), "equiv.star", src, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := globals(t, res)

	want, err := starlark.ExecFile(&starlark.Thread{Name: "direct"}, "equiv.star", src, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"x", "y", "z"} {
		if got[name].String() != want[name].String() {
			t.Errorf("%s = %s, want %s", name, got[name], want[name])
		}
	}
	if err := got["x"].(*starlark.List).Append(starlark.None); err == nil {
		t.Error("globals are not frozen")
	}
}

func TestContextBindings(t *testing.T) {
	d := new(starlarkns.Dialect)
	l := newLoader(d, nil, loader.WithContext(map[string]any{
		"greeting": "hi",
		"n":        3,
		"cfg":      map[string]any{"debug": true, "tags": []any{"a", "b"}},
	}))
	res, err := l.Run(context.Background(), "main.star", `
g = greeting * n
debug = cfg["debug"]
tags = cfg["tags"]
`, nil)
	if err != nil {
		t.Fatal(err)
	}
	g := globals(t, res)
	if g["g"] != starlark.String("hihihi") {
		t.Errorf("g = %v, want hihihi", g["g"])
	}
	if g["debug"] != starlark.True {
		t.Errorf("debug = %v, want True", g["debug"])
	}
	if got := g["tags"].String(); got != `["a", "b"]` {
		t.Errorf("tags = %s", got)
	}
}

func TestUnknownNamespaceSuggestion(t *testing.T) {
	d := new(starlarkns.Dialect)
	l := newLoader(d, sources.Map{"my.math": `namespace("my.math")` + "\nx = 1\n"})
	_, err := l.Run(context.Background(), "main.star", `
require("my.math")
m = require("my." + "maths")
y = m.x
`, nil)
	if err == nil || !strings.Contains(err.Error(), "namespace my.maths is not defined (did you mean my.math?)") {
		t.Errorf("Run error = %v, want suggestion", err)
	}
}

func TestMutualRecursion(t *testing.T) {
	d := new(starlarkns.Dialect)
	srcs := sources.Map{
		"a": "namespace(\"a\")\nb = require(\"b\")\nname = \"a\"\ndef other():\n    return b.name\n",
		"b": "namespace(\"b\")\na = require(\"a\")\nname = \"b\"\ndef other():\n    return a.name\n",
	}
	l := newLoader(d, srcs)
	done := make(chan error, 1)
	go func() {
		_, err := l.Run(context.Background(), "main.star", `
load("a", a_other = "other")
load("b", b_other = "other")
pair = a_other() + b_other()
`, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not complete")
	}
	v, _ := l.Registry().Lookup("user.pair")
	if v != starlark.String("ba") {
		t.Errorf("user.pair = %v, want \"ba\"", v)
	}
	if l.Evaluating("a") || l.Evaluating("b") {
		t.Error("namespaces still marked as evaluating")
	}
}

func TestCancel(t *testing.T) {
	d := new(starlarkns.Dialect)
	l := newLoader(d, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Run(ctx, "spin.star", `
def spin():
    for i in range(1000000000):
        pass
spin()
`, nil)
	if err == nil || !strings.Contains(err.Error(), "cancel") {
		t.Errorf("Run error = %v, want cancellation", err)
	}
}

func TestMaxSteps(t *testing.T) {
	d := &starlarkns.Dialect{MaxSteps: 1000}
	l := newLoader(d, nil)
	_, err := l.Run(context.Background(), "spin.star", `
def spin():
    for i in range(1000000000):
        pass
spin()
`, nil)
	if err == nil || !strings.Contains(err.Error(), "too many steps") {
		t.Errorf("Run error = %v, want step limit", err)
	}
}

func TestPrint(t *testing.T) {
	var printed []string
	d := &starlarkns.Dialect{
		Print: func(thread *starlark.Thread, msg string) {
			printed = append(printed, thread.Name+": "+msg)
		},
	}
	l := newLoader(d, nil)
	if _, err := l.Run(context.Background(), "hello.star", `print("hello", 1)`, nil); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"hello.star: hello 1"}, printed); diff != "" {
		t.Errorf("printed mismatch (-want +got):\n%s", diff)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	d := new(starlarkns.Dialect)
	srcs := sources.Map{"lib": "namespace(\"lib\")\ndef f():\n    return 7\nexport(f)\n"}
	const main = "load(\"lib\", \"f\")\nv = f()\n"

	l1 := newLoader(d, srcs)
	if _, err := l1.Run(context.Background(), "main.star", main, nil); err != nil {
		t.Fatal(err)
	}

	counting := &sources.Counting{Loader: srcs}
	compiler := &countingCompiler{Compiler: d.Compiler()}
	l2 := loader.New(compiler, registry.NewTree(),
		loader.WithSourceLoader(counting), loader.WithEvaluator(d.Evaluator()))
	if err := l2.LoadCache(l1.DumpCache()); err != nil {
		t.Fatal(err)
	}
	res, err := l2.Run(context.Background(), "main.star", main, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := globals(t, res)["v"]; got.String() != "7" {
		t.Errorf("v = %v, want 7", got)
	}
	if compiler.n != 0 || counting.Total() != 0 {
		t.Errorf("compiles = %d, fetches = %d, want 0 and 0", compiler.n, counting.Total())
	}
}

// countingCompiler counts compilations, keeping the fingerprint of
// the compiler it wraps.
type countingCompiler struct {
	loader.Compiler
	n int
}

func (c *countingCompiler) Compile(ctx context.Context, unit loader.Unit) (*loader.Output, error) {
	c.n++
	return c.Compiler.Compile(ctx, unit)
}

func (c *countingCompiler) Fingerprint() string {
	return c.Compiler.(loader.Fingerprinter).Fingerprint()
}

// A cache saved under one set of resolver flags must not let code
// through that the current flags reject.
func TestCacheCompilerFlags(t *testing.T) {
	defer func(old bool) { resolve.AllowGlobalReassign = old }(resolve.AllowGlobalReassign)

	for _, test := range []struct {
		name string
		srcs sources.Map
		main string
	}{
		{"unit", nil, "x = 1\nx = 2\n"},
		{"dependency", sources.Map{"lib": "namespace(\"lib\")\ny = 1\ny = 2\nexport(y)\n"}, "load(\"lib\", \"y\")\nz = y\n"},
	} {
		t.Run(test.name, func(t *testing.T) {
			d := new(starlarkns.Dialect)
			ctx := context.Background()

			resolve.AllowGlobalReassign = true
			l1 := newLoader(d, test.srcs)
			if _, err := l1.Run(ctx, "main.star", test.main, nil); err != nil {
				t.Fatal(err)
			}

			resolve.AllowGlobalReassign = false
			l2 := newLoader(d, test.srcs)
			if err := l2.LoadCache(l1.DumpCache()); err != nil {
				t.Fatal(err)
			}
			_, err := l2.Run(ctx, "main.star", test.main, nil)
			var cerr *loader.CompileError
			if !errors.As(err, &cerr) {
				t.Fatalf("Run with cache from other flags: got %v, want *loader.CompileError", err)
			}
			if !strings.Contains(cerr.Error(), "cannot reassign global") {
				t.Errorf("error = %q, want reassignment error", cerr)
			}
		})
	}
}

func TestWhileLoops(t *testing.T) {
	defer func(old bool) { resolve.AllowRecursion = old }(resolve.AllowRecursion)

	srcs := sources.Map{
		"counter": `namespace("counter")

def count(n):
    i = 0
    while i < n:
        i += 1
    return i

export(count)
`,
		"lazy": `namespace("lazy")

def get():
    while True:
        return require("counter").count(2)

export(get)
`,
	}
	const main = "load(\"counter\", \"count\")\nload(\"lazy\", \"get\")\nv = count(3) + get()\n"

	for _, allow := range []bool{false, true} {
		t.Run(fmt.Sprintf("recursion=%t", allow), func(t *testing.T) {
			resolve.AllowRecursion = allow
			d := new(starlarkns.Dialect)
			ctx := context.Background()

			out, err := d.Compiler().Compile(ctx, loader.Unit{Name: "lazy", Source: srcs["lazy"]})
			if !allow {
				var cerr *loader.CompileError
				if !errors.As(err, &cerr) || !strings.Contains(cerr.Error(), "support while loops") {
					t.Fatalf("Compile = %v, want while loop CompileError", err)
				}
				_, err = newLoader(d, srcs).Run(ctx, "main.star", main, nil)
				if !errors.As(err, &cerr) || !strings.Contains(cerr.Error(), "support while loops") {
					t.Fatalf("Run = %v, want while loop CompileError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{"counter"}, out.Dependencies); diff != "" {
				t.Errorf("dependencies of lazy (-want +got):\n%s", diff)
			}
			res, err := newLoader(d, srcs).Run(ctx, "main.star", main, nil)
			if err != nil {
				t.Fatal(err)
			}
			if got := globals(t, res)["v"]; got.String() != "5" {
				t.Errorf("v = %v, want 5", got)
			}
		})
	}
}

func TestTopLevelBlockGlobals(t *testing.T) {
	defer func(old bool) { resolve.AllowGlobalReassign = old }(resolve.AllowGlobalReassign)
	resolve.AllowGlobalReassign = true

	d := new(starlarkns.Dialect)
	l := newLoader(d, nil)
	res, err := l.Run(context.Background(), "main.star", `
namespace("cfg")

if True:
    mode = "fast"
else:
    fallback = "slow"

for i in range(3):
    last = i

total = 1
total += 10

export(mode, last, total)
`, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]string)
	for k, v := range res.Exports {
		got[k] = fmt.Sprint(v)
	}
	want := map[string]string{"mode": `"fast"`, "last": "2", "total": "11"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("exports (-want +got):\n%s", diff)
	}
	if v, ok := l.Registry().Lookup("cfg.i"); !ok || fmt.Sprint(v) != "2" {
		t.Errorf("cfg.i = %v, %t; want 2", v, ok)
	}
	if l.Registry().Probe("cfg.fallback") {
		t.Error("cfg.fallback is defined, but its branch did not run")
	}
}
