// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader_test

import (
	"context"
	"fmt"
	"log"

	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/loadertest"
	"github.com/nsload/nsload/registry"
	"github.com/nsload/nsload/sources"
)

// This example runs a unit of a scripted test language that requires
// a namespace, which the loader fetches and runs first.
func ExampleLoader_Run() {
	lang := new(loadertest.Lang)
	l := loader.New(lang.Compiler(), registry.NewTree(),
		loader.WithSourceLoader(sources.Map{
			"greet": "ns greet\ndef greet.name world",
		}),
		loader.WithEvaluator(lang.Evaluator()))

	res, err := l.Run(context.Background(), "main", `
ns app
require greet
def app.msg hello, @greet.name
export app/msg
`, nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Exports["msg"])
	fmt.Println(lang.Executed())

	// Output:
	// hello,world
	// [greet main]
}

// This example saves the compile cache of one loader and restores it
// into another, which then needs neither the compiler nor the sources.
func ExampleLoader_DumpCache() {
	lang := new(loadertest.Lang)
	srcs := &sources.Counting{Loader: sources.Map{"lib": "ns lib\ndef lib.v 42"}}
	newLoader := func() *loader.Loader {
		return loader.New(lang.Compiler(), registry.NewTree(),
			loader.WithSourceLoader(srcs), loader.WithEvaluator(lang.Evaluator()))
	}

	l1 := newLoader()
	if _, err := l1.Run(context.Background(), "main", "require lib\nresult @lib.v", nil); err != nil {
		log.Fatal(err)
	}

	l2 := newLoader()
	if err := l2.LoadCache(l1.DumpCache()); err != nil {
		log.Fatal(err)
	}
	res, err := l2.Run(context.Background(), "main", "require lib\nresult @lib.v", nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Value, len(lang.Compiled()), srcs.Total())

	// Output:
	// 42 2 1
}
