// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package repl provides a read/eval/print loop for the namespace
// dialect of Starlark.
//
// It supports readline-style command editing,
// and interrupts through Control-C.
//
// Each complete input is run as a unit by a loader, so it may declare
// namespaces and load or require namespaces that the loader fetches on
// demand. The globals of earlier inputs are visible to later ones.
// If an input is a single expression, the REPL prints its value.
package repl // import "github.com/nsload/nsload/repl"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/nsload/nsload/loader"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var interrupted = make(chan os.Signal, 1)

// resultVar is the global that holds the value of an expression input.
const resultVar = "_"

// REPL executes a read, eval, print loop.
//
// Each input is run with a context.Context that is cancelled by a
// SIGINT (Control-C). Globals defined by inputs accumulate in globals.
func REPL(l *loader.Loader, globals starlark.StringDict) {
	signal.Notify(interrupted, os.Interrupt)
	defer signal.Stop(interrupted)

	rl, err := readline.New(">>> ")
	if err != nil {
		PrintError(err)
		return
	}
	defer rl.Close()
	for {
		if err := rep(rl, l, globals); err != nil {
			if err == readline.ErrInterrupt {
				fmt.Println(err)
				continue
			}
			break
		}
	}
	fmt.Println()
}

// rep reads, evaluates, and prints one item.
//
// It returns an error (possibly readline.ErrInterrupt)
// only if readline failed. Evaluation errors are printed.
func rep(rl *readline.Instance, l *loader.Loader, globals starlark.StringDict) error {
	// Each item gets its own context,
	// which is cancelled by a SIGINT.
	//
	// Note: during Readline calls, Control-C causes Readline to return
	// ErrInterrupt but does not generate a SIGINT.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-interrupted:
			cancel()
		case <-ctx.Done():
		}
	}()

	eof := false
	var text strings.Builder

	// readline returns EOF, ErrInterrupted, or a line including "\n".
	rl.SetPrompt(">>> ")
	readline := func() ([]byte, error) {
		line, err := rl.Readline()
		rl.SetPrompt("... ")
		if err != nil {
			if err == io.EOF {
				eof = true
			}
			return nil, err
		}
		text.WriteString(line + "\n")
		return []byte(line + "\n"), nil
	}

	// parse
	f, err := syntax.ParseCompoundStmt("<stdin>", readline)
	if err != nil {
		if eof {
			return io.EOF
		}
		PrintError(err)
		return nil
	}
	if len(f.Stmts) == 0 {
		return nil
	}

	_, isExpr := soleExpr(f)
	v, err := Eval(ctx, l, text.String(), globals)
	if err != nil {
		PrintError(err)
		return nil
	}
	if isExpr && v != starlark.None {
		fmt.Println(v)
	}
	return nil
}

// Eval runs src as one REPL input with access to globals, and merges
// the globals it defines into globals. If src is a single
// expression, Eval returns its value; otherwise it returns None.
func Eval(ctx context.Context, l *loader.Loader, src string, globals starlark.StringDict) (starlark.Value, error) {
	f, err := syntax.Parse("<stdin>", src, 0)
	if err != nil {
		return nil, err
	}
	_, isExpr := soleExpr(f)
	if isExpr {
		src = resultVar + " = (\n" + src + "\n)\n"
	}

	env := make(map[string]any, len(globals))
	for name, v := range globals {
		env[name] = v
	}

	// Treat load bindings as global in the REPL so that they survive
	// into later inputs. Not safe with concurrent loaders.
	defer func(prev bool) { resolve.LoadBindsGlobally = prev }(resolve.LoadBindsGlobally)
	resolve.LoadBindsGlobally = true

	res, err := l.Run(ctx, "<stdin>", src, &loader.Options{Context: env})
	if err != nil {
		return nil, err
	}
	defined, _ := res.Value.(starlark.StringDict)
	result := starlark.Value(starlark.None)
	for name, v := range defined {
		if isExpr && name == resultVar {
			result = v
			continue
		}
		globals[name] = v
	}
	return result, nil
}

func soleExpr(f *syntax.File) (syntax.Expr, bool) {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			return stmt.X, true
		}
	}
	return nil, false
}

var errorColor = color.New(color.FgRed, color.Bold)

// PrintError prints the error to stderr: the backtrace of a
// Starlark evaluation error, or each diagnostic of a compile error.
// Errors are coloured when stderr is a terminal.
func PrintError(err error) {
	errorColor.Fprint(os.Stderr, "error: ")
	fmt.Fprintln(os.Stderr, Describe(err))
}

// Describe returns the text PrintError prints for err, without colour.
func Describe(err error) string {
	var (
		evalErr    *starlark.EvalError
		compileErr *loader.CompileError
		depErr     *loader.DependencyError
	)
	var buf strings.Builder
	if errors.As(err, &depErr) {
		fmt.Fprintf(&buf, "cannot load %s", depErr.ID)
		if m := depErr.Missing(); m != depErr.ID {
			fmt.Fprintf(&buf, " (via %s)", m)
		}
		buf.WriteString(":\n")
	}
	switch {
	case errors.As(err, &compileErr) && len(compileErr.Diagnostics) > 0:
		for i, d := range compileErr.Diagnostics {
			if i > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(d.String())
		}
	case errors.As(err, &evalErr):
		buf.WriteString(evalErr.Backtrace())
	case depErr != nil:
		buf.WriteString(errors.Unwrap(innermost(depErr)).Error())
	default:
		buf.WriteString(err.Error())
	}
	return buf.String()
}

// innermost returns the innermost DependencyError of a chain.
func innermost(e *loader.DependencyError) error {
	for {
		var next *loader.DependencyError
		if !errors.As(e.Err, &next) {
			return e
		}
		e = next
	}
}
