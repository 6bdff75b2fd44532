// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loadertest

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// A Reporter is a value to which errors may be reported.
// It is satisfied by *testing.T.
type Reporter interface {
	Error(args ...interface{})
}

// AssertModule returns a Starlark module named "assert" whose
// functions report failures to r:
//
//	assert.eq(x, y)            x == y
//	assert.ne(x, y)            x != y
//	assert.true(cond, msg?)    cond is truthy
//	assert.fails(fn, pattern)  fn() fails with an error matching pattern
//
// Inject it into a run through Options.Context.
func AssertModule(r Reporter) *starlarkstruct.Module {
	a := &asserter{r}
	return &starlarkstruct.Module{
		Name: "assert",
		Members: starlark.StringDict{
			"eq":    starlark.NewBuiltin("assert.eq", a.eq),
			"ne":    starlark.NewBuiltin("assert.ne", a.ne),
			"true":  starlark.NewBuiltin("assert.true", a.true_),
			"fails": starlark.NewBuiltin("assert.fails", a.fails),
		},
	}
}

type asserter struct{ r Reporter }

// errorf reports a failure, prefixed by the Starlark call stack.
func (a *asserter) errorf(thread *starlark.Thread, format string, args ...interface{}) {
	buf := new(strings.Builder)
	stk := thread.CallStack()
	stk.Pop()
	fmt.Fprintf(buf, "%sError: ", stk)
	fmt.Fprintf(buf, format, args...)
	a.r.Error(buf.String())
}

func (a *asserter) eq(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
		return nil, err
	}
	if ok, err := starlark.Equal(x, y); err != nil {
		return nil, err
	} else if !ok {
		a.errorf(thread, "%s != %s", x, y)
	}
	return starlark.None, nil
}

func (a *asserter) ne(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
		return nil, err
	}
	if ok, err := starlark.Equal(x, y); err != nil {
		return nil, err
	} else if ok {
		a.errorf(thread, "%s == %s", x, y)
	}
	return starlark.None, nil
}

func (a *asserter) true_(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond starlark.Value
	msg := "assertion failed"
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &cond, &msg); err != nil {
		return nil, err
	}
	if !cond.Truth() {
		a.errorf(thread, "%s", msg)
	}
	return starlark.None, nil
}

func (a *asserter) fails(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var pattern string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &fn, &pattern); err != nil {
		return nil, err
	}
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	if _, err := starlark.Call(thread, fn, nil, nil); err == nil {
		a.errorf(thread, "evaluation succeeded unexpectedly (want error matching %#q)", pattern)
	} else if !rx.MatchString(err.Error()) {
		a.errorf(thread, "regular expression (%s) did not match error (%s)", pattern, err)
	}
	return starlark.None, nil
}
