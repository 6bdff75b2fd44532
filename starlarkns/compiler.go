// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package starlarkns

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/nsid"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// UserNamespace is the implicit namespace of statements that precede
// the first namespace() call of a unit. It is defined in the
// registry but never declared or exported.
const UserNamespace = "user"

// A section is the run of top-level statements that follow one
// namespace() call.
type section struct {
	name    string
	globals []string // in order of first definition
	exports []*syntax.Ident
}

func (s *section) define(name string) {
	for _, g := range s.globals {
		if g == name {
			return
		}
	}
	s.globals = append(s.globals, name)
}

// bind records the globals bound by the top-level statement stmt,
// including those bound within top-level if, for and while blocks.
func (s *section) bind(stmt syntax.Stmt) {
	switch stmt := stmt.(type) {
	case *syntax.DefStmt:
		s.define(stmt.Name.Name)
	case *syntax.AssignStmt:
		for _, id := range boundIdents(stmt.LHS) {
			s.define(id.Name)
		}
	case *syntax.ForStmt:
		for _, id := range boundIdents(stmt.Vars) {
			s.define(id.Name)
		}
		s.bindAll(stmt.Body)
	case *syntax.WhileStmt:
		s.bindAll(stmt.Body)
	case *syntax.IfStmt:
		s.bindAll(stmt.True)
		s.bindAll(stmt.False)
	}
}

func (s *section) bindAll(stmts []syntax.Stmt) {
	for _, stmt := range stmts {
		s.bind(stmt)
	}
}

// compile implements loader.Compiler.
func (d *Dialect) compile(ctx context.Context, unit loader.Unit) (*loader.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filename := unit.Filename
	if filename == "" {
		filename = unit.Name
	}

	f, err := syntax.Parse(filename, unit.Source, 0)
	if err != nil {
		return nil, compileError(unit, err)
	}
	sections, requires, diags := scan(f)
	if len(diags) > 0 {
		return nil, &loader.CompileError{Unit: unit.Name, Diagnostics: diags}
	}

	var src bytes.Buffer
	src.WriteString(unit.Source)
	src.WriteString("\n")
	for _, s := range sections {
		if s.name == UserNamespace && len(s.globals) == 0 {
			continue
		}
		writeDefine(&src, s)
	}

	predeclared := d.predeclaredNames(unit.Bindings)
	_, prog, err := starlark.SourceProgram(filename, src.Bytes(), func(name string) bool {
		return predeclared[name]
	})
	if err != nil {
		return nil, compileError(unit, err)
	}

	var code bytes.Buffer
	if err := prog.Write(&code); err != nil {
		return nil, err
	}
	out := &loader.Output{Code: code.Bytes()}
	for _, s := range sections {
		if s.name == UserNamespace {
			continue
		}
		out.Namespaces = append(out.Namespaces, s.name)
		for _, id := range s.exports {
			out.Exports = append(out.Exports, nsid.Qualify(s.name, id.Name))
		}
	}
	for i := 0; i < prog.NumLoads(); i++ {
		name, _ := prog.Load(i)
		out.Dependencies = append(out.Dependencies, name)
	}
	out.Dependencies = append(out.Dependencies, requires...)
	return out, nil
}

// fingerprint describes the settings, other than the unit itself,
// that change what compile accepts or produces.
func (d *Dialect) fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "starlarkns set=%t recursion=%t globalreassign=%t loadbindsglobally=%t",
		resolve.AllowSet, resolve.AllowRecursion, resolve.AllowGlobalReassign, resolve.LoadBindsGlobally)
	fmt.Fprintf(&b, " universe=%s", strings.Join(Universe.Keys(), ","))
	fmt.Fprintf(&b, " predeclared=%s", strings.Join(d.Predeclared.Keys(), ","))
	return b.String()
}

// writeDefine writes the epilogue statement that defines the globals
// of s in the registry. The lambda gives define_globals access to the
// module's globals, so that names left unbound are skipped rather
// than failing.
func writeDefine(w *bytes.Buffer, s *section) {
	fmt.Fprintf(w, "%s.define_globals(%s, lambda: None", loader.BindingRegistry, strconv.Quote(s.name))
	for _, g := range s.globals {
		fmt.Fprintf(w, ", %s", strconv.Quote(g))
	}
	w.WriteString(")\n")
}

// scan finds the namespace sections of f, the globals each defines
// and exports, and the namespaces named by require calls.
func scan(f *syntax.File) (sections []*section, requires []string, diags []loader.Diagnostic) {
	errorf := func(pos syntax.Position, format string, args ...interface{}) {
		diags = append(diags, loader.Diagnostic{Pos: pos.String(), Msg: fmt.Sprintf(format, args...)})
	}

	cur := &section{name: UserNamespace}
	sections = append(sections, cur)
	seen := map[string]*section{UserNamespace: cur}

	for _, stmt := range f.Stmts {
		call := directiveCall(stmt)
		if call == nil {
			cur.bind(stmt)
			continue
		}
		switch call.Fn.(*syntax.Ident).Name {
		case "namespace":
			name, ok := stringArg(call)
			if !ok || name == "" {
				errorf(call.Lparen, "namespace: want a single non-empty string literal")
				continue
			}
			if s := seen[name]; s != nil {
				cur = s
			} else {
				cur = &section{name: name}
				seen[name] = cur
				sections = append(sections, cur)
			}
		case "export":
			if cur.name == UserNamespace {
				errorf(call.Lparen, "export: no namespace declared")
				continue
			}
			for _, arg := range call.Args {
				id, ok := arg.(*syntax.Ident)
				if !ok {
					errorf(call.Lparen, "export: arguments must be global names")
					continue
				}
				cur.exports = append(cur.exports, id)
			}
		}
	}

	for _, s := range sections {
		for _, id := range s.exports {
			if !contains(s.globals, id.Name) {
				errorf(id.NamePos, "export: %s is not defined in namespace %s", id.Name, s.name)
			}
		}
	}

	calls(f.Stmts, func(call *syntax.CallExpr) {
		if fn, ok := call.Fn.(*syntax.Ident); ok && fn.Name == "require" {
			if name, ok := stringArg(call); ok {
				requires = append(requires, name)
			}
		}
	})
	return sections, requires, diags
}

// directiveCall returns the call of a top-level namespace(...) or
// export(...) statement, or nil.
func directiveCall(stmt syntax.Stmt) *syntax.CallExpr {
	e, ok := stmt.(*syntax.ExprStmt)
	if !ok {
		return nil
	}
	call, ok := e.X.(*syntax.CallExpr)
	if !ok {
		return nil
	}
	if fn, ok := call.Fn.(*syntax.Ident); ok && (fn.Name == "namespace" || fn.Name == "export") {
		return call
	}
	return nil
}

// calls calls fn for each call expression in stmts, in source order.
// It covers every statement and expression of the language, so it
// serves for versions of syntax.Walk that lack a case for while.
func calls(stmts []syntax.Stmt, fn func(*syntax.CallExpr)) {
	var stmt func(syntax.Stmt)
	var expr func(syntax.Expr)
	block := func(list []syntax.Stmt) {
		for _, s := range list {
			stmt(s)
		}
	}
	exprs := func(list []syntax.Expr) {
		for _, x := range list {
			expr(x)
		}
	}
	stmt = func(s syntax.Stmt) {
		switch s := s.(type) {
		case *syntax.AssignStmt:
			expr(s.LHS)
			expr(s.RHS)
		case *syntax.DefStmt:
			exprs(s.Params)
			block(s.Body)
		case *syntax.ExprStmt:
			expr(s.X)
		case *syntax.ForStmt:
			expr(s.Vars)
			expr(s.X)
			block(s.Body)
		case *syntax.WhileStmt:
			expr(s.Cond)
			block(s.Body)
		case *syntax.IfStmt:
			expr(s.Cond)
			block(s.True)
			block(s.False)
		case *syntax.ReturnStmt:
			expr(s.Result)
		}
	}
	expr = func(x syntax.Expr) {
		switch x := x.(type) {
		case *syntax.CallExpr:
			fn(x)
			expr(x.Fn)
			exprs(x.Args)
		case *syntax.BinaryExpr:
			expr(x.X)
			expr(x.Y)
		case *syntax.UnaryExpr:
			expr(x.X)
		case *syntax.ParenExpr:
			expr(x.X)
		case *syntax.TupleExpr:
			exprs(x.List)
		case *syntax.ListExpr:
			exprs(x.List)
		case *syntax.DictExpr:
			exprs(x.List)
		case *syntax.DictEntry:
			expr(x.Key)
			expr(x.Value)
		case *syntax.DotExpr:
			expr(x.X)
		case *syntax.IndexExpr:
			expr(x.X)
			expr(x.Y)
		case *syntax.SliceExpr:
			expr(x.X)
			expr(x.Lo)
			expr(x.Hi)
			expr(x.Step)
		case *syntax.CondExpr:
			expr(x.Cond)
			expr(x.True)
			expr(x.False)
		case *syntax.LambdaExpr:
			exprs(x.Params)
			expr(x.Body)
		case *syntax.Comprehension:
			for _, c := range x.Clauses {
				switch c := c.(type) {
				case *syntax.ForClause:
					expr(c.Vars)
					expr(c.X)
				case *syntax.IfClause:
					expr(c.Cond)
				}
			}
			expr(x.Body)
		}
	}
	block(stmts)
}

// stringArg returns the argument of a call with a single string
// literal argument.
func stringArg(call *syntax.CallExpr) (string, bool) {
	if len(call.Args) != 1 {
		return "", false
	}
	lit, ok := call.Args[0].(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		return "", false
	}
	s, ok := lit.Value.(string)
	return s, ok
}

// boundIdents returns the identifiers bound by an assignment to lhs.
func boundIdents(lhs syntax.Expr) []*syntax.Ident {
	switch lhs := lhs.(type) {
	case *syntax.Ident:
		return []*syntax.Ident{lhs}
	case *syntax.ParenExpr:
		return boundIdents(lhs.X)
	case *syntax.TupleExpr:
		var ids []*syntax.Ident
		for _, x := range lhs.List {
			ids = append(ids, boundIdents(x)...)
		}
		return ids
	case *syntax.ListExpr:
		var ids []*syntax.Ident
		for _, x := range lhs.List {
			ids = append(ids, boundIdents(x)...)
		}
		return ids
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// compileError converts a parser or resolver error to a
// *loader.CompileError carrying its positions.
func compileError(unit loader.Unit, err error) error {
	cerr := &loader.CompileError{Unit: unit.Name, Err: err}
	var (
		serr syntax.Error
		rerr resolve.ErrorList
	)
	switch {
	case errors.As(err, &serr):
		cerr.Diagnostics = []loader.Diagnostic{{Pos: serr.Pos.String(), Msg: serr.Msg}}
	case errors.As(err, &rerr):
		for _, e := range rerr {
			cerr.Diagnostics = append(cerr.Diagnostics, loader.Diagnostic{Pos: e.Pos.String(), Msg: e.Msg})
		}
	default:
		cerr.Diagnostics = []loader.Diagnostic{{Msg: strings.TrimSpace(err.Error())}}
	}
	return cerr
}
