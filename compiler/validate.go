package compiler

import (
	"reflect"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
)

// forbiddenNames are host globals and escape hatches that rule code may not
// reference, declare or shadow.
var forbiddenNames = map[string]bool{
	"eval":                 true,
	"Function":             true,
	"AsyncFunction":        true,
	"GeneratorFunction":    true,
	"globalThis":           true,
	"require":              true,
	"module":               true,
	"exports":              true,
	"import":               true,
	"process":              true,
	"setTimeout":           true,
	"setInterval":          true,
	"setImmediate":         true,
	"clearTimeout":         true,
	"clearInterval":        true,
	"clearImmediate":       true,
	"queueMicrotask":       true,
	"fetch":                true,
	"XMLHttpRequest":       true,
	"WebAssembly":          true,
	"Date":                 true,
	"Promise":              true,
	"Proxy":                true,
	"Reflect":              true,
	"WeakRef":              true,
	"FinalizationRegistry": true,
	"SharedArrayBuffer":    true,
	"Atomics":              true,
}

// forbiddenProperties reach the prototype chain or the Function constructor.
// They are rejected both as identifiers and as string literals, which covers
// dotted, bracketed and object-key access.
var forbiddenProperties = map[string]bool{
	"constructor":      true,
	"__proto__":        true,
	"prototype":        true,
	"__defineGetter__": true,
	"__defineSetter__": true,
	"__lookupGetter__": true,
	"__lookupSetter__": true,
	"caller":           true,
	"callee":           true,
}

var fileType = reflect.TypeOf((*file.File)(nil))

// walker visits every node reachable from a program and rejects constructs
// that are not allowed in rule code.
type walker struct {
	file    *file.File
	visited map[uintptr]bool
}

func newWalker(f *file.File) *walker {
	return &walker{file: f, visited: make(map[uintptr]bool)}
}

func (w *walker) check(program *ast.Program) *CompileError {
	for _, stmt := range program.Body {
		if err := w.walk(reflect.ValueOf(stmt)); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) walk(v reflect.Value) *CompileError {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return w.walk(v.Elem())
	case reflect.Ptr:
		if v.IsNil() || v.Type() == fileType {
			return nil
		}
		if w.visited[v.Pointer()] {
			return nil
		}
		w.visited[v.Pointer()] = true
		return w.walk(v.Elem())
	case reflect.Struct:
		if v.CanInterface() {
			if err := w.inspect(v.Interface()); err != nil {
				return err
			}
		}
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := w.walk(v.Field(i)); err != nil {
				return err
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			if err := w.walk(v.Index(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) inspect(node any) *CompileError {
	switch n := node.(type) {
	case ast.Identifier:
		name := n.Name.String()
		if forbiddenNames[name] || forbiddenProperties[name] {
			return w.errorAt(n.Idx, "%q is not allowed in rule code", name)
		}
	case ast.StringLiteral:
		if forbiddenProperties[n.Value.String()] {
			return w.errorAt(n.Idx, "%q is not allowed in rule code", n.Value.String())
		}
	case ast.TemplateElement:
		if forbiddenProperties[n.Parsed.String()] {
			return w.errorAt(n.Idx, "%q is not allowed in rule code", n.Parsed.String())
		}
	case ast.ThisExpression:
		return w.errorAt(n.Idx, "'this' is not allowed in rule code")
	case ast.SuperExpression:
		return w.errorAt(n.Idx, "'super' is not allowed in rule code")
	case ast.MetaProperty:
		// The parser only positions the "new" keyword.
		idx := n.Idx
		if n.Meta != nil {
			idx = n.Meta.Idx
		}
		return w.errorAt(idx, "meta properties are not allowed in rule code")
	case ast.AwaitExpression:
		return w.errorAt(n.Await, "'await' is not allowed in rule code")
	case ast.YieldExpression:
		return w.errorAt(n.Yield, "'yield' is not allowed in rule code")
	case ast.FunctionLiteral:
		if n.Async || n.Generator {
			return w.errorAt(n.Function, "async and generator functions are not allowed in rule code")
		}
	case ast.ArrowFunctionLiteral:
		if n.Async {
			return w.errorAt(n.Start, "async functions are not allowed in rule code")
		}
	case ast.ClassLiteral:
		return w.errorAt(n.Class, "classes are not allowed in rule code")
	}
	return nil
}

func (w *walker) errorAt(idx file.Idx, format string, args ...any) *CompileError {
	line, col := position(w.file, idx)
	return errorAt(line, col, format, args...)
}
