// Package compiler turns rule sources written in the
// rule(name).when(fn).then(fn) DSL into validated, precompiled programs that
// the sandbox can run any number of times without re-parsing.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

// MaxSourceLength bounds the size of a single template source in bytes.
const MaxSourceLength = 256 << 10

// MaxParams is the largest parameter list a predicate or consequence may
// declare: (facts, metadata).
const MaxParams = 2

// The user source starts on the second line of the wrapper so compiler
// positions translate by subtracting one line.
const (
	wrapperPrefix = "(function (rule) { \"use strict\";\n"
	wrapperSuffix = "\n})"
)

// RuleDescriptor describes one rule declared by a template, in declaration
// order.
type RuleDescriptor struct {
	Name        string
	Predicate   string
	Consequence string
	Line        int
	Column      int
}

// Artifact is the compiled form of a template source. The Program holds no
// runtime state and may be run concurrently by any number of sandboxes.
type Artifact struct {
	Program *goja.Program
	Rules   []RuleDescriptor
	// Code is the self-contained script the Program was compiled from. It is
	// what gets persisted as the template's compiled form.
	Code   string
	Digest string
}

// RuleNames returns the declared rule names in order.
func (a *Artifact) RuleNames() []string {
	names := make([]string, len(a.Rules))
	for i, r := range a.Rules {
		names[i] = r.Name
	}
	return names
}

// Compile validates source and produces an Artifact. Any failure is returned
// as a *CompileError. Identical sources produce identical artifacts.
func Compile(source string) (*Artifact, error) {
	if len(source) > MaxSourceLength {
		return nil, errorAt(0, 0, "source exceeds %d bytes", MaxSourceLength)
	}
	if strings.TrimSpace(source) == "" {
		return nil, errorAt(1, 1, "source declares no rules")
	}

	program, err := parser.ParseFile(nil, "rule", source, 0)
	if err != nil {
		return nil, syntaxError(err, 0)
	}

	rules, cerr := collectRules(program)
	if cerr != nil {
		return nil, cerr
	}

	w := newWalker(program.File)
	if cerr := w.check(program); cerr != nil {
		return nil, cerr
	}

	code := wrapperPrefix + source + wrapperSuffix
	compiled, err := goja.Compile("rule", code, true)
	if err != nil {
		return nil, syntaxError(err, 1)
	}

	sum := sha256.Sum256([]byte(source))
	return &Artifact{
		Program: compiled,
		Rules:   rules,
		Code:    code,
		Digest:  hex.EncodeToString(sum[:]),
	}, nil
}

// collectRules checks that every top-level statement is a rule chain and
// extracts the descriptors.
func collectRules(program *ast.Program) ([]RuleDescriptor, *CompileError) {
	var rules []RuleDescriptor
	seen := make(map[string]bool)

	for _, stmt := range program.Body {
		switch s := stmt.(type) {
		case *ast.EmptyStatement:
			continue
		case *ast.ExpressionStatement:
			rd, cerr := parseChain(program.File, s.Expression)
			if cerr != nil {
				return nil, cerr
			}
			if seen[rd.Name] {
				return nil, errorAt(rd.Line, rd.Column, "duplicate rule name %q", rd.Name)
			}
			seen[rd.Name] = true
			rules = append(rules, rd)
		default:
			line, col := position(program.File, stmt.Idx0())
			return nil, errorAt(line, col, "only rule(name).when(fn).then(fn) statements are allowed at top level")
		}
	}

	if len(rules) == 0 {
		return nil, errorAt(1, 1, "source declares no rules")
	}
	return rules, nil
}

// parseChain matches rule(<string>).when(<fn>).then(<fn>).
func parseChain(f *file.File, expr ast.Expression) (RuleDescriptor, *CompileError) {
	line, col := position(f, expr.Idx0())
	malformed := func(reason string) (RuleDescriptor, *CompileError) {
		return RuleDescriptor{}, errorAt(line, col, "malformed rule chain: %s", reason)
	}

	thenCall, ok := expr.(*ast.CallExpression)
	if !ok {
		return malformed("expected rule(name).when(fn).then(fn)")
	}
	thenDot, ok := thenCall.Callee.(*ast.DotExpression)
	if !ok || thenDot.Identifier.Name.String() != "then" {
		return malformed("chain must end with .then(fn)")
	}
	whenCall, ok := thenDot.Left.(*ast.CallExpression)
	if !ok {
		return malformed("missing .when(fn)")
	}
	whenDot, ok := whenCall.Callee.(*ast.DotExpression)
	if !ok || whenDot.Identifier.Name.String() != "when" {
		return malformed("missing .when(fn)")
	}
	ruleCall, ok := whenDot.Left.(*ast.CallExpression)
	if !ok {
		return malformed("chain must start with rule(name)")
	}
	callee, ok := ruleCall.Callee.(*ast.Identifier)
	if !ok || callee.Name.String() != "rule" {
		return malformed("chain must start with rule(name)")
	}

	if len(ruleCall.ArgumentList) != 1 {
		return malformed("rule() takes exactly one string argument")
	}
	nameLit, ok := ruleCall.ArgumentList[0].(*ast.StringLiteral)
	if !ok {
		return malformed("rule name must be a string literal")
	}
	name := nameLit.Value.String()
	if strings.TrimSpace(name) == "" {
		return malformed("rule name must not be empty")
	}

	predicate, cerr := functionArg(f, "when", whenCall)
	if cerr != nil {
		return RuleDescriptor{}, cerr
	}
	consequence, cerr := functionArg(f, "then", thenCall)
	if cerr != nil {
		return RuleDescriptor{}, cerr
	}

	return RuleDescriptor{
		Name:        name,
		Predicate:   predicate,
		Consequence: consequence,
		Line:        line,
		Column:      col,
	}, nil
}

// functionArg checks that call has a single function argument and returns its
// source text.
func functionArg(f *file.File, method string, call *ast.CallExpression) (string, *CompileError) {
	line, col := position(f, call.LeftParenthesis)
	if len(call.ArgumentList) != 1 {
		return "", errorAt(line, col, ".%s() takes exactly one function", method)
	}

	arg := call.ArgumentList[0]
	line, col = position(f, arg.Idx0())

	var params *ast.ParameterList
	var source string
	switch fn := arg.(type) {
	case *ast.FunctionLiteral:
		if fn.Async || fn.Generator {
			return "", errorAt(line, col, ".%s() function must not be async or a generator", method)
		}
		params, source = fn.ParameterList, fn.Source
	case *ast.ArrowFunctionLiteral:
		if fn.Async {
			return "", errorAt(line, col, ".%s() function must not be async", method)
		}
		params, source = fn.ParameterList, fn.Source
	default:
		return "", errorAt(line, col, ".%s() argument must be a function", method)
	}

	count := 0
	if params != nil {
		count = len(params.List)
		if params.Rest != nil {
			count++
		}
	}
	if count > MaxParams {
		return "", errorAt(line, col, ".%s() function takes at most %d parameters (facts, metadata)", method, MaxParams)
	}
	return source, nil
}

func position(f *file.File, idx file.Idx) (int, int) {
	if f == nil || idx <= 0 {
		return 0, 0
	}
	p := f.Position(int(idx) - f.Base())
	return p.Line, p.Column
}

// syntaxError converts parser and compiler errors into a CompileError,
// shifting line numbers by the wrapper lines that precede the user source.
func syntaxError(err error, lineShift int) *CompileError {
	var list parser.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		e := list[0]
		return errorAt(max(e.Position.Line-lineShift, 1), e.Position.Column, "syntax error: %s", e.Message)
	}
	var single *parser.Error
	if errors.As(err, &single) {
		return errorAt(max(single.Position.Line-lineShift, 1), single.Position.Column, "syntax error: %s", single.Message)
	}
	var cse *goja.CompilerSyntaxError
	if errors.As(err, &cse) {
		if cse.File != nil {
			p := cse.File.Position(cse.Offset)
			return errorAt(max(p.Line-lineShift, 1), p.Column, "syntax error: %s", cse.Message)
		}
		return errorAt(0, 0, "syntax error: %s", cse.Message)
	}
	return errorAt(0, 0, "syntax error: %v", err)
}
