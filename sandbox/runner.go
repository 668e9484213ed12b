package sandbox

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/liamcoop/policyhub/compiler"
	"github.com/liamcoop/policyhub/value"
)

// runner owns one hardened runtime. It is used by a single execution at a
// time and is dropped as soon as an execution fails.
type runner struct {
	rt      *goja.Runtime
	current atomic.Value // name of the rule being evaluated
}

func newRunner(maxCallStackSize int) (*runner, error) {
	rt, err := newRuntime(maxCallStackSize)
	if err != nil {
		return nil, err
	}
	r := &runner{rt: rt}
	r.current.Store("")
	return r, nil
}

func (r *runner) currentRule() string {
	name, _ := r.current.Load().(string)
	return name
}

// boundRule is one rule registered by running the compiled program.
type boundRule struct {
	name string
	when goja.Callable
	then goja.Callable
}

// builder implements the rule(name).when(fn).then(fn) registration API seen
// by template code. It only accepts registrations while the program loads.
type builder struct {
	rt     *goja.Runtime
	rules  []*boundRule
	sealed bool
}

func (b *builder) rule(call goja.FunctionCall) goja.Value {
	if b.sealed {
		panic(b.rt.NewTypeError("rule() can only be called while the template loads"))
	}
	r := &boundRule{name: call.Argument(0).String()}

	chain := b.rt.NewObject()
	_ = chain.Set("when", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(b.rt.NewTypeError("when() expects a function"))
		}
		r.when = fn

		next := b.rt.NewObject()
		_ = next.Set("then", func(call goja.FunctionCall) goja.Value {
			if b.sealed {
				panic(b.rt.NewTypeError("then() can only be called while the template loads"))
			}
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(b.rt.NewTypeError("then() expects a function"))
			}
			r.then = fn
			b.rules = append(b.rules, r)
			return goja.Undefined()
		})
		return next
	})
	return chain
}

// execute runs art against facts and metadata. Rule closures are created
// anew on every call. Every failure is captured in the Result.
func (r *runner) execute(art *compiler.Artifact, facts, metadata value.Value, budget time.Duration) (res *Result) {
	res = newResult()
	r.current.Store("")

	phase := PhaseLoad
	var evalStart time.Time
	defer func() {
		if x := recover(); x != nil {
			res.fail(r.classify(x, phase, budget))
		}
		if !evalStart.IsZero() {
			res.ExecutionTime = time.Since(evalStart)
		}
	}()

	rules, err := r.load(art)
	if err != nil {
		return res.fail(r.wrap(err, PhaseLoad, budget))
	}

	factsJS, err := toJS(r.rt, facts)
	if err != nil {
		return res.fail(&RuntimeError{Phase: PhaseLoad, Message: fmt.Sprintf("facts: %v", err)})
	}
	metaJS, err := toJS(r.rt, metadata)
	if err != nil {
		return res.fail(&RuntimeError{Phase: PhaseLoad, Message: fmt.Sprintf("metadata: %v", err)})
	}

	evalStart = time.Now()
	for _, rule := range rules {
		r.current.Store(rule.name)

		phase = PhasePredicate
		matched, err := rule.when(goja.Undefined(), factsJS, metaJS)
		if err != nil {
			return res.fail(r.wrap(err, PhasePredicate, budget))
		}
		if !matched.ToBoolean() {
			continue
		}

		phase = PhaseConsequence
		out, err := rule.then(goja.Undefined(), factsJS, metaJS)
		if err != nil {
			return res.fail(r.wrap(err, PhaseConsequence, budget))
		}
		phase = PhaseOutput
		output, err := normalizeOutput(out)
		if err != nil {
			return res.fail(&RuntimeError{Rule: rule.name, Phase: PhaseOutput, Message: err.Error()})
		}

		res.Success = true
		res.ConditionMet = true
		res.OutputFacts = output
		res.MatchedRule = rule.name
		return res
	}

	res.Success = true
	return res
}

// load runs the compiled program and collects the rules it registers.
func (r *runner) load(art *compiler.Artifact) ([]*boundRule, error) {
	wrapper, err := r.rt.RunProgram(art.Program)
	if err != nil {
		return nil, err
	}
	register, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, errors.New("compiled program did not evaluate to a function")
	}

	b := &builder{rt: r.rt}
	if _, err := register(goja.Undefined(), r.rt.ToValue(b.rule)); err != nil {
		return nil, err
	}
	b.sealed = true

	if len(b.rules) != len(art.Rules) {
		return nil, fmt.Errorf("template registered %d rules, expected %d", len(b.rules), len(art.Rules))
	}
	for i, rule := range b.rules {
		if rule.name != art.Rules[i].Name {
			return nil, fmt.Errorf("rule %d registered as %q, expected %q", i, rule.name, art.Rules[i].Name)
		}
	}
	return b.rules, nil
}

// wrap converts an error returned by the runtime into a sandbox error.
func (r *runner) wrap(err error, phase string, budget time.Duration) error {
	rule := r.currentRule()

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &TimeoutError{Rule: rule, Budget: budget, Cause: interrupted.Unwrap()}
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &RuntimeError{Rule: rule, Phase: phase, Message: "RangeError: maximum call stack size exceeded"}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &RuntimeError{Rule: rule, Phase: phase, Message: exceptionMessage(ex)}
	}
	return &RuntimeError{Rule: rule, Phase: phase, Message: err.Error()}
}

// classify converts a recovered panic. Script exceptions raised while reading
// output values arrive here as panics.
func (r *runner) classify(x any, phase string, budget time.Duration) error {
	if err, ok := x.(error); ok {
		return r.wrap(err, phase, budget)
	}
	return &RuntimeError{Rule: r.currentRule(), Phase: phase, Message: fmt.Sprintf("internal fault: %v", x)}
}

// exceptionMessage renders a thrown value as "Name: message" for errors and
// as its string form otherwise.
func exceptionMessage(ex *goja.Exception) (msg string) {
	defer func() {
		if recover() != nil {
			msg = "uncaught exception"
		}
	}()

	v := ex.Value()
	if v == nil {
		return ex.Error()
	}
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Error" {
		name := obj.Get("name")
		message := obj.Get("message")
		if name != nil && message != nil && !goja.IsUndefined(message) {
			return name.String() + ": " + message.String()
		}
	}
	return v.String()
}
