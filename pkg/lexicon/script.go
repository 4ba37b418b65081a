package lexicon

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"
	"github.com/expr-lang/expr"

	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
)

var (
	exprUnknownName = regexp.MustCompile(`unknown name ([A-Za-z_$][A-Za-z0-9_$]*)`)
	jsNotDefined    = regexp.MustCompile(`ReferenceError: ([A-Za-z_$][A-Za-z0-9_$]*) is not defined`)
)

// Globals a story script must not reach.
var blockedGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

// evalExpr evaluates an expr-lang expression with the environment as its
// variables.
func evalExpr(src string, env map[string]any) (any, error) {
	program, err := expr.Compile(src, append([]expr.Option{expr.Env(env)}, exprFunctions...)...)
	if err != nil {
		if m := exprUnknownName.FindStringSubmatch(err.Error()); m != nil {
			return nil, &storyerrors.ResolutionError{Variable: m[1], Err: ErrUndefined}
		}
		return nil, &storyerrors.ResolutionError{Variable: src, Err: fmt.Errorf("compile expression: %w", err)}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, &storyerrors.ResolutionError{Variable: src, Err: fmt.Errorf("eval expression: %w", err)}
	}
	return out, nil
}

// evalJS runs a script in a fresh goja runtime with the environment as its
// globals. The value of the last statement is the result.
func (r *Resolver) evalJS(src string, env map[string]any) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for _, name := range blockedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("remove %s: %w", name, err)
		}
	}
	for name, v := range env {
		if err := vm.Set(name, v); err != nil {
			return nil, &storyerrors.ResolutionError{Variable: name, Err: fmt.Errorf("set script global: %w", err)}
		}
	}

	timeout := r.scriptTimeout()
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("script timeout")
	})
	defer timer.Stop()

	val, err := vm.RunString(src)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, &storyerrors.ResolutionError{Variable: src, Err: fmt.Errorf("script exceeded %s: %w", timeout, storyerrors.ErrTimeout)}
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			if m := jsNotDefined.FindStringSubmatch(exc.Error()); m != nil {
				return nil, &storyerrors.ResolutionError{Variable: m[1], Err: ErrUndefined}
			}
		}
		return nil, &storyerrors.ResolutionError{Variable: src, Err: err}
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}
