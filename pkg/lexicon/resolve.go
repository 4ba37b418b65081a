package lexicon

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/story"
)

// DefaultScriptTimeout bounds the evaluation of one js expression.
const DefaultScriptTimeout = time.Second

// ErrUndefined is wrapped by resolution errors for variables that do not exist.
var ErrUndefined = errors.New("variable is not defined")

// Argument is a resolved named argument.
type Argument struct {
	Name  string
	Value any
}

// Resolver evaluates typed expressions against a run environment.
type Resolver struct {
	// ScriptTimeout bounds js expressions. Zero selects DefaultScriptTimeout.
	ScriptTimeout time.Duration
}

var defaultResolver = &Resolver{}

// Resolve evaluates an expression with the default resolver.
func Resolve(e story.Expression, env map[string]any) (any, error) {
	return defaultResolver.Resolve(e, env)
}

// Resolve evaluates an expression. Undefined variables fail with a
// *storyerrors.ResolutionError naming the variable.
func (r *Resolver) Resolve(e story.Expression, env map[string]any) (any, error) {
	if env == nil {
		env = map[string]any{}
	}
	switch e.Kind {
	case story.KindString:
		s, _ := e.Value.(string)
		if len(e.Items) == 0 {
			return s, nil
		}
		values, err := r.resolveAll(e.Items, env)
		if err != nil {
			return nil, err
		}
		return interpolate(s, values), nil
	case story.KindInt, story.KindFloat, story.KindBoolean:
		return e.Value, nil
	case story.KindNull:
		return nil, nil
	case story.KindPath:
		return lookup(env, e.Paths)
	case story.KindList:
		return r.resolveAll(e.Items, env)
	case story.KindDict:
		out := make(map[string]any, len(e.Entries))
		for _, k := range e.DictKeys() {
			v, err := r.Resolve(e.Entries[k], env)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case story.KindArgument:
		if e.Arg == nil {
			return nil, &storyerrors.ResolutionError{Variable: e.Name, Err: &storyerrors.ArgumentNotFoundError{Name: e.Name}}
		}
		v, err := r.Resolve(*e.Arg, env)
		if err != nil {
			return nil, err
		}
		return Argument{Name: e.Name, Value: v}, nil
	case story.KindExpression:
		return evalExpr(e.Source, env)
	case story.KindJS:
		return r.evalJS(e.Source, env)
	}
	return nil, fmt.Errorf("unknown expression type %q", e.Kind)
}

// ResolveArgs evaluates the arguments of a line in order. Errors are returned
// as *storyerrors.ResolutionError carrying the line id.
func (r *Resolver) ResolveArgs(lineID string, args []story.Expression, env map[string]any) ([]any, error) {
	out := make([]any, 0, len(args))
	for _, arg := range args {
		v, err := r.Resolve(arg, env)
		if err != nil {
			return nil, forLine(lineID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ResolveRequired evaluates a single required argument; a nil expression
// fails with an ArgumentNotFoundError for name.
func (r *Resolver) ResolveRequired(lineID, name string, e *story.Expression, env map[string]any) (any, error) {
	if e == nil {
		return nil, &storyerrors.ResolutionError{LineID: lineID, Variable: name, Err: &storyerrors.ArgumentNotFoundError{Name: name}}
	}
	v, err := r.Resolve(*e, env)
	if err != nil {
		return nil, forLine(lineID, err)
	}
	return v, nil
}

func (r *Resolver) resolveAll(items []story.Expression, env map[string]any) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		v, err := r.Resolve(item, env)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Resolver) scriptTimeout() time.Duration {
	if r.ScriptTimeout <= 0 {
		return DefaultScriptTimeout
	}
	return r.ScriptTimeout
}

func forLine(lineID string, err error) error {
	var re *storyerrors.ResolutionError
	if errors.As(err, &re) {
		re.LineID = lineID
		return re
	}
	return &storyerrors.ResolutionError{LineID: lineID, Err: err}
}

func lookup(env map[string]any, paths []string) (any, error) {
	if len(paths) == 0 {
		return nil, &storyerrors.ResolutionError{Err: errors.New("empty variable path")}
	}
	cur, ok := env[paths[0]]
	if !ok {
		return nil, &storyerrors.ResolutionError{Variable: paths[0], Err: ErrUndefined}
	}
	for i := 1; i < len(paths); i++ {
		next, ok := child(cur, paths[i])
		if !ok {
			return nil, &storyerrors.ResolutionError{Variable: strings.Join(paths[:i+1], "."), Err: ErrUndefined}
		}
		cur = next
	}
	return cur, nil
}

func child(v any, key string) (any, bool) {
	switch c := v.(type) {
	case map[string]any:
		out, ok := c[key]
		return out, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// interpolate replaces each {} placeholder in order with the rendered value.
func interpolate(tmpl string, values []any) string {
	var b strings.Builder
	for _, v := range values {
		idx := strings.Index(tmpl, "{}")
		if idx < 0 {
			break
		}
		b.WriteString(tmpl[:idx])
		b.WriteString(Render(v))
		tmpl = tmpl[idx+2:]
	}
	b.WriteString(tmpl)
	return b.String()
}

// Render formats a resolved value for use as a command argument or an
// environment variable. Lists and maps are rendered as JSON.
func Render(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case Argument:
		return "--" + val.Name + "=" + Render(val.Value)
	case fmt.Stringer:
		return val.String()
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}

// CommandArgs renders resolved line arguments as command arguments.
func CommandArgs(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, Render(v))
	}
	return out
}
