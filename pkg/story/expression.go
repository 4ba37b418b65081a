package story

import (
	"fmt"
	"math"
	"sort"
)

// ExprKind is the $OBJECT tag of a typed expression.
type ExprKind string

const (
	KindString     ExprKind = "string"
	KindInt        ExprKind = "int"
	KindFloat      ExprKind = "float"
	KindBoolean    ExprKind = "boolean"
	KindNull       ExprKind = "null"
	KindPath       ExprKind = "path"
	KindList       ExprKind = "list"
	KindDict       ExprKind = "dict"
	KindArgument   ExprKind = "argument"
	KindExpression ExprKind = "expression"
	KindJS         ExprKind = "js"
)

// Expression is a typed argument of a line. Which fields are set depends on Kind.
type Expression struct {
	Kind ExprKind
	// Value holds literals (string, int, float, boolean).
	Value any
	// Paths holds the variable path for KindPath, root first.
	Paths []string
	// Items holds list items, or interpolation values for KindString.
	Items []Expression
	// Entries holds dict entries.
	Entries map[string]Expression
	// Name and Arg describe a named argument.
	Name string
	Arg  *Expression
	// Source holds the program text of KindExpression and KindJS.
	Source string
}

// DictKeys returns the keys of a dict expression in sorted order.
func (e Expression) DictKeys() []string {
	keys := make([]string, 0, len(e.Entries))
	for k := range e.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseExpression converts a decoded JSON value into an Expression. Values
// without a $OBJECT tag are literals.
func parseExpression(raw any) (Expression, error) {
	if list, ok := raw.([]any); ok {
		items, err := parseList(list)
		if err != nil {
			return Expression{}, err
		}
		return Expression{Kind: KindList, Items: items}, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return literal(raw), nil
	}
	tag, ok := obj["$OBJECT"].(string)
	if !ok {
		entries := make(map[string]Expression, len(obj))
		for k, v := range obj {
			item, err := parseExpression(v)
			if err != nil {
				return Expression{}, fmt.Errorf("dict key %q: %w", k, err)
			}
			entries[k] = item
		}
		return Expression{Kind: KindDict, Entries: entries}, nil
	}

	switch ExprKind(tag) {
	case KindString:
		s, _ := obj["string"].(string)
		items, err := parseList(obj["values"])
		if err != nil {
			return Expression{}, err
		}
		return Expression{Kind: KindString, Value: s, Items: items}, nil
	case KindInt:
		n, err := toInt(obj["int"])
		if err != nil {
			return Expression{}, err
		}
		return Expression{Kind: KindInt, Value: n}, nil
	case KindFloat:
		f, ok := obj["float"].(float64)
		if !ok {
			return Expression{}, fmt.Errorf("float expression has no numeric value")
		}
		return Expression{Kind: KindFloat, Value: f}, nil
	case KindBoolean:
		b, ok := obj["boolean"].(bool)
		if !ok {
			return Expression{}, fmt.Errorf("boolean expression has no boolean value")
		}
		return Expression{Kind: KindBoolean, Value: b}, nil
	case KindNull:
		return Expression{Kind: KindNull}, nil
	case KindPath:
		rawPaths, _ := obj["paths"].([]any)
		if len(rawPaths) == 0 {
			return Expression{}, fmt.Errorf("path expression has no paths")
		}
		paths := make([]string, 0, len(rawPaths))
		for _, p := range rawPaths {
			paths = append(paths, fmt.Sprint(p))
		}
		return Expression{Kind: KindPath, Paths: paths}, nil
	case KindList:
		items, err := parseList(obj["items"])
		if err != nil {
			return Expression{}, err
		}
		return Expression{Kind: KindList, Items: items}, nil
	case KindDict:
		rawItems, _ := obj["items"].(map[string]any)
		entries := make(map[string]Expression, len(rawItems))
		for k, v := range rawItems {
			item, err := parseExpression(v)
			if err != nil {
				return Expression{}, fmt.Errorf("dict key %q: %w", k, err)
			}
			entries[k] = item
		}
		return Expression{Kind: KindDict, Entries: entries}, nil
	case KindArgument:
		name, _ := obj["name"].(string)
		if name == "" {
			return Expression{}, fmt.Errorf("argument expression has no name")
		}
		arg, err := parseExpression(obj["argument"])
		if err != nil {
			return Expression{}, fmt.Errorf("argument %q: %w", name, err)
		}
		return Expression{Kind: KindArgument, Name: name, Arg: &arg}, nil
	case KindExpression:
		src, _ := obj["expression"].(string)
		if src == "" {
			return Expression{}, fmt.Errorf("expression has no source")
		}
		return Expression{Kind: KindExpression, Source: src}, nil
	case KindJS:
		src, _ := obj["script"].(string)
		if src == "" {
			return Expression{}, fmt.Errorf("js expression has no script")
		}
		return Expression{Kind: KindJS, Source: src}, nil
	default:
		return Expression{}, fmt.Errorf("unknown expression type %q", tag)
	}
}

func parseList(raw any) ([]Expression, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
	items := make([]Expression, 0, len(list))
	for i, v := range list {
		item, err := parseExpression(v)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func literal(v any) Expression {
	switch val := v.(type) {
	case nil:
		return Expression{Kind: KindNull}
	case string:
		return Expression{Kind: KindString, Value: val}
	case bool:
		return Expression{Kind: KindBoolean, Value: val}
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return Expression{Kind: KindInt, Value: int64(val)}
		}
		return Expression{Kind: KindFloat, Value: val}
	default:
		return Expression{Kind: KindString, Value: fmt.Sprint(val)}
	}
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("int expression has fractional value %v", n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("int expression has no numeric value")
	}
}
