package story

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
)

// Build validates a definition and produces its immutable graph. It has no
// side effects; the result may be cached and shared by every run of the story.
func Build(def *Definition) (*Graph, error) {
	if def == nil {
		return nil, &storyerrors.GraphBuildError{Reason: "definition is nil"}
	}
	b := &builder{
		def: def,
		g: &Graph{
			story:       def.Name,
			lines:       make(map[string]*Line, len(def.Tree)),
			functions:   make(map[string]string),
			environment: make(map[string]any, len(def.Environment)),
		},
	}
	for k, v := range def.Environment {
		b.g.environment[k] = v
	}
	if err := b.build(); err != nil {
		return nil, err
	}
	return b.g, nil
}

type builder struct {
	def        *Definition
	g          *Graph
	containers map[string]ContainerSpec
}

func (b *builder) fail(lineID, format string, args ...any) error {
	return &storyerrors.GraphBuildError{Story: b.def.Name, LineID: lineID, Reason: fmt.Sprintf(format, args...)}
}

func (b *builder) build() error {
	if len(b.def.Tree) == 0 {
		return b.fail("", "story has no lines")
	}
	if err := b.buildContainers(); err != nil {
		return err
	}

	ids := sortedIDs(b.def.Tree)
	for _, id := range ids {
		line, err := b.buildLine(id, b.def.Tree[id])
		if err != nil {
			return err
		}
		b.g.lines[id] = line
	}

	b.g.entrypoint = b.def.Entrypoint
	if b.g.entrypoint == "" {
		b.g.entrypoint = ids[0]
	}
	if _, ok := b.g.lines[b.g.entrypoint]; !ok {
		return b.fail("", "entrypoint %q does not exist", b.g.entrypoint)
	}

	for _, id := range ids {
		if err := b.checkReferences(b.g.lines[id]); err != nil {
			return err
		}
	}
	b.propagateExits(ids)
	if err := b.assignParents(ids); err != nil {
		return err
	}
	b.assignFunctions(ids)
	if err := b.checkAcyclic(ids); err != nil {
		return err
	}
	b.collectUnreachable(ids)
	return nil
}

func (b *builder) buildContainers() error {
	b.containers = make(map[string]ContainerSpec, len(b.def.Containers))
	for name, c := range b.def.Containers {
		spec := ContainerSpec{
			Name:    name,
			Image:   c.Image,
			Command: append([]string(nil), c.Command...),
			Volume:  c.Volume,
		}
		if c.Timeout != "" {
			d, err := time.ParseDuration(c.Timeout)
			if err != nil || d <= 0 {
				return b.fail("", "container %q has invalid timeout %q", name, c.Timeout)
			}
			spec.Timeout = d
		}
		b.containers[name] = spec
	}
	return nil
}

func (b *builder) buildLine(id string, def LineDef) (*Line, error) {
	method, ok := methodAliases[def.Method]
	if !ok {
		return nil, b.fail(id, "unknown method %q", def.Method)
	}

	args := make([]Expression, 0, len(def.Args))
	for i, raw := range def.Args {
		expr, err := parseExpression(raw)
		if err != nil {
			return nil, b.fail(id, "argument %d: %v", i, err)
		}
		args = append(args, expr)
	}

	switch method {
	case MethodRun, MethodSet, MethodCall, MethodNoop:
		if def.Enter != "" {
			return nil, b.fail(id, "%s line cannot enter a block", method)
		}
	}

	line := &Line{ID: id, Next: def.Next, Enter: def.Enter, Exit: def.Exit}
	switch method {
	case MethodRun:
		spec, ok := b.containers[def.Container]
		if !ok {
			return nil, b.fail(id, "unknown container %q", def.Container)
		}
		line.Op = Run{Container: spec, Args: args, Output: def.Output, Catch: def.Catch}
	case MethodIf:
		if def.Enter == "" {
			return nil, b.fail(id, "if has no block to enter")
		}
		line.Op = If{Condition: first(args)}
	case MethodElseIf:
		if def.Enter == "" {
			return nil, b.fail(id, "elseif has no block to enter")
		}
		line.Op = ElseIf{Condition: first(args)}
	case MethodElse:
		if def.Enter == "" {
			return nil, b.fail(id, "else has no block to enter")
		}
		line.Op = Else{}
	case MethodFunction:
		if def.Function == "" {
			return nil, b.fail(id, "function has no name")
		}
		if prev, dup := b.g.functions[def.Function]; dup {
			return nil, b.fail(id, "function %q already declared on line %s", def.Function, prev)
		}
		b.g.functions[def.Function] = id
		line.Op = Function{Name: def.Function}
	case MethodSet:
		line.Op = Set{Target: def.Output, Value: first(args)}
	case MethodCall:
		for i, arg := range args {
			if arg.Kind != KindArgument {
				return nil, b.fail(id, "argument %d of a call must be named", i)
			}
		}
		line.Op = Call{Function: def.Function, Args: args, Output: def.Output}
	case MethodNoop:
		line.Op = Noop{}
	}
	return line, nil
}

func (b *builder) checkReferences(line *Line) error {
	refs := map[string]string{"next": line.Next, "enter": line.Enter, "exit": line.Exit}
	if run, ok := line.Op.(Run); ok {
		refs["catch"] = run.Catch
	}
	for field, ref := range refs {
		if ref == "" {
			continue
		}
		if ref == line.ID {
			return b.fail(line.ID, "%s refers to the line itself", field)
		}
		if _, ok := b.g.lines[ref]; !ok {
			return b.fail(line.ID, "%s refers to missing line %q", field, ref)
		}
	}
	if call, ok := line.Op.(Call); ok && call.Function != "" {
		if _, ok := b.g.functions[call.Function]; !ok {
			return b.fail(line.ID, "call to unknown function %q", call.Function)
		}
	}
	return nil
}

// propagateExits gives every branch of an if chain the exit of its if line,
// so a finished branch body continues after the whole chain.
func (b *builder) propagateExits(ids []string) {
	for _, id := range ids {
		head := b.g.lines[id]
		if _, ok := head.Op.(If); !ok || head.Exit == "" {
			continue
		}
		seen := map[string]bool{head.ID: true}
		for cur := head.Next; cur != "" && !seen[cur]; {
			seen[cur] = true
			branch := b.g.lines[cur]
			_, elseIf := branch.Op.(ElseIf)
			_, last := branch.Op.(Else)
			if !elseIf && !last {
				break
			}
			if branch.Exit == "" {
				branch.Exit = head.Exit
			}
			if last {
				break
			}
			cur = branch.Next
		}
	}
}

// assignParents marks every line of a block body with the block line that
// enters it. Bodies are the next-chains starting at a line's enter.
func (b *builder) assignParents(ids []string) error {
	for _, id := range ids {
		block := b.g.lines[id]
		if block.Enter == "" {
			continue
		}
		seen := make(map[string]bool)
		for cur := block.Enter; cur != "" && !seen[cur]; cur = b.g.lines[cur].Next {
			seen[cur] = true
			child := b.g.lines[cur]
			if child.Parent != "" && child.Parent != block.ID {
				return b.fail(cur, "line belongs to the blocks of both %s and %s", child.Parent, block.ID)
			}
			child.Parent = block.ID
		}
	}
	return nil
}

func (b *builder) assignFunctions(ids []string) {
	for _, id := range ids {
		line := b.g.lines[id]
		for p := line.Parent; p != ""; p = b.g.lines[p].Parent {
			if fn, ok := b.g.lines[p].Op.(Function); ok {
				line.Function = fn.Name
				break
			}
		}
	}
}

func (b *builder) edges(line *Line) []string {
	out := make([]string, 0, 4)
	for _, ref := range []string{line.Next, line.Enter, line.Exit} {
		if ref != "" {
			out = append(out, ref)
		}
	}
	if run, ok := line.Op.(Run); ok && run.Catch != "" {
		out = append(out, run.Catch)
	}
	return out
}

func (b *builder) checkAcyclic(ids []string) error {
	const (
		_ = iota
		visiting
		done
	)
	state := make(map[string]int, len(ids))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return b.fail(id, "cycle detected")
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range b.edges(b.g.lines[id]) {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) collectUnreachable(ids []string) {
	reached := make(map[string]bool, len(ids))
	queue := []string{b.g.entrypoint}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		line := b.g.lines[id]
		queue = append(queue, b.edges(line)...)
		if call, ok := line.Op.(Call); ok && call.Function != "" {
			queue = append(queue, b.g.functions[call.Function])
		}
	}
	for _, id := range ids {
		if !reached[id] {
			b.g.warnings = append(b.g.warnings, fmt.Sprintf("line %s is unreachable from entrypoint %s", id, b.g.entrypoint))
		}
	}
}

func first(args []Expression) *Expression {
	if len(args) == 0 {
		return nil
	}
	return &args[0]
}

// sortedIDs orders line ids numerically when they are numbers, which is how
// compiled stories number their lines.
func sortedIDs[T any](tree map[string]T) []string {
	ids := make([]string, 0, len(tree))
	for id := range tree {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		c, errC := strconv.Atoi(ids[j])
		if errA == nil && errC == nil {
			return a < c
		}
		if (errA == nil) != (errC == nil) {
			return errA == nil
		}
		return ids[i] < ids[j]
	})
	return ids
}
