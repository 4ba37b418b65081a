package lexicon

import (
	"fmt"

	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/runctx"
	"github.com/wehubfusion/storyengine/pkg/story"
)

// The primitives below return the id of the line to execute next. An empty id
// with a nil error means the run reached its end.

// IfCondition selects the successor of an if or elseif line. A truthy
// condition enters the branch; otherwise the next branch of the chain is
// tried, then the chain exit, then the end of the enclosing block.
func IfCondition(rc *runctx.Context, g *story.Graph, line *story.Line, cond any) (string, error) {
	if Truthy(cond) {
		return line.Enter, nil
	}
	if line.Next != "" {
		return line.Next, nil
	}
	if line.Exit != "" {
		return line.Exit, nil
	}
	return Return(rc, g, line)
}

// Else enters the else branch.
func Else(line *story.Line) string {
	return line.Enter
}

// Set assigns value to the line's target variable and advances.
func Set(rc *runctx.Context, g *story.Graph, line *story.Line, value any) (string, error) {
	op, _ := line.Op.(story.Set)
	if op.Target == "" {
		return "", &storyerrors.ResolutionError{LineID: line.ID, Variable: "output", Err: &storyerrors.ArgumentNotFoundError{Name: "output"}}
	}
	rc.Set(op.Target, value)
	return Next(rc, g, line)
}

// Call binds named arguments into the environment, records the call line on
// the call stack and enters the function body.
func Call(rc *runctx.Context, g *story.Graph, line *story.Line, args []any) (string, error) {
	op, _ := line.Op.(story.Call)
	if op.Function == "" {
		return "", &storyerrors.ResolutionError{LineID: line.ID, Variable: "function", Err: &storyerrors.ArgumentNotFoundError{Name: "function"}}
	}
	fn, ok := g.Function(op.Function)
	if !ok {
		return "", &storyerrors.ResolutionError{LineID: line.ID, Variable: op.Function, Err: fmt.Errorf("function is not declared")}
	}
	for _, a := range args {
		if arg, ok := a.(Argument); ok {
			rc.Set(arg.Name, arg.Value)
		}
	}
	if fn.Enter == "" {
		if op.Output != "" {
			rc.Set(op.Output, nil)
		}
		return Next(rc, g, line)
	}
	if err := rc.Push(line.ID); err != nil {
		return "", err
	}
	return fn.Enter, nil
}

// Next returns the successor of a finished line: its next line, or the
// continuation after the enclosing block when it has none.
func Next(rc *runctx.Context, g *story.Graph, line *story.Line) (string, error) {
	if line.Next != "" {
		return line.Next, nil
	}
	return Return(rc, g, line)
}

// Return finishes the block containing line, which ended without a next line.
// Leaving a function body pops the call stack and resumes after the call
// line, binding the call output to the result of the body's final line.
// Leaving a conditional branch continues at the chain exit. Leaving the top
// level ends the run, which requires an empty call stack.
func Return(rc *runctx.Context, g *story.Graph, line *story.Line) (string, error) {
	last := line
	cur := line
	for {
		if cur.Parent == "" {
			if rc.Depth() > 0 {
				return "", &storyerrors.CallStackError{LineID: cur.ID, Depth: rc.Depth(), Reason: "story ended with unfinished function calls"}
			}
			return "", nil
		}
		parent, ok := g.Line(cur.Parent)
		if !ok {
			return "", &storyerrors.CallStackError{LineID: cur.ID, Depth: rc.Depth(), Reason: fmt.Sprintf("enclosing line %s does not exist", cur.Parent)}
		}

		switch parent.Op.(type) {
		case story.Function:
			callID, err := rc.Pop(cur.ID)
			if err != nil {
				return "", err
			}
			call, ok := g.Line(callID)
			if !ok {
				return "", &storyerrors.CallStackError{LineID: cur.ID, Depth: rc.Depth(), Reason: fmt.Sprintf("return to missing line %s", callID)}
			}
			if op, ok := call.Op.(story.Call); ok && op.Output != "" {
				var out any
				if r, ok := rc.Result(last.ID); ok {
					out = r.Output
				}
				rc.Set(op.Output, out)
			}
			if call.Next != "" {
				return call.Next, nil
			}
			cur, last = call, call
			continue
		case story.If, story.ElseIf, story.Else:
			if parent.Exit != "" {
				return parent.Exit, nil
			}
		}
		cur = parent
	}
}
