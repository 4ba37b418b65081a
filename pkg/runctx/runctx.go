// Package runctx holds the mutable state of one story run.
package runctx

import (
	"time"

	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
)

// DefaultMaxDepth bounds the call stack when no depth is configured.
const DefaultMaxDepth = 64

// Result is the recorded outcome of one line.
type Result struct {
	Output   any       `json:"output"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	ExitCode int       `json:"exit_code,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// Failed reports whether the line failed.
func (r Result) Failed() bool {
	return r.Err != ""
}

// Context is the state of one run. It is owned by exactly one run and is not
// safe for concurrent use.
type Context struct {
	RunID   string
	StoryID string
	// Environment maps variable names to values. Later writes shadow earlier ones.
	Environment map[string]any
	// Cursor is the id of the line being executed, empty once the run ended.
	Cursor string

	results  map[string]Result
	order    []string
	stack    []string
	maxDepth int
}

// New creates a run context positioned at the entrypoint. A maxDepth of zero
// or less selects DefaultMaxDepth.
func New(runID, storyID, entrypoint string, env map[string]any, maxDepth int) *Context {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if env == nil {
		env = make(map[string]any)
	}
	return &Context{
		RunID:       runID,
		StoryID:     storyID,
		Environment: env,
		Cursor:      entrypoint,
		results:     make(map[string]Result),
		maxDepth:    maxDepth,
	}
}

// Set assigns a variable.
func (c *Context) Set(name string, value any) {
	c.Environment[name] = value
}

// Get looks a variable up.
func (c *Context) Get(name string) (any, bool) {
	v, ok := c.Environment[name]
	return v, ok
}

// Record stores the result of a line, replacing any earlier result for it.
func (c *Context) Record(lineID string, r Result) {
	if _, seen := c.results[lineID]; seen {
		for i, id := range c.order {
			if id == lineID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.results[lineID] = r
	c.order = append(c.order, lineID)
}

// Result returns the recorded result of a line.
func (c *Context) Result(lineID string) (Result, bool) {
	r, ok := c.results[lineID]
	return r, ok
}

// Results returns a copy of every recorded result.
func (c *Context) Results() map[string]Result {
	out := make(map[string]Result, len(c.results))
	for id, r := range c.results {
		out[id] = r
	}
	return out
}

// Order returns the ids of recorded lines in the order of their latest write.
func (c *Context) Order() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Push records the call line a function returns to. Execution resumes after
// that line once the function body ends.
func (c *Context) Push(callLineID string) error {
	if len(c.stack) >= c.maxDepth {
		return &storyerrors.CallStackError{LineID: callLineID, Depth: len(c.stack), Reason: "maximum call depth exceeded"}
	}
	c.stack = append(c.stack, callLineID)
	return nil
}

// Pop removes and returns the latest call line. lineID names the line whose
// completion ended the function body.
func (c *Context) Pop(lineID string) (string, error) {
	if len(c.stack) == 0 {
		return "", &storyerrors.CallStackError{LineID: lineID, Reason: "return with an empty call stack"}
	}
	top := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return top, nil
}

// Depth returns the current call stack depth.
func (c *Context) Depth() int {
	return len(c.stack)
}

// MaxDepth returns the configured call stack bound.
func (c *Context) MaxDepth() int {
	return c.maxDepth
}
