package story

import "time"

// Method names the kind of a line.
type Method string

const (
	MethodRun      Method = "run"
	MethodIf       Method = "if"
	MethodElseIf   Method = "elseif"
	MethodElse     Method = "else"
	MethodFunction Method = "function"
	MethodSet      Method = "set"
	MethodCall     Method = "call"
	MethodNoop     Method = "noop"
)

// methodAliases maps spellings found in compiled stories to their method.
var methodAliases = map[string]Method{
	"run":           MethodRun,
	"run-container": MethodRun,
	"if":            MethodIf,
	"elseif":        MethodElseIf,
	"elif":          MethodElseIf,
	"else":          MethodElse,
	"function":      MethodFunction,
	"set":           MethodSet,
	"call":          MethodCall,
	"noop":          MethodNoop,
}

// Op is the closed set of line operations. Each method has exactly one
// concrete type carrying the fields it requires; dispatchers switch on the
// concrete type.
type Op interface {
	Method() Method
	isOp()
}

// Run starts a container for the line.
type Run struct {
	Container ContainerSpec
	Args      []Expression
	// Output optionally names the variable the container output is bound to.
	Output string
	// Catch optionally names the line that handles a failure of this line.
	Catch string
}

// If enters its block when Condition is truthy.
type If struct {
	Condition *Expression
}

// ElseIf is a further branch of an if chain.
type ElseIf struct {
	Condition *Expression
}

// Else is the unconditional last branch of an if chain.
type Else struct{}

// Function declares a function whose body starts at the line's Enter.
type Function struct {
	Name string
}

// Set assigns Value to the Target variable.
type Set struct {
	Target string
	Value  *Expression
}

// Call invokes a declared function.
type Call struct {
	Function string
	Args     []Expression
	Output   string
}

// Noop does nothing and advances.
type Noop struct{}

func (Run) Method() Method      { return MethodRun }
func (If) Method() Method       { return MethodIf }
func (ElseIf) Method() Method   { return MethodElseIf }
func (Else) Method() Method     { return MethodElse }
func (Function) Method() Method { return MethodFunction }
func (Set) Method() Method      { return MethodSet }
func (Call) Method() Method     { return MethodCall }
func (Noop) Method() Method     { return MethodNoop }

func (Run) isOp()      {}
func (If) isOp()       {}
func (ElseIf) isOp()   {}
func (Else) isOp()     {}
func (Function) isOp() {}
func (Set) isOp()      {}
func (Call) isOp()     {}
func (Noop) isOp()     {}

// ContainerSpec references the image and command run for a line.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	// Volume is the mount path of the run volume, empty when the container
	// does not use it.
	Volume string
	// Timeout overrides the engine default when non-zero.
	Timeout time.Duration
}

// Line is one node of a story graph.
type Line struct {
	ID    string
	Op    Op
	Next  string
	Enter string
	Exit  string
	// Parent is the block line whose body contains this line.
	Parent string
	// Function is the name of the function whose body contains this line.
	Function string
}

// IsConditional reports whether the line is a branch of an if chain.
func (l *Line) IsConditional() bool {
	switch l.Op.(type) {
	case If, ElseIf, Else:
		return true
	}
	return false
}

// Graph is the immutable executable form of a story. It is safe for
// concurrent use by any number of runs.
type Graph struct {
	story       string
	entrypoint  string
	lines       map[string]*Line
	functions   map[string]string
	environment map[string]any
	warnings    []string
}

// Story returns the story name.
func (g *Graph) Story() string { return g.story }

// Entrypoint returns the first line of the story.
func (g *Graph) Entrypoint() string { return g.entrypoint }

// Line returns the line with the given id.
func (g *Graph) Line(id string) (*Line, bool) {
	l, ok := g.lines[id]
	return l, ok
}

// Function returns the declaration line of the named function.
func (g *Graph) Function(name string) (*Line, bool) {
	id, ok := g.functions[name]
	if !ok {
		return nil, false
	}
	return g.Line(id)
}

// Environment returns a copy of the environment declared by the story.
func (g *Graph) Environment() map[string]any {
	env := make(map[string]any, len(g.environment))
	for k, v := range g.environment {
		env[k] = v
	}
	return env
}

// Warnings returns non-fatal findings of the build, such as unreachable lines.
func (g *Graph) Warnings() []string {
	out := make([]string, len(g.warnings))
	copy(out, g.warnings)
	return out
}

// Len returns the number of lines.
func (g *Graph) Len() int { return len(g.lines) }

// LineIDs returns every line id, numeric ids in numeric order.
func (g *Graph) LineIDs() []string {
	return sortedIDs(g.lines)
}
