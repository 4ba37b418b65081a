package story

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
)

func mustParse(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := ParseDefinition("test", []byte(doc))
	require.NoError(t, err)
	return def
}

func requireBuildError(t *testing.T, err error, lineID, reason string) {
	t.Helper()
	require.Error(t, err)
	var gbe *storyerrors.GraphBuildError
	require.True(t, errors.As(err, &gbe), "expected GraphBuildError, got %T", err)
	assert.Equal(t, lineID, gbe.LineID)
	assert.Contains(t, gbe.Reason, reason)
}

func TestBuild_EchoStory(t *testing.T) {
	def := mustParse(t, `
entrypoint: "1"
containers:
  echo:
    image: alpine
    command: [echo]
    timeout: 5s
tree:
  "1":
    method: run
    container: echo
    args: ["hi"]
`)
	g, err := Build(def)
	require.NoError(t, err)

	assert.Equal(t, "test", g.Story())
	assert.Equal(t, "1", g.Entrypoint())
	assert.Equal(t, 1, g.Len())
	assert.Empty(t, g.Warnings())

	line, ok := g.Line("1")
	require.True(t, ok)
	run, ok := line.Op.(Run)
	require.True(t, ok)
	assert.Equal(t, "alpine", run.Container.Image)
	assert.Equal(t, []string{"echo"}, run.Container.Command)
	assert.Equal(t, 5*time.Second, run.Container.Timeout)
	require.Len(t, run.Args, 1)
	assert.Equal(t, KindString, run.Args[0].Kind)
	assert.Equal(t, "hi", run.Args[0].Value)
}

func TestBuild_Aliases(t *testing.T) {
	def := mustParse(t, `{
		"containers": {"a": {"image": "a"}},
		"tree": {
			"1": {"method": "if", "args": [true], "enter": "2", "next": "3"},
			"2": {"method": "run-container", "container": "a"},
			"3": {"method": "elif", "args": [false], "enter": "4"},
			"4": {"method": "noop"}
		}
	}`)
	g, err := Build(def)
	require.NoError(t, err)

	l2, _ := g.Line("2")
	assert.Equal(t, MethodRun, l2.Op.Method())
	l3, _ := g.Line("3")
	assert.Equal(t, MethodElseIf, l3.Op.Method())
	assert.True(t, l3.IsConditional())
}

func TestBuild_DefaultEntrypointIsLowestLine(t *testing.T) {
	def := mustParse(t, `{"tree": {"10": {"method": "noop"}, "9": {"method": "noop", "next": "10"}}}`)
	g, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, "9", g.Entrypoint())
	assert.Equal(t, []string{"9", "10"}, g.LineIDs())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		lineID string
		reason string
	}{
		{
			name:   "missing next",
			doc:    `{"tree": {"1": {"method": "noop", "next": "7"}}}`,
			lineID: "1",
			reason: `next refers to missing line "7"`,
		},
		{
			name:   "missing exit",
			doc:    `{"tree": {"1": {"method": "if", "args": [true], "enter": "2", "exit": "9"}, "2": {"method": "noop"}}}`,
			lineID: "1",
			reason: `exit refers to missing line "9"`,
		},
		{
			name:   "missing catch",
			doc:    `{"containers": {"a": {"image": "a"}}, "tree": {"1": {"method": "run", "container": "a", "catch": "5"}}}`,
			lineID: "1",
			reason: `catch refers to missing line "5"`,
		},
		{
			name:   "unknown container",
			doc:    `{"tree": {"1": {"method": "run", "container": "ghost"}}}`,
			lineID: "1",
			reason: `unknown container "ghost"`,
		},
		{
			name:   "unknown function",
			doc:    `{"tree": {"1": {"method": "call", "function": "nope"}}}`,
			lineID: "1",
			reason: `unknown function "nope"`,
		},
		{
			name:   "unknown method",
			doc:    `{"tree": {"1": {"method": "teleport"}}}`,
			lineID: "1",
			reason: `unknown method "teleport"`,
		},
		{
			name:   "conditional without enter",
			doc:    `{"tree": {"1": {"method": "if", "args": [true]}}}`,
			lineID: "1",
			reason: "no block to enter",
		},
		{
			name:   "else without enter",
			doc:    `{"tree": {"1": {"method": "else"}}}`,
			lineID: "1",
			reason: "no block to enter",
		},
		{
			name:   "bad expression",
			doc:    `{"tree": {"1": {"method": "set", "output": "x", "args": [{"$OBJECT": "wormhole"}]}}}`,
			lineID: "1",
			reason: `unknown expression type "wormhole"`,
		},
		{
			name:   "self reference",
			doc:    `{"tree": {"1": {"method": "noop", "next": "1"}}}`,
			lineID: "1",
			reason: "refers to the line itself",
		},
		{
			name:   "duplicate function",
			doc:    `{"tree": {"1": {"method": "function", "function": "f", "next": "2"}, "2": {"method": "function", "function": "f"}}}`,
			lineID: "2",
			reason: `function "f" already declared on line 1`,
		},
		{
			name:   "enter on a plain line",
			doc:    `{"tree": {"1": {"method": "noop", "enter": "2"}, "2": {"method": "noop"}}}`,
			lineID: "1",
			reason: "noop line cannot enter a block",
		},
		{
			name:   "positional call argument",
			doc:    `{"tree": {"1": {"method": "function", "function": "f", "next": "2"}, "2": {"method": "call", "function": "f", "args": [1]}}}`,
			lineID: "2",
			reason: "argument 0 of a call must be named",
		},
		{
			name:   "bad entrypoint",
			doc:    `{"entrypoint": "4", "tree": {"1": {"method": "noop"}}}`,
			lineID: "",
			reason: `entrypoint "4" does not exist`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(mustParse(t, tt.doc))
			assert.Nil(t, g)
			requireBuildError(t, err, tt.lineID, tt.reason)
		})
	}
}

func TestBuild_InvalidTimeout(t *testing.T) {
	def := mustParse(t, `{"containers": {"a": {"image": "a", "timeout": "soon"}}, "tree": {"1": {"method": "run", "container": "a"}}}`)
	_, err := Build(def)
	requireBuildError(t, err, "", `invalid timeout "soon"`)
}

func TestBuild_Cycle(t *testing.T) {
	def := mustParse(t, `{"tree": {"1": {"method": "noop", "next": "2"}, "2": {"method": "noop", "next": "1"}}}`)
	_, err := Build(def)
	require.Error(t, err)
	var gbe *storyerrors.GraphBuildError
	require.ErrorAs(t, err, &gbe)
	assert.Contains(t, gbe.Reason, "cycle")
}

func TestBuild_RecursionIsNotACycle(t *testing.T) {
	def := mustParse(t, `{"entrypoint": "3", "tree": {
		"1": {"method": "function", "function": "loop", "enter": "2", "next": "3"},
		"2": {"method": "call", "function": "loop"},
		"3": {"method": "call", "function": "loop"}
	}}`)
	_, err := Build(def)
	assert.NoError(t, err)
}

func TestBuild_ParentsAndFunctions(t *testing.T) {
	def := mustParse(t, `{"entrypoint": "1", "tree": {
		"1": {"method": "function", "function": "greet", "enter": "2", "next": "5"},
		"2": {"method": "if", "args": [true], "enter": "3", "next": "6", "exit": "4"},
		"3": {"method": "set", "output": "x", "args": [1]},
		"4": {"method": "noop"},
		"5": {"method": "call", "function": "greet"},
		"6": {"method": "else", "enter": "7", "next": "4"},
		"7": {"method": "noop"}
	}}`)
	g, err := Build(def)
	require.NoError(t, err)

	cases := map[string]struct{ parent, function string }{
		"1": {"", ""},
		"2": {"1", "greet"},
		"3": {"2", "greet"},
		"4": {"1", "greet"},
		"5": {"", ""},
		"6": {"1", "greet"},
		"7": {"6", "greet"},
	}
	for id, want := range cases {
		line, ok := g.Line(id)
		require.True(t, ok, id)
		assert.Equal(t, want.parent, line.Parent, "parent of %s", id)
		assert.Equal(t, want.function, line.Function, "function of %s", id)
	}

	fn, ok := g.Function("greet")
	require.True(t, ok)
	assert.Equal(t, "1", fn.ID)

	// the else branch inherits the exit of its if line
	l6, _ := g.Line("6")
	assert.Equal(t, "4", l6.Exit)
	assert.Empty(t, g.Warnings())
}

func TestBuild_UnreachableLinesAreWarnings(t *testing.T) {
	def := mustParse(t, `{"entrypoint": "1", "tree": {
		"1": {"method": "noop"},
		"2": {"method": "noop"}
	}}`)
	g, err := Build(def)
	require.NoError(t, err)
	require.Len(t, g.Warnings(), 1)
	assert.Contains(t, g.Warnings()[0], "line 2 is unreachable")
}

func TestGraph_EnvironmentIsCopied(t *testing.T) {
	def := mustParse(t, `{"environment": {"one": 1}, "tree": {"1": {"method": "noop"}}}`)
	g, err := Build(def)
	require.NoError(t, err)

	env := g.Environment()
	env["one"] = "changed"
	assert.Equal(t, float64(1), g.Environment()["one"])
}

func TestBuild_NilDefinition(t *testing.T) {
	_, err := Build(nil)
	var gbe *storyerrors.GraphBuildError
	assert.ErrorAs(t, err, &gbe)
}
