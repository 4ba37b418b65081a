package story

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Definition is a compiled story as fetched from a story source.
type Definition struct {
	Name        string                  `json:"name"`
	Entrypoint  string                  `json:"entrypoint"`
	Environment map[string]any          `json:"environment,omitempty"`
	Containers  map[string]ContainerDef `json:"containers,omitempty"`
	Tree        map[string]LineDef      `json:"tree"`
}

// ContainerDef declares a container that run lines may reference.
type ContainerDef struct {
	Image   string   `json:"image"`
	Command []string `json:"command,omitempty"`
	Volume  string   `json:"volume,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// LineDef is one line of a compiled story.
type LineDef struct {
	Method    string `json:"method"`
	Container string `json:"container,omitempty"`
	Function  string `json:"function,omitempty"`
	Args      []any  `json:"args,omitempty"`
	Output    string `json:"output,omitempty"`
	Next      string `json:"next,omitempty"`
	Enter     string `json:"enter,omitempty"`
	Exit      string `json:"exit,omitempty"`
	Catch     string `json:"catch,omitempty"`
}

const definitionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tree"],
	"properties": {
		"name": {"type": "string"},
		"entrypoint": {"type": "string"},
		"environment": {"type": "object"},
		"containers": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["image"],
				"properties": {
					"image": {"type": "string", "minLength": 1},
					"command": {"type": "array", "items": {"type": "string"}},
					"volume": {"type": "string"},
					"timeout": {"type": "string"}
				}
			}
		},
		"tree": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {
				"type": "object",
				"required": ["method"],
				"properties": {
					"method": {"type": "string", "minLength": 1},
					"args": {"type": "array"},
					"next": {"type": ["string", "null"]},
					"enter": {"type": ["string", "null"]},
					"exit": {"type": ["string", "null"]},
					"catch": {"type": ["string", "null"]}
				}
			}
		}
	}
}`

var compiledSchema *sjsonschema.Schema

func init() {
	var doc any
	if err := json.Unmarshal([]byte(definitionSchema), &doc); err != nil {
		panic(fmt.Sprintf("story: unmarshal definition schema: %v", err))
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("story-definition.json", doc); err != nil {
		panic(fmt.Sprintf("story: add definition schema: %v", err))
	}
	sch, err := c.Compile("story-definition.json")
	if err != nil {
		panic(fmt.Sprintf("story: compile definition schema: %v", err))
	}
	compiledSchema = sch
}

// ParseDefinition decodes a compiled story. JSON and YAML documents are
// accepted; both are validated against the definition schema before decoding.
// A missing name defaults to the given name.
func ParseDefinition(name string, data []byte) (*Definition, error) {
	jsonData, err := toJSON(data)
	if err != nil {
		return nil, fmt.Errorf("story %q: %w", name, err)
	}

	var doc any
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("story %q: unmarshal document: %w", name, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("story %q: %s", name, describeValidation(err))
	}

	var def Definition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, fmt.Errorf("story %q: decode definition: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	return &def, nil
}

func toJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty definition")
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}
	var doc any
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	return out, nil
}

func describeValidation(err error) string {
	ve, ok := err.(*sjsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var msgs []string
	for _, cause := range flattenValidationErrors(ve) {
		msgs = append(msgs, fmt.Sprintf("/%s: %v", strings.Join(cause.InstanceLocation, "/"), cause.ErrorKind))
	}
	return "invalid definition: " + strings.Join(msgs, "; ")
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}
