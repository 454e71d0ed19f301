package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/llm"
)

// Tool defines the interface all tools must implement
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	// Critical tools abort the rest of a batch when their handler fails.
	Critical() bool
	Execute(ctx context.Context, inv *Invocation, input map[string]any) (any, error)
}

// Registry holds the tool catalogue. It is built once and never changes, so
// it is safe for concurrent use without locking.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	names   []string
}

// NewRegistry builds a registry from tools, compiling each input schema.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	compiler := jsonschema.NewCompiler()
	for _, tool := range tools {
		name := tool.Name()
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("tool %s registered twice", name)
		}
		data, err := json.Marshal(tool.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("tool %s: failed to encode schema: %w", name, err)
		}
		schema, err := compiler.Compile(data)
		if err != nil {
			return nil, fmt.Errorf("tool %s: failed to compile schema: %w", name, err)
		}
		r.tools[name] = tool
		r.schemas[name] = schema
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Schema returns the input schema of a tool.
func (r *Registry) Schema(name string) (map[string]any, bool) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return tool.InputSchema(), true
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns tool definitions for the LLM. When names is non-empty
// only those tools are included.
func (r *Registry) Definitions(names ...string) []llm.ToolDefinition {
	want := r.names
	if len(names) > 0 {
		want = names
	}
	defs := make([]llm.ToolDefinition, 0, len(want))
	for _, name := range want {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	return defs
}

// Validate checks input against the tool's compiled schema.
func (r *Registry) Validate(name string, input map[string]any) error {
	schema, ok := r.schemas[name]
	if !ok {
		return cerr.UnknownTool(name)
	}
	if input == nil {
		input = map[string]any{}
	}
	result := schema.Validate(input)
	if result.Valid {
		return nil
	}
	var msgs []string
	collectErrors(result, &msgs)
	if len(msgs) == 0 {
		msgs = []string{"does not match the schema"}
	}
	sort.Strings(msgs)
	return cerr.InvalidArguments(name, strings.Join(msgs, "; "))
}

func collectErrors(result *jsonschema.EvaluationResult, msgs *[]string) {
	if result == nil {
		return
	}
	for _, e := range result.Errors {
		if e != nil {
			*msgs = append(*msgs, e.Error())
		}
	}
	for _, d := range result.Details {
		collectErrors(d, msgs)
	}
}
