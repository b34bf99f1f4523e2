// Package tools defines the tool contract the agent core calls back into,
// and a registry that resolves tool names, validates arguments against each
// tool's JSON schema and executes calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/llm"
	"github.com/gondel-ai/gondel/internal/logger"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema object describing the arguments.
	Schema() map[string]interface{}
	// Execute runs the tool. A returned error becomes the error field of the
	// function response; it does not abort the exchange.
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry resolves tool names to implementations.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. The schema is compiled eagerly so malformed tool
// definitions fail at startup, not mid-exchange.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}

	var compiled *jsonschema.Schema
	if schema := tool.Schema(); schema != nil {
		data, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("tool %s: cannot marshal schema: %w", name, err)
		}
		compiled, err = jsonschema.CompileString(name+".schema.json", string(data))
		if err != nil {
			return fmt.Errorf("tool %s: invalid schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	}
	return nil
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Declarations lists all registered tools in name order, in the shape the
// content-generation client sends to the model.
func (r *Registry) Declarations() []llm.ToolDecl {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]llm.ToolDecl, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		decls = append(decls, llm.ToolDecl{
			Name:        name,
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return decls
}

// ExecuteCall resolves, validates and runs one function call, returning the
// function response to feed back to the model. Failures are reported in the
// response's error field, never as a Go error, so a bad call cannot take
// down the exchange.
func (r *Registry) ExecuteCall(ctx context.Context, call chat.FunctionCall) chat.FunctionResponse {
	resp := chat.FunctionResponse{ID: call.ID, Name: call.Name}

	tool, ok := r.Resolve(call.Name)
	if !ok {
		resp.Error = fmt.Sprintf("tool %q not found", call.Name)
		return resp
	}

	if err := r.validate(call); err != nil {
		resp.Error = fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)
		return resp
	}

	if err := ctx.Err(); err != nil {
		resp.Error = fmt.Sprintf("tool %s cancelled: %v", call.Name, err)
		return resp
	}

	logger.Debug("tools: executing %s (%s)", call.Name, call.ID)
	output, err := tool.Execute(ctx, call.Args)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Output = output
	return resp
}

func (r *Registry) validate(call chat.FunctionCall) error {
	r.mu.RLock()
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	// Round-trip so numbers and nested values match decoded-JSON types.
	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
