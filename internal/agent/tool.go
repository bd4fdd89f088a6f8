package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/alloybot/alloy/internal/llm"
)

// Tool is a callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON Schema for the tool arguments.
	InputSchema() json.RawMessage
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// ToolFunc adapts a plain function into a Tool.
type ToolFunc struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Fn              func(ctx context.Context, args map[string]any) (string, error)
}

func (t *ToolFunc) Name() string                 { return t.ToolName }
func (t *ToolFunc) Description() string          { return t.ToolDescription }
func (t *ToolFunc) InputSchema() json.RawMessage { return t.Schema }

func (t *ToolFunc) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}

// ToolSelector narrows the tool set offered to the model for a given
// prompt. Implementations must not mutate the input slice.
type ToolSelector interface {
	Select(ctx context.Context, userPrompt string, tools []llm.ToolSpec) []llm.ToolSpec
}

// ToolSelectorFunc adapts a function to ToolSelector.
type ToolSelectorFunc func(ctx context.Context, userPrompt string, tools []llm.ToolSpec) []llm.ToolSpec

func (f ToolSelectorFunc) Select(ctx context.Context, userPrompt string, tools []llm.ToolSpec) []llm.ToolSpec {
	return f(ctx, userPrompt, tools)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry holds the tools available to the executor. Argument
// schemas are compiled once at registration.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. The name must be unique and the input schema
// must compile as JSON Schema.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	schemaDoc := tool.InputSchema()
	if len(schemaDoc) == 0 {
		schemaDoc = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schemaDoc))
	if err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s: already registered", name)
	}
	r.tools[name] = &registeredTool{tool: tool, schema: compiled}
	return nil
}

// Get returns the tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs returns the tool specs sorted by name, ready to hand to a
// model provider.
func (r *ToolRegistry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, rt := range r.tools {
		schema := rt.tool.InputSchema()
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		specs = append(specs, llm.ToolSpec{
			Name:        rt.tool.Name(),
			Description: rt.tool.Description(),
			InputSchema: schema,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ValidateArgs checks args against the tool's compiled schema. The
// arguments are round-tripped through JSON so numeric types match what
// the schema library expects.
func (r *ToolRegistry) ValidateArgs(name string, args map[string]any) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool %s: not registered", name)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tool %s: cannot encode arguments: %w", name, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("tool %s: cannot decode arguments: %w", name, err)
	}
	if err := rt.schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	return nil
}
