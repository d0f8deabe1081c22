package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool is a function the model may call during a session.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  *JSONSchema `json:"parameters"`
	Handler     ToolHandler `json:"-"`
}

// ToolHandler executes a tool call and returns a string result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// JSONSchema is the parameter schema shipped with a tool definition.
type JSONSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
}

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(desc string, props map[string]*JSONSchema, required ...string) *JSONSchema {
	return &JSONSchema{Type: "object", Description: desc, Properties: props, Required: required}
}

// StringProp creates a string property schema.
func StringProp(desc string) *JSONSchema {
	return &JSONSchema{Type: "string", Description: desc}
}

// NumberProp creates a number property schema.
func NumberProp(desc string) *JSONSchema {
	return &JSONSchema{Type: "number", Description: desc}
}

// IntProp creates an integer property schema.
func IntProp(desc string) *JSONSchema {
	return &JSONSchema{Type: "integer", Description: desc}
}

// EnumProp creates a string enum property schema.
func EnumProp(desc string, values ...string) *JSONSchema {
	return &JSONSchema{Type: "string", Description: desc, Enum: values}
}

// Registry holds the tools bound to one session and executes calls.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, overwriting any previous tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs one tool call.
func (r *Registry) Execute(ctx context.Context, call ToolCall) (string, error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}
	if tool.Handler == nil {
		return "", fmt.Errorf("llm: tool %q has no handler", call.Name)
	}
	return tool.Handler(ctx, call.Arguments)
}

// ToolResult is the outcome of one executed call. A handler error becomes
// result content fed back to the model, never a loop abort.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Err        error  `json:"-"`
}

// ToMessage converts the result into the message fed back to the model.
func (tr ToolResult) ToMessage() Message {
	content := tr.Content
	if tr.Err != nil {
		content = fmt.Sprintf("Error executing tool %s: %v", tr.Name, tr.Err)
	}
	return ToolResultMessage(tr.ToolCallID, tr.Name, content)
}

// LoopResult is the outcome of a full tool loop.
type LoopResult struct {
	Response    *Response
	Messages    []Message
	ToolsCalled []string // every tool name in call order, duplicates kept
}

// RunToolLoop drives the conversation until the model answers with text or
// the turn budget runs out. Cancellation is checked between turns so a stop
// takes effect at the next boundary, not mid-request.
func RunToolLoop(ctx context.Context, provider Provider, registry *Registry,
	messages []Message, tools []Tool, opts *ChatOptions, maxTurns int) (*LoopResult, error) {

	if maxTurns <= 0 {
		maxTurns = 10
	}

	result := &LoopResult{
		Messages:    make([]Message, len(messages)),
		ToolsCalled: []string{},
	}
	copy(result.Messages, messages)

	for i := 0; i < maxTurns; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		resp, err := provider.Chat(ctx, result.Messages, tools, opts)
		if err != nil {
			return result, err
		}

		if !resp.HasToolCalls() {
			result.Response = resp
			return result, nil
		}

		result.Messages = append(result.Messages, AssistantToolCallMessage(resp.ToolCalls))

		for _, call := range resp.ToolCalls {
			result.ToolsCalled = append(result.ToolsCalled, call.Name)

			output, execErr := registry.Execute(ctx, call)
			tr := ToolResult{ToolCallID: call.ID, Name: call.Name, Content: output, Err: execErr}
			result.Messages = append(result.Messages, tr.ToMessage())

			if err := ctx.Err(); err != nil {
				return result, err
			}
		}
	}

	return result, fmt.Errorf("llm: tool loop exceeded %d turns", maxTurns)
}
