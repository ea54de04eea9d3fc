package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/acpbridge/internal/auth"
	"github.com/HyphaGroup/acpbridge/internal/metrics"
)

// ToolAccess defines the access level required for a tool
type ToolAccess string

const (
	// AccessRead - lists and history, allowed for read-only clients
	AccessRead ToolAccess = "read"
	// AccessWrite - creates, changes or delivers something
	AccessWrite ToolAccess = "write"
)

// ToolHandler is a function that handles a tool call
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (*mcp_sdk.CallToolResult, error)

type ctxKeyCallToolRequest struct{}

// WithCallToolRequest stores the MCP CallToolRequest in context
func WithCallToolRequest(ctx context.Context, req *mcp_sdk.CallToolRequest) context.Context {
	return context.WithValue(ctx, ctxKeyCallToolRequest{}, req)
}

// CallToolRequestFromContext retrieves the MCP CallToolRequest from context
func CallToolRequestFromContext(ctx context.Context) *mcp_sdk.CallToolRequest {
	if req, ok := ctx.Value(ctxKeyCallToolRequest{}).(*mcp_sdk.CallToolRequest); ok {
		return req
	}
	return nil
}

// ToolDef defines a tool with all metadata
type ToolDef struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Access      ToolAccess         `json:"access,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// Registry stores tool definitions and handlers
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDef
	handlers map[string]ToolHandler
	order    []string // preserve registration order
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*ToolDef),
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool with its handler to the registry.
// The input schema is inferred from P unless def carries one.
func Register[P any](r *Registry, def ToolDef, handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) {
	if def.InputSchema == nil {
		schema, err := jsonschema.For[P](nil)
		if err != nil {
			panic(fmt.Sprintf("tool %s: input schema: %v", def.Name, err))
		}
		def.InputSchema = schema
	}
	if def.Access == "" {
		def.Access = AccessWrite
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = &def
	r.handlers[def.Name] = wrapHandler(def, handler)
}

// GetTool returns a tool definition by name
func (r *Registry) GetTool(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// GetAllTools returns all tool definitions in registration order
func (r *Registry) GetAllTools() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDef, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// ToolsFor returns the tools the caller may invoke
func (r *Registry) ToolsFor(authCtx *auth.AuthContext) []*ToolDef {
	var out []*ToolDef
	for _, def := range r.GetAllTools() {
		if allowed(def, authCtx) {
			out = append(out, def)
		}
	}
	return out
}

func allowed(def *ToolDef, authCtx *auth.AuthContext) bool {
	if authCtx == nil {
		return false
	}
	return def.Access == AccessRead || authCtx.CanWrite()
}

// CallTool executes a tool by name with JSON arguments. Handler failures
// come back as an error result; the returned error is reserved for
// unknown tools.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp_sdk.CallToolResult, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	result, err := handler(ctx, args)
	if err != nil {
		metrics.RecordToolCall(name, "error")
		return NewErrorResult(err.Error()), nil
	}
	metrics.RecordToolCall(name, "ok")
	return result, nil
}

// CallToolWithMap executes a tool with map arguments, as used by the CLI
// and tests
func (r *Registry) CallToolWithMap(ctx context.Context, name string, args map[string]any) (*mcp_sdk.CallToolResult, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	return r.CallTool(ctx, name, argsJSON)
}

// RegisterWithMCPServer registers all tools with an MCP SDK server
func (r *Registry) RegisterWithMCPServer(server *mcp_sdk.Server) {
	for _, def := range r.GetAllTools() {
		name := def.Name
		tool := &mcp_sdk.Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		}
		server.AddTool(tool, func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
			ctx = WithCallToolRequest(ctx, req)
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			return r.CallTool(ctx, name, args)
		})
	}
}

// wrapHandler decodes arguments, enforces the tool's access level and
// flattens the typed handler's results
func wrapHandler[P any](def ToolDef, handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (*mcp_sdk.CallToolResult, error) {
		authCtx := auth.FromContext(ctx)
		if authCtx == nil {
			return nil, fmt.Errorf("authentication required")
		}
		if !allowed(&def, authCtx) {
			return nil, fmt.Errorf("read-only access, %s not permitted", def.Name)
		}

		var params P
		if len(args) > 0 && string(args) != "null" {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}

		req := CallToolRequestFromContext(ctx)
		if req == nil {
			req = &mcp_sdk.CallToolRequest{
				Params: &mcp_sdk.CallToolParamsRaw{Name: def.Name, Arguments: args},
			}
		}

		result, data, err := handler(ctx, req, params)
		if err != nil {
			return nil, err
		}
		if result != nil {
			if result.IsError {
				return nil, fmt.Errorf("%s", resultText(result))
			}
			return result, nil
		}

		payload, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		return NewTextResult(string(payload)), nil
	}
}

// NewTextResult creates a CallToolResult with text content
func NewTextResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: text}},
	}
}

// NewErrorResult creates a CallToolResult indicating an error
func NewErrorResult(msg string) *mcp_sdk.CallToolResult {
	result := NewTextResult(msg)
	result.IsError = true
	return result
}

// resultText joins the text content of a result
func resultText(result *mcp_sdk.CallToolResult) string {
	text := ""
	for _, c := range result.Content {
		if tc, ok := c.(*mcp_sdk.TextContent); ok {
			text += tc.Text
		}
	}
	if text == "" && result.IsError {
		return "tool execution failed"
	}
	return text
}
