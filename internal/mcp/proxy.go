package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolHandler is a function that handles a tool call.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error)

// Proxy dispatches tool calls to registered local handlers.
type Proxy struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]ToolHandler
}

// NewProxy creates an empty tool dispatch table.
func NewProxy() *Proxy {
	return &Proxy{
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
	}
}

// RegisterTool registers a tool with the proxy.
func (p *Proxy) RegisterTool(tool Tool, handler ToolHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tools[tool.Name] = tool
	p.handlers[tool.Name] = handler
}

// ListTools returns all registered tools.
func (p *Proxy) ListTools(ctx context.Context) ([]Tool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tools := make([]Tool, 0, len(p.tools))
	for _, t := range p.tools {
		tools = append(tools, t)
	}
	return tools, nil
}

// CallTool invokes a registered tool. An unknown tool name is reported as an
// is_error ToolResult, not a Go error, so the model sees it in-band.
func (p *Proxy) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	p.mu.RLock()
	handler, ok := p.handlers[name]
	p.mu.RUnlock()

	if !ok {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("tool not found: %s", name)}},
			IsError: true,
		}, nil
	}
	return handler(ctx, arguments)
}
