package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duoforge/duoagent/internal/mcp"
)

const defaultTimeoutSeconds = 30

// Executor runs tool invocations: execute(tool_use) -> tool_result, never
// erroring to the caller. The allow-set check runs before any argument
// validation.
type Executor struct {
	proxy *mcp.Proxy
	reg   *Registry
}

// NewExecutor builds an Executor with a fresh Proxy and Registry, with every
// tool handler and the grant/revoke meta-tools registered. workDir anchors
// file/shell/git operations.
func NewExecutor(workDir string) (*Executor, error) {
	proxy := mcp.NewProxy()
	reg := NewRegistry()

	if err := registerFileTools(proxy, workDir); err != nil {
		return nil, fmt.Errorf("register file tools: %w", err)
	}
	registerSearchTools(proxy, workDir)
	registerGitTools(proxy, workDir)
	registerShellTool(proxy, workDir)
	registerMetaTools(proxy, reg)

	return &Executor{proxy: proxy, reg: reg}, nil
}

// Execute runs one tool invocation on behalf of role ("instructor" or
// "worker"), enforcing the permission check first and a per-call timeout.
// The timeout check inspects the call context directly rather than trusting
// handlers to report it, so every tool_result for an expired call names the
// duration and the offending invocation.
func (e *Executor) Execute(ctx context.Context, role, name string, arguments json.RawMessage) *mcp.ToolResult {
	if !e.reg.Allowed(role, name) {
		log.Warn().Str("role", role).Str("tool", name).Msg("tool call denied by allow-set")
		return errResult(fmt.Sprintf("permission denied: %q is not in %s's allow-set; only the other agent may use it", name, role))
	}

	timeout := extractTimeout(arguments)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.proxy.CallTool(callCtx, name, arguments)
	if ctxErr := callCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			log.Warn().Str("tool", name).Dur("timeout", timeout).Msg("tool call timed out")
			return errResult(fmt.Sprintf("tool %q with arguments %s timed out after %s", name, arguments, timeout))
		}
		return errResult(fmt.Sprintf("tool %q was cancelled before completing", name))
	}
	if err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("tool call failed")
		return errResult(fmt.Sprintf("tool %q failed: %v", name, err))
	}
	return result
}

// Registry exposes the underlying permission registry, e.g. for the
// Orchestrator to report the Worker's allow-set or for tests.
func (e *Executor) Registry() *Registry { return e.reg }

// RegisterTool adds a local tool handler after construction, used by the
// Orchestrator to wire compact_worker_context: that handler needs a closure
// over the live Worker Driver, which internal/tools has no reference to.
func (e *Executor) RegisterTool(tool mcp.Tool, handler mcp.ToolHandler) {
	e.proxy.RegisterTool(tool, handler)
}

// ToolsForRole returns the tool descriptors currently callable by role, a
// snapshot suitable for the Provider Client's tools parameter — it reflects
// the Worker's live grant/revoke state, not just the static default.
func (e *Executor) ToolsForRole(ctx context.Context, role string) ([]mcp.Tool, error) {
	all, err := e.proxy.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.Tool, 0, len(all))
	for _, t := range all {
		if e.reg.Allowed(role, t.Name) {
			out = append(out, t)
		}
	}
	return out, nil
}

type timeoutArgs struct {
	TimeoutSeconds *float64 `json:"timeout_seconds"`
	Timeout        *float64 `json:"timeout"` // shell_exec's shorter spelling
}

func extractTimeout(arguments json.RawMessage) time.Duration {
	var a timeoutArgs
	if err := json.Unmarshal(arguments, &a); err == nil {
		if a.TimeoutSeconds != nil && *a.TimeoutSeconds > 0 {
			return time.Duration(*a.TimeoutSeconds * float64(time.Second))
		}
		if a.Timeout != nil && *a.Timeout > 0 {
			return time.Duration(*a.Timeout * float64(time.Second))
		}
	}
	return defaultTimeoutSeconds * time.Second
}
