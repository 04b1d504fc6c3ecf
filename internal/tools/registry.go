// Package tools implements the tool executor: a permission-layered wrapper
// around a local tool dispatch table (internal/mcp.Proxy), enforcing
// per-agent allow-sets, a permanently-forbidden set, and per-call timeouts.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/duoforge/duoagent/internal/mcp"
)

// Tool names.
const (
	ReadFile             = "read_file"
	WriteFile            = "write_file"
	EditFile             = "edit_file"
	GlobFiles            = "glob_files"
	GrepSearch           = "grep_search"
	GitRead              = "git_read"
	GitWrite             = "git_write"
	ShellExec            = "shell_exec"
	GrantTool            = "grant"
	RevokeTool           = "revoke"
	CompactWorkerContext = "compact_worker_context"
)

// PermanentlyForbidden is the set of tool names that can never enter the
// worker's allow-set, regardless of any sequence of grant calls. Mutating
// version-control state stays with the instructor.
var PermanentlyForbidden = map[string]bool{
	GitWrite: true,
}

// instructorDefault is every tool the Instructor may call, including the
// grant/revoke meta-tools, compact_worker_context, and the
// permanently-Worker-forbidden ones.
var instructorDefault = []string{
	ReadFile, WriteFile, EditFile, GlobFiles, GrepSearch, GitRead, GitWrite, ShellExec,
	GrantTool, RevokeTool, CompactWorkerContext,
}

// workerDefault is the Worker's allow-set before any Instructor grant.
var workerDefault = []string{
	ReadFile, WriteFile, EditFile, GlobFiles, GrepSearch, GitRead, ShellExec,
}

// Registry partitions the tool family into instructor-available,
// worker-default-available, and permanently-forbidden-to-worker, and holds
// the runtime-mutable set the instructor extends via grant/revoke.
type Registry struct {
	mu            sync.Mutex
	instructorSet map[string]bool
	workerAllow   map[string]bool // workerDefault ∪ grants, minus revokes
}

func NewRegistry() *Registry {
	r := &Registry{
		instructorSet: make(map[string]bool, len(instructorDefault)),
		workerAllow:   make(map[string]bool, len(workerDefault)),
	}
	for _, n := range instructorDefault {
		r.instructorSet[n] = true
	}
	for _, n := range workerDefault {
		r.workerAllow[n] = true
	}
	return r
}

// Allowed reports whether name is callable by the given role ("instructor"
// or "worker").
func (r *Registry) Allowed(role, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == "instructor" {
		return r.instructorSet[name]
	}
	return r.workerAllow[name]
}

// Grant adds name to the worker's allow-set. Fails closed on the
// permanently-forbidden set.
func (r *Registry) Grant(name string) error {
	if PermanentlyForbidden[name] {
		return fmt.Errorf("%q is permanently forbidden to the worker and cannot be granted", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerAllow[name] = true
	return nil
}

// Revoke removes name from the Worker's allow-set.
func (r *Registry) Revoke(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workerAllow, name)
}

// WorkerAllowSet returns a sorted-free snapshot of the Worker's current
// allow-set, used to report the result of grant/revoke calls.
func (r *Registry) WorkerAllowSet() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.workerAllow))
	for n := range r.workerAllow {
		out = append(out, n)
	}
	return out
}

// grantArgs/revokeArgs are the JSON argument shapes for the grant/revoke
// meta-tools.
type grantArgs struct {
	ToolName string `json:"tool_name"`
	Reason   string `json:"reason"`
}

type revokeArgs struct {
	ToolName string `json:"tool_name"`
}

// registerMetaTools wires grant/revoke as mcp.Proxy local tools. They are
// callable only by the instructor — Executor.Execute enforces that via the
// normal allow-set check, since grant/revoke are absent from workerDefault.
func registerMetaTools(proxy *mcp.Proxy, reg *Registry) {
	proxy.RegisterTool(mcp.Tool{
		Name:        GrantTool,
		Description: "Grant the worker agent permission to use an additional tool.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"tool_name":{"type":"string"},"reason":{"type":"string"}},"required":["tool_name","reason"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args grantArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if err := reg.Grant(args.ToolName); err != nil {
			return errResult(err.Error()), nil
		}
		return okResult(fmt.Sprintf("granted %q. worker allow-set: %v", args.ToolName, reg.WorkerAllowSet())), nil
	})

	proxy.RegisterTool(mcp.Tool{
		Name:        RevokeTool,
		Description: "Revoke a previously granted tool from the worker agent.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"tool_name":{"type":"string"}},"required":["tool_name"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args revokeArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		reg.Revoke(args.ToolName)
		return okResult(fmt.Sprintf("revoked %q. worker allow-set: %v", args.ToolName, reg.WorkerAllowSet())), nil
	})
}

func okResult(text string) *mcp.ToolResult {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

func errResult(text string) *mcp.ToolResult {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}, IsError: true}
}
