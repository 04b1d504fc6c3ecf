package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/duoforge/duoagent/internal/mcp"
	"github.com/duoforge/duoagent/internal/shell"
)

type shellExecArgs struct {
	Command string `json:"command"`
}

// registerShellTool wires shell_exec over the in-process POSIX shell
// (internal/shell.Shell) with the default command/substring blockers. The
// per-call timeout is enforced by Executor.Execute before this handler ever
// runs — shell_exec does not need a second timeout mechanism.
func registerShellTool(proxy *mcp.Proxy, workDir string) {
	sh := shell.New(workDir, shell.DefaultBlockFuncs())

	proxy.RegisterTool(mcp.Tool{
		Name:        ShellExec,
		Description: "Execute a shell command in an in-process POSIX interpreter rooted at the working directory. Commands matching a destructive-action blocklist are rejected.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"timeout":{"type":"number"}},"required":["command"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args shellExecArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Command == "" {
			return errResult("command is required"), nil
		}

		stdout, stderr, err := sh.Exec(ctx, args.Command)
		out := stdout
		if stderr != "" {
			if out != "" {
				out += "\n"
			}
			out += stderr
		}
		if err != nil {
			// Propagate context expiry so the executor reports the
			// timeout duration and command in the tool_result.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if out != "" {
				out += "\n"
			}
			out += fmt.Sprintf("exit status: %v", err)
			return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: out}}, IsError: true}, nil
		}
		if out == "" {
			out = "(no output)"
		}
		return okResult(out), nil
	})
}
