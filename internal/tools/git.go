package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/duoforge/duoagent/internal/mcp"
)

// gitReadWhitelist lists the git subcommand heads git_read will run. The
// first whitespace-delimited token of the command must match exactly (or be
// a whitelisted two-token prefix like "config --get").
var gitReadWhitelist = []string{
	"status", "log", "diff", "show", "branch", "remote", "ls-files",
	"ls-tree", "describe", "rev-parse", "rev-list", "blame", "shortlog",
	"reflog", "tag", "config --get", "config --list", "config-get", "config-list",
}

type gitReadArgs struct {
	Command string `json:"command"`
}

type gitWriteArgs struct {
	Command string `json:"command"`
}

func isGitReadAllowed(command string) bool {
	head := strings.TrimSpace(command)
	for _, prefix := range gitReadWhitelist {
		if head == prefix || strings.HasPrefix(head, prefix+" ") {
			return true
		}
	}
	return false
}

// runGit executes `git <args...>` rooted at workDir, treating git diff's
// exit code 1 (differences found) as success.
func runGit(ctx context.Context, workDir, command string) (string, error) {
	fields := strings.Fields(command)
	cmd := exec.CommandContext(ctx, "git", fields...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// A killed process on an expired context propagates the context
		// error so the executor reports the timeout duration.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 && stderr.Len() == 0 {
			return stdout.String(), nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s", msg)
	}
	return stdout.String(), nil
}

// registerGitTools wires git_read (whitelist-enforced) and git_write (open,
// placed in the permanently-forbidden set for the worker).
func registerGitTools(proxy *mcp.Proxy, workDir string) {
	proxy.RegisterTool(mcp.Tool{
		Name:        GitRead,
		Description: "Run a read-only git command (status, log, diff, show, branch, remote, ls-files, ls-tree, describe, rev-parse, rev-list, blame, shortlog, reflog, tag, config --get/--list). Use git_write to mutate repository state.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args gitReadArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Command == "" {
			return errResult("command is required"), nil
		}
		if !isGitReadAllowed(args.Command) {
			return errResult(fmt.Sprintf("%q is not in the read-only whitelist; use git_write to mutate repository state", args.Command)), nil
		}
		out, err := runGit(ctx, workDir, args.Command)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return errResult(fmt.Sprintf("git error: %v", err)), nil
		}
		return okResult(out), nil
	})

	proxy.RegisterTool(mcp.Tool{
		Name:        GitWrite,
		Description: "Run any git command, including ones that mutate repository state (add, commit, checkout, merge, push, reset, ...). Permanently forbidden to the worker agent.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args gitWriteArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Command == "" {
			return errResult("command is required"), nil
		}
		out, err := runGit(ctx, workDir, args.Command)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return errResult(fmt.Sprintf("git error: %v", err)), nil
		}
		return okResult(out), nil
	})
}
