package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duoforge/duoagent/internal/mcp"
)

// resolvePath clamps a tool-supplied path to workDir: the path is joined onto
// workDir (so an absolute path is read as relative to it), and any result
// that escapes workDir via ".." is rejected.
func resolvePath(workDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	joined := filepath.Join(workDir, rel)
	clean := filepath.Clean(joined)
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", err
	}
	absClean, err := filepath.Abs(clean)
	if err != nil {
		return "", err
	}
	if absClean != absWorkDir && !strings.HasPrefix(absClean, absWorkDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", rel)
	}
	return absClean, nil
}

type readFileArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"` // 1-based starting line; 0 reads from the top
	Limit  int    `json:"limit"`  // max lines to return; 0 means no limit
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type editFileArgs struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all"`
}

func registerFileTools(proxy *mcp.Proxy, workDir string) error {
	proxy.RegisterTool(mcp.Tool{
		Name:        ReadFile,
		Description: "Read a file's contents, prefixed with 1-based line numbers. Optional offset/limit select a line range.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"offset":{"type":"integer"},"limit":{"type":"integer"}},"required":["path"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args readFileArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		path, err := resolvePath(workDir, args.Path)
		if err != nil {
			return errResult(err.Error()), nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errResult(fmt.Sprintf("read %q: %v", args.Path, err)), nil
		}
		out, err := numberLines(string(data), args.Offset, args.Limit)
		if err != nil {
			return errResult(err.Error()), nil
		}
		return okResult(out), nil
	})

	proxy.RegisterTool(mcp.Tool{
		Name:        WriteFile,
		Description: "Write content to a file, creating it (and parent directories) or overwriting it.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args writeFileArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		path, err := resolvePath(workDir, args.Path)
		if err != nil {
			return errResult(err.Error()), nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errResult(fmt.Sprintf("create parent dirs for %q: %v", args.Path, err)), nil
		}
		if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
			return errResult(fmt.Sprintf("write %q: %v", args.Path, err)), nil
		}
		return okResult(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)), nil
	})

	proxy.RegisterTool(mcp.Tool{
		Name:        EditFile,
		Description: "Replace a literal occurrence of old_string with new_string in a file. old_string must be unique unless replace_all is set.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"},"replace_all":{"type":"boolean"}},"required":["path","old_string","new_string"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args editFileArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		path, err := resolvePath(workDir, args.Path)
		if err != nil {
			return errResult(err.Error()), nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errResult(fmt.Sprintf("read %q: %v", args.Path, err)), nil
		}
		content := string(data)
		count := strings.Count(content, args.OldString)
		switch {
		case args.OldString == "":
			return errResult("old_string must not be empty"), nil
		case count == 0:
			return errResult(fmt.Sprintf("old_string not found in %q", args.Path)), nil
		case count > 1 && !args.ReplaceAll:
			return errResult(fmt.Sprintf("old_string matches %d times in %q; must be unique, or pass replace_all", count, args.Path)), nil
		}
		n := 1
		if args.ReplaceAll {
			n = -1
		}
		updated := strings.Replace(content, args.OldString, args.NewString, n)
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			return errResult(fmt.Sprintf("write %q: %v", args.Path, err)), nil
		}
		if args.ReplaceAll && count > 1 {
			return okResult(fmt.Sprintf("edited %s (%d replacements)", args.Path, count)), nil
		}
		return okResult(fmt.Sprintf("edited %s", args.Path)), nil
	})

	return nil
}

// numberLines renders content with 1-based line-number prefixes. A non-zero
// offset starts at that line; a non-zero limit caps the number of lines.
func numberLines(content string, offset, limit int) (string, error) {
	lines := strings.Split(content, "\n")
	start := 0
	if offset > 0 {
		if offset > len(lines) {
			return "", fmt.Errorf("offset %d is past the end of the file (%d lines)", offset, len(lines))
		}
		start = offset - 1
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return b.String(), nil
}
