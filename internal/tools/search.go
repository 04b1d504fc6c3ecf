package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/duoforge/duoagent/internal/mcp"
)

type globArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

type grepArgs struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path"`
	Glob       string `json:"glob"`
	OutputMode string `json:"output_mode"` // "content" (default), "files_with_matches", "count"
}

const maxWalkFileSize = 10 * 1024 * 1024

// registerSearchTools wires glob_files (path-pattern matching) and
// grep_search (content regex over a directory walk).
func registerSearchTools(proxy *mcp.Proxy, workDir string) {
	proxy.RegisterTool(mcp.Tool{
		Name:        GlobFiles,
		Description: "Find files matching a glob pattern (e.g. \"**/*.go\"), relative to an optional subdirectory.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string"}},"required":["pattern"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args globArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Pattern == "" {
			return errResult("pattern is required"), nil
		}
		root := workDir
		if args.Path != "" {
			resolved, err := resolvePath(workDir, args.Path)
			if err != nil {
				return errResult(err.Error()), nil
			}
			root = resolved
		}

		matches, err := globWalk(ctx, root, args.Pattern)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return errResult(fmt.Sprintf("glob failed: %v", err)), nil
		}
		if len(matches) == 0 {
			return okResult("no matches"), nil
		}
		sort.Strings(matches)
		return okResult(strings.Join(matches, "\n")), nil
	})

	proxy.RegisterTool(mcp.Tool{
		Name:        GrepSearch,
		Description: "Search file contents for a regex pattern under the working directory (or a subpath), optionally filtered by a glob.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string"},"glob":{"type":"string"},"output_mode":{"type":"string","enum":["content","files_with_matches","count"]}},"required":["pattern"]}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args grepArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Pattern == "" {
			return errResult("pattern is required"), nil
		}
		root := workDir
		if args.Path != "" {
			resolved, err := resolvePath(workDir, args.Path)
			if err != nil {
				return errResult(err.Error()), nil
			}
			root = resolved
		}
		mode := args.OutputMode
		if mode == "" {
			mode = "content"
		}

		re, err := regexp.Compile(args.Pattern)
		if err != nil {
			return errResult(fmt.Sprintf("invalid pattern: %v", err)), nil
		}

		out, err := grepWalk(ctx, root, re, args.Glob, mode)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return errResult(fmt.Sprintf("grep failed: %v", err)), nil
		}
		if out == "" {
			return okResult("no matches"), nil
		}
		return okResult(out), nil
	})
}

// globWalk walks root (skipping .git directories) and returns the
// slash-separated paths, relative to root, of files matching pattern. A file
// matches when filepath.Match accepts its whole relative path ("*" does not
// cross "/") or its base name alone; for a pattern with a leading "**/", the
// base name may also match the rest of the pattern. No other form of "**"
// spans several directories.
func globWalk(ctx context.Context, root, pattern string) ([]string, error) {
	var results []string
	anyDepth := strings.HasPrefix(pattern, "**/")
	suffix := strings.TrimPrefix(pattern, "**/")

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		matched, _ := filepath.Match(pattern, rel)
		if !matched && anyDepth {
			matched, _ = filepath.Match(suffix, filepath.Base(rel))
		}
		if !matched {
			matched, _ = filepath.Match(pattern, filepath.Base(rel))
		}
		if matched {
			results = append(results, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// grepWalk walks root, applying re line by line to file contents and
// honoring glob as an optional filename filter; mode only selects how the
// matches are reported (lines, paths of matching files, or per-file counts).
func grepWalk(ctx context.Context, root string, re *regexp.Regexp, glob, mode string) (string, error) {
	type fileHit struct {
		path  string
		lines []string
		count int
	}
	var hits []fileHit

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if glob != "" {
			if matched, _ := filepath.Match(glob, filepath.Base(rel)); !matched {
				if matched2, _ := filepath.Match(glob, rel); !matched2 {
					return nil
				}
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxWalkFileSize {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		var matchedLines []string
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if strings.Contains(line, "\x00") {
				return nil // binary file, skip
			}
			if re.MatchString(line) {
				matchedLines = append(matchedLines, fmt.Sprintf("%s:%d:%s", rel, lineNum, line))
			}
		}
		if len(matchedLines) > 0 {
			hits = append(hits, fileHit{path: rel, lines: matchedLines, count: len(matchedLines)})
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	switch mode {
	case "files_with_matches":
		paths := make([]string, 0, len(hits))
		for _, h := range hits {
			paths = append(paths, h.path)
		}
		sort.Strings(paths)
		return strings.Join(paths, "\n"), nil
	case "count":
		var b strings.Builder
		sort.Slice(hits, func(i, j int) bool { return hits[i].path < hits[j].path })
		for _, h := range hits {
			fmt.Fprintf(&b, "%s:%d\n", h.path, h.count)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	default: // "content"
		var all []string
		for _, h := range hits {
			all = append(all, h.lines...)
		}
		return strings.Join(all, "\n"), nil
	}
}
