package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/duoforge/duoagent/internal/agent"
	"github.com/duoforge/duoagent/internal/mcp"
	"github.com/duoforge/duoagent/internal/provider"
	"github.com/duoforge/duoagent/internal/tools"
)

// compactWorkerContextArgs is the JSON argument shape for the
// compact_worker_context meta-tool.
type compactWorkerContextArgs struct {
	Reason          string `json:"reason"`
	NewSystemPrompt string `json:"new_system_prompt"`
}

// registerCompactWorkerContext wires compact_worker_context as an
// instructor-only local tool closing over the live worker driver, since
// internal/tools has no reference to internal/agent (the handler needs to
// call Driver.Reset). Turns never overlap, so no locking is needed between
// this handler and the worker's own turn.
func registerCompactWorkerContext(executor *tools.Executor, worker *agent.Driver) {
	executor.RegisterTool(mcp.Tool{
		Name: tools.CompactWorkerContext,
		Description: "Reset the worker agent's conversation history, optionally installing a " +
			"new system prompt for a fresh-context call. Use this when the worker reports its " +
			"context is too long, or when starting an unrelated subtask.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"},"new_system_prompt":{"type":"string"}}}`),
	}, func(ctx context.Context, raw json.RawMessage) (*mcp.ToolResult, error) {
		var args compactWorkerContextArgs
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}
		prompt := strings.TrimSpace(args.NewSystemPrompt)
		if prompt == "" {
			prompt = workerSystemPrompt
		}
		worker.Reset(prompt)
		return okResult(fmt.Sprintf("worker context reset (reason: %q). worker history now contains only its system prompt.", args.Reason)), nil
	})
}

func okResult(text string) *mcp.ToolResult {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

func errResult(text string) *mcp.ToolResult {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

// maybeCompactInstructor replaces the instructor history with a single
// summary user-role message once its estimated token count crosses
// compactionTokenThreshold. The summary is a deterministic textual digest
// rather than a recursive LLM call: summarizing via another provider call
// while already handling a context-too-long error risks the same failure
// recurring.
func (o *Orchestrator) maybeCompactInstructor() error {
	if o.instructor == nil {
		return nil
	}
	if agent.EstimateHistoryTokens(o.instructor.History) < compactionTokenThreshold {
		return nil
	}
	return o.compactInstructorHistory()
}

func (o *Orchestrator) compactInstructorHistory() error {
	system := ""
	if len(o.instructor.History) > 0 && o.instructor.History[0].Role == "system" {
		system = o.instructor.History[0].Content
	}

	digest := summarizeHistory(o.instructor.History)
	o.instructor.History = []provider.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: digest},
	}
	o.instructorPersistedAt = 0
	o.display.Status("compacted instructor context (history exceeded the token budget)")
	return o.persistInstructorHistory()
}

// summarizeHistory renders a bounded textual digest of an instructor
// history: the tail of recent turns, so a compacted session keeps enough
// thread to continue coherently without re-sending the full transcript.
func summarizeHistory(history []provider.Message) string {
	var b strings.Builder
	b.WriteString("The prior conversation history was compacted because it grew too large. ")
	b.WriteString("Summary of progress so far:\n")
	const maxEntries = 20
	start := 0
	if len(history) > maxEntries {
		start = len(history) - maxEntries
	}
	for _, m := range history[start:] {
		if m.Role == "system" {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if len(content) > 400 {
			content = content[:400] + "…"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", m.Role, content)
	}
	b.WriteString("\nContinue the task from here.")
	return b.String()
}
