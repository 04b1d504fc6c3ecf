// Package agent implements the inner agentic tool-execution loop shared by
// the instructor and worker: stream a response, execute any emitted tool
// calls, feed results back, repeat until the assistant emits no tool calls.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duoforge/duoagent/internal/mcp"
	"github.com/duoforge/duoagent/internal/provider"
	"github.com/duoforge/duoagent/internal/tools"
)

// maxIterations bounds the inner agentic loop.
const maxIterations = 50

// reminderInterval is the number of tool-calling rounds between synthetic
// goal reminders, which keep the model anchored on the original request
// during long tool-loops.
const reminderInterval = 10

// ErrEmptyInput is returned when Run is called with a blank input message,
// distinguished from an API-layer error.
var ErrEmptyInput = errors.New("agent: input message is empty")

// ErrEmptyContent is returned when, after sanitization, an assistant
// response retains zero content blocks (no text, no reasoning, no tool
// calls) even after one retry.
var ErrEmptyContent = errors.New("agent: provider returned no content")

// maxIterationsWarning is appended as a warning note (not returned as an
// error) to the returned text when the inner loop hits its iteration cap.
const maxIterationsWarning = "\n\n[WARNING: reached the maximum tool-call iteration limit for this turn]"

// Role identifies which of the two agents a Driver is — the permission
// gate in tools.Executor and the mock provider's response pool both key
// off this string.
const (
	RoleInstructor = "instructor"
	RoleWorker     = "worker"
)

// TextChunkFunc forwards a streamed text delta to the display sink.
type TextChunkFunc func(text string)

// ThinkingChunkFunc forwards a streamed thinking delta to the display sink.
type ThinkingChunkFunc func(text string)

// Driver runs the inner agentic loop for one agent (instructor or worker).
// A Driver exclusively owns its History; nothing else mutates it.
type Driver struct {
	Role     string
	Executor *tools.Executor
	History  []provider.Message
}

// New constructs a Driver with a fresh history seeded by a single system
// message, matching the convention toAnthropicMessages/toOpenAIMessages
// expect (a leading role="system" message hoisted out of the wire payload).
func New(role string, executor *tools.Executor, systemPrompt string) *Driver {
	return &Driver{
		Role:     role,
		Executor: executor,
		History:  []provider.Message{{Role: "system", Content: systemPrompt}},
	}
}

// Reset replaces the Driver's history with a fresh system message, used by
// the instructor's compact_worker_context tool call to re-prime the worker
// with a new system prompt.
func (d *Driver) Reset(systemPrompt string) {
	d.History = []provider.Message{{Role: "system", Content: systemPrompt}}
}

// RunOptions configures one call to Run.
type RunOptions struct {
	Client     provider.Provider
	Input      string // the input message text; empty is rejected per ErrEmptyInput
	OnText     TextChunkFunc
	OnThinking ThinkingChunkFunc

	// LastTextAt, if set, receives the unix-nanosecond timestamp of every
	// text chunk via atomic.Int64.Store, so the orchestrator's inactivity
	// watchdog goroutine can poll it without racing the streaming goroutine
	// that writes it.
	LastTextAt *atomic.Int64
}

// Run appends Input to the Driver's history and runs the inner agentic loop
// until the assistant emits no tool_use blocks, returning the concatenation
// of the final assistant message's text. The worker driver catches
// context-too-long and returns a synthetic "[ERROR: ...]"-prefixed string
// instead of propagating it — the worker never self-compacts, the
// instructor decides. Every other provider error propagates as a typed
// error for the orchestrator to branch on.
func (d *Driver) Run(ctx context.Context, opts RunOptions) (string, error) {
	if strings.TrimSpace(opts.Input) == "" {
		return "", ErrEmptyInput
	}
	d.History = append(d.History, provider.Message{Role: "user", Content: opts.Input, CreatedAt: now()})

	var recent []string
	for iter := 0; iter < maxIterations; iter++ {
		injectRecitation(d.History, iter)

		providerTools, err := d.Executor.ToolsForRole(ctx, d.Role)
		if err != nil {
			return "", fmt.Errorf("list tools for %s: %w", d.Role, err)
		}

		resp, err := d.streamAndCollect(ctx, opts, toProviderTools(providerTools))
		if err != nil {
			if d.Role == RoleWorker {
				if kind, ok := provider.KindOf(err); ok && kind == provider.KindContextTooLong {
					log.Warn().Int("messages", len(d.History)).Msg("worker context too long; surfacing error text for the instructor")
					return "[ERROR: Worker context is too long. Ask the instructor to call compact_worker_context before continuing.]", nil
				}
			}
			return "", err
		}

		msg, ok := sanitizeAssistant(resp)
		if !ok {
			return "", ErrEmptyContent
		}
		d.History = append(d.History, msg)

		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		toolResults := d.executeToolCalls(ctx, msg.ToolCalls)
		d.History = append(d.History, toolResults...)

		recent = appendRepeatTracker(recent, msg.ToolCalls)
		if isRepeating(recent) && len(toolResults) > 0 {
			log.Warn().Str("role", d.Role).Str("tool", msg.ToolCalls[0].Name).Msg("repeated identical tool call detected")
			last := &d.History[len(d.History)-1]
			last.Content += "\n\n<system-reminder>WARNING: you are repeating the same tool call with the same arguments. Stop and try a different approach or report back.</system-reminder>"
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Iteration cap reached: force a final text-only call summarizing progress.
	log.Warn().Str("role", d.Role).Int("iterations", maxIterations).Msg("tool-call iteration limit reached")
	d.History = append(d.History, provider.Message{
		Role:      "user",
		Content:   "You have exhausted the tool-call limit for this turn. Respond in text only, summarizing progress and remaining work.",
		CreatedAt: now(),
	})
	resp, err := d.streamAndCollect(ctx, opts, nil)
	if err != nil {
		return "", err
	}
	msg, ok := sanitizeAssistant(resp)
	if !ok {
		return maxIterationsWarning, nil
	}
	d.History = append(d.History, msg)
	return msg.Content + maxIterationsWarning, nil
}

// now returns the wall-clock time stamped on the user and tool-result
// messages Run appends; sanitizeAssistant stamps assistant messages itself.
func now() time.Time { return time.Now() }

func toProviderTools(mt []mcp.Tool) []provider.Tool {
	out := make([]provider.Tool, len(mt))
	for i, t := range mt {
		out[i] = provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
	}
	return out
}

func appendRepeatTracker(recent []string, calls []provider.ToolCall) []string {
	for _, tc := range calls {
		recent = append(recent, tc.Name+":"+string(tc.Arguments))
	}
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	return recent
}

func isRepeating(recent []string) bool {
	if len(recent) < 3 {
		return false
	}
	return recent[0] == recent[1] && recent[1] == recent[2]
}

// executeToolCalls runs each tool call in the order the model emitted them,
// returning one tool-result message per call in matching order. Errors from
// the executor never propagate — they return as is_error tool_results the
// agent can reason about.
func (d *Driver) executeToolCalls(ctx context.Context, calls []provider.ToolCall) []provider.Message {
	out := make([]provider.Message, 0, len(calls))
	for _, tc := range calls {
		result := d.Executor.Execute(ctx, d.Role, tc.Name, tc.Arguments)
		out = append(out, provider.Message{
			Role:       "tool",
			Content:    extractText(result),
			ToolCallID: tc.ID,
			CreatedAt:  now(),
		})
	}
	return out
}

func extractText(result *mcp.ToolResult) string {
	var b strings.Builder
	for _, c := range result.Content {
		b.WriteString(c.Text)
	}
	return b.String()
}

// injectRecitation re-anchors the model on the user's original request
// every reminderInterval rounds, appended to the most recent tool-result
// message so it does not shift message positions (preserving any
// prompt-cache prefix).
func injectRecitation(history []provider.Message, iter int) {
	if iter == 0 || iter%reminderInterval != 0 {
		return
	}
	var reminder string
	for _, m := range history {
		if m.Role == "user" {
			reminder = "The original request: " + m.Content
			break
		}
	}
	if reminder == "" {
		return
	}
	const tag = "\n\n<system-reminder>\n"
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "tool" {
			if idx := strings.Index(history[i].Content, tag); idx >= 0 {
				history[i].Content = history[i].Content[:idx]
			}
			history[i].Content += tag + reminder + "\n</system-reminder>"
			return
		}
	}
}

// EstimateTokens approximates token count as ceil(chars/4) over a message's
// text/thinking/tool-call/tool-result content.
func EstimateTokens(m provider.Message) int {
	chars := len(m.Content) + len(m.Reasoning)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	return (chars + 3) / 4
}

// EstimateHistoryTokens sums EstimateTokens over an entire history.
func EstimateHistoryTokens(history []provider.Message) int {
	total := 0
	for _, m := range history {
		total += EstimateTokens(m)
	}
	return total
}
