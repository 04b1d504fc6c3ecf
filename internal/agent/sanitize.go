package agent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/duoforge/duoagent/internal/provider"
)

// sanitizeAssistant builds the assistant Message to insert into history from
// a raw ChatResponse:
//
//   - text content is stripped if whitespace-only;
//   - every tool_use gets a well-formed JSON object input, defaulting to {}
//     on missing/invalid arguments (the streaming accumulator's scratch
//     state itself is never persisted — see toolCallAccumulator.finalize);
//   - the message is rejected (ok=false) if zero content blocks remain,
//     i.e. no non-whitespace text, no reasoning, and no tool calls.
//
// sanitizeAssistant is idempotent: sanitizing an already-sanitized message
// is a no-op, since trimming and {}-defaulting are themselves idempotent.
func sanitizeAssistant(resp *provider.ChatResponse) (provider.Message, bool) {
	content := strings.TrimSpace(resp.Content)
	reasoning := strings.TrimSpace(resp.Reasoning)

	calls := make([]provider.ToolCall, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		calls[i] = tc
		calls[i].Arguments = normalizeArguments(tc.Arguments)
	}

	if content == "" && reasoning == "" && len(calls) == 0 {
		return provider.Message{}, false
	}

	msg := provider.Message{
		Role:         "assistant",
		Content:      content,
		Reasoning:    reasoning,
		ToolCalls:    calls,
		CreatedAt:    time.Now(),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if msg.OutputTokens == 0 {
		// Not every backend reports usage; fall back to the estimate so
		// compaction accounting still sees this message.
		msg.OutputTokens = EstimateTokens(msg)
	}
	return msg, true
}

// normalizeArguments guarantees a tool_use's input is always a well-formed
// JSON object, defaulting to {} when the streamed accumulator failed to
// parse (or never received) any bytes. The executor then reports a schema
// error the model can recover from.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	var v map[string]json.RawMessage
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}
