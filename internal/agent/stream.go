package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/duoforge/duoagent/internal/provider"
)

// maxEmptyRetries bounds retrying a stream that produced no content at all.
const maxEmptyRetries = 1

// streamAndCollect runs one provider call, forwarding deltas to the
// RunOptions callbacks and updating LastTextAt on every text chunk so the
// orchestrator's inactivity watchdog can observe liveness.
func (d *Driver) streamAndCollect(ctx context.Context, opts RunOptions, tools []provider.Tool) (*provider.ChatResponse, error) {
	for attempt := 0; attempt <= maxEmptyRetries; attempt++ {
		ch, err := opts.Client.ChatStream(ctx, d.History, tools)
		if err != nil {
			return nil, err
		}
		resp, err := collectStream(ctx, ch, opts)
		if err != nil {
			return nil, err
		}
		if !isEmptyResponse(resp) {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("%w: provider %s produced no content after retry", ErrEmptyContent, opts.Client.Name())
}

func isEmptyResponse(resp *provider.ChatResponse) bool {
	return resp == nil || (resp.Content == "" && resp.Reasoning == "" && len(resp.ToolCalls) == 0)
}

// toolCallAccumulator reassembles streamed tool-call argument fragments
// into complete provider.ToolCall values. The scratch argBuilders slice is
// never persisted into history.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []provider.ToolCall
	argBuilders []string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, provider.ToolCall{ID: evt.ToolCallID, Name: evt.ToolCallName})
	a.argBuilders = append(a.argBuilders, "")
}

func (a *toolCallAccumulator) delta(evt provider.StreamEvent) {
	if pos, ok := a.byIndex[evt.ToolCallIndex]; ok {
		a.argBuilders[pos] += evt.ToolCallArgs
	}
}

func (a *toolCallAccumulator) finalize() []provider.ToolCall {
	for i := range a.calls {
		if i < len(a.argBuilders) {
			a.calls[i].Arguments = []byte(a.argBuilders[i])
		}
	}
	return a.calls
}

// collectStream drains ch, forwarding text/thinking deltas to the display
// callbacks and assembling a ChatResponse. Tool-use deltas are not
// forwarded; their assembly is internal.
func collectStream(ctx context.Context, ch <-chan provider.StreamEvent, opts RunOptions) (*provider.ChatResponse, error) {
	var result provider.ChatResponse
	tca := newToolCallAccumulator()

	for evt := range ch {
		switch evt.Type {
		case provider.EventContentDelta:
			result.Content += evt.Content
			if opts.OnText != nil {
				opts.OnText(evt.Content)
			}
			if opts.LastTextAt != nil {
				opts.LastTextAt.Store(time.Now().UnixNano())
			}
		case provider.EventReasoningDelta:
			result.Reasoning += evt.Content
			if opts.OnThinking != nil {
				opts.OnThinking(evt.Content)
			}
		case provider.EventToolCallBegin:
			tca.begin(evt)
		case provider.EventToolCallDelta:
			tca.delta(evt)
		case provider.EventUsage:
			if evt.InputTokens > result.InputTokens {
				result.InputTokens = evt.InputTokens
			}
			if evt.OutputTokens > result.OutputTokens {
				result.OutputTokens = evt.OutputTokens
			}
		case provider.EventError:
			return nil, evt.Err
		case provider.EventDone:
			// finalize below
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if calls := tca.finalize(); len(calls) > 0 {
		result.ToolCalls = calls
	}
	return &result, nil
}
