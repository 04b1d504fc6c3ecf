package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/duoforge/duoagent/internal/provider"
	"github.com/duoforge/duoagent/internal/tools"
)

// scriptedProvider replays a fixed queue of StreamEvent batches, one batch
// per ChatStream call, letting tests drive the Driver's inner loop
// deterministically without a network dependency.
type scriptedProvider struct {
	batches [][]provider.StreamEvent
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	if p.calls >= len(p.batches) {
		return nil, errors.New("scriptedProvider: no more batches scripted")
	}
	batch := p.batches[p.calls]
	p.calls++
	ch := make(chan provider.StreamEvent, len(batch))
	for _, e := range batch {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *scriptedProvider) Close() error                                            { return nil }

func textBatch(text string) []provider.StreamEvent {
	return []provider.StreamEvent{
		{Type: provider.EventContentDelta, Content: text},
		{Type: provider.EventDone},
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	ex, err := tools.NewExecutor(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := New(RoleWorker, ex, "you are a worker")
	_, err = d.Run(context.Background(), RunOptions{Client: &scriptedProvider{}, Input: "   "})
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
}

func TestRunNoToolCallsReturnsText(t *testing.T) {
	ex, err := tools.NewExecutor(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := New(RoleWorker, ex, "you are a worker")
	p := &scriptedProvider{batches: [][]provider.StreamEvent{textBatch("all done")}}
	out, err := d.Run(context.Background(), RunOptions{Client: p, Input: "do the thing"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "all done" {
		t.Fatalf("out = %q, want %q", out, "all done")
	}
	// History should hold: system, user, assistant.
	if len(d.History) != 3 {
		t.Fatalf("History length = %d, want 3", len(d.History))
	}
}

func TestRunExecutesToolCallThenReturnsText(t *testing.T) {
	dir := t.TempDir()
	ex, err := tools.NewExecutor(dir)
	if err != nil {
		t.Fatal(err)
	}
	d := New(RoleWorker, ex, "you are a worker")

	toolCallBatch := []provider.StreamEvent{
		{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "call1", ToolCallName: tools.WriteFile},
		{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"path":"hello.txt",`},
		{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `"content":"hi"}`},
		{Type: provider.EventDone},
	}
	p := &scriptedProvider{batches: [][]provider.StreamEvent{toolCallBatch, textBatch("Created hello.txt.")}}

	out, err := d.Run(context.Background(), RunOptions{Client: p, Input: "create hello.txt"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "Created hello.txt." {
		t.Fatalf("out = %q", out)
	}

	// History: system, user, assistant(tool_use), tool result, assistant(final).
	if len(d.History) != 5 {
		t.Fatalf("History length = %d, want 5", len(d.History))
	}
	toolMsg := d.History[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call1" {
		t.Fatalf("tool result message malformed: %+v", toolMsg)
	}

	data, readErr := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if readErr != nil {
		t.Fatalf("expected hello.txt to be written: %v", readErr)
	}
	if string(data) != "hi" {
		t.Fatalf("hello.txt content = %q, want %q", data, "hi")
	}
}

func TestPermissionDeniedToolSurfacesAsErrorResult(t *testing.T) {
	ex, err := tools.NewExecutor(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := New(RoleWorker, ex, "you are a worker")

	toolCallBatch := []provider.StreamEvent{
		{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "call1", ToolCallName: tools.GitWrite},
		{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"command":"commit -am x"}`},
		{Type: provider.EventDone},
	}
	p := &scriptedProvider{batches: [][]provider.StreamEvent{toolCallBatch, textBatch("noted")}}

	_, err = d.Run(context.Background(), RunOptions{Client: p, Input: "commit it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	toolMsg := d.History[3]
	if toolMsg.Role != "tool" {
		t.Fatalf("expected tool result message, got %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "permission denied") {
		t.Fatalf("tool result = %q, want a permission-denied error", toolMsg.Content)
	}
}
