package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duoforge/duoagent/internal/directive"
	"github.com/duoforge/duoagent/internal/display"
	"github.com/duoforge/duoagent/internal/provider"
	"github.com/duoforge/duoagent/internal/session"
)

// scriptedProvider replays a fixed queue of canned text responses, one per
// ChatStream call, the same deterministic-harness idiom as
// internal/agent/driver_test.go's scriptedProvider.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	if p.calls >= len(p.responses) {
		p.mu.Unlock()
		return nil, errors.New("scriptedProvider: no more responses scripted")
	}
	text := p.responses[p.calls]
	p.calls++
	p.mu.Unlock()

	ch := make(chan provider.StreamEvent, 2)
	ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: text}
	ch <- provider.StreamEvent{Type: provider.EventDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *scriptedProvider) Close() error                                            { return nil }

// hangingProvider never sends a StreamEvent on its own; it only unblocks
// when ctx is cancelled, simulating a stalled streaming call for testing
// the inactivity watchdog.
type hangingProvider struct{}

func (hangingProvider) Name() string { return "hanging" }

func (hangingProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent)
	go func() {
		defer close(ch)
		<-ctx.Done()
		ch <- provider.StreamEvent{Type: provider.EventError, Err: ctx.Err()}
	}()
	return ch, nil
}

func (hangingProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (hangingProvider) Close() error                                            { return nil }

// captureSink records every Status/Text call, e.g. for asserting on
// synthesized timeout output or correction-retry exhaustion messages.
type captureSink struct {
	mu       sync.Mutex
	statuses []string
	text     map[string]string
}

func newCaptureSink() *captureSink { return &captureSink{text: make(map[string]string)} }

func (s *captureSink) Text(role, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text[role] += chunk
}
func (s *captureSink) Thinking(role, chunk string) {}
func (s *captureSink) Status(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, msg)
}
func (s *captureSink) ToolCall(role, name, argsSummary, resultSummary string) {}

func (s *captureSink) hasStatusContaining(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.statuses {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// newTestOrchestrator builds a debug-mode Orchestrator (so New needs no
// provider registry/credentials) and rewires its instructor/worker clients
// to scripted providers the test controls.
func newTestOrchestrator(t *testing.T, sink display.Sink, instructorResponses []string) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		WorkDir:         t.TempDir(),
		Display:         sink,
		Debug:           true,
		WorkerModel:     "test-model",
		InstructorModel: "test-model",
		MaxRounds:       -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.instructorClient = &scriptedProvider{responses: instructorResponses}
	// debug=false plus a pre-populated cache entry makes workerClientFor
	// return our scripted provider instead of the random mock, without
	// needing a real provider registry.
	o.debug = false
	return o
}

func (o *Orchestrator) primeWorker(model string, p provider.Provider) {
	tag := provider.DetectProvider(model)
	resolved := provider.ResolveModel(model)
	o.workerCacheMu.Lock()
	defer o.workerCacheMu.Unlock()
	o.workerCache[string(tag)+":"+resolved] = p
}

func TestHappyPathTellWorkerThenDone(t *testing.T) {
	sink := newCaptureSink()
	o := newTestOrchestrator(t, sink, []string{
		"Tell worker: please implement the feature",
		"DONE",
	})
	o.primeWorker("test-model", &scriptedProvider{responses: []string{"Implemented it."}})

	if err := o.HandleLine(context.Background(), "add a feature"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}

	// A single instructor -> worker -> review sequence counts at least
	// three rounds.
	if o.CurrentRound() < 3 {
		t.Errorf("CurrentRound() = %d, want >= 3", o.CurrentRound())
	}
	if !strings.Contains(sink.text["worker"], "Implemented it.") {
		t.Errorf("worker text = %q, want it to contain the worker's reply", sink.text["worker"])
	}
}

func TestCorrectionRetryExhaustionReturnsToUser(t *testing.T) {
	sink := newCaptureSink()
	o := newTestOrchestrator(t, sink, []string{
		"I am thinking about this.",
		"Still thinking.",
		"More thinking.",
		"Even more thinking.",
	})

	if err := o.HandleLine(context.Background(), "do something"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	if !sink.hasStatusContaining("returning to user") {
		t.Errorf("statuses = %v, want a message about exhausting correction attempts", sink.statuses)
	}
}

func TestWorkerInactivityTimeoutSynthesizesOutput(t *testing.T) {
	sink := newCaptureSink()
	o := newTestOrchestrator(t, sink, []string{
		"Tell worker: start the long task",
		"DONE",
	})
	o.watchdogTimeout = 20 * time.Millisecond
	o.primeWorker("test-model", hangingProvider{})

	if err := o.HandleLine(context.Background(), "do the long task"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	if !sink.hasStatusContaining("timed out") {
		t.Errorf("statuses = %v, want a watchdog timeout status", sink.statuses)
	}
	want := "Worker says: [No response received - TIMEOUT after 60s]"
	found := false
	for _, m := range o.instructor.History {
		if m.Role == "user" && m.Content == want {
			found = true
		}
	}
	if !found {
		t.Errorf("instructor history has no review input %q", want)
	}
}

func TestWorkerInactivityTimeoutIncludesStreamedPrefix(t *testing.T) {
	sink := newCaptureSink()
	o := newTestOrchestrator(t, sink, []string{
		"Tell worker: start the long task",
		"DONE",
	})
	o.watchdogTimeout = 20 * time.Millisecond

	// streamsThenHangs streams one chunk, then behaves like hangingProvider.
	o.primeWorker("test-model", streamsThenHangsProvider{prefix: "Starting..."})

	d := directiveTellWorker("start the long task")
	out, cont, err := o.workerTurn(context.Background(), d)
	if err != nil {
		t.Fatalf("workerTurn: %v", err)
	}
	if !cont {
		t.Fatalf("workerTurn: expected shouldContinue=true after a watchdog timeout")
	}
	want := "Starting... [TIMEOUT after 60s]"
	if out != want {
		t.Errorf("out = %q, want %q", out, want)
	}
}

func TestFinalWorkerTurnIsStillReviewedWhenBudgetDrains(t *testing.T) {
	sink := newCaptureSink()
	inst := &scriptedProvider{responses: []string{
		"Tell worker: do the first step",
		"Tell worker: do the next step", // review wants more, but the budget is spent
	}}
	o := newTestOrchestrator(t, sink, nil)
	o.instructorClient = inst
	o.remainingRounds = 1
	o.primeWorker("test-model", &scriptedProvider{responses: []string{"Did the first step."}})

	if err := o.HandleLine(context.Background(), "do a two step task"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	// The worker turn that spent the last round must still be reviewed by
	// the instructor; only the follow-up worker turn is suppressed.
	if inst.calls != 2 {
		t.Errorf("instructor calls = %d, want 2 (final worker turn must be reviewed)", inst.calls)
	}
	if !sink.hasStatusContaining("round budget reached zero") {
		t.Errorf("statuses = %v, want a budget-exhausted report", sink.statuses)
	}
	if o.RemainingRounds() != 0 {
		t.Errorf("RemainingRounds() = %d, want 0", o.RemainingRounds())
	}
}

func TestWorkerTurnStopsWhenRoundBudgetExhausted(t *testing.T) {
	sink := newCaptureSink()
	o := newTestOrchestrator(t, sink, nil)
	o.remainingRounds = 0

	_, cont, err := o.workerTurn(context.Background(), directiveTellWorker("do it"))
	if err != nil {
		t.Fatalf("workerTurn: %v", err)
	}
	if cont {
		t.Error("workerTurn: expected shouldContinue=false when round budget is exhausted")
	}
}

func TestResumeReplaysHistoryAndMetadata(t *testing.T) {
	dir := t.TempDir()
	id := session.NewSessionID()
	log, err := session.Open(dir, id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := log.AppendMessages([]provider.Message{
		{Role: "system", Content: "you are the instructor"},
		{Role: "user", Content: "fix the bug"},
	}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := log.AppendMetadata(session.Metadata{
		SessionID:       id,
		CurrentRound:    4,
		RemainingRounds: 6,
		WorkDir:         "/tmp/somewhere",
	}); err != nil {
		t.Fatalf("AppendMetadata: %v", err)
	}
	log.Close()

	sink := newCaptureSink()
	o, err := New(Options{
		WorkDir:         t.TempDir(),
		Display:         sink,
		Debug:           true,
		SessionsDir:     dir,
		ResumeSessionID: id,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	if o.CurrentRound() != 4 || o.RemainingRounds() != 6 {
		t.Errorf("CurrentRound/RemainingRounds = %d/%d, want 4/6", o.CurrentRound(), o.RemainingRounds())
	}
	if !o.instructorPrimed {
		t.Error("expected instructorPrimed=true after resume")
	}
	if len(o.instructor.History) != 2 {
		t.Errorf("len(History) = %d, want 2", len(o.instructor.History))
	}
}

func TestRoundControlTokenAdjustsBudgetBeforeConversation(t *testing.T) {
	sink := newCaptureSink()
	o := newTestOrchestrator(t, sink, []string{"DONE"})

	if err := o.HandleLine(context.Background(), "[r=5] wrap it up"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	if o.RemainingRounds() != 5 {
		t.Errorf("RemainingRounds() = %d, want 5", o.RemainingRounds())
	}
	if !sink.hasStatusContaining("Set remaining rounds to 5") {
		t.Errorf("statuses = %v, want a round-control change report", sink.statuses)
	}
}

// streamsThenHangsProvider streams one content chunk then blocks until ctx
// is cancelled, for exercising the watchdog's "already-streamed partial
// text" synthesis path.
type streamsThenHangsProvider struct{ prefix string }

func (streamsThenHangsProvider) Name() string { return "streams-then-hangs" }

func (p streamsThenHangsProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, 1)
	ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: p.prefix}
	go func() {
		defer close(ch)
		<-ctx.Done()
	}()
	return ch, nil
}

func (streamsThenHangsProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return nil, nil
}
func (streamsThenHangsProvider) Close() error { return nil }

func directiveTellWorker(instruction string) directive.Directive {
	return directive.Directive{Kind: directive.TellWorker, WorkerInstruction: instruction}
}
