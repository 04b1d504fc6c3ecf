package provider

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockRole selects which weighted response pool a MockProvider draws from:
// the instructor and worker pools are deliberately distinct so the full
// orchestration loop (directives, corrections, reviews) gets exercised.
type MockRole int

const (
	MockInstructor MockRole = iota
	MockWorker
)

// MockProvider is the --debug provider: it never calls a network service,
// drawing synthetic assistant text from a small weighted pool and streaming
// it in short chunks.
type MockProvider struct {
	mu   sync.Mutex
	name string
	role MockRole
	rng  *rand.Rand
}

func NewMock(name string, role MockRole) *MockProvider {
	return &MockProvider{
		name: name,
		role: role,
		rng:  rand.New(rand.NewSource(1)),
	}
}

func (p *MockProvider) Name() string { return p.name }

// instructorPool pairs a response with a selection weight. Majority:
// Tell worker variants. Rare: completion marker. Significant minority:
// malformed (to exercise Correction retries).
var instructorPool = []struct {
	text   string
	weight int
}{
	{"Tell worker: Implement the requested change and report back.", 10},
	{"Tell worker: Run the test suite and summarize any failures.", 10},
	{"Tell worker: Create the requested file with the specified content.", 10},
	{"DONE", 2},
	{"**DONE**", 1},
	{"I think we should consider a different architecture here.", 5},
	{"Let me think about the best approach before proceeding.", 5},
}

var workerPool = []struct {
	text   string
	weight int
}{
	{"Implemented the requested change. All tests pass.", 10},
	{"Created the file as requested.", 10},
	{"Ran the test suite; no failures.", 10},
	{"Made the edit and verified the output manually.", 10},
}

func pickWeighted(rng *rand.Rand, pool []struct {
	text   string
	weight int
}) string {
	total := 0
	for _, p := range pool {
		total += p.weight
	}
	n := rng.Intn(total)
	for _, p := range pool {
		if n < p.weight {
			return p.text
		}
		n -= p.weight
	}
	return pool[len(pool)-1].text
}

func (p *MockProvider) choose() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role == MockWorker {
		return pickWeighted(p.rng, workerPool)
	}
	return pickWeighted(p.rng, instructorPool)
}

// ChatStream streams the chosen synthetic text in small chunks with
// ~20-30ms gaps to approximate a real token stream.
func (p *MockProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	text := p.choose()
	ch := make(chan StreamEvent)

	go func() {
		defer close(ch)
		const chunkSize = 6
		for i := 0; i < len(text); i += chunkSize {
			end := i + chunkSize
			if end > len(text) {
				end = len(text)
			}
			gap := 20 + rand.Intn(11) // 20-30ms
			select {
			case <-time.After(time.Duration(gap) * time.Millisecond):
			case <-ctx.Done():
				trySend(ctx, ch, StreamEvent{Type: EventError, Err: ctx.Err()})
				return
			}
			if !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: text[i:end]}) {
				return
			}
		}
		trySend(ctx, ch, StreamEvent{Type: EventDone})
	}()

	return ch, nil
}

func (p *MockProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: "mock-" + p.name}}, nil
}

func (p *MockProvider) Close() error { return nil }
