// Package display is the write-only output sink for streamed chunks and
// status lines. The sink has no rendering semantics of its own — it just
// routes orchestrator/driver output somewhere a human can read it.
package display

import (
	"fmt"
	"io"
	"sync"
)

// Sink receives output from the Orchestrator and Agent Drivers.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Text appends a chunk of streamed assistant text for the given role
	// ("instructor" or "worker").
	Text(role, chunk string)

	// Thinking appends a chunk of streamed reasoning content.
	Thinking(role, chunk string)

	// Status reports an Orchestrator state transition or lifecycle event
	// (e.g. "round 3/10", "awaiting Worker", "session resumed").
	Status(msg string)

	// ToolCall reports a tool invocation and its result summary.
	ToolCall(role, name, argsSummary, resultSummary string)
}

// Stdout is a Sink that writes plain line-oriented text to an io.Writer.
type Stdout struct {
	mu  sync.Mutex
	w   io.Writer
	col map[string]bool // whether the current line for a role/stream is open
}

// NewStdout wraps w (typically os.Stdout) as a Sink.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w, col: make(map[string]bool)}
}

func (s *Stdout) Text(role, chunk string) {
	if chunk == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openLine("text:" + role)
	fmt.Fprint(s.w, chunk)
}

func (s *Stdout) Thinking(role, chunk string) {
	if chunk == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openLine("thinking:" + role)
	fmt.Fprint(s.w, chunk)
}

func (s *Stdout) Status(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeOpenLine()
	fmt.Fprintf(s.w, "[status] %s\n", msg)
}

func (s *Stdout) ToolCall(role, name, argsSummary, resultSummary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeOpenLine()
	fmt.Fprintf(s.w, "[%s] %s(%s) -> %s\n", role, name, argsSummary, resultSummary)
}

// openLine emits a role/stream prefix once, the first time that stream
// resumes after something else interrupted it (a tool call, a status
// line, or the other role's text), so interleaved streaming chunks stay
// legible instead of running together.
func (s *Stdout) openLine(stream string) {
	for k := range s.col {
		if k != stream {
			delete(s.col, k)
		}
	}
	if s.col[stream] {
		return
	}
	s.col[stream] = true
	fmt.Fprintf(s.w, "\n%s: ", stream)
}

func (s *Stdout) closeOpenLine() {
	if len(s.col) > 0 {
		fmt.Fprintln(s.w)
		s.col = make(map[string]bool)
	}
}
