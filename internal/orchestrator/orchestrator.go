// Package orchestrator implements the outer turn-taking state machine that
// drives the instructor and worker agents: user input -> instructor turn ->
// directive -> worker turn -> instructor review -> ... until the instructor
// signals completion or the round budget runs out.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duoforge/duoagent/internal/agent"
	"github.com/duoforge/duoagent/internal/config"
	"github.com/duoforge/duoagent/internal/display"
	"github.com/duoforge/duoagent/internal/provider"
	"github.com/duoforge/duoagent/internal/session"
	"github.com/duoforge/duoagent/internal/tools"
)

// MaxCorrectionAttempts bounds how many times a malformed instructor
// response is retried with the fixed reminder before falling back to the
// user.
const MaxCorrectionAttempts = 3

// WorkerInactivityTimeout is the watchdog threshold: 60s wall-clock since
// the worker's last streamed text chunk.
const WorkerInactivityTimeout = 60 * time.Second

// DefaultThinkingBudget is the thinking-token budget used when
// Options.ThinkingBudget is left at zero.
const DefaultThinkingBudget = 10000

// compactionTokenThreshold is ~80% of a 200k context budget.
const compactionTokenThreshold = 160000

// Options configures a new Orchestrator. Exactly one of {Debug, the
// Anthropic/OpenAI credential fields} need be populated: Debug swaps every
// provider client for the deterministic mock.
type Options struct {
	WorkDir string
	Display display.Sink

	InstructorModel string
	WorkerModel     string // default Worker model; overridable per-turn by the Instructor's directive

	// MaxRounds is the initial remaining-rounds budget; roundctl.Unbounded
	// (-1) means no limit.
	MaxRounds int

	EnableThinking bool
	ThinkingBudget int

	Debug bool

	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string

	FileConfig *config.Config

	SessionsDir string

	// ResumeSessionID, if non-empty, replays an existing session's journal
	// instead of starting a fresh one. Resolving --continue / --resume to a
	// concrete id is the CLI's job (via session.LatestSessionID /
	// FindLatestForWorkDir); the Orchestrator only ever resumes a specific,
	// already-resolved id.
	ResumeSessionID string
}

// abortReason distinguishes what triggered the single live abort handle, so
// the right recovery applies: ESC returns to the user, a watchdog trip
// synthesizes a timeout output for the instructor to review.
type abortReason int32

const (
	abortNone abortReason = iota
	abortUser
	abortWatchdog
)

// Orchestrator is the outer state machine. It exclusively owns its two
// agent drivers, the tool executor, and the session log.
type Orchestrator struct {
	workDir string
	display display.Sink
	debug   bool

	registry           *provider.Registry
	instructorTag      provider.ProviderTag
	instructorModel    string
	defaultWorkerModel string
	thinkingEnabled    bool
	thinkingBudget     int

	executor   *tools.Executor
	instructor *agent.Driver
	worker     *agent.Driver

	instructorClient provider.Provider

	instructorPrimed      bool // whether the Instructor's system prompt has been set from the first user task
	instructorPersistedAt int  // len(instructor.History) already flushed to the Session Log

	workerCacheMu sync.Mutex
	workerCache   map[string]provider.Provider // keyed by "<tag>:<model>"

	sessionLog      *session.Log
	sessionsDir     string
	sessionID       string
	createdAt       time.Time
	configSnapshot  json.RawMessage
	currentRound    int
	remainingRounds int // roundctl.Unbounded (-1) means no limit

	mu     sync.Mutex
	cancel context.CancelFunc
	reason atomic.Int32
	paused atomic.Bool

	// watchdogTimeout defaults to WorkerInactivityTimeout; tests shrink it
	// to exercise the watchdog without a real 60s wait.
	watchdogTimeout time.Duration
}

// New wires a fresh Orchestrator: provider registry/factories, the tool
// executor, a fresh worker driver, and (optionally) a fresh session log.
// The instructor driver is constructed lazily on the first user turn, once
// the task text its system prompt is built from is known.
func New(opts Options) (*Orchestrator, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("orchestrator: WorkDir is required")
	}
	disp := opts.Display
	if disp == nil {
		return nil, fmt.Errorf("orchestrator: Display is required")
	}

	executor, err := tools.NewExecutor(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("build tool executor: %w", err)
	}

	budget := opts.ThinkingBudget
	if budget == 0 {
		budget = DefaultThinkingBudget
	}

	o := &Orchestrator{
		workDir:            opts.WorkDir,
		display:            disp,
		debug:              opts.Debug,
		executor:           executor,
		defaultWorkerModel: opts.WorkerModel,
		thinkingEnabled:    opts.EnableThinking,
		thinkingBudget:     budget,
		sessionsDir:        opts.SessionsDir,
		createdAt:          time.Now(),
		remainingRounds:    opts.MaxRounds,
		workerCache:        make(map[string]provider.Provider),
		watchdogTimeout:    WorkerInactivityTimeout,
	}

	if !opts.Debug {
		o.registry = buildRegistry(opts, budget)
	}
	o.instructorModel = provider.ResolveModel(opts.InstructorModel)
	o.instructorTag = provider.DetectProvider(opts.InstructorModel)

	o.worker = agent.New(agent.RoleWorker, executor, workerSystemPrompt)
	registerCompactWorkerContext(executor, o.worker)

	if opts.Debug {
		o.instructorClient = provider.NewMock("instructor-mock", provider.MockInstructor)
	} else {
		client, err := o.registry.Create(string(o.instructorTag), o.instructorModel, provider.Options{})
		if err != nil {
			return nil, fmt.Errorf("build instructor provider client: %w", err)
		}
		o.instructorClient = client
	}

	if snap, err := json.Marshal(struct {
		InstructorModel string `json:"instructor_model"`
		WorkerModel     string `json:"worker_model"`
		Debug           bool   `json:"debug"`
		EnableThinking  bool   `json:"enable_thinking"`
	}{opts.InstructorModel, opts.WorkerModel, opts.Debug, opts.EnableThinking}); err == nil {
		o.configSnapshot = snap
	}

	switch {
	case opts.ResumeSessionID != "":
		history, meta, err := session.Replay(opts.SessionsDir, opts.ResumeSessionID)
		if err != nil {
			return nil, fmt.Errorf("replay session %s: %w", opts.ResumeSessionID, err)
		}
		log, err := session.Open(opts.SessionsDir, opts.ResumeSessionID)
		if err != nil {
			return nil, fmt.Errorf("reopen session log: %w", err)
		}
		o.sessionLog = log
		o.sessionID = opts.ResumeSessionID
		o.instructor = &agent.Driver{Role: agent.RoleInstructor, Executor: executor, History: history}
		o.instructorPrimed = true
		o.instructorPersistedAt = len(history)
		o.currentRound = meta.CurrentRound
		o.remainingRounds = meta.RemainingRounds
		if !meta.CreatedAt.IsZero() {
			o.createdAt = meta.CreatedAt
		}
		disp.Status(fmt.Sprintf("resumed session %s at round %d (worker context was not persisted and starts fresh)", o.sessionID, o.currentRound))

	case opts.SessionsDir != "":
		o.sessionID = session.NewSessionID()
		log, err := session.Open(opts.SessionsDir, o.sessionID)
		if err != nil {
			return nil, fmt.Errorf("open session log: %w", err)
		}
		o.sessionLog = log
	}

	return o, nil
}

func buildRegistry(opts Options, thinkingBudget int) *provider.Registry {
	reg := provider.NewRegistry()
	reg.RegisterFactory(string(provider.TagAnthropic), provider.NewAnthropicFactory(
		string(provider.TagAnthropic), opts.AnthropicBaseURL, opts.AnthropicAPIKey,
		provider.AnthropicOptions{EnableThinking: opts.EnableThinking, ThinkingBudget: thinkingBudget},
	))

	openaiBaseURL := opts.OpenAIBaseURL
	if opts.FileConfig != nil {
		if pc, ok := opts.FileConfig.Providers[string(provider.TagOpenAI)]; ok {
			if openaiBaseURL == "" {
				openaiBaseURL = pc.Endpoint
			}
		}
	}
	reg.RegisterFactory(string(provider.TagOpenAI), provider.NewOpenAIFactory(
		string(provider.TagOpenAI), openaiBaseURL, opts.OpenAIAPIKey,
	))
	return reg
}

// Close releases the Session Log and any cached provider clients.
func (o *Orchestrator) Close() error {
	if o.instructorClient != nil {
		o.instructorClient.Close()
	}
	o.workerCacheMu.Lock()
	for _, p := range o.workerCache {
		p.Close()
	}
	o.workerCacheMu.Unlock()

	if o.sessionLog != nil {
		return o.sessionLog.Close()
	}
	return nil
}

// Executor exposes the Tool Executor, e.g. for a CLI to report the Worker's
// current allow-set.
func (o *Orchestrator) Executor() *tools.Executor { return o.executor }

// SessionID returns the session identifier, or "" if session persistence is
// disabled.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Abort triggers the single live abort handle on behalf of an external
// ESC-key listener and sets the pause flag. With no turn in flight there is
// no handle to cancel, so only the pause flag and abort reason change.
func (o *Orchestrator) Abort() {
	o.paused.Store(true)
	o.reason.Store(int32(abortUser))
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Paused reports whether Abort has been called since the last ResetPause.
func (o *Orchestrator) Paused() bool { return o.paused.Load() }

// ResetPause clears the pause flag. This must happen as the first action of
// awaiting the next user line (not only inside the ESC handler), or ESC can
// only ever fire once per session.
func (o *Orchestrator) ResetPause() { o.paused.Store(false) }

// beginAbortable allocates a fresh abort handle for one interruptible turn
// and resets the abort reason. Exactly one handle is live at a time.
func (o *Orchestrator) beginAbortable(parent context.Context) context.Context {
	o.reason.Store(int32(abortNone))
	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	return ctx
}

// endAbortable releases the current abort handle once a turn completes.
func (o *Orchestrator) endAbortable() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CurrentRound and RemainingRounds expose session-state scalars, e.g. for a
// CLI status line or tests.
func (o *Orchestrator) CurrentRound() int    { return o.currentRound }
func (o *Orchestrator) RemainingRounds() int { return o.remainingRounds }
