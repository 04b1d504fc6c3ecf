package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duoforge/duoagent/internal/agent"
	"github.com/duoforge/duoagent/internal/directive"
	"github.com/duoforge/duoagent/internal/provider"
	"github.com/duoforge/duoagent/internal/roundctl"
	"github.com/duoforge/duoagent/internal/session"
)

// errUserCancelled signals an ESC-driven abort of the current turn; it is
// swallowed and control returns to the user prompt.
var errUserCancelled = errors.New("orchestrator: turn cancelled by user")

// errBreakToUser signals a recoverable provider error (rate-limit, auth,
// malformed-history, empty-content, or a context-too-long instructor call
// that is still too long after one compaction retry) that has already been
// reported to the display; the current user request ends and control
// returns to the user prompt.
var errBreakToUser = errors.New("orchestrator: breaking to await-user-input after a recoverable provider error")

// Run drives the await-user-input loop, reading one line at a time from in.
// If initialInstruction is non-empty it is processed first, as though the
// user had typed it. Run returns when the user types exit/quit, input
// reaches EOF, or a fatal error occurs.
func (o *Orchestrator) Run(ctx context.Context, in io.Reader, initialInstruction string) error {
	if strings.TrimSpace(initialInstruction) != "" {
		if err := o.HandleLine(ctx, initialInstruction); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		// Reset paused before reading, not only inside the ESC handler,
		// so a subsequent ESC press can interrupt again.
		o.ResetPause()
		o.display.Status(fmt.Sprintf("round %d — awaiting input (remaining rounds: %s)", o.currentRound, formatRemaining(o.remainingRounds)))

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if trimmed := strings.TrimSpace(line); trimmed == "exit" || trimmed == "quit" {
			return nil
		}
		if err := o.HandleLine(ctx, line); err != nil {
			return err
		}
	}
}

// HandleLine runs one full cycle for a single raw user line: round-control
// tokens first, then (if anything remains) the instructor/worker/review/
// correction loop.
func (o *Orchestrator) HandleLine(ctx context.Context, raw string) error {
	res := roundctl.Parse(raw, o.remainingRounds)
	o.remainingRounds = res.RemainingRounds
	for _, change := range res.Changes {
		o.display.Status(change)
	}

	cleaned := res.Instruction
	if cleaned == "" {
		o.display.Status("empty instruction after stripping round-control tokens; please try again")
		return nil
	}

	o.currentRound++
	return o.runConversation(ctx, cleaned)
}

// runConversation implements instructor turn -> branch -> {worker turn ->
// review turn -> branch} | {correction -> branch}, repeated until the
// instructor signals done, a forced termination, or an unrecoverable error.
func (o *Orchestrator) runConversation(ctx context.Context, userText string) error {
	if !o.instructorPrimed {
		o.instructor = agent.New(agent.RoleInstructor, o.executor, instructorSystemPrompt(userText))
		o.instructorPrimed = true
		if err := o.persistInstructorHistory(); err != nil {
			o.display.Status(fmt.Sprintf("warning: failed to persist session log: %v", err))
		}
	}

	d, err := o.instructorTurn(ctx, userText, 0)
	if err != nil {
		return o.classifyTopError(err)
	}

	attempt := 0
	workerRan := false
	for {
		switch d.Kind {
		case directive.Done:
			return nil

		case directive.TellWorker:
			// Budget drained by an earlier worker turn of this request:
			// the instructor has already reviewed that turn's output, so
			// force its directive to done instead of starting a worker
			// turn there is no budget for.
			if workerRan && o.remainingRounds == 0 {
				o.display.Status("round budget reached zero; ending this request")
				return nil
			}
			out, cont, werr := o.workerTurn(ctx, d)
			if werr != nil {
				return werr
			}
			if !cont {
				return nil
			}
			workerRan = true
			// Always review a successful worker turn, even one that
			// spent the last round — the instructor still has to see
			// the output and its final message still gets persisted.
			o.currentRound++
			d, err = o.instructorTurn(ctx, "Worker says: "+out, 0)
			if err != nil {
				return o.classifyTopError(err)
			}
			attempt = 0

		case directive.Malformed:
			attempt++
			if attempt > MaxCorrectionAttempts {
				o.display.Status("instructor output did not match the directive protocol after 3 corrections; returning to user")
				return nil
			}
			o.currentRound++
			d, err = o.instructorTurn(ctx, correctionReminder, 0)
			if err != nil {
				return o.classifyTopError(err)
			}
		}
	}
}

func (o *Orchestrator) classifyTopError(err error) error {
	if errors.Is(err, errUserCancelled) || errors.Is(err, errBreakToUser) {
		return nil
	}
	return err
}

// instructorTurn runs one instructor driver turn and parses its directive.
// compactRetries bounds the context-too-long recovery to exactly one
// compact-and-retry; a second failure ends the current request
// (errBreakToUser), not the process.
func (o *Orchestrator) instructorTurn(ctx context.Context, text string, compactRetries int) (directive.Directive, error) {
	if err := o.maybeCompactInstructor(); err != nil {
		return directive.Directive{}, err
	}

	turnCtx := o.beginAbortable(ctx)
	result, err := o.instructor.Run(turnCtx, agent.RunOptions{
		Client: o.instructorClient,
		Input:  text,
		OnText: func(s string) {
			o.display.Text(agent.RoleInstructor, s)
		},
		OnThinking: func(s string) {
			o.display.Thinking(agent.RoleInstructor, s)
		},
	})
	o.endAbortable()

	if err != nil {
		if errors.Is(err, context.Canceled) && abortReason(o.reason.Load()) == abortUser {
			return directive.Directive{}, errUserCancelled
		}
		if errors.Is(err, agent.ErrEmptyContent) {
			log.Warn().Msg("instructor produced no content")
			o.display.Status("[ERROR: instructor produced no content]")
			return directive.Directive{}, errBreakToUser
		}
		if kind, ok := provider.KindOf(err); ok {
			log.Warn().Str("kind", kind.String()).Err(err).Msg("instructor provider error")
			switch kind {
			case provider.KindContextTooLong:
				if compactRetries >= 1 {
					o.display.Status("[ERROR: instructor context is still too long after compaction]")
					return directive.Directive{}, errBreakToUser
				}
				if cerr := o.compactInstructorHistory(); cerr != nil {
					return directive.Directive{}, cerr
				}
				return o.instructorTurn(ctx, text, compactRetries+1)
			case provider.KindRateLimited:
				o.display.Status("[ERROR: Rate limit exceeded]")
				return directive.Directive{}, errBreakToUser
			case provider.KindAuth:
				o.display.Status("[ERROR: Authentication failed]")
				return directive.Directive{}, errBreakToUser
			case provider.KindMalformedHistory:
				o.display.Status("[ERROR: malformed history rejected by provider]")
				return directive.Directive{}, errBreakToUser
			case provider.KindCancelled:
				return directive.Directive{}, errUserCancelled
			}
		}
		return directive.Directive{}, err
	}

	if perr := o.persistInstructorHistory(); perr != nil {
		o.display.Status(fmt.Sprintf("warning: failed to persist session log: %v", perr))
	}
	return directive.Parse(result), nil
}

// workerTurn runs one worker driver turn under the inactivity watchdog. It
// returns (output, true, nil) when the request should proceed to the
// instructor's review — including the synthetic timeout output — and
// (_, false, nil) when control should fall back to the user prompt without
// a fatal error.
func (o *Orchestrator) workerTurn(ctx context.Context, d directive.Directive) (output string, shouldContinue bool, err error) {
	if o.remainingRounds == 0 {
		o.display.Status("round budget exhausted; use [r+n] or [r=n] to add more rounds")
		return "", false, nil
	}
	if o.remainingRounds > 0 {
		o.remainingRounds--
	}
	o.currentRound++

	model := d.WorkerModelOverride
	if model == "" {
		model = o.defaultWorkerModel
	}
	client, cerr := o.workerClientFor(model)
	if cerr != nil {
		return "", false, cerr
	}

	turnCtx := o.beginAbortable(ctx)

	var lastTextAt atomic.Int64
	lastTextAt.Store(time.Now().UnixNano())
	var streamed strings.Builder

	watchCtx, watchCancel := context.WithCancel(turnCtx)
	watchDone := make(chan struct{})
	go o.runWatchdog(watchCtx, &lastTextAt, watchDone)

	runOut, runErr := o.worker.Run(turnCtx, agent.RunOptions{
		Client: client,
		Input:  d.WorkerInstruction,
		OnText: func(s string) {
			streamed.WriteString(s)
			o.display.Text(agent.RoleWorker, s)
		},
		OnThinking: func(s string) {
			o.display.Thinking(agent.RoleWorker, s)
		},
		LastTextAt: &lastTextAt,
	})
	watchCancel()
	<-watchDone
	o.endAbortable()

	if runErr != nil {
		if abortReason(o.reason.Load()) == abortWatchdog {
			synthetic := streamed.String()
			if synthetic == "" {
				synthetic = "[No response received - TIMEOUT after 60s]"
			} else {
				synthetic += " [TIMEOUT after 60s]"
			}
			o.display.Status("worker turn timed out after 60s of inactivity")
			return synthetic, true, nil
		}
		if errors.Is(runErr, context.Canceled) && abortReason(o.reason.Load()) == abortUser {
			return "", false, nil
		}
		if errors.Is(runErr, agent.ErrEmptyContent) {
			log.Warn().Msg("worker produced no content")
			o.display.Status("[ERROR: worker produced no content]")
			return "", false, nil
		}
		if kind, ok := provider.KindOf(runErr); ok {
			log.Warn().Str("kind", kind.String()).Err(runErr).Msg("worker provider error")
			switch kind {
			case provider.KindRateLimited:
				o.display.Status("[ERROR: Rate limit exceeded]")
				return "", false, nil
			case provider.KindAuth:
				o.display.Status("[ERROR: Authentication failed]")
				return "", false, nil
			case provider.KindCancelled:
				return "", false, nil
			}
		}
		return "", false, runErr
	}

	return runOut, true, nil
}

// runWatchdog wakes periodically and triggers the current abort handle once
// time.Since(lastTextAt) exceeds o.watchdogTimeout (WorkerInactivityTimeout
// in production; tests shrink it).
func (o *Orchestrator) runWatchdog(ctx context.Context, lastTextAt *atomic.Int64, done chan<- struct{}) {
	defer close(done)
	interval := o.watchdogTimeout / 10
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, lastTextAt.Load())
			if time.Since(last) >= o.watchdogTimeout {
				log.Warn().Dur("inactivity", o.watchdogTimeout).Msg("worker inactivity watchdog triggered abort")
				o.reason.Store(int32(abortWatchdog))
				o.mu.Lock()
				cancel := o.cancel
				o.mu.Unlock()
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

// persistInstructorHistory flushes any instructor history messages not yet
// written to the session log, then appends one session-metadata line
// capturing the current session-state scalars. Appends are incremental:
// already-flushed messages are never rewritten.
func (o *Orchestrator) persistInstructorHistory() error {
	if o.sessionLog == nil {
		return nil
	}
	if o.instructorPersistedAt < len(o.instructor.History) {
		if err := o.sessionLog.AppendMessages(o.instructor.History[o.instructorPersistedAt:]); err != nil {
			log.Error().Err(err).Str("session", o.sessionID).Msg("failed to persist instructor messages")
			return fmt.Errorf("append instructor messages: %w", err)
		}
		o.instructorPersistedAt = len(o.instructor.History)
	}
	meta := session.Metadata{
		SessionID:       o.sessionID,
		CreatedAt:       o.createdAt,
		LastUpdatedAt:   time.Now(),
		CurrentRound:    o.currentRound,
		RemainingRounds: o.remainingRounds,
		WorkDir:         o.workDir,
		Config:          o.configSnapshot,
	}
	if err := o.sessionLog.AppendMetadata(meta); err != nil {
		log.Error().Err(err).Str("session", o.sessionID).Msg("failed to persist session metadata")
		return fmt.Errorf("append session metadata: %w", err)
	}
	return nil
}

func formatRemaining(n int) string {
	if n == roundctl.Unbounded {
		return "unbounded"
	}
	return strconv.Itoa(n)
}
