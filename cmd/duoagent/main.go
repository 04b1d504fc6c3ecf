// Command duoagent runs the dual-agent orchestrator: an instructor agent
// plans and reviews, a worker agent executes file/shell/git tool calls, and
// the orchestrator (internal/orchestrator) drives the turn-taking loop
// between them against one working directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/duoforge/duoagent/internal/config"
	"github.com/duoforge/duoagent/internal/display"
	"github.com/duoforge/duoagent/internal/orchestrator"
	"github.com/duoforge/duoagent/internal/roundctl"
	"github.com/duoforge/duoagent/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to set up logging: %v\n", err)
	}

	workDir := flag.String("work-dir", ".", "working directory the agents operate against")
	maxRounds := flag.Int("max-rounds", roundctl.Unbounded, "initial round budget; -1 means unbounded")
	instructorModel := flag.String("instructor-model", "sonnet", "model for the instructor agent")
	workerModel := flag.String("worker-model", "sonnet", "default model for the worker agent")
	noThinking := flag.Bool("no-thinking", false, "disable extended thinking for the instructor")
	thinkingBudget := flag.Int("thinking-budget", 0, "thinking token budget (0 uses the built-in default)")
	doContinue := flag.Bool("continue", false, "resume the most recent session for this work directory")
	resumeID := flag.String("resume", "", "resume a specific session by id (empty id resumes the latest session)")
	debug := flag.Bool("debug", false, "use a deterministic mock provider instead of calling a real LLM")
	flag.Parse()

	resumeSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "resume" {
			resumeSet = true
		}
	})

	absWorkDir, err := filepath.Abs(*workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolving work-dir: %v\n", err)
		return 1
	}
	if info, err := os.Stat(absWorkDir); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "error: work-dir %q does not exist or is not a directory\n", absWorkDir)
		return 1
	}

	cfgPath := filepath.Join(absWorkDir, config.FileName)
	fileCfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return 1
	}
	creds := config.LoadCredentials()

	sessionsDir, err := config.SessionsDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolving sessions directory: %v\n", err)
		return 1
	}

	resolvedResumeID, err := resolveResumeID(sessionsDir, absWorkDir, *resumeID, resumeSet, *doContinue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	sink := display.NewStdout(os.Stdout)

	opts := orchestrator.Options{
		WorkDir:          absWorkDir,
		Display:          sink,
		InstructorModel:  *instructorModel,
		WorkerModel:      *workerModel,
		MaxRounds:        *maxRounds,
		EnableThinking:   !*noThinking,
		ThinkingBudget:   *thinkingBudget,
		Debug:            *debug,
		AnthropicAPIKey:  creds.AnthropicAPIKey,
		OpenAIAPIKey:     creds.OpenAIAPIKey,
		OpenAIBaseURL:    creds.OpenAIBaseURL,
		FileConfig:       fileCfg,
		SessionsDir:      sessionsDir,
		ResumeSessionID:  resolvedResumeID,
	}

	if !*debug && creds.AnthropicAPIKey == "" && creds.OpenAIAPIKey == "" {
		fmt.Fprintln(os.Stderr, "error: no provider credentials found; set ANTHROPIC_API_KEY or DUOAGENT_OPENAI_API_KEY, or pass --debug")
		return 1
	}

	orch, err := orchestrator.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initializing orchestrator: %v\n", err)
		return 1
	}
	defer orch.Close()

	if id := orch.SessionID(); id != "" {
		sink.Status(fmt.Sprintf("session %s (work dir: %s)", id, absWorkDir))
	}

	reader := newRawLineReader(orch.Abort)
	defer reader.Close()

	initialInstruction := strings.Join(flag.Args(), " ")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Run(ctx, reader, initialInstruction); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// resolveResumeID turns --resume/--continue into a concrete session id, or
// "" for a fresh session. --resume with no id resumes the latest session
// overall; --continue resumes the latest session whose work_dir matches.
// The orchestrator itself only ever resumes an already-resolved id.
func resolveResumeID(sessionsDir, workDir, explicitID string, resumeSet, doContinue bool) (string, error) {
	switch {
	case explicitID != "":
		return explicitID, nil
	case resumeSet:
		id, err := session.LatestSessionID(sessionsDir)
		if err != nil {
			return "", fmt.Errorf("--resume: %w", err)
		}
		return id, nil
	case doContinue:
		id, err := session.FindLatestForWorkDir(sessionsDir, workDir)
		if err != nil {
			return "", fmt.Errorf("--continue: %w", err)
		}
		return id, nil
	default:
		return "", nil
	}
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "duoagent.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}
