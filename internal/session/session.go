// Package session implements the session log: an append-only line-delimited
// journal of instructor messages and metadata, replayable to reconstruct
// session state across restarts. Worker history is deliberately not
// persisted — on resume the instructor re-primes the worker.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/duoforge/duoagent/internal/provider"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Journal line type discriminators.
const (
	typeInstructorMessage = "instructor-message"
	typeSessionMetadata   = "session-metadata"
)

// instructorMessageLine is one "instructor-message" journal line.
type instructorMessageLine struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Message   messageWireForm `json:"message"`
}

// messageWireForm is the persisted shape of a provider.Message: role plus
// content. Only the fields needed to reconstruct the Instructor history are
// kept (tool calls/results round-trip through the same flattened shape the
// rest of the codebase already uses for provider.Message).
type messageWireForm struct {
	Role       string              `json:"role"`
	Content    string              `json:"content,omitempty"`
	Reasoning  string              `json:"reasoning,omitempty"`
	ToolCalls  []provider.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
}

// metadataLine is one "session-metadata" journal line. Config is kept as a
// raw snapshot (config_snapshot) so the Session Log does not need to import
// the config package's concrete shape.
type metadataLine struct {
	Type            string          `json:"type"`
	Timestamp       time.Time       `json:"timestamp"`
	SessionID       string          `json:"session_id"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUpdatedAt   time.Time       `json:"last_updated_at"`
	CurrentRound    int             `json:"current_round"`
	RemainingRounds int             `json:"remaining_rounds"` // -1 means unbounded
	WorkDir         string          `json:"work_dir"`
	Config          json.RawMessage `json:"config,omitempty"`
}

// Metadata holds the session-state scalar fields.
type Metadata struct {
	SessionID       string
	CreatedAt       time.Time
	LastUpdatedAt   time.Time
	CurrentRound    int
	RemainingRounds int // -1 means unbounded
	WorkDir         string
	Config          json.RawMessage
}

// Log is an append-only journal for one session.
type Log struct {
	dir  string
	id   string
	file *os.File
}

// NewSessionID generates a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Open creates (or reopens for append) the journal for sessionID under dir.
// The directory and file are owner-only (0700/0600).
func Open(dir, sessionID string) (*Log, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := os.Chmod(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("restrict session dir permissions: %w", err)
	}
	path := filepath.Join(dir, fileName(sessionID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open session journal: %w", err)
	}
	return &Log{dir: dir, id: sessionID, file: f}, nil
}

func fileName(sessionID string) string {
	return "session-" + sessionID + ".jsonl"
}

// ID returns the session identifier this Log was opened for.
func (l *Log) ID() string { return l.id }

// Close closes the underlying journal file.
func (l *Log) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// AppendMessages appends new instructor messages to the journal. Callers
// pass only the messages not yet persisted — appends are incremental.
func (l *Log) AppendMessages(msgs []provider.Message) error {
	for _, m := range msgs {
		line := instructorMessageLine{
			Type:      typeInstructorMessage,
			Timestamp: time.Now(),
			Message: messageWireForm{
				Role:       m.Role,
				Content:    m.Content,
				Reasoning:  m.Reasoning,
				ToolCalls:  m.ToolCalls,
				ToolCallID: m.ToolCallID,
			},
		}
		if err := l.writeLine(line); err != nil {
			log.Error().Err(err).Str("session", l.id).Msg("failed to append instructor message")
			return fmt.Errorf("append instructor message: %w", err)
		}
	}
	return nil
}

// AppendMetadata appends one session-metadata line, recording the current
// Session State scalars. The last metadata line in the journal wins on
// replay.
func (l *Log) AppendMetadata(m Metadata) error {
	line := metadataLine{
		Type:            typeSessionMetadata,
		Timestamp:       time.Now(),
		SessionID:       m.SessionID,
		CreatedAt:       m.CreatedAt,
		LastUpdatedAt:   m.LastUpdatedAt,
		CurrentRound:    m.CurrentRound,
		RemainingRounds: m.RemainingRounds,
		WorkDir:         m.WorkDir,
		Config:          m.Config,
	}
	if err := l.writeLine(line); err != nil {
		log.Error().Err(err).Str("session", l.id).Msg("failed to append session metadata")
		return fmt.Errorf("append session metadata: %w", err)
	}
	return WriteCurrent(l.dir, l.id)
}

func (l *Log) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = l.file.Write(data)
	return err
}

// WriteCurrent updates the companion current.json file recording the most
// recently saved session id.
func WriteCurrent(dir, sessionID string) error {
	path := filepath.Join(dir, "current.json")
	data, err := json.Marshal(struct {
		SessionID string `json:"session_id"`
	}{SessionID: sessionID})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, filePerm)
}

// LatestSessionID reads the companion current.json, returning the most
// recently saved session id.
func LatestSessionID(dir string) (string, error) {
	path := filepath.Join(dir, "current.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read current.json: %w", err)
	}
	var v struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("parse current.json: %w", err)
	}
	return v.SessionID, nil
}

// FindLatestForWorkDir scans every session-*.jsonl under dir and returns
// the id of the most recently updated session whose metadata work_dir
// matches workDir, for --continue.
func FindLatestForWorkDir(dir, workDir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read session dir: %w", err)
	}

	var bestID string
	var bestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "session-") || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "session-"), ".jsonl")
		_, meta, err := Replay(dir, id)
		if err != nil {
			log.Warn().Err(err).Str("session", id).Msg("skipping unreadable session journal")
			continue
		}
		if meta.WorkDir != workDir {
			continue
		}
		if meta.LastUpdatedAt.After(bestTime) {
			bestTime = meta.LastUpdatedAt
			bestID = id
		}
	}
	if bestID == "" {
		return "", fmt.Errorf("no session found for work_dir %q", workDir)
	}
	return bestID, nil
}

// Replay reads every line of a session's journal, accumulating
// instructor-message entries in order into the returned history, with the
// last session-metadata entry winning for scalar fields.
func Replay(dir, sessionID string) ([]provider.Message, Metadata, error) {
	path := filepath.Join(dir, fileName(sessionID))
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("open session journal: %w", err)
	}
	defer f.Close()

	var history []provider.Message
	var meta Metadata
	haveMeta := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var disc struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &disc); err != nil {
			log.Warn().Str("session", sessionID).Msg("skipping malformed journal line")
			continue
		}
		switch disc.Type {
		case typeInstructorMessage:
			var line instructorMessageLine
			if err := json.Unmarshal(raw, &line); err != nil {
				continue
			}
			history = append(history, provider.Message{
				Role:       line.Message.Role,
				Content:    line.Message.Content,
				Reasoning:  line.Message.Reasoning,
				ToolCalls:  line.Message.ToolCalls,
				ToolCallID: line.Message.ToolCallID,
				CreatedAt:  line.Timestamp,
			})
		case typeSessionMetadata:
			var line metadataLine
			if err := json.Unmarshal(raw, &line); err != nil {
				continue
			}
			meta = Metadata{
				SessionID:       line.SessionID,
				CreatedAt:       line.CreatedAt,
				LastUpdatedAt:   line.LastUpdatedAt,
				CurrentRound:    line.CurrentRound,
				RemainingRounds: line.RemainingRounds,
				WorkDir:         line.WorkDir,
				Config:          line.Config,
			}
			haveMeta = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, Metadata{}, fmt.Errorf("scan session journal: %w", err)
	}
	if !haveMeta {
		meta.SessionID = sessionID
	}
	return history, meta, nil
}
