package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duoforge/duoagent/internal/provider"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	id := NewSessionID()
	l, err := Open(dir, id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func TestNewSessionIDIsUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	if a == b {
		t.Fatal("expected distinct session ids")
	}
	if len(a) != 36 {
		t.Fatalf("len(a) = %d, want 36 (uuid string)", len(a))
	}
}

func TestOpenCreatesDirAndFileWithOwnerOnlyPerms(t *testing.T) {
	l, dir := openTestLog(t)

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != dirPerm {
		t.Errorf("dir perm = %o, want %o", perm, dirPerm)
	}

	path := filepath.Join(dir, fileName(l.ID()))
	info, err = os.Stat(path)
	if err != nil {
		t.Fatalf("stat file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != filePerm {
		t.Errorf("file perm = %o, want %o", perm, filePerm)
	}
}

func TestAppendMessagesAndReplay(t *testing.T) {
	l, dir := openTestLog(t)

	msgs := []provider.Message{
		{Role: "user", Content: "fix the bug"},
		{Role: "assistant", Content: "Tell worker(fix it):"},
	}
	if err := l.AppendMessages(msgs); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	history, _, err := Replay(dir, l.ID())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "fix the bug" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Role != "assistant" || history[1].Content != "Tell worker(fix it):" {
		t.Errorf("history[1] = %+v", history[1])
	}
}

func TestAppendMessagesIsIncremental(t *testing.T) {
	l, dir := openTestLog(t)

	if err := l.AppendMessages([]provider.Message{{Role: "user", Content: "first"}}); err != nil {
		t.Fatalf("AppendMessages 1: %v", err)
	}
	if err := l.AppendMessages([]provider.Message{{Role: "assistant", Content: "second"}}); err != nil {
		t.Fatalf("AppendMessages 2: %v", err)
	}

	history, _, err := Replay(dir, l.ID())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2 (appends should not overwrite)", len(history))
	}
	if history[0].Content != "first" || history[1].Content != "second" {
		t.Errorf("history = %+v, want [first second] in order", history)
	}
}

func TestAppendMetadataAndReplay(t *testing.T) {
	l, dir := openTestLog(t)

	meta := Metadata{
		SessionID:       l.ID(),
		CreatedAt:       time.Now().Add(-time.Hour).Truncate(time.Second),
		LastUpdatedAt:   time.Now().Truncate(time.Second),
		CurrentRound:    3,
		RemainingRounds: 7,
		WorkDir:         "/tmp/work",
	}
	if err := l.AppendMetadata(meta); err != nil {
		t.Fatalf("AppendMetadata: %v", err)
	}

	_, got, err := Replay(dir, l.ID())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got.CurrentRound != 3 || got.RemainingRounds != 7 || got.WorkDir != "/tmp/work" {
		t.Errorf("metadata = %+v, want round 3/remaining 7/workdir /tmp/work", got)
	}
}

func TestAppendMetadataLastWins(t *testing.T) {
	l, dir := openTestLog(t)

	first := Metadata{SessionID: l.ID(), CurrentRound: 1, RemainingRounds: 10, WorkDir: "/tmp/work"}
	second := Metadata{SessionID: l.ID(), CurrentRound: 2, RemainingRounds: 9, WorkDir: "/tmp/work"}
	if err := l.AppendMetadata(first); err != nil {
		t.Fatalf("AppendMetadata first: %v", err)
	}
	if err := l.AppendMetadata(second); err != nil {
		t.Fatalf("AppendMetadata second: %v", err)
	}

	_, got, err := Replay(dir, l.ID())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got.CurrentRound != 2 || got.RemainingRounds != 9 {
		t.Errorf("metadata = %+v, want the most recently appended values", got)
	}
}

func TestAppendMetadataWritesCurrentJSON(t *testing.T) {
	l, dir := openTestLog(t)

	if err := l.AppendMetadata(Metadata{SessionID: l.ID(), WorkDir: "/tmp/work"}); err != nil {
		t.Fatalf("AppendMetadata: %v", err)
	}

	got, err := LatestSessionID(dir)
	if err != nil {
		t.Fatalf("LatestSessionID: %v", err)
	}
	if got != l.ID() {
		t.Errorf("LatestSessionID = %q, want %q", got, l.ID())
	}
}

func TestFindLatestForWorkDir(t *testing.T) {
	dir := t.TempDir()

	older, err := Open(dir, NewSessionID())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := older.AppendMetadata(Metadata{
		SessionID:     older.ID(),
		LastUpdatedAt: time.Now().Add(-time.Hour),
		WorkDir:       "/tmp/project-a",
	}); err != nil {
		t.Fatalf("AppendMetadata older: %v", err)
	}
	older.Close()

	newer, err := Open(dir, NewSessionID())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := newer.AppendMetadata(Metadata{
		SessionID:     newer.ID(),
		LastUpdatedAt: time.Now(),
		WorkDir:       "/tmp/project-a",
	}); err != nil {
		t.Fatalf("AppendMetadata newer: %v", err)
	}
	newer.Close()

	other, err := Open(dir, NewSessionID())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := other.AppendMetadata(Metadata{
		SessionID:     other.ID(),
		LastUpdatedAt: time.Now(),
		WorkDir:       "/tmp/project-b",
	}); err != nil {
		t.Fatalf("AppendMetadata other: %v", err)
	}
	other.Close()

	got, err := FindLatestForWorkDir(dir, "/tmp/project-a")
	if err != nil {
		t.Fatalf("FindLatestForWorkDir: %v", err)
	}
	if got != newer.ID() {
		t.Errorf("FindLatestForWorkDir = %q, want %q (the more recent match)", got, newer.ID())
	}
}

func TestFindLatestForWorkDirNoMatch(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindLatestForWorkDir(dir, "/tmp/nonexistent"); err == nil {
		t.Fatal("expected error when no session matches work_dir")
	}
}

func TestReplayIgnoresBlankAndMalformedLines(t *testing.T) {
	l, dir := openTestLog(t)
	l.Close()

	path := filepath.Join(dir, fileName(l.ID()))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data = append(data, []byte("\nnot json at all\n")...)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, err := Replay(dir, l.ID()); err != nil {
		t.Fatalf("Replay should tolerate malformed trailing lines: %v", err)
	}
}
