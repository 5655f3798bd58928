package hooklog

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftcast-app/swiftcast/pkg/hooks"
)

func completedExchange(sessionID string) (*hooks.RequestContext, *hooks.ResponseContext) {
	req := hooks.NewRequestContext(sessionID, "claude-sonnet-4.5", "POST", "/v1/messages",
		json.RawMessage(`{"model":"claude-sonnet-4.5","messages":[]}`))
	stop := "end_turn"
	res := &hooks.ResponseContext{
		StatusCode:   200,
		DurationMS:   1234,
		InputTokens:  100,
		OutputTokens: 50,
		IsSuccess:    true,
		ResponseText: "done",
		Timestamp:    time.Now().Unix(),
		StopReason:   &stop,
	}
	return req, res
}

func TestWritesEntryUnderShortSessionDir(t *testing.T) {
	dir := t.TempDir()
	f := NewFileLogger(dir, slog.Default())

	req, res := completedExchange("abc123def456ghi789jkl")
	f.OnResponseComplete(context.Background(), req, res)

	sessionDir := filepath.Join(dir, "abc123def456ghi7")
	files, err := os.ReadDir(sessionDir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	name := files[0].Name()
	assert.True(t, strings.HasSuffix(name, ".json"))
	// Dots in the model name are sanitised out of the filename.
	assert.Contains(t, name, "claude-sonnet-4_5")
	assert.Contains(t, name, req.RequestID[:8])
	assert.Contains(t, name, "_1_")

	raw, err := os.ReadFile(filepath.Join(sessionDir, name))
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, req.RequestID, entry.RequestID)
	assert.Equal(t, "abc123def456ghi789jkl", entry.SessionID)
	assert.Equal(t, 200, entry.Response.StatusCode)
	assert.Equal(t, "done", entry.Response.ResponseText)
	require.NotNil(t, entry.Response.StopReason)
	assert.Equal(t, "end_turn", *entry.Response.StopReason)
}

func TestSequenceIncrementsPerSession(t *testing.T) {
	dir := t.TempDir()
	f := NewFileLogger(dir, slog.Default())

	req, res := completedExchange("sess-seq")
	f.OnResponseComplete(context.Background(), req, res)
	req2, res2 := completedExchange("sess-seq")
	f.OnResponseComplete(context.Background(), req2, res2)

	files, err := os.ReadDir(filepath.Join(dir, "sess-seq"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	var seqs []string
	for _, file := range files {
		parts := strings.Split(file.Name(), "_")
		require.GreaterOrEqual(t, len(parts), 4)
		seqs = append(seqs, parts[3])
	}
	assert.ElementsMatch(t, []string{"1", "2"}, seqs)
}

func TestMissingSessionUsesUnknown(t *testing.T) {
	dir := t.TempDir()
	f := NewFileLogger(dir, slog.Default())

	req, res := completedExchange("")
	f.OnResponseComplete(context.Background(), req, res)

	files, err := os.ReadDir(filepath.Join(dir, "unknown"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	f := NewFileLogger(dir, slog.Default())
	f.SetEnabled(false)

	req, res := completedExchange("sess")
	f.OnResponseComplete(context.Background(), req, res)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	f := NewFileLogger(dir, slog.Default()).WithRetentionDays(7)

	oldDir := filepath.Join(dir, "old-session")
	require.NoError(t, os.MkdirAll(oldDir, 0o755))
	oldFile := filepath.Join(oldDir, "20250101_000000_deadbeef_1_m.json")
	require.NoError(t, os.WriteFile(oldFile, []byte("{}"), 0o644))
	stale := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldFile, stale, stale))

	freshDir := filepath.Join(dir, "fresh-session")
	require.NoError(t, os.MkdirAll(freshDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(freshDir, "recent.json"), []byte("{}"), 0o644))

	f.CleanupOldLogs()

	// Old file and its now-empty directory are gone.
	_, err := os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err))

	// Fresh files survive.
	files, err := os.ReadDir(freshDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCleanupSkipsNonJSONAndRemovesEmptyDirs(t *testing.T) {
	dir := t.TempDir()
	f := NewFileLogger(dir, slog.Default()).WithRetentionDays(7)
	stale := time.Now().AddDate(0, 0, -10)

	// A stray non-json file is never deleted, even past retention, and it
	// keeps its directory alive.
	strayDir := filepath.Join(dir, "stray-session")
	require.NoError(t, os.MkdirAll(strayDir, 0o755))
	stray := filepath.Join(strayDir, "notes.txt")
	require.NoError(t, os.WriteFile(stray, []byte("keep"), 0o644))
	require.NoError(t, os.Chtimes(stray, stale, stale))

	// A directory that is already empty gets removed.
	emptyDir := filepath.Join(dir, "empty-session")
	require.NoError(t, os.MkdirAll(emptyDir, 0o755))

	f.CleanupOldLogs()

	_, err := os.Stat(stray)
	assert.NoError(t, err)

	_, err = os.Stat(emptyDir)
	assert.True(t, os.IsNotExist(err))
}
