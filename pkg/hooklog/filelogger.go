// Package hooklog persists completed request/response exchanges as JSON
// files, one per exchange, grouped by session.
package hooklog

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/swiftcast-app/swiftcast/pkg/hooks"
)

const DefaultRetentionDays = 30

// Entry is the on-disk record of one exchange.
type Entry struct {
	RequestID string       `json:"request_id"`
	SessionID string       `json:"session_id"`
	Request   RequestData  `json:"request"`
	Response  ResponseData `json:"response"`
}

type RequestData struct {
	Timestamp    int64           `json:"timestamp"`
	TimestampISO string          `json:"timestamp_iso"`
	Model        string          `json:"model"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	Body         json.RawMessage `json:"body"`
}

type ResponseData struct {
	Timestamp    int64   `json:"timestamp"`
	StatusCode   int     `json:"status_code"`
	DurationMS   int64   `json:"duration_ms"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	IsSuccess    bool    `json:"is_success"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ResponseText string  `json:"response_text"`
	StopReason   *string `json:"stop_reason,omitempty"`
}

func newEntry(req *hooks.RequestContext, res *hooks.ResponseContext) Entry {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "unknown"
	}
	return Entry{
		RequestID: req.RequestID,
		SessionID: sessionID,
		Request: RequestData{
			Timestamp:    req.Timestamp,
			TimestampISO: req.TimestampISO,
			Model:        req.Model,
			Method:       req.Method,
			Path:         req.Path,
			Body:         req.Body,
		},
		Response: ResponseData{
			Timestamp:    res.Timestamp,
			StatusCode:   res.StatusCode,
			DurationMS:   res.DurationMS,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			IsSuccess:    res.IsSuccess,
			ErrorMessage: res.ErrorMessage,
			ResponseText: res.ResponseText,
			StopReason:   res.StopReason,
		},
	}
}

// FileLogger is an observation hook writing one JSON file per completed
// exchange under <logDir>/<short session id>/.
type FileLogger struct {
	hooks.BaseHook

	logDir        string
	retentionDays int
	log           *slog.Logger

	mu      sync.RWMutex
	enabled bool
}

func NewFileLogger(logDir string, log *slog.Logger) *FileLogger {
	return &FileLogger{
		logDir:        logDir,
		retentionDays: DefaultRetentionDays,
		log:           log,
		enabled:       true,
	}
}

// WithRetentionDays overrides the default 30-day retention.
func (f *FileLogger) WithRetentionDays(days int) *FileLogger {
	if days > 0 {
		f.retentionDays = days
	}
	return f
}

func (f *FileLogger) Name() string { return "file_logger" }

func (f *FileLogger) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *FileLogger) isEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

func (f *FileLogger) sessionDir(sessionID string) string {
	runes := []rune(sessionID)
	if len(runes) > 16 {
		runes = runes[:16]
	}
	return filepath.Join(f.logDir, string(runes))
}

var modelSanitizer = strings.NewReplacer("/", "_", ":", "_", ".", "_")

func filename(req *hooks.RequestContext, seq int) string {
	shortID := req.RequestID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return time.Now().UTC().Format("20060102_150405") +
		"_" + shortID +
		"_" + strconv.Itoa(seq) +
		"_" + modelSanitizer.Replace(req.Model) + ".json"
}

// OnResponseComplete writes the exchange record. Failures are logged and
// swallowed; logging never affects the proxied request.
func (f *FileLogger) OnResponseComplete(_ context.Context, req *hooks.RequestContext, res *hooks.ResponseContext) {
	if !f.isEnabled() {
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "unknown"
	}
	dir := f.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.log.Error("failed to create hook log dir", "dir", dir, "error", err)
		return
	}

	// Sequence is existing file count + 1. Races are tolerable: the
	// timestamp and request id keep names unique.
	seq := 1
	if entries, err := os.ReadDir(dir); err == nil {
		seq = len(entries) + 1
	}

	path := filepath.Join(dir, filename(req, seq))
	encoded, err := json.MarshalIndent(newEntry(req, res), "", "  ")
	if err != nil {
		f.log.Error("failed to encode hook log entry", "error", err)
		return
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		f.log.Error("failed to write hook log", "path", path, "error", err)
		return
	}
	f.log.Debug("hook log written", "path", path)
}

// CleanupOldLogs deletes log files older than the retention window and
// removes session directories left empty.
func (f *FileLogger) CleanupOldLogs() {
	cutoff := time.Now().AddDate(0, 0, -f.retentionDays)

	sessions, err := os.ReadDir(f.logDir)
	if err != nil {
		f.log.Debug("no hook log directory to clean", "error", err)
		return
	}

	var deletedFiles, deletedDirs int
	for _, session := range sessions {
		if !session.IsDir() {
			continue
		}
		dir := filepath.Join(f.logDir, session.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		remaining := len(files)
		for _, file := range files {
			if !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			info, err := file.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, file.Name())
			if err := os.Remove(path); err != nil {
				f.log.Warn("failed to delete old hook log", "path", path, "error", err)
				continue
			}
			deletedFiles++
			remaining--
		}
		if remaining == 0 {
			if err := os.Remove(dir); err == nil {
				deletedDirs++
			}
		}
	}

	if deletedFiles > 0 || deletedDirs > 0 {
		f.log.Info("hook log cleanup",
			"files_deleted", deletedFiles,
			"dirs_deleted", deletedDirs,
			"retention_days", f.retentionDays)
	}
}

// StartCleanupLoop runs CleanupOldLogs immediately and then once a day
// until ctx is cancelled.
func (f *FileLogger) StartCleanupLoop(ctx context.Context) {
	go func() {
		f.CleanupOldLogs()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.CleanupOldLogs()
			}
		}
	}()
}
