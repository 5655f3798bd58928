package hooks

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestContext carries the immutable facts of one proxied request. It is
// built once by the handler and shared read-only with every hook.
type RequestContext struct {
	RequestID    string          `json:"request_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Model        string          `json:"model"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	Body         json.RawMessage `json:"body"`
	Timestamp    int64           `json:"timestamp"`
	TimestampISO string          `json:"timestamp_iso"`
}

// NewRequestContext assigns a fresh request id and stamps the current time.
func NewRequestContext(sessionID, model, method, path string, body json.RawMessage) *RequestContext {
	now := time.Now().UTC()
	return &RequestContext{
		RequestID:    uuid.NewString(),
		SessionID:    sessionID,
		Model:        model,
		Method:       method,
		Path:         path,
		Body:         body,
		Timestamp:    now.Unix(),
		TimestampISO: now.Format(time.RFC3339),
	}
}

// ShortSessionID returns the first 16 characters of the session id, used
// for log directory naming. Empty when the request carried no session.
func (c *RequestContext) ShortSessionID() string {
	runes := []rune(c.SessionID)
	if len(runes) > 16 {
		runes = runes[:16]
	}
	return string(runes)
}

// ResponseContext is the finalized view of one completed exchange.
type ResponseContext struct {
	StatusCode   int     `json:"status_code"`
	DurationMS   int64   `json:"duration_ms"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	IsSuccess    bool    `json:"is_success"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ResponseText string  `json:"response_text"`
	Timestamp    int64   `json:"timestamp"`
	StopReason   *string `json:"stop_reason,omitempty"`
}

// ResponseBuilder accumulates streaming response state. The chunk loop and
// the background tasks it spawns append concurrently, so every accessor
// takes the mutex.
type ResponseBuilder struct {
	mu         sync.Mutex
	statusCode int
	start      time.Time
	text       []byte
	inTokens   int64
	outTokens  int64
	errMsg     *string
	stopReason *string
}

func NewResponseBuilder(statusCode int) *ResponseBuilder {
	return &ResponseBuilder{statusCode: statusCode, start: time.Now()}
}

func (b *ResponseBuilder) AppendText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = append(b.text, text...)
}

func (b *ResponseBuilder) SetTokens(input, output int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inTokens = input
	b.outTokens = output
}

func (b *ResponseBuilder) SetError(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errMsg = &msg
}

func (b *ResponseBuilder) SetStopReason(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopReason = &reason
}

// StatusCode returns the upstream status the builder was opened with.
func (b *ResponseBuilder) StatusCode() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusCode
}

// StopReason returns the stop reason observed so far, or "".
func (b *ResponseBuilder) StopReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopReason == nil {
		return ""
	}
	return *b.stopReason
}

// Build snapshots the accumulated state into a ResponseContext. The builder
// remains usable; Build may be called more than once.
func (b *ResponseBuilder) Build() *ResponseContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &ResponseContext{
		StatusCode:   b.statusCode,
		DurationMS:   time.Since(b.start).Milliseconds(),
		InputTokens:  b.inTokens,
		OutputTokens: b.outTokens,
		IsSuccess:    b.statusCode >= 200 && b.statusCode < 300 && b.errMsg == nil,
		ErrorMessage: b.errMsg,
		ResponseText: string(b.text),
		Timestamp:    time.Now().Unix(),
		StopReason:   b.stopReason,
	}
}
