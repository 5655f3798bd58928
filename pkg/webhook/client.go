// Package webhook delivers fire-and-forget typed events to an external
// notification service.
package webhook

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/swiftcast-app/swiftcast/pkg/steps"
)

const (
	eventPath   = "/api/webhooks/swiftcast"
	mappingPath = "/api/webhooks/session-mapping"

	requestTimeout = 5 * time.Second
	connectTimeout = 3 * time.Second
)

// Payload is the wire shape of every event.
type Payload struct {
	Event     string      `json:"event"`
	TodoID    *string     `json:"todo_id,omitempty"`
	SessionID string      `json:"session_id"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// UsageData accompanies usage_logged events.
type UsageData struct {
	Model           string  `json:"model"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	ResponseSummary *string `json:"response_summary,omitempty"`
}

// AIQuestionData accompanies ai_question_detected events.
type AIQuestionData struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Context  string   `json:"context"`
}

// SessionCompleteData accompanies session_complete events.
type SessionCompleteData struct {
	StopReason        string   `json:"stop_reason"`
	TotalInputTokens  int64    `json:"total_input_tokens"`
	TotalOutputTokens int64    `json:"total_output_tokens"`
	DurationMS        int64    `json:"duration_ms"`
	CompletedSteps    []string `json:"completed_steps"`
}

// MappingData is forwarded when an external mapping is registered.
type MappingData struct {
	SessionID string  `json:"session_id"`
	TodoID    string  `json:"todo_id"`
	MissionID *string `json:"mission_id,omitempty"`
}

// Client posts events in background goroutines and never blocks the
// caller. Delivery failures are logged at debug level and forgotten.
type Client struct {
	httpClient *http.Client
	log        *slog.Logger

	mu      sync.RWMutex
	baseURL string
	enabled bool
}

func NewClient(log *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		log: log,
	}
}

// Configure sets the destination base URL and the enable flag. Safe to
// call while events are in flight.
func (c *Client) Configure(baseURL string, enabled bool) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.enabled = enabled
	c.mu.Unlock()
	c.log.Info("webhook configured", "enabled", enabled, "base_url", baseURL)
}

func (c *Client) target(path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled || c.baseURL == "" {
		return "", false
	}
	return c.baseURL + path, true
}

// Enabled reports whether events will actually be sent.
func (c *Client) Enabled() bool {
	_, ok := c.target(eventPath)
	return ok
}

func (c *Client) SendUsage(todoID *string, sessionID string, data UsageData) {
	c.send(eventPath, Payload{
		Event:     "usage_logged",
		TodoID:    todoID,
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
		Data:      data,
	})
}

func (c *Client) SendAIQuestion(todoID *string, sessionID string, data AIQuestionData) {
	c.send(eventPath, Payload{
		Event:     "ai_question_detected",
		TodoID:    todoID,
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
		Data:      data,
	})
}

func (c *Client) SendStepUpdate(todoID *string, sessionID string, update steps.Update) {
	c.send(eventPath, Payload{
		Event:     "step_update",
		TodoID:    todoID,
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
		Data:      update,
	})
}

func (c *Client) SendSessionComplete(todoID *string, sessionID string, data SessionCompleteData) {
	c.send(eventPath, Payload{
		Event:     "session_complete",
		TodoID:    todoID,
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
		Data:      data,
	})
}

// SendSessionMapping forwards a mapping registration to the notification
// service's dedicated endpoint.
func (c *Client) SendSessionMapping(data MappingData) {
	url, ok := c.target(mappingPath)
	if !ok {
		return
	}
	go c.post(url, "session_mapping", data)
}

func (c *Client) send(path string, payload Payload) {
	url, ok := c.target(path)
	if !ok {
		return
	}
	go c.post(url, payload.Event, payload)
}

func (c *Client) post(url, event string, body interface{}) {
	encoded, err := json.Marshal(body)
	if err != nil {
		c.log.Debug("webhook encode failed", "event", event, "error", err)
		return
	}
	resp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		c.log.Debug("webhook send failed", "event", event, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug("webhook rejected", "event", event, "status", resp.StatusCode)
		return
	}
	c.log.Debug("webhook sent", "event", event)
}
