// Package sse decodes Anthropic-style server-sent event streams on the fly
// and synthesizes compatible streams for locally answered requests.
package sse

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// Event is one fact extracted from the stream. Exactly one of the pointer
// fields is set.
type Event struct {
	Text    *TextDelta
	ToolUse *ToolUse
	Usage   *Usage
}

// TextDelta is a fragment of assistant output text.
type TextDelta struct {
	Text string
}

// ToolUse marks the start of a tool_use content block.
type ToolUse struct {
	Name  string
	Input json.RawMessage
}

// Usage carries token counts and, when present, the stream's stop reason.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	StopReason   string
}

// Scanner is a best-effort streaming decoder. One Scanner serves one
// upstream response; a line bisected by a chunk boundary is held in the
// carry buffer until its trailing newline arrives. Not safe for concurrent
// use.
type Scanner struct {
	carry []byte
}

func NewScanner() *Scanner {
	return &Scanner{}
}

var dataPrefix = []byte("data: ")

// Scan consumes one raw chunk and returns the events found in every line
// completed by it, in stream order. Chunks that are not valid UTF-8 are
// dropped; so are data payloads that fail to parse as JSON.
func (s *Scanner) Scan(chunk []byte) []Event {
	if !utf8.Valid(chunk) {
		return nil
	}
	s.carry = append(s.carry, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(s.carry, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(s.carry[:i], "\r")
		s.carry = s.carry[i+1:]
		if ev, ok := parseLine(line); ok {
			events = append(events, ev...)
		}
	}
	return events
}

// Flush processes whatever remains in the carry buffer as a final line.
// Upstreams terminate events with a blank line so this is normally empty.
func (s *Scanner) Flush() []Event {
	line := s.carry
	s.carry = nil
	ev, _ := parseLine(line)
	return ev
}

type ssePayload struct {
	Type         string `json:"type"`
	ContentBlock *struct {
		Type  string          `json:"type"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta *struct {
		Type       string  `json:"type"`
		Text       string  `json:"text"`
		StopReason *string `json:"stop_reason"`
	} `json:"delta"`
	Usage *tokenUsage `json:"usage"`
	// message_stop nests usage one level down.
	Message *struct {
		Usage *tokenUsage `json:"usage"`
	} `json:"message"`
}

type tokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func parseLine(line []byte) ([]Event, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	var p ssePayload
	if err := json.Unmarshal(line[len(dataPrefix):], &p); err != nil {
		return nil, false
	}

	var events []Event
	switch p.Type {
	case "content_block_start":
		if p.ContentBlock != nil && p.ContentBlock.Type == "tool_use" {
			events = append(events, Event{ToolUse: &ToolUse{
				Name:  p.ContentBlock.Name,
				Input: p.ContentBlock.Input,
			}})
		}
	case "content_block_delta":
		if p.Delta != nil && p.Delta.Text != "" {
			events = append(events, Event{Text: &TextDelta{Text: p.Delta.Text}})
		}
	case "message_delta":
		u := Usage{}
		found := false
		if p.Usage != nil {
			u.InputTokens = p.Usage.InputTokens
			u.OutputTokens = p.Usage.OutputTokens
			found = true
		}
		if p.Delta != nil && p.Delta.StopReason != nil {
			u.StopReason = *p.Delta.StopReason
			found = true
		}
		if found {
			events = append(events, Event{Usage: &u})
		}
	case "message_stop":
		if p.Message != nil && p.Message.Usage != nil {
			events = append(events, Event{Usage: &Usage{
				InputTokens:  p.Message.Usage.InputTokens,
				OutputTokens: p.Message.Usage.OutputTokens,
			}})
		}
	}
	return events, len(events) > 0
}
