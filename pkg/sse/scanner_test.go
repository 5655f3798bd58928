package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanTextDelta(t *testing.T) {
	s := NewScanner()
	events := s.Scan([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hello\"}}\n\n"))
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Text)
	assert.Equal(t, "hello", events[0].Text.Text)
}

func TestScanToolUse(t *testing.T) {
	s := NewScanner()
	events := s.Scan([]byte("data: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"tu_1\",\"name\":\"Bash\",\"input\":{\"command\":\"ls\"}}}\n"))
	require.Len(t, events, 1)
	require.NotNil(t, events[0].ToolUse)
	assert.Equal(t, "Bash", events[0].ToolUse.Name)
	assert.JSONEq(t, `{"command":"ls"}`, string(events[0].ToolUse.Input))

	// Plain text blocks are not tool uses.
	events = s.Scan([]byte("data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n"))
	assert.Empty(t, events)
}

func TestScanUsageFromMessageDelta(t *testing.T) {
	s := NewScanner()
	events := s.Scan([]byte("data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"input_tokens\":120,\"output_tokens\":48}}\n"))
	require.Len(t, events, 1)
	u := events[0].Usage
	require.NotNil(t, u)
	assert.Equal(t, int64(120), u.InputTokens)
	assert.Equal(t, int64(48), u.OutputTokens)
	assert.Equal(t, "end_turn", u.StopReason)
}

func TestScanUsageFromMessageStop(t *testing.T) {
	s := NewScanner()
	events := s.Scan([]byte("data: {\"type\":\"message_stop\",\"message\":{\"usage\":{\"input_tokens\":7,\"output_tokens\":3}}}\n"))
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Usage)
	assert.Equal(t, int64(7), events[0].Usage.InputTokens)

	// A bare message_stop emits nothing.
	events = s.Scan([]byte("data: {\"type\":\"message_stop\"}\n"))
	assert.Empty(t, events)
}

func TestScanLineSplitAcrossChunks(t *testing.T) {
	s := NewScanner()
	full := "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"split\"}}\n"

	events := s.Scan([]byte(full[:40]))
	assert.Empty(t, events)

	events = s.Scan([]byte(full[40:]))
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Text)
	assert.Equal(t, "split", events[0].Text.Text)
}

func TestScanOrderWithinChunk(t *testing.T) {
	s := NewScanner()
	chunk := "data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"tail\"}}\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"input_tokens\":1,\"output_tokens\":2}}\n"
	events := s.Scan([]byte(chunk))
	require.Len(t, events, 2)
	assert.NotNil(t, events[0].Text)
	assert.NotNil(t, events[1].Usage)
}

func TestScanDropsInvalidInput(t *testing.T) {
	s := NewScanner()
	assert.Empty(t, s.Scan([]byte{0xff, 0xfe, 0xfd}))
	assert.Empty(t, s.Scan([]byte("data: {not json}\n")))
	assert.Empty(t, s.Scan([]byte("event: ping\n\n")))

	// The invalid chunk must not have poisoned the carry buffer.
	events := s.Scan([]byte("data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"ok\"}}\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Text.Text)
}

func TestSynthesize(t *testing.T) {
	text := strings.Repeat("x", 120)
	stream := Synthesize(text)

	assert.Contains(t, stream, "event: message_start")
	assert.Contains(t, stream, "\"stop_reason\":null")
	assert.Contains(t, stream, "event: message_stop")
	assert.Equal(t, 3, strings.Count(stream, "content_block_delta"))

	// Round-trip through the scanner recovers the full text.
	s := NewScanner()
	var got strings.Builder
	sawNullStop := true
	for _, ev := range s.Scan([]byte(stream)) {
		if ev.Text != nil {
			got.WriteString(ev.Text.Text)
		}
		if ev.Usage != nil {
			// stop_reason null means the usage event carries no reason.
			sawNullStop = ev.Usage.StopReason == ""
		}
	}
	assert.Equal(t, text, got.String())
	assert.True(t, sawNullStop)
}
