package sse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const synthChunkRunes = 50

// Synthesize wraps locally produced text in an Anthropic-compatible SSE
// stream. The message_delta deliberately carries "stop_reason": null so
// downstream listeners never mistake a synthetic response for a genuine
// end of turn.
func Synthesize(text string) string {
	messageID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]

	var b strings.Builder
	fmt.Fprintf(&b,
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":%q,\"type\":\"message\",\"role\":\"assistant\",\"content\":[],\"model\":\"custom-task\",\"stop_reason\":null,\"stop_sequence\":null,\"usage\":{\"input_tokens\":0,\"output_tokens\":0}}}\n\n",
		messageID)

	b.WriteString("event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n")

	runes := []rune(text)
	for i := 0; i < len(runes); i += synthChunkRunes {
		end := i + synthChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		escaped, _ := json.Marshal(string(runes[i:end]))
		fmt.Fprintf(&b,
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":%s}}\n\n",
			escaped)
	}

	b.WriteString("event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n")

	fmt.Fprintf(&b,
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":null,\"stop_sequence\":null},\"usage\":{\"output_tokens\":%d}}\n\n",
		len(text)/4)

	b.WriteString("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	return b.String()
}
