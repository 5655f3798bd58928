package proxy

import (
	"encoding/json"
)

const excerptLimit = 100

// RequestInfo is what the handler needs from an inbound Messages body:
// the effective model and the last user message excerpt.
type RequestInfo struct {
	Model       string
	LastMessage *string
}

type messagesBody struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// parseRequestInfo reads the model and last-user-message excerpt out of a
// request body. Unparseable bodies yield a zero RequestInfo; the proxy
// forwards them regardless.
func parseRequestInfo(body []byte) RequestInfo {
	var parsed messagesBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return RequestInfo{}
	}
	model := parsed.Model
	if model == "" {
		model = "unknown"
	}

	info := RequestInfo{Model: model}
	for i := len(parsed.Messages) - 1; i >= 0; i-- {
		if parsed.Messages[i].Role != "user" {
			continue
		}
		if text := contentText(parsed.Messages[i].Content); text != "" {
			excerpt := truncateExcerpt(text)
			info.LastMessage = &excerpt
		}
		break
	}
	return info
}

// contentText handles both string content and multimodal content arrays,
// taking the first text part.
func contentText(content json.RawMessage) string {
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &items); err == nil {
		for _, item := range items {
			if item.Type == "text" {
				return item.Text
			}
		}
	}
	return ""
}

// truncateExcerpt caps a message at 100 code points, replacing the tail
// with an ellipsis when over.
func truncateExcerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= excerptLimit {
		return s
	}
	return string(runes[:97]) + "…"
}

// overrideModel rewrites the body's top-level model field, preserving all
// other fields, and reports the request info under the new model. A body
// that fails to parse is passed through untouched.
func overrideModel(body []byte, newModel string) ([]byte, RequestInfo) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, RequestInfo{}
	}
	info := parseRequestInfo(body)
	info.Model = newModel

	encoded, err := json.Marshal(newModel)
	if err != nil {
		return body, info
	}
	doc["model"] = encoded

	rewritten, err := json.Marshal(doc)
	if err != nil {
		return body, info
	}
	return rewritten, info
}
