// Package questions spots moments where the assistant is asking the user
// for a decision, so they can be surfaced through the notification webhook.
package questions

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxBufferSize = 4096

var questionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)should i (?:proceed|continue)\??`),
	regexp.MustCompile(`(?i)do you (?:want|approve|confirm)\??`),
	regexp.MustCompile(`(?i)is (?:this|that) (?:okay|correct|right)\??`),
	regexp.MustCompile(`(?i)shall i (?:proceed|continue|go ahead)\??`),
	regexp.MustCompile(`(?i)would you like (?:me to|to)\??`),
	regexp.MustCompile(`(?i)can i (?:proceed|continue|go ahead)\??`),
	regexp.MustCompile(`(?i)are you (?:sure|okay with)\??`),
	regexp.MustCompile(`(?i)please (?:confirm|approve|verify)`),
	regexp.MustCompile(`(?i)\[y(?:es)?/n(?:o)?\]`),
	regexp.MustCompile(`(?i)press.*(?:enter|y|n).*to.*(?:continue|proceed|confirm)`),
}

var optionsPattern = regexp.MustCompile(`\[([^\]]+)\]`)

// Detected is one question pulled out of the stream.
type Detected struct {
	Question string
	Context  string
	Options  []string
}

// Detector accumulates streamed text and matches question patterns over a
// sliding window. One Detector serves one response stream; create a fresh
// one per request. Not safe for concurrent use.
type Detector struct {
	buffer string
}

func NewDetector() *Detector {
	return &Detector{}
}

// ProcessText appends a text delta and reports a question if one has now
// appeared. The buffer is cleared after a detection so the same question
// is never reported twice.
func (d *Detector) ProcessText(text string) *Detected {
	d.buffer += text

	// Keep only the tail of the window, without splitting a rune.
	if len(d.buffer) > maxBufferSize {
		start := len(d.buffer) - maxBufferSize
		for start < len(d.buffer) && !utf8.RuneStart(d.buffer[start]) {
			start++
		}
		d.buffer = d.buffer[start:]
	}

	for _, pattern := range questionPatterns {
		loc := pattern.FindStringIndex(d.buffer)
		if loc == nil {
			continue
		}

		question := extractSentence(d.buffer, loc[0], loc[1])

		contextStart := loc[0] - 200
		if contextStart < 0 {
			contextStart = 0
		}
		for contextStart < loc[0] && !utf8.RuneStart(d.buffer[contextStart]) {
			contextStart++
		}
		context := strings.TrimSpace(d.buffer[contextStart:loc[0]])

		options := extractOptions(d.buffer[loc[0]:])
		d.buffer = ""

		return &Detected{Question: question, Context: context, Options: options}
	}
	return nil
}

// Reset drops the accumulated window.
func (d *Detector) Reset() {
	d.buffer = ""
}

func extractSentence(text string, start, end int) string {
	sentenceStart := 0
	if i := strings.LastIndexAny(text[:start], ".!?\n"); i >= 0 {
		sentenceStart = i + 1
	}
	sentenceEnd := len(text)
	if i := strings.IndexAny(text[end:], ".!?\n"); i >= 0 {
		sentenceEnd = end + i + 1
	}
	return strings.TrimSpace(text[sentenceStart:sentenceEnd])
}

func extractOptions(text string) []string {
	var options []string
	if caps := optionsPattern.FindStringSubmatch(text); caps != nil {
		for _, opt := range strings.Split(caps[1], "/") {
			if opt = strings.TrimSpace(opt); opt != "" {
				options = append(options, opt)
			}
		}
	}
	if len(options) == 0 {
		options = []string{"Yes", "No"}
	}
	return options
}
