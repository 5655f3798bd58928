// Package steps infers coarse workflow phases from the tools an agent
// invokes and reports phase transitions.
package steps

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Workflow phases, ordered only by convention; the tracker follows the
// agent wherever it goes.
const (
	PhaseAnalysis       = "ANALYSIS"
	PhaseDesign         = "DESIGN"
	PhaseImplementation = "IMPLEMENTATION"
	PhaseVerification   = "VERIFICATION"
)

const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
)

// Update describes one phase-status change, shaped for the step_update
// webhook payload.
type Update struct {
	StepType string  `json:"step_type"`
	Status   string  `json:"status"`
	Progress *int    `json:"progress,omitempty"`
	Message  *string `json:"message,omitempty"`
	ToolName *string `json:"tool_name,omitempty"`
}

var toolPhases = map[string]string{
	"Read":      PhaseAnalysis,
	"Glob":      PhaseAnalysis,
	"Grep":      PhaseAnalysis,
	"WebFetch":  PhaseAnalysis,
	"WebSearch": PhaseAnalysis,

	"EnterPlanMode": PhaseDesign,
	"ExitPlanMode":  PhaseDesign,
	"TaskCreate":    PhaseDesign,
	"TaskUpdate":    PhaseDesign,
	"TaskList":      PhaseDesign,
	"TaskGet":       PhaseDesign,

	"Edit":         PhaseImplementation,
	"Write":        PhaseImplementation,
	"NotebookEdit": PhaseImplementation,
}

var testKeywords = []string{
	"test", "jest", "pytest", "npm run test", "./gradlew test", "mvn test", "cargo test",
}

// Tracker holds per-session phase state. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	current   map[string]string
	completed map[string][]string
}

func NewTracker() *Tracker {
	return &Tracker{
		current:   make(map[string]string),
		completed: make(map[string][]string),
	}
}

// phaseFor classifies a tool invocation. Bash is split on its command:
// test-looking commands count as verification, everything else as
// implementation. Unmapped tools return "".
func phaseFor(toolName string, toolInput json.RawMessage) string {
	if toolName == "Bash" {
		if isTestCommand(toolInput) {
			return PhaseVerification
		}
		return PhaseImplementation
	}
	return toolPhases[toolName]
}

func isTestCommand(input json.RawMessage) bool {
	var parsed struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &parsed); err != nil || parsed.Command == "" {
		return false
	}
	cmd := strings.ToLower(parsed.Command)
	for _, kw := range testKeywords {
		if strings.Contains(cmd, kw) {
			return true
		}
	}
	return false
}

// ProcessToolUse records one observed tool use. It returns the COMPLETED
// update for the phase just left (nil when the phase did not change) and
// the IN_PROGRESS update for the current phase (nil when the tool is not
// tracked).
func (t *Tracker) ProcessToolUse(sessionID, toolName string, toolInput json.RawMessage) (completed, next *Update) {
	phase := phaseFor(toolName, toolInput)
	if phase == "" {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current[sessionID] == phase {
		return nil, inProgressUpdate(phase, fmt.Sprintf("Using %s", toolName), toolName)
	}

	previous := t.current[sessionID]
	t.current[sessionID] = phase
	if previous != "" {
		t.completed[sessionID] = append(t.completed[sessionID], previous)
		completed = completedUpdate(previous)
	}
	next = inProgressUpdate(phase,
		fmt.Sprintf("Started %s with %s", strings.ToLower(phase), toolName), toolName)
	return completed, next
}

// CompleteCurrent forcibly completes the session's current phase, for
// stream end. Returns nil when no phase is in progress.
func (t *Tracker) CompleteCurrent(sessionID string) *Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	phase, ok := t.current[sessionID]
	if !ok {
		return nil
	}
	delete(t.current, sessionID)
	t.completed[sessionID] = append(t.completed[sessionID], phase)
	return completedUpdate(phase)
}

// CompletedSteps returns the phases completed so far for a session.
func (t *Tracker) CompletedSteps(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.completed[sessionID]...)
}

// ClearSession drops all state for a session.
func (t *Tracker) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.current, sessionID)
	delete(t.completed, sessionID)
}

func inProgressUpdate(phase, message, toolName string) *Update {
	return &Update{
		StepType: phase,
		Status:   StatusInProgress,
		Message:  &message,
		ToolName: &toolName,
	}
}

func completedUpdate(phase string) *Update {
	progress := 100
	message := "Step completed"
	return &Update{
		StepType: phase,
		Status:   StatusCompleted,
		Progress: &progress,
		Message:  &message,
	}
}
