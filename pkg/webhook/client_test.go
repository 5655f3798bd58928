package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftcast-app/swiftcast/pkg/steps"
)

type capture struct {
	mu     sync.Mutex
	paths  []string
	bodies [][]byte
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *capture) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.paths)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d webhook deliveries", n)
}

func TestSendUsagePayload(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	c := NewClient(slog.Default())
	c.Configure(srv.URL, true)
	require.True(t, c.Enabled())

	todo := "todo-1"
	c.SendUsage(&todo, "sess-1", UsageData{Model: "claude-sonnet-4", InputTokens: 10, OutputTokens: 5})
	cap.wait(t, 1)

	assert.Equal(t, "/api/webhooks/swiftcast", cap.paths[0])
	var payload Payload
	require.NoError(t, json.Unmarshal(cap.bodies[0], &payload))
	assert.Equal(t, "usage_logged", payload.Event)
	assert.Equal(t, "sess-1", payload.SessionID)
	require.NotNil(t, payload.TodoID)
	assert.Equal(t, "todo-1", *payload.TodoID)
}

func TestSendStepUpdateAndSessionComplete(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	c := NewClient(slog.Default())
	c.Configure(srv.URL, true)

	c.SendStepUpdate(nil, "sess-1", steps.Update{StepType: steps.PhaseAnalysis, Status: steps.StatusInProgress})
	c.SendSessionComplete(nil, "sess-1", SessionCompleteData{
		StopReason:     "end_turn",
		CompletedSteps: []string{steps.PhaseAnalysis},
	})
	cap.wait(t, 2)

	events := make(map[string]bool)
	for _, body := range cap.bodies {
		var p Payload
		require.NoError(t, json.Unmarshal(body, &p))
		events[p.Event] = true
	}
	assert.True(t, events["step_update"])
	assert.True(t, events["session_complete"])
}

func TestSendSessionMappingUsesDedicatedPath(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	c := NewClient(slog.Default())
	c.Configure(srv.URL+"/", true)

	c.SendSessionMapping(MappingData{SessionID: "sess-1", TodoID: "todo-9"})
	cap.wait(t, 1)
	assert.Equal(t, "/api/webhooks/session-mapping", cap.paths[0])
}

func TestDisabledClientSendsNothing(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	c := NewClient(slog.Default())
	c.Configure(srv.URL, false)
	assert.False(t, c.Enabled())

	c.SendUsage(nil, "sess-1", UsageData{Model: "m"})
	time.Sleep(50 * time.Millisecond)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Empty(t, cap.paths)
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(slog.Default())
	c.Configure(srv.URL, true)

	// Must not panic or block even when the receiver rejects everything.
	c.SendAIQuestion(nil, "sess-1", AIQuestionData{Question: "which db?"})
	time.Sleep(50 * time.Millisecond)
}
