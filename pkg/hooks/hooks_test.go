package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	BaseHook
	calls []string
}

func (h *recordingHook) Name() string { return "recording" }

func (h *recordingHook) OnRequestBefore(_ context.Context, _ *RequestContext) {
	h.calls = append(h.calls, "before")
}

func (h *recordingHook) OnResponseComplete(_ context.Context, _ *RequestContext, _ *ResponseContext) {
	h.calls = append(h.calls, "complete")
}

type suffixModify struct {
	suffix string
}

func (m *suffixModify) Name() string { return "suffix" }

func (m *suffixModify) ModifyRequestBody(_ context.Context, body []byte, _ *RequestContext) ([]byte, bool) {
	return append(body, m.suffix...), true
}

func (m *suffixModify) ModifyResponseText(_ context.Context, text string, _ *RequestContext) (string, bool) {
	return "", false
}

func TestRegistryDispatchOrder(t *testing.T) {
	r := NewRegistry(slog.Default())
	h := &recordingHook{}
	r.Register(h)

	req := NewRequestContext("sess", "claude-sonnet-4", "POST", "/v1/messages", nil)
	r.TriggerRequestBefore(context.Background(), req)
	r.TriggerResponseComplete(context.Background(), req, &ResponseContext{})

	assert.Equal(t, []string{"before", "complete"}, h.calls)
}

func TestRegistryDisabledShortCircuits(t *testing.T) {
	r := NewRegistry(slog.Default())
	h := &recordingHook{}
	r.Register(h)
	r.SetEnabled(false)

	req := NewRequestContext("", "m", "POST", "/", nil)
	r.TriggerRequestBefore(context.Background(), req)
	assert.Empty(t, h.calls)

	body, modified := r.ApplyRequestBody(context.Background(), []byte("x"), req)
	assert.Equal(t, []byte("x"), body)
	assert.False(t, modified)
}

func TestApplyRequestBodyChains(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.RegisterModify(&suffixModify{suffix: "-a"})
	r.RegisterModify(&suffixModify{suffix: "-b"})

	req := NewRequestContext("", "m", "POST", "/", nil)
	body, modified := r.ApplyRequestBody(context.Background(), []byte("base"), req)
	assert.True(t, modified)
	assert.Equal(t, "base-a-b", string(body))
}

func TestRequestContextShortSessionID(t *testing.T) {
	req := NewRequestContext(strings.Repeat("ab", 20), "m", "POST", "/", json.RawMessage(`{}`))
	assert.Len(t, req.ShortSessionID(), 16)
	require.NotEmpty(t, req.RequestID)
	assert.NotEmpty(t, req.TimestampISO)

	empty := NewRequestContext("", "m", "POST", "/", nil)
	assert.Empty(t, empty.ShortSessionID())
}

func TestResponseBuilderBuild(t *testing.T) {
	b := NewResponseBuilder(200)
	b.AppendText("hello ")
	b.AppendText("world")
	b.SetTokens(12, 34)
	b.SetStopReason("end_turn")

	res := b.Build()
	assert.Equal(t, 200, res.StatusCode)
	assert.True(t, res.IsSuccess)
	assert.Equal(t, "hello world", res.ResponseText)
	assert.Equal(t, int64(12), res.InputTokens)
	assert.Equal(t, int64(34), res.OutputTokens)
	require.NotNil(t, res.StopReason)
	assert.Equal(t, "end_turn", *res.StopReason)

	b.SetError("stream reset")
	res = b.Build()
	assert.False(t, res.IsSuccess)
	require.NotNil(t, res.ErrorMessage)
	assert.Equal(t, "stream reset", *res.ErrorMessage)
}
