package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftcast-app/swiftcast/pkg/config"
	"github.com/swiftcast-app/swiftcast/pkg/store"
)

const sampleStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_01","usage":{"input_tokens":12}}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello from upstream"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":12,"output_tokens":34}}

event: message_stop
data: {"type":"message_stop"}

`

func newTestProxy(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), dir, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Port:           0,
		DataDir:        dir,
		LogDir:         filepath.Join(dir, "logs"),
		TasksFile:      filepath.Join(dir, "tasks.json"),
		ProvidersDir:   filepath.Join(dir, "providers"),
		CompactionFile: filepath.Join(dir, "compaction.json"),
	}
	s, err := New(context.Background(), cfg, st, slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, st
}

func addAccount(t *testing.T, st *store.Store, name, baseURL, key string) store.Account {
	t.Helper()
	acct := store.NewAccount(name, baseURL)
	require.NoError(t, st.CreateAccount(context.Background(), acct, key))
	return acct
}

// fakeUpstream records the last request and replies with a canned SSE
// stream.
type fakeUpstream struct {
	srv      *httptest.Server
	hits     atomic.Int64
	lastHdr  atomic.Value // http.Header
	lastBody atomic.Value // []byte
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.lastHdr.Store(r.Header.Clone())
		body, _ := io.ReadAll(r.Body)
		f.lastBody.Store(body)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sampleStream)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) header() http.Header {
	h, _ := f.lastHdr.Load().(http.Header)
	return h
}

func (f *fakeUpstream) body() []byte {
	b, _ := f.lastBody.Load().([]byte)
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func postMessages(t *testing.T, s *Server, sessionID string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://"+s.Addr()+"/v1/messages", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("x-session-id", sessionID)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func TestSessionIDFromHeaders(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, "", sessionIDFromHeaders(h))

	h.Set("sentry-trace", "abc123-span-1")
	assert.Equal(t, "abc123", sessionIDFromHeaders(h))

	h.Set("x-request-id", "req-42")
	assert.Equal(t, "req-42", sessionIDFromHeaders(h))

	h.Set("x-session-id", "sess-1")
	assert.Equal(t, "sess-1", sessionIDFromHeaders(h))

	// A sentry-trace without a separator is used whole.
	h = http.Header{}
	h.Set("sentry-trace", "abc123")
	assert.Equal(t, "abc123", sessionIDFromHeaders(h))
}

func TestParseRequestInfo(t *testing.T) {
	info := parseRequestInfo([]byte(`{"model":"claude-sonnet-4","messages":[
		{"role":"user","content":"first"},
		{"role":"assistant","content":"reply"},
		{"role":"user","content":[{"type":"text","text":"second question"}]}
	]}`))
	assert.Equal(t, "claude-sonnet-4", info.Model)
	require.NotNil(t, info.LastMessage)
	assert.Equal(t, "second question", *info.LastMessage)

	info = parseRequestInfo([]byte(`{"messages":[]}`))
	assert.Equal(t, "unknown", info.Model)
	assert.Nil(t, info.LastMessage)

	info = parseRequestInfo([]byte(`not json`))
	assert.Equal(t, "", info.Model)
}

func TestTruncateExcerpt(t *testing.T) {
	short := strings.Repeat("a", 100)
	assert.Equal(t, short, truncateExcerpt(short))

	long := strings.Repeat("é", 150)
	got := truncateExcerpt(long)
	assert.Equal(t, 98, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestOverrideModel(t *testing.T) {
	body := []byte(`{"model":"claude-haiku-3","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	rewritten, info := overrideModel(body, "claude-opus-4")
	assert.Equal(t, "claude-opus-4", info.Model)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rewritten, &doc))
	assert.Equal(t, "claude-opus-4", doc["model"])
	assert.Equal(t, float64(100), doc["max_tokens"])

	raw := []byte(`not json`)
	same, _ := overrideModel(raw, "claude-opus-4")
	assert.Equal(t, raw, same)
}

func TestOutboundHeaders(t *testing.T) {
	inbound := http.Header{}
	inbound.Set("Authorization", "Bearer client-token")
	inbound.Set("x-api-key", "client-key")
	inbound.Set("Accept-Encoding", "gzip")
	inbound.Set("anthropic-version", "2023-06-01")

	out := outboundHeaders(inbound, false, "stored-key")
	assert.Equal(t, "stored-key", out.Get("x-api-key"))
	assert.Empty(t, out.Get("Authorization"))
	assert.Empty(t, out.Get("Accept-Encoding"))
	assert.Equal(t, "2023-06-01", out.Get("anthropic-version"))

	passthrough := outboundHeaders(inbound, true, "")
	assert.Equal(t, "Bearer client-token", passthrough.Get("Authorization"))
	assert.Equal(t, "client-key", passthrough.Get("x-api-key"))
}

func TestProxyForwardsAndLogsUsage(t *testing.T) {
	up := newFakeUpstream(t)
	s, st := newTestProxy(t)
	addAccount(t, st, "work", up.srv.URL, "sk-test-1")

	res := postMessages(t, s, "session-e2e",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	relayed, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, sampleStream, string(relayed))

	assert.Equal(t, "sk-test-1", up.header().Get("x-api-key"))
	assert.Empty(t, up.header().Get("Accept-Encoding"))

	cfg, err := st.GetSessionConfig(context.Background(), "session-e2e")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	waitFor(t, func() bool {
		entries, err := st.GetRecentUsage(context.Background(), 10)
		return err == nil && len(entries) == 1
	})
	entries, err := st.GetRecentUsage(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(12), entries[0].InputTokens)
	assert.Equal(t, int64(34), entries[0].OutputTokens)
	assert.Equal(t, "claude-sonnet-4", entries[0].Model)
}

func TestSessionStickyAcrossAccountSwitch(t *testing.T) {
	first := newFakeUpstream(t)
	second := newFakeUpstream(t)
	s, st := newTestProxy(t)
	addAccount(t, st, "first", first.srv.URL, "key-1")
	other := addAccount(t, st, "second", second.srv.URL, "key-2")

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`
	res := postMessages(t, s, "sticky-session", body)
	res.Body.Close()
	require.Equal(t, int64(1), first.hits.Load())

	require.NoError(t, st.SwitchAccount(context.Background(), other.ID))

	res = postMessages(t, s, "sticky-session", body)
	res.Body.Close()
	assert.Equal(t, int64(2), first.hits.Load())
	assert.Equal(t, int64(0), second.hits.Load())

	// A fresh session follows the newly active account.
	res = postMessages(t, s, "fresh-session", body)
	res.Body.Close()
	assert.Equal(t, int64(1), second.hits.Load())
}

func TestModelOverrideAppliedToUpstreamBody(t *testing.T) {
	up := newFakeUpstream(t)
	s, st := newTestProxy(t)
	acct := addAccount(t, st, "work", up.srv.URL, "key")

	override := "claude-opus-4"
	require.NoError(t, st.UpsertSessionConfig(context.Background(), "override-session", acct.ID, &override))

	res := postMessages(t, s, "override-session",
		`{"model":"claude-haiku-3","messages":[{"role":"user","content":"hi"}]}`)
	res.Body.Close()

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(up.body(), &sent))
	assert.Equal(t, "claude-opus-4", sent["model"])
}

func TestCompactionInjectionForOverriddenSession(t *testing.T) {
	up := newFakeUpstream(t)
	s, st := newTestProxy(t)
	acct := addAccount(t, st, "work", up.srv.URL, "key")

	instr := "always mention the build status"
	cfg := s.Injector().Config()
	cfg.Enabled = false
	cfg.SummarizationInstructions = &instr
	require.NoError(t, s.Injector().UpdateConfig(cfg))

	require.NoError(t, st.UpsertSessionConfig(context.Background(), "compact-session", acct.ID, nil))
	require.NoError(t, st.SetSessionOverrides(context.Background(), "compact-session", true, true, true))

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"Your task is to create a detailed summary of the conversation. Please provide your summary based on the conversation so far"}]}`
	res := postMessages(t, s, "compact-session", body)
	res.Body.Close()

	// The session override forces injection even though the global flag is
	// off.
	assert.Contains(t, string(up.body()), "Additional Summarization Instructions")
}

func TestCommandInterception(t *testing.T) {
	up := newFakeUpstream(t)
	s, st := newTestProxy(t)
	addAccount(t, st, "work", up.srv.URL, "key")

	res := postMessages(t, s, "cmd-session",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":">>swiftcast list"}]}`)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "message_start")
	assert.Contains(t, string(body), "message_stop")

	assert.Equal(t, int64(0), up.hits.Load(), "intercepted commands must not reach upstream")
}

// zeroReader yields an endless stream of zero bytes.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) { return len(p), nil }

func TestOversizedBodyReturns413(t *testing.T) {
	s, _ := newTestProxy(t)

	body := io.LimitReader(zeroReader{}, maxBodyBytes+1)
	req, err := http.NewRequest(http.MethodPost, "http://"+s.Addr()+"/v1/messages", body)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
}

func TestNoActiveAccountReturns503(t *testing.T) {
	s, _ := newTestProxy(t)

	res := postMessages(t, s, "any-session",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
	defer res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestUpstreamUnreachableReturns502(t *testing.T) {
	s, st := newTestProxy(t)
	addAccount(t, st, "dead", "http://127.0.0.1:1", "key")

	res := postMessages(t, s, "dead-session",
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestMappingEndpoint(t *testing.T) {
	s, st := newTestProxy(t)

	res, err := http.Post("http://"+s.Addr()+"/_swiftcast/threadcast/mapping",
		"application/json", bytes.NewReader([]byte(`{"session_id":"sess-1","todo_id":"todo-9"}`)))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	mapping, err := st.GetMappingBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "todo-9", mapping.TodoID)

	res, err = http.Post("http://"+s.Addr()+"/_swiftcast/threadcast/mapping",
		"application/json", bytes.NewReader([]byte(`{"session_id":""}`)))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	s, _ := newTestProxy(t)

	res, err := http.Get("http://" + s.Addr() + "/_swiftcast/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get("http://" + s.Addr() + "/_swiftcast/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "swiftcast_upstream_errors_total")
}