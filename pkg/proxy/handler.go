package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/swiftcast-app/swiftcast/pkg/hooks"
	"github.com/swiftcast-app/swiftcast/pkg/questions"
	"github.com/swiftcast-app/swiftcast/pkg/sse"
	"github.com/swiftcast-app/swiftcast/pkg/webhook"
)

// quiescenceDelay gives background writers from the chunk loop a moment to
// land before the response record is finalized.
const quiescenceDelay = 100 * time.Millisecond

// outboundDrops are inbound headers never forwarded upstream. The transport
// recomputes framing and we disable compression explicitly.
var outboundDrops = []string{"Host", "Content-Length", "Connection", "Transfer-Encoding", "Accept-Encoding"}

// responseDrops are upstream headers not copied back to the client.
var responseDrops = []string{"Transfer-Encoding", "Connection"}

// outboundHeaders derives the upstream header set from the inbound one.
// Anthropic accounts ride on the client's own OAuth/key headers; everyone
// else gets the stored key and nothing of the client's credentials.
func outboundHeaders(inbound http.Header, anthropic bool, apiKey string) http.Header {
	h := inbound.Clone()
	for _, name := range outboundDrops {
		h.Del(name)
	}
	if !anthropic {
		h.Del("Authorization")
		h.Set("x-api-key", apiKey)
	}
	return h
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.metrics.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	http.Error(w, msg, status)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		s.metrics.requestDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, http.StatusRequestEntityTooLarge, "request body exceeds 100 MiB")
			return
		}
		s.fail(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sessionID := sessionIDFromHeaders(r.Header)
	route, err := s.router.Resolve(r.Context(), sessionID)
	if err != nil {
		var re *routeError
		if errors.As(err, &re) {
			s.log.Error("routing failed", "session_id", sessionID, "error", err)
			s.fail(w, re.status, re.message)
			return
		}
		s.fail(w, http.StatusInternalServerError, "routing failed")
		return
	}

	var info RequestInfo
	if route.ModelOverride != nil {
		original := parseRequestInfo(body).Model
		body, info = overrideModel(body, *route.ModelOverride)
		s.log.Debug("model override applied",
			"session_id", sessionID, "from", original, "to", *route.ModelOverride)
	} else {
		info = parseRequestInfo(body)
	}
	if info.Model == "" {
		info.Model = "unknown"
	}

	if route.Existing {
		if err := s.store.UpdateSessionActivity(r.Context(), sessionID, info.LastMessage); err != nil {
			s.log.Warn("failed to update session activity", "session_id", sessionID, "error", err)
		}
	}

	reqCtx := hooks.NewRequestContext(sessionID, info.Model, r.Method, r.URL.Path, json.RawMessage(body))

	if route.APILogging {
		s.registry.TriggerRequestBefore(r.Context(), reqCtx)
	}

	compaction := s.injector.Config().Enabled
	if route.CompactionOverride != nil {
		compaction = *route.CompactionOverride
	}
	if compaction {
		if modified, changed := s.registry.ApplyRequestBody(r.Context(), body, reqCtx); changed {
			body = modified
			reqCtx.Body = json.RawMessage(body)
		}
	}

	if route.CustomTasks {
		if result := s.tasks.TryIntercept(r.Context(), reqCtx); result.Intercepted {
			s.respondIntercepted(w, r.Context(), reqCtx, route, result.ResponseText, start)
			return
		}
	}

	s.forward(w, r, route, reqCtx, body, start)
}

// respondIntercepted answers a command locally with a synthesized stream.
// No upstream call happens and no usage is logged.
func (s *Server) respondIntercepted(w http.ResponseWriter, ctx context.Context, reqCtx *hooks.RequestContext, route *Route, text string, start time.Time) {
	s.metrics.intercepted.Inc()
	s.metrics.requestsTotal.WithLabelValues("200").Inc()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, sse.Synthesize(text))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if route.APILogging {
		builder := hooks.NewResponseBuilder(http.StatusOK)
		builder.AppendText(text)
		builder.SetStopReason("end_turn")
		res := builder.Build()
		res.DurationMS = time.Since(start).Milliseconds()
		s.registry.TriggerRequestSuccess(ctx, reqCtx, res)
		s.registry.TriggerResponseComplete(ctx, reqCtx, res)
		s.registry.TriggerRequestAfter(ctx, reqCtx, res)
	}
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, route *Route, reqCtx *hooks.RequestContext, body []byte, start time.Time) {
	account := route.Account
	anthropic := strings.Contains(account.BaseURL, "api.anthropic.com")

	var apiKey string
	if !anthropic {
		key, err := s.store.Vault().Get(account.ID)
		if err != nil {
			s.log.Error("failed to load api key", "account_id", account.ID, "error", err)
			s.fail(w, http.StatusInternalServerError, "failed to load account credentials")
			return
		}
		apiKey = key
	}

	target := strings.TrimSuffix(account.BaseURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request")
		return
	}
	upReq.Header = outboundHeaders(r.Header, anthropic, apiKey)
	upReq.ContentLength = int64(len(body))

	upRes, err := s.upstream.Do(upReq)
	if err != nil {
		s.metrics.upstreamErrors.Inc()
		s.log.Error("upstream request failed", "target", target, "error", err)
		if route.APILogging {
			builder := hooks.NewResponseBuilder(http.StatusBadGateway)
			builder.SetError(err.Error())
			res := builder.Build()
			res.DurationMS = time.Since(start).Milliseconds()
			s.registry.TriggerRequestFailed(r.Context(), reqCtx, res)
			s.registry.TriggerResponseComplete(r.Context(), reqCtx, res)
			s.registry.TriggerRequestAfter(r.Context(), reqCtx, res)
		}
		s.fail(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer upRes.Body.Close()

	header := w.Header()
	for name, values := range upRes.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	for _, h := range responseDrops {
		header.Del(h)
	}
	w.WriteHeader(upRes.StatusCode)
	s.metrics.requestsTotal.WithLabelValues(strconv.Itoa(upRes.StatusCode)).Inc()

	s.relay(w, r.Context(), upRes, route, reqCtx, start)
}

// relay streams the upstream body to the client while observing the SSE
// events that flow through. Client delivery always comes first; parsing and
// bookkeeping never hold up a chunk.
func (s *Server) relay(w http.ResponseWriter, ctx context.Context, upRes *http.Response, route *Route, reqCtx *hooks.RequestContext, start time.Time) {
	flusher, _ := w.(http.Flusher)
	scanner := sse.NewScanner()
	detector := questions.NewDetector()
	builder := hooks.NewResponseBuilder(upRes.StatusCode)

	todoID := s.lookupTodoID(ctx, route.SessionID)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := upRes.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := w.Write(chunk); err != nil {
				builder.SetError("client disconnected: " + err.Error())
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			if route.APILogging {
				s.registry.TriggerResponseChunk(ctx, reqCtx, chunk)
			}
			s.processEvents(scanner.Scan(chunk), route, reqCtx, builder, detector, todoID)
		}
		if readErr != nil {
			if readErr != io.EOF {
				builder.SetError("upstream stream error: " + readErr.Error())
			}
			break
		}
	}
	s.processEvents(scanner.Flush(), route, reqCtx, builder, detector, todoID)

	// Let background usage writes land before the record is built.
	time.Sleep(quiescenceDelay)

	s.finishStream(ctx, route, reqCtx, builder, todoID, start)
}

func (s *Server) processEvents(events []sse.Event, route *Route, reqCtx *hooks.RequestContext, builder *hooks.ResponseBuilder, detector *questions.Detector, todoID *string) {
	for _, ev := range events {
		switch {
		case ev.Text != nil:
			builder.AppendText(ev.Text.Text)
			if q := detector.ProcessText(ev.Text.Text); q != nil && route.SessionID != "" {
				s.webhook.SendAIQuestion(todoID, route.SessionID, webhook.AIQuestionData{
					Question: q.Question,
					Options:  q.Options,
					Context:  q.Context,
				})
			}
		case ev.ToolUse != nil:
			if route.SessionID == "" {
				continue
			}
			completed, next := s.tracker.ProcessToolUse(route.SessionID, ev.ToolUse.Name, ev.ToolUse.Input)
			if completed != nil {
				s.webhook.SendStepUpdate(todoID, route.SessionID, *completed)
			}
			if next != nil {
				s.webhook.SendStepUpdate(todoID, route.SessionID, *next)
			}
		case ev.Usage != nil:
			s.recordUsage(ev.Usage, route, reqCtx, builder, todoID)
		}
	}
}

// recordUsage captures token counts on the builder and persists them off
// the streaming path. When the write pool is saturated the write is dropped
// rather than queued.
func (s *Server) recordUsage(u *sse.Usage, route *Route, reqCtx *hooks.RequestContext, builder *hooks.ResponseBuilder, todoID *string) {
	builder.SetTokens(u.InputTokens, u.OutputTokens)
	if u.StopReason != "" {
		builder.SetStopReason(u.StopReason)
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	s.metrics.inputTokens.Add(float64(u.InputTokens))
	s.metrics.outputTokens.Add(float64(u.OutputTokens))

	if !s.writes.TryAcquire(1) {
		s.metrics.usageDropped.Inc()
		s.log.Warn("usage write dropped, write pool saturated", "session_id", route.SessionID)
		return
	}
	accountID := route.Account.ID
	model := reqCtx.Model
	sessionID := sessionIDPtr(route.SessionID)
	in, out := u.InputTokens, u.OutputTokens
	status := builder.StatusCode()
	go func() {
		defer s.writes.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.LogUsage(ctx, accountID, model, in, out, sessionID, status); err != nil {
			s.log.Warn("failed to log usage", "error", err)
		}
		if sessionID != nil {
			s.webhook.SendUsage(todoID, *sessionID, webhook.UsageData{
				Model:        model,
				InputTokens:  in,
				OutputTokens: out,
			})
		}
	}()
}

// finishStream closes out step tracking, emits the session-complete signal
// on end_turn, and fans out the terminal hook callbacks.
func (s *Server) finishStream(ctx context.Context, route *Route, reqCtx *hooks.RequestContext, builder *hooks.ResponseBuilder, todoID *string, start time.Time) {
	if route.SessionID != "" {
		if final := s.tracker.CompleteCurrent(route.SessionID); final != nil {
			s.webhook.SendStepUpdate(todoID, route.SessionID, *final)
		}
	}

	res := builder.Build()
	res.DurationMS = time.Since(start).Milliseconds()

	if route.SessionID != "" && res.StopReason != nil && *res.StopReason == "end_turn" {
		s.webhook.SendSessionComplete(todoID, route.SessionID, webhook.SessionCompleteData{
			StopReason:        *res.StopReason,
			TotalInputTokens:  res.InputTokens,
			TotalOutputTokens: res.OutputTokens,
			DurationMS:        res.DurationMS,
			CompletedSteps:    s.tracker.CompletedSteps(route.SessionID),
		})
		s.tracker.ClearSession(route.SessionID)
	}

	if route.APILogging {
		if res.IsSuccess {
			s.registry.TriggerRequestSuccess(ctx, reqCtx, res)
		} else {
			s.registry.TriggerRequestFailed(ctx, reqCtx, res)
		}
		s.registry.TriggerResponseComplete(ctx, reqCtx, res)
		s.registry.TriggerRequestAfter(ctx, reqCtx, res)
	}
}

func (s *Server) lookupTodoID(ctx context.Context, sessionID string) *string {
	if sessionID == "" || !s.webhook.Enabled() {
		return nil
	}
	mapping, err := s.store.GetMappingBySession(ctx, sessionID)
	if err != nil {
		s.log.Warn("failed to look up session mapping", "session_id", sessionID, "error", err)
		return nil
	}
	if mapping == nil {
		return nil
	}
	return &mapping.TodoID
}

func sessionIDPtr(sessionID string) *string {
	if sessionID == "" {
		return nil
	}
	return &sessionID
}
