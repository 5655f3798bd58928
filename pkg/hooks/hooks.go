// Package hooks defines the request lifecycle hook contracts and the
// registry that dispatches them on the proxy hot path.
package hooks

import (
	"context"
	"log/slog"
	"sync"
)

// Hook observes request lifecycle points. Implementations must be safe for
// concurrent use; hook bodies may spawn background work but the registry
// dispatches them sequentially to keep ordering deterministic.
type Hook interface {
	// Name identifies the hook in logs.
	Name() string

	// OnRequestBefore runs before the upstream request is issued.
	OnRequestBefore(ctx context.Context, req *RequestContext)

	// OnRequestAfter runs once the exchange finishes, success or failure.
	OnRequestAfter(ctx context.Context, req *RequestContext, res *ResponseContext)

	// OnRequestSuccess runs for 2xx exchanges with no stream error.
	OnRequestSuccess(ctx context.Context, req *RequestContext, res *ResponseContext)

	// OnRequestFailed runs for non-2xx exchanges or stream errors.
	OnRequestFailed(ctx context.Context, req *RequestContext, res *ResponseContext)

	// OnResponseChunk runs for every streamed response chunk.
	OnResponseChunk(ctx context.Context, req *RequestContext, chunk []byte)

	// OnResponseComplete runs when the full response has been streamed.
	OnResponseComplete(ctx context.Context, req *RequestContext, res *ResponseContext)
}

// ModifyHook mutates request bodies or response text. A nil return with
// ok=false means "no change"; a replacement is passed to the next hook.
type ModifyHook interface {
	Name() string
	ModifyRequestBody(ctx context.Context, body []byte, req *RequestContext) ([]byte, bool)
	ModifyResponseText(ctx context.Context, text string, req *RequestContext) (string, bool)
}

// Registry holds the registered hooks. Registration is append-only; the
// hook slice is immutable once the proxy is serving, but the enabled flag
// can be flipped at runtime.
type Registry struct {
	mu      sync.RWMutex
	hooks   []Hook
	mods    []ModifyHook
	enabled bool
	log     *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{enabled: true, log: log}
}

// Register appends an observation hook.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Info("registering hook", "hook", h.Name())
	r.hooks = append(r.hooks, h)
}

// RegisterModify appends a mutating hook.
func (r *Registry) RegisterModify(m ModifyHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Info("registering modify hook", "hook", m.Name())
	r.mods = append(r.mods, m)
}

// SetEnabled flips the global dispatch switch.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	r.log.Info("hooks enabled", "enabled", enabled)
}

func (r *Registry) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// HookCount reports the number of registered observation hooks.
func (r *Registry) HookCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

func (r *Registry) snapshot() []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.enabled {
		return nil
	}
	return r.hooks
}

func (r *Registry) TriggerRequestBefore(ctx context.Context, req *RequestContext) {
	for _, h := range r.snapshot() {
		h.OnRequestBefore(ctx, req)
	}
}

func (r *Registry) TriggerRequestAfter(ctx context.Context, req *RequestContext, res *ResponseContext) {
	for _, h := range r.snapshot() {
		h.OnRequestAfter(ctx, req, res)
	}
}

func (r *Registry) TriggerRequestSuccess(ctx context.Context, req *RequestContext, res *ResponseContext) {
	for _, h := range r.snapshot() {
		h.OnRequestSuccess(ctx, req, res)
	}
}

func (r *Registry) TriggerRequestFailed(ctx context.Context, req *RequestContext, res *ResponseContext) {
	for _, h := range r.snapshot() {
		h.OnRequestFailed(ctx, req, res)
	}
}

func (r *Registry) TriggerResponseChunk(ctx context.Context, req *RequestContext, chunk []byte) {
	for _, h := range r.snapshot() {
		h.OnResponseChunk(ctx, req, chunk)
	}
}

func (r *Registry) TriggerResponseComplete(ctx context.Context, req *RequestContext, res *ResponseContext) {
	for _, h := range r.snapshot() {
		h.OnResponseComplete(ctx, req, res)
	}
}

// ApplyRequestBody runs every mutating hook in registration order. Each
// hook sees the previous hook's replacement. Returns the final body and
// whether any hook changed it.
func (r *Registry) ApplyRequestBody(ctx context.Context, body []byte, req *RequestContext) ([]byte, bool) {
	r.mu.RLock()
	mods := r.mods
	enabled := r.enabled
	r.mu.RUnlock()
	if !enabled {
		return body, false
	}

	modified := false
	for _, m := range mods {
		if replacement, ok := m.ModifyRequestBody(ctx, body, req); ok {
			body = replacement
			modified = true
		}
	}
	return body, modified
}

// ApplyResponseText runs every mutating hook over accumulated response text.
func (r *Registry) ApplyResponseText(ctx context.Context, text string, req *RequestContext) (string, bool) {
	r.mu.RLock()
	mods := r.mods
	enabled := r.enabled
	r.mu.RUnlock()
	if !enabled {
		return text, false
	}

	modified := false
	for _, m := range mods {
		if replacement, ok := m.ModifyResponseText(ctx, text, req); ok {
			text = replacement
			modified = true
		}
	}
	return text, modified
}

// BaseHook provides no-op implementations so hooks only override the
// lifecycle points they care about.
type BaseHook struct{}

func (BaseHook) OnRequestBefore(context.Context, *RequestContext)                      {}
func (BaseHook) OnRequestAfter(context.Context, *RequestContext, *ResponseContext)     {}
func (BaseHook) OnRequestSuccess(context.Context, *RequestContext, *ResponseContext)   {}
func (BaseHook) OnRequestFailed(context.Context, *RequestContext, *ResponseContext)    {}
func (BaseHook) OnResponseChunk(context.Context, *RequestContext, []byte)              {}
func (BaseHook) OnResponseComplete(context.Context, *RequestContext, *ResponseContext) {}
