package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/swiftcast-app/swiftcast/pkg/store"
	"github.com/swiftcast-app/swiftcast/pkg/webhook"
)

// Route is the outcome of resolving an inbound request to an account.
type Route struct {
	SessionID     string
	Account       *store.Account
	ModelOverride *string
	Existing      bool

	APILogging  bool
	CustomTasks bool

	// CompactionOverride, when set, wins over the injector's global flag.
	CompactionOverride *bool
}

// routeError carries the HTTP status the handler should answer with when
// routing fails.
type routeError struct {
	status  int
	message string
	err     error
}

func (e *routeError) Error() string {
	if e.err != nil {
		return e.message + ": " + e.err.Error()
	}
	return e.message
}

func (e *routeError) Unwrap() error { return e.err }

// Router binds sessions to accounts. New sessions are bound to the active
// account at first sight and the binding is persisted, so an account switch
// never moves a conversation mid-flight.
type Router struct {
	store   *store.Store
	webhook *webhook.Client
	log     *slog.Logger
}

func NewRouter(st *store.Store, wh *webhook.Client, log *slog.Logger) *Router {
	return &Router{store: st, webhook: wh, log: log}
}

// sessionIDFromHeaders extracts the client session id. x-session-id wins,
// then x-request-id, then the trace id portion of sentry-trace. An empty
// value means the request is sessionless.
func sessionIDFromHeaders(h http.Header) string {
	if id := h.Get("x-session-id"); id != "" {
		return id
	}
	if id := h.Get("x-request-id"); id != "" {
		return id
	}
	if trace := h.Get("sentry-trace"); trace != "" {
		if idx := strings.Index(trace, "-"); idx >= 0 {
			return trace[:idx]
		}
		return trace
	}
	return ""
}

// Resolve maps a session id to an account and its per-session settings.
// Sessionless requests use the active account with default settings.
func (r *Router) Resolve(ctx context.Context, sessionID string) (*Route, error) {
	if sessionID == "" {
		account, err := r.activeAccount(ctx)
		if err != nil {
			return nil, err
		}
		return defaultRoute("", account), nil
	}

	cfg, err := r.store.GetSessionConfig(ctx, sessionID)
	if err != nil {
		return nil, &routeError{status: http.StatusInternalServerError, message: "session lookup failed", err: err}
	}
	if cfg != nil {
		account, err := r.store.GetAccount(ctx, cfg.AccountID)
		if err != nil {
			return nil, &routeError{status: http.StatusInternalServerError, message: "account lookup failed", err: err}
		}
		if account == nil {
			return nil, &routeError{status: http.StatusServiceUnavailable, message: "bound account no longer exists"}
		}
		return &Route{
			SessionID:          sessionID,
			Account:            account,
			ModelOverride:      cfg.ModelOverride,
			Existing:           true,
			APILogging:         cfg.APILoggingEnabled,
			CustomTasks:        cfg.CustomTasksEnabled,
			CompactionOverride: cfg.CompactionOverride,
		}, nil
	}

	account, err := r.activeAccount(ctx)
	if err != nil {
		return nil, err
	}

	// Bind the new session. Bookkeeping failures are logged, not fatal.
	if err := r.store.UpsertSessionConfig(ctx, sessionID, account.ID, nil); err != nil {
		r.log.Warn("failed to persist session binding", "session_id", sessionID, "error", err)
	}
	r.registerMappingFromEnv(ctx, sessionID)

	return defaultRoute(sessionID, account), nil
}

func (r *Router) activeAccount(ctx context.Context) (*store.Account, error) {
	account, err := r.store.GetActiveAccount(ctx)
	if err != nil {
		return nil, &routeError{status: http.StatusInternalServerError, message: "active account lookup failed", err: err}
	}
	if account == nil {
		return nil, &routeError{status: http.StatusServiceUnavailable, message: "no active account configured"}
	}
	return account, nil
}

// registerMappingFromEnv links a freshly seen session to an external todo
// when the agent was launched with THREADCAST_TODO_ID set.
func (r *Router) registerMappingFromEnv(ctx context.Context, sessionID string) {
	todoID := os.Getenv("THREADCAST_TODO_ID")
	if todoID == "" {
		return
	}
	var missionID *string
	if m := os.Getenv("THREADCAST_MISSION_ID"); m != "" {
		missionID = &m
	}
	if err := r.store.SaveMapping(ctx, sessionID, todoID, missionID); err != nil {
		r.log.Warn("failed to save session mapping", "session_id", sessionID, "error", err)
		return
	}
	r.webhook.SendSessionMapping(webhook.MappingData{
		SessionID: sessionID,
		TodoID:    todoID,
		MissionID: missionID,
	})
	r.log.Info("registered session mapping from environment",
		"session_id", sessionID, "todo_id", todoID)
}

func defaultRoute(sessionID string, account *store.Account) *Route {
	return &Route{
		SessionID:   sessionID,
		Account:     account,
		APILogging:  true,
		CustomTasks: true,
	}
}
