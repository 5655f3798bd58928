package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/swiftcast-app/swiftcast/pkg/compaction"
	"github.com/swiftcast-app/swiftcast/pkg/config"
	"github.com/swiftcast-app/swiftcast/pkg/hooklog"
	"github.com/swiftcast-app/swiftcast/pkg/hooks"
	"github.com/swiftcast-app/swiftcast/pkg/steps"
	"github.com/swiftcast-app/swiftcast/pkg/store"
	"github.com/swiftcast-app/swiftcast/pkg/tasks"
	"github.com/swiftcast-app/swiftcast/pkg/webhook"
)

const (
	// maxBodyBytes caps inbound request bodies at 100 MiB.
	maxBodyBytes = 100 << 20

	upstreamTimeout = 300 * time.Second
	connectTimeout  = 30 * time.Second

	// usageWriters bounds concurrent background usage-log writes.
	usageWriters = 10
)

// Server is the localhost reverse proxy between a developer agent and the
// upstream Messages API.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	router   *Router
	registry *hooks.Registry
	injector *compaction.Injector
	tasks    *tasks.Interceptor
	tracker  *steps.Tracker
	webhook  *webhook.Client
	fileLog  *hooklog.FileLogger
	upstream *http.Client
	writes   *semaphore.Weighted
	metrics  *metrics
	promReg  *prometheus.Registry
	log      *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
}

// New assembles the proxy: store-backed routing, the hook registry with the
// compaction injector and file logger wired in, the command interceptor,
// and the webhook client configured from persisted settings.
func New(ctx context.Context, cfg *config.Config, st *store.Store, log *slog.Logger) (*Server, error) {
	wh := webhook.NewClient(log)
	configureWebhook(ctx, st, cfg, wh, log)

	registry := hooks.NewRegistry(log)

	injector := compaction.NewInjector(cfg.CompactionFile, cfg.ProvidersDir, log)
	registry.RegisterModify(injector)

	fileLog := hooklog.NewFileLogger(cfg.LogDir, log)
	registry.Register(fileLog)

	if enabled, err := st.GetConfigBool(ctx, "hooks_enabled"); err == nil {
		registry.SetEnabled(enabled)
	}

	interceptor := tasks.NewInterceptor(cfg.TasksFile, log)

	promReg := prometheus.NewRegistry()

	s := &Server{
		cfg:      cfg,
		store:    st,
		router:   NewRouter(st, wh, log),
		registry: registry,
		injector: injector,
		tasks:    interceptor,
		tracker:  steps.NewTracker(),
		webhook:  wh,
		fileLog:  fileLog,
		upstream: &http.Client{
			Timeout: upstreamTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				// The stream is relayed byte-for-byte, so upstream must not
				// hand us compressed payloads the client did not ask for.
				DisableCompression: true,
			},
		},
		writes:  semaphore.NewWeighted(usageWriters),
		metrics: newMetrics(promReg),
		promReg: promReg,
		log:     log,
	}
	return s, nil
}

// configureWebhook prefers the persisted threadcast_webhook_url settings and
// falls back to the static config.
func configureWebhook(ctx context.Context, st *store.Store, cfg *config.Config, wh *webhook.Client, log *slog.Logger) {
	url := cfg.WebhookURL
	enabled := cfg.WebhookEnabled
	if stored, err := st.GetConfig(ctx, "threadcast_webhook_url"); err == nil && stored != "" {
		url = stored
		if on, err := st.GetConfigBool(ctx, "threadcast_webhook_enabled"); err == nil {
			enabled = on
		}
	} else if err != nil {
		log.Warn("failed to read webhook settings", "error", err)
	}
	wh.Configure(url, enabled)
}

// Registry exposes the hook registry for programmatic toggling.
func (s *Server) Registry() *hooks.Registry { return s.registry }

// Injector exposes the compaction injector for settings updates.
func (s *Server) Injector() *compaction.Injector { return s.injector }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/_swiftcast/health", s.handleHealth)
	r.Handle("/_swiftcast/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	r.Post("/_swiftcast/threadcast/mapping", s.handleMappingRegister)
	r.Handle("/*", http.HandlerFunc(s.handleProxy))
	return r
}

// Start binds the loopback listener and begins serving. It returns once the
// listener is accepting; the serve loop runs until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("proxy already running")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = ln
	s.done = make(chan struct{})
	s.httpServer = &http.Server{Handler: s.routes()}

	if err := s.tasks.Watch(ctx); err != nil {
		// Hot reload is best-effort; explicit `>>swiftcast reload` still works.
		s.log.Warn("task file watch unavailable", "error", err)
	}
	go s.fileLog.StartCleanupLoop(ctx)

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("proxy server stopped unexpectedly", "error", err)
		}
	}(s.httpServer, s.done)

	s.log.Info("proxy listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for in-flight requests to finish.
// Streams that are mid-flight complete normally.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	done := s.done
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("proxy shutdown: %w", err)
	}
	if done != nil {
		<-done
	}
	s.log.Info("proxy stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
