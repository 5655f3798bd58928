// Package compaction injects operator-configured content around an agent
// client's conversation compaction: extra instructions into the
// summarization prompt, and persistent context into the continued
// conversation.
package compaction

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/swiftcast-app/swiftcast/pkg/contextproviders"
	"github.com/swiftcast-app/swiftcast/pkg/hooks"
)

const (
	summarizationMarker = "Your task is to create a detailed summary of the conversation"
	summaryEndMarker    = "Please provide your summary based on the conversation so far"
	continuationMarker  = "This session is being continued from a previous conversation that ran out of context."
)

// Config controls what gets injected. Persisted as JSON and hot-swappable.
type Config struct {
	Enabled                   bool    `json:"enabled"`
	SummarizationInstructions *string `json:"summarization_instructions"`
	ContextInjection          *string `json:"context_injection"`
	ContextProvidersEnabled   bool    `json:"context_providers_enabled"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, ContextProvidersEnabled: true}
}

// Injector is a mutating hook registered on the proxy hot path.
type Injector struct {
	mu         sync.RWMutex
	config     Config
	configPath string
	providers  *contextproviders.Manager
	log        *slog.Logger
}

// NewInjector loads config from configPath (falling back to defaults) and
// loads context providers from providerDir.
func NewInjector(configPath, providerDir string, log *slog.Logger) *Injector {
	inj := &Injector{
		config:     DefaultConfig(),
		configPath: configPath,
		providers:  contextproviders.NewManager(providerDir, log),
		log:        log,
	}
	if raw, err := os.ReadFile(configPath); err == nil {
		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err == nil {
			inj.config = cfg
		}
	}
	if count, err := inj.providers.LoadProviders(); err != nil {
		log.Warn("failed to load context providers", "error", err)
	} else if count > 0 {
		log.Info("loaded context providers", "count", count)
	}
	return inj
}

func (i *Injector) Name() string { return "compaction_injector" }

// Config returns the current configuration snapshot.
func (i *Injector) Config() Config {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.config
}

// UpdateConfig persists a new configuration atomically and swaps the
// in-memory copy.
func (i *Injector) UpdateConfig(cfg Config) error {
	encoded, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := i.configPath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, i.configPath); err != nil {
		return err
	}

	i.mu.Lock()
	i.config = cfg
	i.mu.Unlock()
	i.log.Info("compaction injector config updated")
	return nil
}

// ReloadProviders rebuilds the provider set from the config directory.
func (i *Injector) ReloadProviders() (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.providers.LoadProviders()
}

// ModifyRequestBody implements hooks.ModifyHook. The proxy decides whether
// to invoke it: the Enabled flag is only the default there, and a
// per-session override wins over it either way.
func (i *Injector) ModifyRequestBody(ctx context.Context, body []byte, req *hooks.RequestContext) ([]byte, bool) {
	cfg := i.Config()
	text := string(body)

	if strings.Contains(text, summarizationMarker) {
		if cfg.SummarizationInstructions != nil && *cfg.SummarizationInstructions != "" {
			i.log.Info("injecting summarization instructions", "request_id", req.RequestID)
			return []byte(injectSummarizationInstructions(text, *cfg.SummarizationInstructions)), true
		}
	}

	if strings.Contains(text, continuationMarker) {
		var static string
		if cfg.ContextInjection != nil {
			static = *cfg.ContextInjection
		}
		var provided string
		if cfg.ContextProvidersEnabled && i.providers.ProviderCount() > 0 {
			provided = i.providers.FetchCombinedContext(ctx)
		}
		if static == "" && provided == "" {
			return nil, false
		}
		i.log.Info("injecting compaction context",
			"request_id", req.RequestID,
			"static", static != "",
			"providers", provided != "")
		return []byte(injectContext(text, static, provided)), true
	}

	return nil, false
}

// ModifyResponseText implements hooks.ModifyHook; responses pass through.
func (i *Injector) ModifyResponseText(_ context.Context, _ string, _ *hooks.RequestContext) (string, bool) {
	return "", false
}

// injectSummarizationInstructions inserts the extra instructions right
// before the summary prompt's closing marker, or appends when the marker
// is missing.
func injectSummarizationInstructions(body, instructions string) string {
	injection := "\n\n## Additional Summarization Instructions (IMPORTANT - Must be included in summary):\n" +
		instructions + "\n\n"
	if pos := strings.Index(body, summaryEndMarker); pos >= 0 {
		return body[:pos] + injection + body[pos:]
	}
	return body + "\n\n## Additional Instructions:\n" + instructions
}

// injectContext splices provider context then static context immediately
// after the continuation marker.
func injectContext(body, static, provided string) string {
	pos := strings.Index(body, continuationMarker)
	if pos < 0 {
		return body
	}
	after := pos + len(continuationMarker)

	var injection strings.Builder
	if provided != "" {
		injection.WriteString("\n\n")
		injection.WriteString(provided)
	}
	if static != "" {
		injection.WriteString("\n\n## Persistent Context (Always Remember):\n")
		injection.WriteString(static)
		injection.WriteString("\n")
	}
	if injection.Len() == 0 {
		return body
	}
	return body[:after] + injection.String() + body[after:]
}
