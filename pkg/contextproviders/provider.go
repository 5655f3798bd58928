// Package contextproviders loads declarative HTTP context sources and
// fetches their content for injection into compacted conversations.
package contextproviders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultTimeoutSecs = 5
	connectTimeout     = 3 * time.Second
)

// ProviderConfig is the on-disk shape of one provider definition.
type ProviderConfig struct {
	Provider  ProviderMeta      `toml:"provider"`
	HTTP      *HTTPConfig       `toml:"http"`
	Response  *ResponseConfig   `toml:"response"`
	Output    *OutputConfig     `toml:"output"`
	Variables map[string]string `toml:"variables"`
}

type ProviderMeta struct {
	Name    string `toml:"name"`
	Enabled bool   `toml:"enabled"`
	Type    string `toml:"type"`
}

type HTTPConfig struct {
	Method      string            `toml:"method"`
	URL         string            `toml:"url"`
	TimeoutSecs int               `toml:"timeout_secs"`
	Headers     map[string]string `toml:"headers"`
}

type ResponseConfig struct {
	// Dot-separated path into the JSON document, e.g. "data.knowledge".
	Path string `toml:"path"`
}

type OutputConfig struct {
	Template string `toml:"template"`
}

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Provider fetches one external context source.
type Provider struct {
	config ProviderConfig
	client *http.Client
}

// NewProvider builds an HTTP provider from its config.
func NewProvider(config ProviderConfig) (*Provider, error) {
	if config.HTTP == nil {
		return nil, fmt.Errorf("provider %s: http section is required", config.Provider.Name)
	}
	timeout := config.HTTP.TimeoutSecs
	if timeout <= 0 {
		timeout = defaultTimeoutSecs
	}
	return &Provider{
		config: config,
		client: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}, nil
}

func (p *Provider) Name() string  { return p.config.Provider.Name }
func (p *Provider) Enabled() bool { return p.config.Provider.Enabled }

// substitute replaces ${var} placeholders, consulting the provider's
// variable table first and the process environment second.
func (p *Provider) substitute(input string) string {
	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := p.config.Variables[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// FetchContext queries the provider and renders its output.
func (p *Provider) FetchContext(ctx context.Context) (string, error) {
	httpCfg := p.config.HTTP
	url := p.substitute(httpCfg.URL)

	method := strings.ToUpper(httpCfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return "", fmt.Errorf("unsupported HTTP method: %s", httpCfg.Method)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for key, value := range httpCfg.Headers {
		req.Header.Set(key, p.substitute(value))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP error: %s", resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse JSON response: %w", err)
	}

	data := doc
	if p.config.Response != nil && p.config.Response.Path != "" {
		if extracted, ok := walkPath(doc, p.config.Response.Path); ok {
			data = extracted
		}
	}
	return p.formatOutput(data), nil
}

// walkPath follows a dot-separated key path through nested JSON objects.
func walkPath(doc interface{}, path string) (interface{}, bool) {
	current := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (p *Provider) formatOutput(data interface{}) string {
	switch v := data.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for _, key := range keys {
			summary := ""
			if entry, ok := v[key].(map[string]interface{}); ok {
				if s, ok := entry["summary"].(string); ok {
					summary = s
				}
			}
			fmt.Fprintf(&b, "### %s\n%s\n\n", key, summary)
		}
		return strings.TrimSpace(b.String())
	case []interface{}:
		var items []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
		return strings.Join(items, "\n")
	case string:
		return v
	default:
		pretty, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return ""
		}
		return string(pretty)
	}
}

// Manager owns the loaded providers.
type Manager struct {
	providers []*Provider
	configDir string
	log       *slog.Logger
}

func NewManager(configDir string, log *slog.Logger) *Manager {
	return &Manager{configDir: configDir, log: log}
}

// LoadProviders reads every *.toml file in the config directory. Disabled
// providers and unknown provider types are skipped, the latter with a
// warning. Returns the number of providers loaded.
func (m *Manager) LoadProviders() (int, error) {
	entries, err := os.ReadDir(m.configDir)
	if os.IsNotExist(err) {
		m.log.Debug("context provider dir does not exist", "dir", m.configDir)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read provider dir: %w", err)
	}

	m.providers = nil
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(m.configDir, entry.Name())
		if err := m.loadFile(path); err != nil {
			m.log.Warn("failed to load context provider", "path", path, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (m *Manager) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	config := ProviderConfig{Provider: ProviderMeta{Enabled: true}}
	if err := toml.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("parse TOML: %w", err)
	}
	if !config.Provider.Enabled {
		m.log.Debug("context provider disabled", "provider", config.Provider.Name)
		return nil
	}
	if config.Provider.Type != "http" {
		return fmt.Errorf("unknown provider type: %s", config.Provider.Type)
	}

	provider, err := NewProvider(config)
	if err != nil {
		return err
	}
	m.providers = append(m.providers, provider)
	m.log.Info("loaded context provider", "provider", provider.Name())
	return nil
}

// ProviderCount reports how many providers are active.
func (m *Manager) ProviderCount() int { return len(m.providers) }

// FetchCombinedContext queries every provider sequentially and joins the
// non-empty results with blank lines. A failing provider is logged and
// skipped. Returns "" when nothing was produced.
func (m *Manager) FetchCombinedContext(ctx context.Context) string {
	var parts []string
	for _, provider := range m.providers {
		if !provider.Enabled() {
			continue
		}
		text, err := provider.FetchContext(ctx)
		if err != nil {
			m.log.Warn("context provider failed", "provider", provider.Name(), "error", err)
			continue
		}
		if text != "" {
			parts = append(parts, text)
			m.log.Debug("context provider contributed", "provider", provider.Name())
		}
	}
	return strings.Join(parts, "\n\n")
}
