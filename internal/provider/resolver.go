// Package provider maps the logical provider selection in settings to the
// concrete endpoint and credential configuration a completion call needs.
package provider

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/secrets"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/settings"
)

// Provider-specific endpoint defaults. The first-party provider ships with
// a fixed base URL; a compatible endpoint stays empty until configured.
const (
	GroqDefaultBaseURL   = "https://api.groq.com/openai/v1"
	OpenAIDefaultBaseURL = "https://api.openai.com/v1"

	completionsPath = "chat/completions"
)

// Config is the resolved, ephemeral call configuration. It is recomputed
// per inbound event since settings may reload between events.
type Config struct {
	Provider settings.Provider
	APIKey   string
	BaseURL  string
}

// ConfigError reports invalid or missing provider configuration. It is
// surfaced to the requesting chat as guidance, never to the process level.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// Resolve builds the call configuration for a profile's provider. The API
// key comes from the secret store when available, falling back to the
// plaintext settings field. A nil profile resolves the settings-level
// provider selection.
func Resolve(s *settings.Settings, prof *settings.Profile, sec secrets.Store) Config {
	selected := s.Provider
	if prof != nil && prof.Provider != "" {
		selected = prof.Provider
	}
	if sec == nil {
		sec = secrets.None{}
	}

	cfg := Config{Provider: selected}
	switch selected {
	case settings.ProviderGroq:
		cfg.APIKey = resolveKey(sec, "groq", s.GroqAPIKey)
		cfg.BaseURL = firstNonEmpty(s.GroqBaseURL, GroqDefaultBaseURL)
	case settings.ProviderOpenAI:
		cfg.APIKey = resolveKey(sec, "openai", s.OpenAIAPIKey)
		cfg.BaseURL = firstNonEmpty(s.OpenAIBaseURL, OpenAIDefaultBaseURL)
	case settings.ProviderOpenAICompatible:
		cfg.APIKey = resolveKey(sec, "openaiCompatible", s.OpenAICompatibleAPIKey)
		cfg.BaseURL = s.OpenAICompatibleBaseURL
	}
	return cfg
}

// Validate checks that the resolved configuration can actually be called
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return &ConfigError{Message: fmt.Sprintf("No API key configured for provider %q. Add one in the settings to enable replies.", c.Provider)}
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return &ConfigError{Message: fmt.Sprintf("Provider %q needs a base URL before it can be used.", c.Provider)}
	}
	if !IsValidHTTPURL(c.BaseURL) {
		return &ConfigError{Message: fmt.Sprintf("Base URL %q for provider %q is not a valid http(s) URL.", c.BaseURL, c.Provider)}
	}
	return nil
}

// BuildCompletionsEndpoint returns the chat-completions URL for a base URL.
// A base that already ends with the completions path is returned unchanged
// apart from trailing-slash normalization; otherwise the path is appended
// after exactly one slash.
func BuildCompletionsEndpoint(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/"+completionsPath) {
		return trimmed
	}
	return trimmed + "/" + completionsPath
}

// IsValidHTTPURL accepts only well-formed http/https URLs
func IsValidHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

func resolveKey(sec secrets.Store, providerKey, plaintext string) string {
	if v, ok := sec.Get(providerKey); ok {
		return v
	}
	return plaintext
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
