// Package fallback walks a priority-ordered provider chain when the primary
// provider is out of quota. The first provider that produces a completion
// wins; the chain order itself never changes at runtime.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"forgeflow/internal/keystore"
	"forgeflow/internal/llm"
	"forgeflow/internal/logging"
	"forgeflow/internal/metrics"
)

// KeySource resolves persisted credentials. Stored keys take precedence over
// environment bindings. *keystore.Store satisfies this.
type KeySource interface {
	Get(provider string) (string, error)
}

// Provider is one static entry in the fallback chain.
type Provider struct {
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint"`
	Model       string `json:"model"`
	RequiresKey bool   `json:"requires_key"`
	EnvVar      string `json:"env_var,omitempty"`

	envValue string
	invoker  invoker
}

// ProviderStatus is the availability view served by the API.
type ProviderStatus struct {
	Name        string `json:"name"`
	Model       string `json:"model"`
	RequiresKey bool   `json:"requires_key"`
	Available   bool   `json:"available"`
	KeySource   string `json:"key_source"`
}

// DefaultProviders builds the standard chain: Grok, then OpenAI, then a local
// Ollama instance as the keyless last resort. Env values come from config so
// nothing here reads the environment directly.
func DefaultProviders(grokKey, openaiKey, ollamaBaseURL string) []Provider {
	if ollamaBaseURL == "" {
		ollamaBaseURL = "http://localhost:11434"
	}

	chat := newChatInvoker()
	generate := newGenerateInvoker()

	return []Provider{
		{
			Name:        "grok",
			Endpoint:    "https://api.x.ai/v1/chat/completions",
			Model:       "grok-4-fast",
			RequiresKey: true,
			EnvVar:      "XAI_API_KEY",
			envValue:    grokKey,
			invoker:     chat,
		},
		{
			Name:        "openai",
			Endpoint:    "https://api.openai.com/v1/chat/completions",
			Model:       "gpt-4o-mini",
			RequiresKey: true,
			EnvVar:      "OPENAI_API_KEY",
			envValue:    openaiKey,
			invoker:     chat,
		},
		{
			Name:        "ollama",
			Endpoint:    strings.TrimRight(ollamaBaseURL, "/") + "/api/generate",
			Model:       "llama3.1",
			RequiresKey: false,
			invoker:     generate,
		},
	}
}

// Selector tries providers strictly in chain order.
type Selector struct {
	providers []Provider
	keys      KeySource
	log       *zap.Logger
}

// NewSelector creates a selector. keys may be nil when no keystore is wired.
func NewSelector(providers []Provider, keys KeySource) *Selector {
	return &Selector{
		providers: providers,
		keys:      keys,
		log:       logging.Named("fallback"),
	}
}

// Try walks the chain and returns the first successful completion along with
// the provider name that produced it. When every provider fails, the error
// aggregates each provider's failure.
func (s *Selector) Try(ctx context.Context, messages []llm.Message, settings llm.ChatSettings) (string, string, error) {
	if len(s.providers) == 0 {
		return "", "", errors.New("no fallback providers configured")
	}

	m := metrics.Get()
	var failures []string

	for _, p := range s.providers {
		key, source, ok := s.resolveKey(p)
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: no API key configured", p.Name))
			m.RecordFallback(p.Name, "skipped")
			continue
		}

		s.log.Info("trying fallback provider",
			zap.String("provider", p.Name),
			zap.String("model", p.Model),
			zap.String("key_source", source),
		)

		text, err := p.invoker.invoke(ctx, p, key, messages, settings)
		if err == nil {
			m.RecordFallback(p.Name, "success")
			m.RecordProviderRequest(p.Name, p.Model, "success")
			return text, p.Name, nil
		}

		m.RecordFallback(p.Name, "error")
		m.RecordProviderRequest(p.Name, p.Model, "error")
		s.log.Warn("fallback provider failed", zap.String("provider", p.Name), zap.Error(err))
		failures = append(failures, fmt.Sprintf("%s: %v", p.Name, err))

		if ctx.Err() != nil {
			break
		}
	}

	return "", "", fmt.Errorf("all fallback providers failed: %s", strings.Join(failures, "; "))
}

// Status reports per-provider availability without making any calls.
func (s *Selector) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(s.providers))
	for _, p := range s.providers {
		_, source, ok := s.resolveKey(p)
		out = append(out, ProviderStatus{
			Name:        p.Name,
			Model:       p.Model,
			RequiresKey: p.RequiresKey,
			Available:   ok,
			KeySource:   source,
		})
	}
	return out
}

// resolveKey finds the credential for a provider: keystore first, then the
// env-sourced value. Keyless providers are always available.
func (s *Selector) resolveKey(p Provider) (key, source string, ok bool) {
	if !p.RequiresKey {
		return "", "not_required", true
	}
	if s.keys != nil {
		if k, err := s.keys.Get(p.Name); err == nil && k != "" {
			return k, "keystore", true
		}
	}
	if k := keystore.NormalizeKey(p.envValue); k != "" {
		return k, "env", true
	}
	return "", "none", false
}
