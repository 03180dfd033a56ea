package llm

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/basket/storyforge/internal/config"
)

// BuildProviders turns the configured priority list into strategies,
// skipping providers without an API key. Groq, OpenRouter and unknown names
// with a base URL use the raw chat-completions client; OpenAI, Anthropic and
// Google go through Genkit.
func BuildProviders(ctx context.Context, cfg config.Config, client *http.Client, logger *slog.Logger) []Provider {
	if logger == nil {
		logger = slog.Default()
	}
	var out []Provider
	for _, name := range cfg.ProviderOrder() {
		pc := cfg.Provider(name)
		if pc.APIKey == "" {
			logger.Debug("llm: provider skipped, no API key", "provider", name)
			continue
		}
		switch name {
		case config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderGoogle:
			p, err := NewGenkitProvider(ctx, name, pc)
			if err != nil {
				logger.Warn("llm: provider init failed", "provider", name, "error", err)
				continue
			}
			out = append(out, p)
		default:
			if pc.BaseURL == "" || pc.Model == "" {
				logger.Warn("llm: provider needs base_url and model", "provider", name)
				continue
			}
			out = append(out, NewChatProvider(name, pc.BaseURL, pc.APIKey, pc.Model, client))
		}
		logger.Info("llm: provider enabled", "provider", name, "model", pc.Model)
	}
	if len(out) == 0 {
		logger.Warn("llm: no provider configured; AI features serve deterministic fallbacks")
	}
	return out
}
