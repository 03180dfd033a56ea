package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/storyforge/internal/config"
)

// GenkitProvider serves Anthropic, OpenAI and Google models through Genkit
// plugins.
type GenkitProvider struct {
	name  string
	model string
	g     *genkit.Genkit
}

// NewGenkitProvider initializes Genkit with the plugin for name. The API key
// must already be resolved in pc.
func NewGenkitProvider(ctx context.Context, name string, pc config.ProviderConfig) (*GenkitProvider, error) {
	if strings.TrimSpace(pc.APIKey) == "" {
		return nil, fmt.Errorf("%s: missing API key", name)
	}
	model := strings.TrimSpace(pc.Model)
	if model == "" {
		return nil, fmt.Errorf("%s: missing model", name)
	}

	var g *genkit.Genkit
	var modelName string
	switch name {
	case config.ProviderAnthropic:
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
		}))
		modelName = "anthropic/" + model
	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   pc.APIKey,
			BaseURL:  pc.BaseURL,
		}))
		modelName = "openai/" + model
	case config.ProviderGoogle:
		// The GoogleAI plugin reads its key from the environment.
		_ = os.Setenv("GEMINI_API_KEY", pc.APIKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		modelName = "googleai/" + model
	default:
		return nil, fmt.Errorf("genkit: unsupported provider %q", name)
	}
	return &GenkitProvider{name: name, model: modelName, g: g}, nil
}

func (p *GenkitProvider) Name() string { return p.name }

// Model returns the fully qualified Genkit model name.
func (p *GenkitProvider) Model() string { return p.model }

func (p *GenkitProvider) Complete(ctx context.Context, req Request) (string, error) {
	// Prompt and system strings are format templates in Genkit.
	opts := []ai.GenerateOption{
		ai.WithModelName(p.model),
		ai.WithPrompt(strings.ReplaceAll(req.Prompt, "%", "%%")),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.name, err)
	}
	return resp.Text(), nil
}
