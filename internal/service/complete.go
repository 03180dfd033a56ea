package service

import (
	"context"
	"strings"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/llm"
)

type CompleteInput struct {
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

type CompleteResult struct {
	generate.Meta
	Text string `json:"text"`
}

// Complete passes a prompt straight to the gateway. When no provider
// answers, the result carries the fallback marker and empty text.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (*CompleteResult, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, apperr.Invalid("prompt is required")
	}
	if in.MaxTokens < 0 {
		return nil, apperr.Invalid("maxTokens must not be negative")
	}
	if s.llm == nil {
		return &CompleteResult{Meta: s.gen.Fallback(ctx, "completion", llm.ErrUnavailable)}, nil
	}
	var opts []llm.CallOption
	if in.Temperature > 0 {
		opts = append(opts, llm.WithTemperature(in.Temperature))
	}
	if in.MaxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(in.MaxTokens))
	}
	text, err := s.llm.Complete(ctx, in.System, in.Prompt, opts...)
	if err != nil {
		return &CompleteResult{Meta: s.gen.Fallback(ctx, "completion", err)}, nil
	}
	return &CompleteResult{Text: text}, nil
}

// AIStatus reports the provider chain when the completer exposes it.
func (s *Service) AIStatus() llm.Status {
	if st, ok := s.llm.(interface{ Status() llm.Status }); ok {
		return st.Status()
	}
	return llm.Status{Providers: []llm.ProviderStatus{}}
}
