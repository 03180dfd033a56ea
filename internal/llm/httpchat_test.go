package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/storyforge/internal/config"
)

func TestChatProvider_RequestShape(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer gsk_test" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello there"}}]}`))
	}))
	defer srv.Close()

	p := NewChatProvider("groq", srv.URL+"/v1/", "gsk_test", "llama", srv.Client())
	text, err := p.Complete(context.Background(), Request{System: "be brief", Prompt: "hi", Temperature: 0.3, MaxTokens: 100})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected text %q", text)
	}
	if got.Model != "llama" || len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hi" {
		t.Fatalf("unexpected request body %+v", got)
	}
	if got.Temperature != 0.3 || got.MaxTokens != 100 {
		t.Fatalf("unexpected sampling params %+v", got)
	}
}

func TestChatProvider_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
	}))
	defer srv.Close()

	p := NewChatProvider("groq", srv.URL, "k", "m", srv.Client())
	_, err := p.Complete(context.Background(), Request{Prompt: "hi"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 StatusError, got %v", err)
	}
	if ClassifyError(err) != ErrorClassRateLimit {
		t.Fatalf("expected RATE_LIMIT class, got %s", ClassifyError(err))
	}
}

func TestChatProvider_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()
	p := NewChatProvider("openrouter", srv.URL, "k", "m", srv.Client())
	if _, err := p.Complete(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestBuildProviders_SkipsMissingKeys(t *testing.T) {
	for _, env := range []string{"GROQ_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(env, "")
	}
	cfg := config.Config{
		LLM: config.LLMConfig{Providers: []string{"groq", "openrouter", "custom"}},
		Providers: map[string]config.ProviderConfig{
			"groq":   {APIKey: "gsk_x"},
			"custom": {APIKey: "k", BaseURL: "http://localhost:9999/v1", Model: "local"},
		},
	}
	got := BuildProviders(context.Background(), cfg, nil, nil)
	if len(got) != 2 || got[0].Name() != "groq" || got[1].Name() != "custom" {
		names := []string{}
		for _, p := range got {
			names = append(names, p.Name())
		}
		t.Fatalf("unexpected providers %v", names)
	}
}

func TestBuildProviders_NoneConfigured(t *testing.T) {
	for _, env := range []string{"GROQ_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(env, "")
	}
	if got := BuildProviders(context.Background(), config.Config{}, nil, nil); len(got) != 0 {
		t.Fatalf("expected no providers, got %d", len(got))
	}
}
