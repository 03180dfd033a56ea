// Package generate turns requirements, stories, issues and sprint metrics
// into structured drafts with an LLM, degrading to deterministic templates
// when the gateway is unavailable or its reply does not validate.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/otel"
	"github.com/basket/storyforge/internal/safety"
)

// Meta marks results that were served from a fallback template.
type Meta struct {
	Fallback bool   `json:"_fallback"`
	Notice   string `json:"_notice,omitempty"`
}

const (
	noticeUnavailable = "AI is unavailable; showing template suggestions."
	noticeUnparsable  = "AI response could not be used; showing template suggestions."
	noticeRejected    = "Input was flagged as a possible prompt injection; showing template suggestions."
)

// ErrInputRejected is returned when user text trips the prompt guard.
var ErrInputRejected = errors.New("input rejected by prompt guard")

// Options wires optional collaborators into a Generator.
type Options struct {
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Bus     *bus.Bus
}

// Generator owns the prompts, schemas and fallbacks of every AI feature.
type Generator struct {
	llm     llm.Completer
	logger  *slog.Logger
	metrics *otel.Metrics
	bus     *bus.Bus
	guard   *safety.Guard
}

// New builds a Generator. A nil completer makes every feature serve its
// fallback.
func New(c llm.Completer, opts Options) *Generator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Generator{llm: c, logger: opts.Logger, metrics: opts.Metrics, bus: opts.Bus, guard: safety.NewGuard()}
}

// ask runs one completion and decodes it through schema into out.
func (g *Generator) ask(ctx context.Context, schema *llm.Schema, listKey, system, prompt string, out any, opts ...llm.CallOption) error {
	if g.llm == nil {
		return llm.ErrUnavailable
	}
	prompt, err := g.screen(ctx, prompt)
	if err != nil {
		return err
	}
	text, err := g.llm.Complete(ctx, system, prompt, opts...)
	if err != nil {
		return err
	}
	return schema.Decode(text, listKey, out)
}

// screen rejects prompts carrying injection attempts and strips secrets
// before the text leaves the process.
func (g *Generator) screen(ctx context.Context, prompt string) (string, error) {
	f := g.guard.Inspect(prompt)
	switch f.Action {
	case safety.ActionBlock:
		return "", fmt.Errorf("%w: %s", ErrInputRejected, f.Reason)
	case safety.ActionWarn:
		g.logger.WarnContext(ctx, "generate: suspicious prompt input", "reason", f.Reason)
	}
	if len(f.Secrets) > 0 {
		g.logger.WarnContext(ctx, "generate: redacting secrets from prompt", "kinds", f.Secrets)
		prompt = g.guard.Redact(prompt)
	}
	return prompt, nil
}

// fallback logs and counts a degraded result and returns its marker.
func (g *Generator) fallback(ctx context.Context, feature string, cause error) Meta {
	notice := noticeUnparsable
	switch {
	case errors.Is(cause, llm.ErrUnavailable):
		notice = noticeUnavailable
	case errors.Is(cause, ErrInputRejected):
		notice = noticeRejected
	}
	g.logger.WarnContext(ctx, "generate: serving fallback", "feature", feature, "error", cause)
	g.metrics.RecordFallback(ctx, feature)
	g.bus.Publish(bus.TopicAIFallback, bus.AIFallback{Feature: feature, Reason: cause.Error()})
	return Meta{Fallback: true, Notice: notice}
}

// errEmpty is returned when a reply validated but nothing survived
// normalization.
var errEmpty = errors.New("reply contained no usable items")

var priorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

func normPriority(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if priorities[p] {
		return p
	}
	return "medium"
}

// cleanList trims entries, drops blanks and caps the length.
func cleanList(items []string, max int) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		out = append(out, it)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
