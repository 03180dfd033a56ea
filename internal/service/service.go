// Package service orchestrates the domain packages behind the REST surface:
// context collection, generation, key allocation, persistence, sync and
// planning.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/keygen"
	"github.com/basket/storyforge/internal/llm"
	"github.com/basket/storyforge/internal/otel"
	"github.com/basket/storyforge/internal/persistence"
	"github.com/basket/storyforge/internal/planner"
	"github.com/basket/storyforge/internal/projectctx"
	"github.com/basket/storyforge/internal/reqsync"
)

// DefaultContextTokens bounds the project context added to prompts.
const DefaultContextTokens = 1200

type Deps struct {
	Store   *persistence.Store
	LLM     llm.Completer
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Logger  *slog.Logger
	// ContextTokens caps the project context text in prompts.
	ContextTokens int
	// HistorySprints is how many completed sprints feed predictions.
	HistorySprints int
	// ContextWindow is how many recent stories and issues feed convention
	// detection.
	ContextWindow int
}

type Service struct {
	store     *persistence.Store
	llm       llm.Completer
	keys      *keygen.Generator
	gen       *generate.Generator
	collector *projectctx.Collector
	sync      *reqsync.Detector
	planner   *planner.Planner
	bus       *bus.Bus
	metrics   *otel.Metrics
	logger    *slog.Logger

	contextTokens  int
	historySprints int
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ContextTokens <= 0 {
		d.ContextTokens = DefaultContextTokens
	}
	if d.HistorySprints <= 0 {
		d.HistorySprints = 5
	}
	gen := generate.New(d.LLM, generate.Options{Logger: d.Logger, Metrics: d.Metrics, Bus: d.Bus})
	return &Service{
		store:          d.Store,
		llm:            d.LLM,
		keys:           keygen.New(d.Store, d.Logger),
		gen:            gen,
		collector:      projectctx.NewCollector(d.Store, d.ContextWindow),
		sync:           reqsync.NewDetector(d.Store, gen, d.Bus, d.Metrics, d.Logger),
		planner:        planner.New(gen, d.Logger),
		bus:            d.Bus,
		metrics:        d.Metrics,
		logger:         d.Logger,
		contextTokens:  d.ContextTokens,
		historySprints: d.HistorySprints,
	}
}

// BatchItem is the outcome of one element of a bulk operation.
type BatchItem struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// BatchResult summarizes a bulk operation that never aborts early.
type BatchResult struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Items     []BatchItem `json:"items"`
}

// runBatch applies fn to every index, recording each outcome.
func (s *Service) runBatch(ctx context.Context, op string, n int, fn func(i int) (id string, data any, err error)) *BatchResult {
	res := &BatchResult{Total: n, Items: make([]BatchItem, 0, n)}
	for i := 0; i < n; i++ {
		id, data, err := fn(i)
		item := BatchItem{Index: i, ID: id, OK: err == nil, Data: data}
		if err != nil {
			// Internal causes stay in the log; the item carries the generic message.
			item.Error = apperr.MessageOf(err)
			level := slog.LevelWarn
			if apperr.CodeOf(err) == apperr.CodeInternal {
				level = slog.LevelError
			}
			s.logger.Log(ctx, level, "batch item failed", "op", op, "index", i, "id", id, "error", err)
			res.Failed++
		} else {
			res.Succeeded++
		}
		res.Items = append(res.Items, item)
	}
	s.metrics.RecordBatchErrors(ctx, op, res.Failed)
	return res
}

// storeErr maps storage sentinels onto the API taxonomy.
func storeErr(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return apperr.NotFound(kind, id)
	}
	return err
}

func (s *Service) requirement(ctx context.Context, id string) (*persistence.Requirement, error) {
	r, err := s.store.GetRequirement(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.NotFound("requirement", id)
	}
	return r, nil
}

func (s *Service) story(ctx context.Context, id string) (*persistence.Story, error) {
	st, err := s.store.GetStory(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, apperr.NotFound("story", id)
	}
	return st, nil
}

func (s *Service) issue(ctx context.Context, id string) (*persistence.Issue, error) {
	is, err := s.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if is == nil {
		return nil, apperr.NotFound("issue", id)
	}
	return is, nil
}

func (s *Service) sprint(ctx context.Context, id string) (*persistence.Sprint, error) {
	sp, err := s.store.GetSprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if sp == nil {
		return nil, apperr.NotFound("sprint", id)
	}
	return sp, nil
}

func (s *Service) project(ctx context.Context, id string) (*persistence.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.NotFound("project", id)
	}
	return p, nil
}

// Gen exposes the generator for callers that need a feature directly.
func (s *Service) Gen() *generate.Generator { return s.gen }
