// Package reqsync propagates requirement edits: it detects what changed,
// flags stories whose text mentions an impacted area, cascades the flag to
// their test cases and records a new requirement version.
//
// Matching is a case-insensitive substring search. It is a notification aid
// with expected false positives and negatives, not a semantic guarantee.
package reqsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/otel"
	"github.com/basket/storyforge/internal/persistence"
)

// Repository is the storage the detector reads and writes.
type Repository interface {
	GetRequirement(ctx context.Context, id string) (*persistence.Requirement, error)
	ListStoriesByRequirement(ctx context.Context, requirementID string) ([]persistence.Story, error)
	ApplySync(ctx context.Context, plan persistence.SyncPlan) (*persistence.SyncOutcome, error)
}

// ChangeDetector compares two requirement texts. *generate.Generator
// implements it.
type ChangeDetector interface {
	DetectChanges(ctx context.Context, oldText, newText string) generate.ChangesResult
}

// Report describes one sync pass.
type Report struct {
	generate.Meta
	RequirementID    string             `json:"requirementId"`
	Changed          bool               `json:"changed"`
	PriorVersion     int                `json:"priorVersion"`
	Version          int                `json:"version"`
	ChangeSet        generate.ChangeSet `json:"changeSet"`
	FlaggedStories   []string           `json:"flaggedStories"`
	FlaggedTestCases []string           `json:"flaggedTestCases"`
}

type Detector struct {
	repo    Repository
	changes ChangeDetector
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDetector(repo Repository, changes ChangeDetector, eventBus *bus.Bus, metrics *otel.Metrics, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		repo:    repo,
		changes: changes,
		bus:     eventBus,
		metrics: metrics,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (d *Detector) lock(requirementID string) func() {
	d.mu.Lock()
	l, ok := d.locks[requirementID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[requirementID] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Sync applies an edit to a requirement. An empty newContent keeps the
// current content; an empty newTitle keeps the title. Edits that change
// nothing are a no-op: no version, no flags.
func (d *Detector) Sync(ctx context.Context, requirementID, newContent, newTitle string) (*Report, error) {
	defer d.lock(requirementID)()

	req, err := d.repo.GetRequirement(ctx, requirementID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperr.NotFound("requirement", requirementID)
	}
	if newContent == "" {
		newContent = req.Content
	}

	cs := d.changes.DetectChanges(ctx, req.Content, newContent)
	rep := &Report{
		Meta:             cs.Meta,
		RequirementID:    requirementID,
		PriorVersion:     req.Version,
		Version:          req.Version,
		ChangeSet:        cs.ChangeSet,
		FlaggedStories:   []string{},
		FlaggedTestCases: []string{},
	}
	if !cs.HasChanges {
		d.logger.InfoContext(ctx, "reqsync: no changes", "requirement_id", requirementID)
		return rep, nil
	}

	stories, err := d.repo.ListStoriesByRequirement(ctx, requirementID)
	if err != nil {
		return nil, err
	}
	matches := MatchStories(stories, cs.ImpactedAreas)

	details, _ := json.Marshal(cs.ChangeSet)
	plan := persistence.SyncPlan{
		RequirementID:   requirementID,
		ExpectedVersion: req.Version,
		NewTitle:        newTitle,
		NewContent:      newContent,
		Changes:         cs.Summary,
		ChangeDetails:   string(details),
	}
	for _, m := range matches {
		plan.Stories = append(plan.Stories, persistence.StoryFlag{
			StoryID: m.Story.ID,
			Reason:  fmt.Sprintf("Requirement changed in impacted area %q", m.Area),
		})
	}

	out, err := d.repo.ApplySync(ctx, plan)
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrVersionConflict):
			return nil, apperr.Conflict("requirement %s was modified concurrently; retry the edit", requirementID)
		case errors.Is(err, persistence.ErrNotFound):
			return nil, apperr.NotFound("requirement", requirementID)
		}
		return nil, err
	}

	rep.Changed = true
	rep.Version = out.NewVersion
	for _, s := range out.Stories {
		rep.FlaggedStories = append(rep.FlaggedStories, s.ID)
		d.bus.Publish(bus.TopicStoryFlagged, bus.EntityFlagged{RequirementID: requirementID, EntityID: s.ID, EntityKey: s.StoryKey})
	}
	for _, id := range out.TestCaseIDs {
		rep.FlaggedTestCases = append(rep.FlaggedTestCases, id)
		d.bus.Publish(bus.TopicTestCaseFlagged, bus.EntityFlagged{RequirementID: requirementID, EntityID: id})
	}
	d.bus.Publish(bus.TopicRequirementSynced, bus.RequirementSynced{
		RequirementID:    requirementID,
		Version:          out.NewVersion,
		FlaggedStories:   rep.FlaggedStories,
		FlaggedTestCases: rep.FlaggedTestCases,
	})
	d.metrics.RecordSyncFlags(ctx, "story", len(rep.FlaggedStories))
	d.metrics.RecordSyncFlags(ctx, "test_case", len(rep.FlaggedTestCases))
	d.logger.InfoContext(ctx, "reqsync: requirement synced",
		"requirement_id", requirementID,
		"version", out.NewVersion,
		"flagged_stories", len(rep.FlaggedStories),
		"flagged_test_cases", len(rep.FlaggedTestCases),
		"fallback", cs.Fallback,
	)
	return rep, nil
}

// Match is a story hit by an impacted area.
type Match struct {
	Story persistence.Story
	Area  string
}

// MatchStories returns stories whose title or description contains any
// impacted area, case-insensitively. Each story appears once, with the first
// area that hit it.
func MatchStories(stories []persistence.Story, areas []string) []Match {
	var out []Match
	for _, s := range stories {
		text := strings.ToLower(s.Title + "\n" + s.Description)
		for _, a := range areas {
			a = strings.ToLower(strings.TrimSpace(a))
			if a != "" && strings.Contains(text, a) {
				out = append(out, Match{Story: s, Area: a})
				break
			}
		}
	}
	return out
}
