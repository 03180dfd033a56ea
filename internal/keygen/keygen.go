// Package keygen issues human-readable keys for epics, stories, test cases
// and suites. Numeric keys are allocated under a per-scope lock and retried
// on unique-constraint violations, so concurrent callers never share a key.
package keygen

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/persistence"
)

type Kind string

const (
	KindEpic     Kind = "epic"
	KindStory    Kind = "story"
	KindTestCase Kind = "test_case"
)

// Floors applied to empty scopes.
const (
	EpicFloor     = 100
	StoryFloor    = 201
	TestCaseFloor = 1
)

const maxAllocateAttempts = 3

// Source is the read side the generator scans. *persistence.Store satisfies it.
type Source interface {
	ProjectKey(ctx context.Context, projectID string) (string, bool, error)
	ListEpicKeys(ctx context.Context, projectID string) ([]string, error)
	ListStoryKeys(ctx context.Context, projectID string) ([]string, error)
	RequirementEpicKey(ctx context.Context, requirementID string) (string, bool, error)
	ListTestCaseKeys(ctx context.Context, requirementID string) ([]string, error)
}

type Generator struct {
	src    Source
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	scopes map[string]*sync.Mutex
}

func New(src Source, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		src:    src,
		logger: logger,
		now:    time.Now,
		scopes: make(map[string]*sync.Mutex),
	}
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// NextSuffix returns max(largest trailing number in keys + 1, floor).
func NextSuffix(keys []string, floor int) int {
	next := floor
	for _, k := range keys {
		m := trailingDigits.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n+1 > next {
			next = n + 1
		}
	}
	return next
}

// Compact strips dashes from an epic key: "WEB-100" -> "WEB100".
func Compact(epicKey string) string {
	return strings.ReplaceAll(epicKey, "-", "")
}

// RequirementToken is the epic segment used in test case and suite keys. A
// requirement without an epic key falls back to REQ plus the first 8 hex
// digits of its id.
func RequirementToken(epicKey, requirementID string) string {
	if epicKey != "" {
		return Compact(epicKey)
	}
	hex := strings.ToUpper(strings.ReplaceAll(requirementID, "-", ""))
	if len(hex) > 8 {
		hex = hex[:8]
	}
	return "REQ" + hex
}

// SuiteKey is deterministic: one suite per (category, epic).
func SuiteKey(category, token string) string {
	return fmt.Sprintf("TS-%s-%s", strings.ToUpper(category), token)
}

func TestCaseKey(token string, n int) string {
	return fmt.Sprintf("TC-%s-%03d", token, n)
}

// Next computes the next key for kind in scope (project id for epics and
// stories, requirement id for test cases) without reserving it.
func (g *Generator) Next(ctx context.Context, kind Kind, scope string) (string, error) {
	switch kind {
	case KindEpic, KindStory:
		projectKey, found, err := g.src.ProjectKey(ctx, scope)
		if err != nil {
			return g.bestEffort(kind, "KEY", err), nil
		}
		if !found {
			return "", apperr.NotFound("project", scope)
		}
		list, floor := g.src.ListEpicKeys, EpicFloor
		if kind == KindStory {
			list, floor = g.src.ListStoryKeys, StoryFloor
		}
		keys, err := list(ctx, scope)
		if err != nil {
			return g.bestEffort(kind, projectKey, err), nil
		}
		return fmt.Sprintf("%s-%d", projectKey, NextSuffix(onlyPrefixed(keys, projectKey+"-"), floor)), nil
	case KindTestCase:
		token, err := g.RequirementToken(ctx, scope)
		if err != nil {
			if apperr.IsNotFound(err) {
				return "", err
			}
			return g.bestEffort(kind, "TC", err), nil
		}
		keys, err := g.src.ListTestCaseKeys(ctx, scope)
		if err != nil {
			return g.bestEffort(kind, "TC-"+token, err), nil
		}
		return TestCaseKey(token, NextSuffix(keys, TestCaseFloor)), nil
	default:
		return "", apperr.Invalid("unknown key kind %q", kind)
	}
}

// RequirementToken resolves the epic segment for a requirement id.
func (g *Generator) RequirementToken(ctx context.Context, requirementID string) (string, error) {
	epicKey, found, err := g.src.RequirementEpicKey(ctx, requirementID)
	if err != nil {
		return "", fmt.Errorf("resolve epic key: %w", err)
	}
	if !found {
		return "", apperr.NotFound("requirement", requirementID)
	}
	return RequirementToken(epicKey, requirementID), nil
}

// Allocate computes the next key and hands it to insert while holding the
// scope lock. A unique violation from insert triggers a rescan, up to three
// attempts in total.
func (g *Generator) Allocate(ctx context.Context, kind Kind, scope string, insert func(key string) error) (string, error) {
	lock := g.scopeLock(kind, scope)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		key, err := g.Next(ctx, kind, scope)
		if err != nil {
			return "", err
		}
		err = insert(key)
		if err == nil {
			return key, nil
		}
		if !persistence.IsUniqueViolation(err) {
			return "", err
		}
		g.logger.Warn("key collision, rescanning", "kind", kind, "scope", scope, "key", key, "attempt", attempt+1)
		lastErr = err
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	return "", apperr.Conflict("could not allocate a unique %s key in %s: %v", kind, scope, lastErr)
}

// scopeLock returns the mutex for a keyspace. Stories and issues share one.
func (g *Generator) scopeLock(kind Kind, scope string) *sync.Mutex {
	name := string(kind) + ":" + scope
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.scopes[name]
	if !ok {
		m = &sync.Mutex{}
		g.scopes[name] = m
	}
	return m
}

// bestEffort keeps generation moving when the key scan fails. The result is
// unique in practice but carries no format guarantee.
func (g *Generator) bestEffort(kind Kind, prefix string, cause error) string {
	key := fmt.Sprintf("%s-%d", prefix, g.now().UnixMilli())
	g.logger.Warn("key scan failed, using timestamp key", "kind", kind, "key", key, "error", cause)
	return key
}

func onlyPrefixed(keys []string, prefix string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}
