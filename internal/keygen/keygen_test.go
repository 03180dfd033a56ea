package keygen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/storyforge/internal/apperr"
)

type fakeSource struct {
	mu          sync.Mutex
	projects    map[string]string
	epics       map[string][]string
	stories     map[string][]string
	reqEpics    map[string]string
	testCases   map[string][]string
	failReads   bool
	failProject bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		projects:  map[string]string{"p1": "WEB"},
		epics:     map[string][]string{},
		stories:   map[string][]string{},
		reqEpics:  map[string]string{},
		testCases: map[string][]string{},
	}
}

var errRead = errors.New("disk I/O error")

func (f *fakeSource) ProjectKey(_ context.Context, id string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProject {
		return "", false, errRead
	}
	k, ok := f.projects[id]
	return k, ok, nil
}

func (f *fakeSource) ListEpicKeys(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, errRead
	}
	return append([]string(nil), f.epics[id]...), nil
}

func (f *fakeSource) ListStoryKeys(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, errRead
	}
	return append([]string(nil), f.stories[id]...), nil
}

func (f *fakeSource) RequirementEpicKey(_ context.Context, id string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.reqEpics[id]
	return k, ok, nil
}

func (f *fakeSource) ListTestCaseKeys(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, errRead
	}
	return append([]string(nil), f.testCases[id]...), nil
}

func (f *fakeSource) addStory(project, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.stories[project] {
		if k == key {
			return fmt.Errorf("insert story: UNIQUE constraint failed: stories.project_id, stories.story_key")
		}
	}
	f.stories[project] = append(f.stories[project], key)
	return nil
}

func TestNextSuffix(t *testing.T) {
	tests := []struct {
		keys  []string
		floor int
		want  int
	}{
		{nil, 100, 100},
		{[]string{"WEB-100"}, 100, 101},
		{[]string{"WEB-100", "WEB-150", "WEB-120"}, 100, 151},
		{[]string{"WEB-5"}, 201, 201},
		{[]string{"TC-WEB100-009", "TC-WEB100-010"}, 1, 11},
		{[]string{"garbage"}, 1, 1},
	}
	for _, tt := range tests {
		if got := NextSuffix(tt.keys, tt.floor); got != tt.want {
			t.Errorf("NextSuffix(%v, %d) = %d, want %d", tt.keys, tt.floor, got, tt.want)
		}
	}
}

func TestNext_FloorsOnEmptyScope(t *testing.T) {
	src := newFakeSource()
	src.reqEpics["r1"] = "WEB-100"
	g := New(src, nil)
	ctx := context.Background()

	for kind, want := range map[Kind]string{
		KindEpic:  "WEB-100",
		KindStory: "WEB-201",
	} {
		got, err := g.Next(ctx, kind, "p1")
		if err != nil {
			t.Fatalf("next %s: %v", kind, err)
		}
		if got != want {
			t.Fatalf("next %s = %q, want %q", kind, got, want)
		}
	}
	got, err := g.Next(ctx, KindTestCase, "r1")
	if err != nil || got != "TC-WEB100-001" {
		t.Fatalf("first test case key = %q, %v", got, err)
	}
}

func TestAllocate_SequentialKeysStrictlyIncrease(t *testing.T) {
	src := newFakeSource()
	g := New(src, nil)
	ctx := context.Background()
	prev := 0
	for i := 0; i < 5; i++ {
		key, err := g.Allocate(ctx, KindStory, "p1", func(k string) error { return src.addStory("p1", k) })
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		n := NextSuffix([]string{key}, 0) - 1
		if n <= prev {
			t.Fatalf("key %s not greater than previous suffix %d", key, prev)
		}
		prev = n
	}
	if prev != 205 {
		t.Fatalf("expected last suffix 205, got %d", prev)
	}
}

func TestAllocate_ConcurrentCallersGetDistinctKeys(t *testing.T) {
	src := newFakeSource()
	g := New(src, nil)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	keys := make(chan string, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := g.Allocate(ctx, KindStory, "p1", func(k string) error { return src.addStory("p1", k) })
			if err != nil {
				errs <- err
				return
			}
			keys <- key
		}()
	}
	wg.Wait()
	close(keys)
	close(errs)
	for err := range errs {
		t.Fatalf("allocate: %v", err)
	}
	seen := map[string]bool{}
	for k := range keys {
		if seen[k] {
			t.Fatalf("duplicate key %s", k)
		}
		seen[k] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d keys, got %d", workers, len(seen))
	}
}

func TestAllocate_RetriesOnUniqueViolation(t *testing.T) {
	src := newFakeSource()
	g := New(src, nil)
	attempts := 0
	key, err := g.Allocate(context.Background(), KindStory, "p1", func(k string) error {
		attempts++
		if attempts == 1 {
			// Another writer took the key between scan and insert.
			_ = src.addStory("p1", k)
			return src.addStory("p1", k)
		}
		return src.addStory("p1", k)
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if key != "WEB-202" || attempts != 2 {
		t.Fatalf("expected WEB-202 after one retry, got %s after %d attempts", key, attempts)
	}
}

func TestAllocate_GivesUpAfterThreeCollisions(t *testing.T) {
	g := New(newFakeSource(), nil)
	attempts := 0
	_, err := g.Allocate(context.Background(), KindEpic, "p1", func(string) error {
		attempts++
		return errors.New("UNIQUE constraint failed: requirements.project_id, requirements.epic_key")
	})
	if apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if attempts != maxAllocateAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAllocateAttempts, attempts)
	}
}

func TestNext_MissingScopeIsNotFound(t *testing.T) {
	g := New(newFakeSource(), nil)
	if _, err := g.Next(context.Background(), KindEpic, "nope"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found for project, got %v", err)
	}
	if _, err := g.Next(context.Background(), KindTestCase, "nope"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found for requirement, got %v", err)
	}
}

func TestNext_ReadErrorFallsBackToTimestampKey(t *testing.T) {
	src := newFakeSource()
	src.failReads = true
	g := New(src, nil)
	g.now = func() time.Time { return time.UnixMilli(1700000000123) }

	got, err := g.Next(context.Background(), KindStory, "p1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != "WEB-1700000000123" {
		t.Fatalf("unexpected fallback key %q", got)
	}
}

func TestRequirementTokenWithoutEpic(t *testing.T) {
	got := RequirementToken("", "3f2a9c1e-0000-4000-8000-000000000000")
	if got != "REQ3F2A9C1E" {
		t.Fatalf("RequirementToken = %q", got)
	}
	if got := RequirementToken("WEB-100", "ignored"); got != "WEB100" {
		t.Fatalf("RequirementToken with epic = %q", got)
	}
}

func TestSuiteAndTestCaseKeys(t *testing.T) {
	if got := SuiteKey("smoke", "WEB100"); got != "TS-SMOKE-WEB100" {
		t.Fatalf("SuiteKey = %q", got)
	}
	if got := TestCaseKey("WEB100", 7); got != "TC-WEB100-007" {
		t.Fatalf("TestCaseKey = %q", got)
	}
	if !strings.HasPrefix(TestCaseKey("WEB100", 1234), "TC-WEB100-1234") {
		t.Fatal("counter beyond three digits must not be truncated")
	}
}
