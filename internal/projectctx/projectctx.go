// Package projectctx mines existing requirements, stories and issues for
// the background text that enriches generation prompts. Every detection is
// a heuristic over a bounded window of recent history.
package projectctx

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/persistence"
	"github.com/basket/storyforge/internal/tokenutil"
)

const (
	relatedStoryLimit = 5
	historyWindow     = 50
	labelShare        = 0.2
	maxGoals          = 5
)

// Store is the read side the collector needs.
type Store interface {
	GetRequirement(ctx context.Context, id string) (*persistence.Requirement, error)
	ListRecentStoriesByRequirement(ctx context.Context, requirementID string, limit int) ([]persistence.Story, error)
	ListRecentStoriesByProject(ctx context.Context, projectID string, limit int) ([]persistence.Story, error)
	ListIssues(ctx context.Context, projectID string, f persistence.IssueFilter) ([]persistence.Issue, error)
}

type StorySummary struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	StoryPoints int    `json:"storyPoints"`
}

type Conventions struct {
	TechStack     []string `json:"techStack"`
	CommonLabels  []string `json:"commonLabels"`
	TypicalPoints []int    `json:"typicalPoints"`
	NamingPattern string   `json:"namingPattern,omitempty"`
}

// Bundle is the context gathered for one requirement.
type Bundle struct {
	EpicKey        string         `json:"epicKey,omitempty"`
	Title          string         `json:"title"`
	Goals          []string       `json:"goals"`
	Scope          []string       `json:"scope"`
	RelatedStories []StorySummary `json:"relatedStories"`
	Conventions    Conventions    `json:"conventions"`
}

type Collector struct {
	store  Store
	window int
}

// NewCollector reads at most window recent stories and issues of a project
// for convention detection; window <= 0 uses the default of 50.
func NewCollector(store Store, window int) *Collector {
	if window <= 0 {
		window = historyWindow
	}
	return &Collector{store: store, window: window}
}

// Window is the history size used for convention detection.
func (c *Collector) Window() int { return c.window }

// Collect builds the bundle for a requirement. Related stories and project
// history are fetched concurrently.
func (c *Collector) Collect(ctx context.Context, requirementID string) (*Bundle, error) {
	req, err := c.store.GetRequirement(ctx, requirementID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperr.NotFound("requirement", requirementID)
	}

	b := &Bundle{EpicKey: req.Epic(), Title: req.Title}
	b.Goals, b.Scope = ExtractGoals(req.Content)

	var (
		related  []persistence.Story
		projStor []persistence.Story
		projIss  []persistence.Issue
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		related, err = c.store.ListRecentStoriesByRequirement(gctx, requirementID, relatedStoryLimit)
		return err
	})
	if pid := req.Project(); pid != "" {
		g.Go(func() error {
			var err error
			projStor, err = c.store.ListRecentStoriesByProject(gctx, pid, c.window)
			return err
		})
		g.Go(func() error {
			var err error
			projIss, err = c.store.ListIssues(gctx, pid, persistence.IssueFilter{Limit: c.window})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collect context for %s: %w", requirementID, err)
	}

	for _, s := range related {
		b.RelatedStories = append(b.RelatedStories, StorySummary{Key: s.StoryKey, Title: s.Title, Type: s.Type, StoryPoints: s.StoryPoints})
	}
	b.Conventions = DetectConventions(projStor, projIss)
	return b, nil
}

var (
	goalsHeading = regexp.MustCompile(`(?i)^\s*(?:#+\s*)?(goals?|objectives?)\s*(?::\s*(.*))?$`)
	scopeHeading = regexp.MustCompile(`(?i)^\s*(?:#+\s*)?(scope|in scope)\s*(?::\s*(.*))?$`)
	anyHeading   = regexp.MustCompile(`^\s*(#+\s+\S|[A-Za-z][A-Za-z -]{1,30}:\s*$)`)
	bulletLine   = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
)

// ExtractGoals reads a Goals/Objectives section and a Scope section. Without
// a goals heading the leading bullet list stands in for the goals.
func ExtractGoals(content string) (goals, scope []string) {
	lines := strings.Split(content, "\n")
	goals = section(lines, goalsHeading)
	scope = section(lines, scopeHeading)
	if len(goals) == 0 {
		goals = leadingBullets(lines)
	}
	if goals == nil {
		goals = []string{}
	}
	if scope == nil {
		scope = []string{}
	}
	return goals, scope
}

func section(lines []string, heading *regexp.Regexp) []string {
	for i, line := range lines {
		m := heading.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var out []string
		if inline := strings.TrimSpace(m[2]); inline != "" {
			out = append(out, inline)
		}
		for _, next := range lines[i+1:] {
			if strings.TrimSpace(next) == "" {
				if len(out) > 0 {
					break
				}
				continue
			}
			if bm := bulletLine.FindStringSubmatch(next); bm != nil {
				out = append(out, strings.TrimSpace(bm[1]))
			} else if anyHeading.MatchString(next) {
				break
			} else {
				out = append(out, strings.TrimSpace(next))
			}
			if len(out) == maxGoals {
				break
			}
		}
		return out
	}
	return nil
}

func leadingBullets(lines []string) []string {
	var out []string
	for _, line := range lines {
		m := bulletLine.FindStringSubmatch(line)
		if m == nil {
			if len(out) > 0 {
				break
			}
			continue
		}
		out = append(out, strings.TrimSpace(m[1]))
		if len(out) == maxGoals {
			break
		}
	}
	return out
}

// techKeywords maps a word to the display name of the technology.
var techKeywords = map[string]string{
	"react": "React", "vue": "Vue", "angular": "Angular", "svelte": "Svelte", "nextjs": "Next.js",
	"typescript": "TypeScript", "javascript": "JavaScript", "node": "Node.js", "nodejs": "Node.js",
	"go": "Go", "golang": "Go", "python": "Python", "django": "Django", "flask": "Flask", "fastapi": "FastAPI",
	"java": "Java", "spring": "Spring", "kotlin": "Kotlin", "swift": "Swift", "rust": "Rust",
	"postgres": "PostgreSQL", "postgresql": "PostgreSQL", "mysql": "MySQL", "sqlite": "SQLite",
	"mongodb": "MongoDB", "redis": "Redis", "kafka": "Kafka", "graphql": "GraphQL", "grpc": "gRPC",
	"docker": "Docker", "kubernetes": "Kubernetes", "aws": "AWS", "gcp": "GCP", "azure": "Azure",
	"tailwind": "Tailwind", "stripe": "Stripe",
}

// DetectConventions infers tech stack, common labels, typical story points
// and a naming pattern from recent stories and issues.
func DetectConventions(stories []persistence.Story, issues []persistence.Issue) Conventions {
	var texts, titles []string
	var points []int
	labelCount := map[string]int{}
	for _, s := range stories {
		texts = append(texts, s.Title, s.Description, strings.Join(s.AcceptanceCriteria, " "))
		titles = append(titles, s.Title)
		points = append(points, s.StoryPoints)
	}
	for _, is := range issues {
		texts = append(texts, is.Title, is.Description)
		if is.StoryID == "" {
			// Mirrored stories were counted above.
			titles = append(titles, is.Title)
			points = append(points, is.StoryPoints)
		}
		seen := map[string]bool{}
		for _, l := range is.Labels {
			if l = strings.TrimSpace(l); l != "" && !seen[l] {
				seen[l] = true
				labelCount[l]++
			}
		}
	}

	conv := Conventions{
		TechStack:     detectTech(strings.Join(texts, " ")),
		CommonLabels:  []string{},
		TypicalPoints: TypicalPoints(points),
		NamingPattern: NamingPattern(titles),
	}
	if len(issues) > 0 {
		for l, n := range labelCount {
			if float64(n)/float64(len(issues)) >= labelShare {
				conv.CommonLabels = append(conv.CommonLabels, l)
			}
		}
		sort.Slice(conv.CommonLabels, func(i, j int) bool {
			a, b := conv.CommonLabels[i], conv.CommonLabels[j]
			if labelCount[a] != labelCount[b] {
				return labelCount[a] > labelCount[b]
			}
			return a < b
		})
	}
	return conv
}

func detectTech(text string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		name, ok := techKeywords[w]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TypicalPoints returns the one to three most frequent non-zero point
// values, most frequent first and smaller first on ties.
func TypicalPoints(points []int) []int {
	count := map[int]int{}
	for _, p := range points {
		if p > 0 {
			count[p]++
		}
	}
	out := make([]int, 0, len(count))
	for p := range count {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if count[out[i]] != count[out[j]] {
			return count[out[i]] > count[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

var bracketPrefix = regexp.MustCompile(`^\[[^\]]+\]`)

// NamingPattern reports a shared title prefix: a "[Component]" tag, or a
// leading word used by at least a third of titles (minimum three).
func NamingPattern(titles []string) string {
	var bracketed, n int
	first := map[string]int{}
	display := map[string]string{}
	for _, t := range titles {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		n++
		if bracketPrefix.MatchString(t) {
			bracketed++
		}
		w := strings.Fields(t)[0]
		key := strings.ToLower(w)
		first[key]++
		if _, ok := display[key]; !ok {
			display[key] = w
		}
	}
	if n == 0 {
		return ""
	}
	if bracketed*3 >= n && bracketed >= 3 {
		return "[Component] prefix"
	}
	best, bestN := "", 0
	for w, c := range first {
		if c > bestN || c == bestN && w < best {
			best, bestN = w, c
		}
	}
	if bestN >= 3 && bestN*3 >= n {
		return fmt.Sprintf("titles start with %q", display[best])
	}
	return ""
}

// Format renders the bundle as prompt text within maxTokens.
func (b *Bundle) Format(maxTokens int) string {
	if b == nil {
		return ""
	}
	var lines []string
	if b.EpicKey != "" || b.Title != "" {
		lines = append(lines, strings.TrimSpace(fmt.Sprintf("Epic %s %s", b.EpicKey, b.Title)))
	}
	if len(b.Goals) > 0 {
		lines = append(lines, "Goals:")
		for _, g := range b.Goals {
			lines = append(lines, "- "+g)
		}
	}
	if len(b.Scope) > 0 {
		lines = append(lines, "Scope:")
		for _, s := range b.Scope {
			lines = append(lines, "- "+s)
		}
	}
	c := b.Conventions
	if len(c.TechStack) > 0 {
		lines = append(lines, "Tech stack: "+strings.Join(c.TechStack, ", "))
	}
	if len(c.CommonLabels) > 0 {
		lines = append(lines, "Common labels: "+strings.Join(c.CommonLabels, ", "))
	}
	if len(c.TypicalPoints) > 0 {
		pts := make([]string, len(c.TypicalPoints))
		for i, p := range c.TypicalPoints {
			pts[i] = fmt.Sprint(p)
		}
		lines = append(lines, "Typical story points: "+strings.Join(pts, ", "))
	}
	if c.NamingPattern != "" {
		lines = append(lines, "Naming: "+c.NamingPattern)
	}
	if len(b.RelatedStories) > 0 {
		lines = append(lines, "Existing stories (avoid duplicates):")
		for _, s := range b.RelatedStories {
			lines = append(lines, fmt.Sprintf("- %s %s (%s, %d pts)", s.Key, s.Title, s.Type, s.StoryPoints))
		}
	}
	return strings.Join(tokenutil.FitLines(lines, maxTokens), "\n")
}
