package generate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/storyforge/internal/llm"
)

// Change types and impact levels.
const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangeModified = "modified"

	ImpactHigh   = "high"
	ImpactMedium = "medium"
	ImpactLow    = "low"
)

type Change struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Impact      string `json:"impact"`
}

type ChangeSet struct {
	HasChanges    bool     `json:"hasChanges"`
	Changes       []Change `json:"changes"`
	ImpactedAreas []string `json:"impactedAreas"`
	Summary       string   `json:"summary"`
}

type ChangesResult struct {
	Meta
	ChangeSet
}

var changesSchema = llm.MustCompileSchema("changes", `{
	"type": "object",
	"required": ["hasChanges", "changes", "impactedAreas"],
	"properties": {
		"hasChanges": {"type": "boolean"},
		"changes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type", "description"],
				"properties": {
					"type": {"type": "string"},
					"description": {"type": "string"},
					"impact": {"type": "string"}
				}
			}
		},
		"impactedAreas": {"type": "array", "items": {"type": "string"}},
		"summary": {"type": "string"}
	}
}`)

const changesSystem = `You compare two versions of a product requirement.
List functional changes only; ignore formatting and wording that does not change meaning.
impactedAreas are short lowercase keywords (features, components, domain nouns) that stories touching the change would mention.
Reply with JSON only: {"hasChanges":true|false,"changes":[{"type":"added|removed|modified","description":"...","impact":"high|medium|low"}],"impactedAreas":["..."],"summary":"..."}.`

// DetectChanges compares two requirement texts. Texts that are equal after
// whitespace normalization are reported unchanged without calling the model.
func (g *Generator) DetectChanges(ctx context.Context, oldText, newText string) ChangesResult {
	if normalizeText(oldText) == normalizeText(newText) {
		return ChangesResult{ChangeSet: ChangeSet{Changes: []Change{}, ImpactedAreas: []string{}, Summary: "No changes detected"}}
	}

	prompt := fmt.Sprintf("Previous version:\n---\n%s\n---\n\nNew version:\n---\n%s\n---\n", oldText, newText)
	var reply ChangeSet
	err := g.ask(ctx, changesSchema, "", changesSystem, prompt, &reply, llm.WithTemperature(0.2))
	if err == nil {
		return ChangesResult{ChangeSet: normalizeChangeSet(reply)}
	}
	return ChangesResult{Meta: g.fallback(ctx, "detect_changes", err), ChangeSet: DiffChanges(oldText, newText)}
}

func normalizeChangeSet(cs ChangeSet) ChangeSet {
	changes := make([]Change, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		c.Description = strings.TrimSpace(c.Description)
		if c.Description == "" {
			continue
		}
		switch c.Type = strings.ToLower(strings.TrimSpace(c.Type)); c.Type {
		case ChangeAdded, ChangeRemoved, ChangeModified:
		default:
			c.Type = ChangeModified
		}
		switch c.Impact = strings.ToLower(strings.TrimSpace(c.Impact)); c.Impact {
		case ImpactHigh, ImpactMedium, ImpactLow:
		default:
			c.Impact = ImpactMedium
		}
		changes = append(changes, c)
	}
	cs.Changes = changes
	cs.ImpactedAreas = normalizeAreas(cs.ImpactedAreas)
	cs.Summary = strings.TrimSpace(cs.Summary)
	if !cs.HasChanges {
		cs.Changes = []Change{}
		cs.ImpactedAreas = []string{}
	}
	if cs.Summary == "" {
		cs.Summary = summarizeChanges(cs.Changes)
	}
	return cs
}

func normalizeAreas(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, a := range in {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// DiffChanges is the line-set diff used when the model is unavailable:
// lines only in the new text are additions, lines only in the old text are
// removals, and impacted areas are the most frequent keywords of both.
func DiffChanges(oldText, newText string) ChangeSet {
	oldLines, newLines := lineSet(oldText), lineSet(newText)
	cs := ChangeSet{Changes: []Change{}, ImpactedAreas: []string{}}
	var changed []string
	for _, l := range orderedLines(newText) {
		if !oldLines[l] {
			cs.Changes = append(cs.Changes, Change{Type: ChangeAdded, Description: "Added: " + truncate(l, 160), Impact: ImpactMedium})
			changed = append(changed, l)
		}
	}
	for _, l := range orderedLines(oldText) {
		if !newLines[l] {
			cs.Changes = append(cs.Changes, Change{Type: ChangeRemoved, Description: "Removed: " + truncate(l, 160), Impact: ImpactHigh})
			changed = append(changed, l)
		}
	}
	if len(cs.Changes) == 0 {
		// Same lines, different order or spacing within lines.
		cs.Changes = append(cs.Changes, Change{Type: ChangeModified, Description: "Content was reordered or reformatted", Impact: ImpactLow})
	}
	if len(cs.Changes) > 20 {
		cs.Changes = cs.Changes[:20]
	}
	cs.HasChanges = true
	cs.ImpactedAreas = Keywords(strings.Join(changed, " "), 10)
	cs.Summary = summarizeChanges(cs.Changes)
	return cs
}

func summarizeChanges(changes []Change) string {
	if len(changes) == 0 {
		return "No changes detected"
	}
	counts := map[string]int{}
	for _, c := range changes {
		counts[c.Type]++
	}
	var parts []string
	for _, t := range []string{ChangeAdded, ChangeRemoved, ChangeModified} {
		if counts[t] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[t], t))
		}
	}
	return "Detected changes: " + strings.Join(parts, ", ")
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orderedLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = normalizeText(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func lineSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, l := range orderedLines(s) {
		set[l] = true
	}
	return set
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true, "from": true,
	"should": true, "must": true, "will": true, "can": true, "are": true, "have": true, "has": true,
	"users": true, "user": true, "when": true, "then": true, "into": true, "their": true, "they": true,
	"able": true, "also": true, "each": true, "only": true, "been": true, "were": true, "which": true,
	"added": true, "removed": true, "allow": true, "allows": true, "using": true, "via": true,
}

// Keywords returns up to n lowercase words of four or more letters, most
// frequent first, ties in order of appearance.
func Keywords(text string, n int) []string {
	counts := map[string]int{}
	var order []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		w = strings.Trim(w, "-")
		if len(w) < 4 || stopwords[w] {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	if order == nil {
		return []string{}
	}
	return order
}
