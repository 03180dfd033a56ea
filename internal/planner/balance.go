package planner

import (
	"fmt"

	"github.com/basket/storyforge/internal/persistence"
)

type MemberLoad struct {
	MemberID string   `json:"memberId"`
	Name     string   `json:"name"`
	Points   int      `json:"points"`
	Issues   int      `json:"issues"`
	IssueIDs []string `json:"issueIds"`
}

type Workload struct {
	// Assignments maps issue id to member id.
	Assignments     map[string]string `json:"assignments"`
	Members         []MemberLoad      `json:"members"`
	TotalPoints     int               `json:"totalPoints"`
	Utilization     float64           `json:"utilization"`
	Recommendations []string          `json:"recommendations"`
}

// Utilization thresholds for Balance recommendations.
const (
	LowUtilization  = 0.70
	HighUtilization = 0.95
)

// Balance deals selected issues round-robin across members in order.
// Utilization is total points over members × ceil(total / members).
func Balance(selected []persistence.Issue, members []persistence.Member) Workload {
	w := Workload{Assignments: map[string]string{}, Members: []MemberLoad{}, Recommendations: []string{}}
	if len(members) == 0 {
		if len(selected) > 0 {
			w.Recommendations = append(w.Recommendations, "Add team members to the project before assigning work")
		}
		return w
	}
	for _, m := range members {
		w.Members = append(w.Members, MemberLoad{MemberID: m.ID, Name: m.Name, IssueIDs: []string{}})
	}
	for i, is := range selected {
		ml := &w.Members[i%len(members)]
		ml.Points += is.StoryPoints
		ml.Issues++
		ml.IssueIDs = append(ml.IssueIDs, is.ID)
		w.Assignments[is.ID] = ml.MemberID
		w.TotalPoints += is.StoryPoints
	}
	n := len(members)
	if w.TotalPoints > 0 {
		perMember := (w.TotalPoints + n - 1) / n
		w.Utilization = float64(w.TotalPoints) / float64(n*perMember)
	}
	switch {
	case w.Utilization < LowUtilization:
		w.Recommendations = append(w.Recommendations,
			fmt.Sprintf("Utilization is %.0f%%; the team can take on more work", 100*w.Utilization))
	case w.Utilization > HighUtilization:
		w.Recommendations = append(w.Recommendations,
			fmt.Sprintf("Warning: utilization is %.0f%%; leave buffer for unplanned work", 100*w.Utilization))
	}
	return w
}
