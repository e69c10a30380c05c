package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

const mvpPromptTemplate = `Prioritize the user app's planned features for an MVP roadmap.

App: %s, for %s. %s

Planned features:
%s

Gap analysis context:
%s

Assign every feature exactly one priority: P0 (must ship in the MVP), P1 (fast follow), P2 (later). Use the exact feature names given.

Required JSON schema:
{
  "assignments": [
    {"feature": "exact feature name", "priority": "P0" | "P1" | "P2", "reasoning": "one sentence"}
  ]
}`

const fallbackPriorityReasoning = "Assigned by position-based default split."

type mvpResponse struct {
	Assignments []struct {
		Feature   string `json:"feature"`
		Priority  string `json:"priority"`
		Reasoning string `json:"reasoning"`
	} `json:"assignments"`
}

// runMVP assigns a P0/P1/P2 priority to every user feature. The model's
// answer is joined by case-insensitive feature name; features it omits fall
// back to an even split over declaration order (first third P0), so coverage
// is total regardless of response quality.
func (p *Pipeline) runMVP(ctx context.Context, a *analysis.Analysis) error {
	if err := p.setStage(a.ID, StageMVP); err != nil {
		return err
	}

	features, err := p.store.ListUserFeatures(a.ID)
	if err != nil {
		return fmt.Errorf("list user features: %w", err)
	}
	gapItems, err := p.store.ListGapItems(a.ID)
	if err != nil {
		return fmt.Errorf("list gap items: %w", err)
	}

	assignments := p.prioritizeFeatures(ctx, a, features, gapItems)
	if err := p.store.SetFeaturePriorities(a.ID, assignments); err != nil {
		return fmt.Errorf("set feature priorities: %w", err)
	}
	return p.setStage(a.ID, StageMVPComplete)
}

func (p *Pipeline) prioritizeFeatures(ctx context.Context, a *analysis.Analysis, features []analysis.UserFeature, gapItems []analysis.GapItem) map[string]analysis.PriorityAssignment {
	if len(features) == 0 {
		return nil
	}

	var gapSummary strings.Builder
	for _, g := range gapItems {
		fmt.Fprintf(&gapSummary, "- [%s] %s\n", g.Kind, g.Title)
	}

	var resp mvpResponse
	if err := p.llm.Complete(ctx, "prioritize_features", systemPrompt,
		fmt.Sprintf(mvpPromptTemplate, a.AppName, a.Audience, a.Description,
			formatUserFeatures(features), gapSummary.String()), &resp); err != nil {
		log.Printf("rivalscope mvp_failed analysis=%s err=%q fallback=even_split", a.ID, err.Error())
		resp.Assignments = nil
	}

	byName := make(map[string]analysis.PriorityAssignment, len(resp.Assignments))
	for _, raw := range resp.Assignments {
		priority, ok := parsePriority(raw.Priority)
		if !ok {
			continue
		}
		byName[strings.ToLower(strings.TrimSpace(raw.Feature))] = analysis.PriorityAssignment{
			Priority:  priority,
			Reasoning: raw.Reasoning,
		}
	}

	assignments := make(map[string]analysis.PriorityAssignment, len(features))
	missing := 0
	for i, f := range features {
		if pa, ok := byName[strings.ToLower(f.Name)]; ok {
			assignments[f.ID] = pa
			continue
		}
		missing++
		assignments[f.ID] = analysis.PriorityAssignment{
			Priority:  priorityForPosition(i, len(features)),
			Reasoning: fallbackPriorityReasoning,
		}
	}
	if missing > 0 {
		log.Printf("rivalscope mvp_fallback analysis=%s unassigned=%d of=%d", a.ID, missing, len(features))
	}
	return assignments
}

// priorityForPosition splits declaration order into even thirds:
// first third P0, second third P1, remainder P2.
func priorityForPosition(i, n int) analysis.Priority {
	switch {
	case i*3 < n:
		return analysis.PriorityP0
	case i*3 < 2*n:
		return analysis.PriorityP1
	default:
		return analysis.PriorityP2
	}
}

func parsePriority(s string) (analysis.Priority, bool) {
	switch analysis.Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case analysis.PriorityP0:
		return analysis.PriorityP0, true
	case analysis.PriorityP1:
		return analysis.PriorityP1, true
	case analysis.PriorityP2:
		return analysis.PriorityP2, true
	default:
		return "", false
	}
}
