package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

const (
	maxDeficits  = 5
	maxStandouts = 4
)

const deficitsPromptTemplate = `Find the user app's feature deficits: capabilities that three or more competitors offer and the user app lacks.

User app %s plans:
%s

Competitor capabilities:
%s

Return 3 to 5 deficits, each with a severity and the competitors that have the capability.

Required JSON schema:
{
  "deficits": [
    {"title": "string", "description": "string", "severity": "low" | "medium" | "high" | "critical", "competitors": ["competitor names"]}
  ]
}`

const standoutsPromptTemplate = `Find the user app's standout capabilities: planned features no competitor offers.

User app %s plans:
%s

Competitor capabilities:
%s

Return 2 to 4 standouts, each with an opportunity rating from 0 (weak) to 10 (strong).

Required JSON schema:
{
  "standouts": [
    {"title": "string", "description": "string", "opportunity": number}
  ]
}`

const blueOceanPromptTemplate = `Identify one underserved market segment ("blue ocean") for %s based on this gap analysis.

Deficits and standouts:
%s

Competitor landscape:
%s

Required JSON schema:
{
  "title": "string",
  "description": "string",
  "opportunity": "low" | "medium" | "high",
  "difficulty": "low" | "medium" | "high"
}`

type deficitsResponse struct {
	Deficits []struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Severity    string   `json:"severity"`
		Competitors []string `json:"competitors"`
	} `json:"deficits"`
}

type standoutsResponse struct {
	Standouts []struct {
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Opportunity float64 `json:"opportunity"`
	} `json:"standouts"`
}

type blueOceanResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Opportunity string `json:"opportunity"`
	Difficulty  string `json:"difficulty"`
}

// runGaps derives deficits and standouts from the persisted feature data,
// then synthesizes one blue-ocean insight from their aggregate. Failed calls
// degrade to empty gap lists and the default insight.
func (p *Pipeline) runGaps(ctx context.Context, a *analysis.Analysis) error {
	if err := p.setStage(a.ID, StageGaps); err != nil {
		return err
	}

	userFeatures, err := p.store.ListUserFeatures(a.ID)
	if err != nil {
		return fmt.Errorf("list user features: %w", err)
	}
	competitors, err := p.store.ListCompetitors(a.ID)
	if err != nil {
		return fmt.Errorf("list competitors: %w", err)
	}
	competitorFeatures, err := p.store.ListCompetitorFeatures(a.ID)
	if err != nil {
		return fmt.Errorf("list competitor features: %w", err)
	}

	userSummary := formatUserFeatures(userFeatures)
	competitorSummary := formatCompetitorFeatures(competitors, competitorFeatures)

	items := p.findDeficits(ctx, a, userSummary, competitorSummary)
	items = append(items, p.findStandouts(ctx, a, userSummary, competitorSummary)...)
	if err := p.store.InsertGapItems(items); err != nil {
		return fmt.Errorf("insert gap items: %w", err)
	}

	ocean := p.findBlueOcean(ctx, a, items, competitors)
	if err := p.store.InsertBlueOcean(ocean); err != nil {
		return fmt.Errorf("insert blue ocean: %w", err)
	}

	log.Printf("rivalscope gaps_done analysis=%s items=%d", a.ID, len(items))
	return p.setStage(a.ID, StageGapsComplete)
}

func (p *Pipeline) findDeficits(ctx context.Context, a *analysis.Analysis, userSummary, competitorSummary string) []analysis.GapItem {
	var resp deficitsResponse
	if err := p.llm.Complete(ctx, "gap_deficits", systemPrompt,
		fmt.Sprintf(deficitsPromptTemplate, a.AppName, userSummary, competitorSummary), &resp); err != nil {
		log.Printf("rivalscope deficits_failed analysis=%s err=%q fallback=empty", a.ID, err.Error())
		return nil
	}

	var items []analysis.GapItem
	for _, d := range resp.Deficits {
		if strings.TrimSpace(d.Title) == "" {
			continue
		}
		if len(items) == maxDeficits {
			break
		}
		severity := parseSeverity(d.Severity)
		items = append(items, analysis.GapItem{
			ID:          uuid.NewString(),
			AnalysisID:  a.ID,
			Kind:        analysis.GapDeficit,
			Title:       strings.TrimSpace(d.Title),
			Description: d.Description,
			Severity:    &severity,
			Competitors: d.Competitors,
		})
	}
	return items
}

// findStandouts converts the generated 0-10 opportunity rating to the stored
// 0-100 scale.
func (p *Pipeline) findStandouts(ctx context.Context, a *analysis.Analysis, userSummary, competitorSummary string) []analysis.GapItem {
	var resp standoutsResponse
	if err := p.llm.Complete(ctx, "gap_standouts", systemPrompt,
		fmt.Sprintf(standoutsPromptTemplate, a.AppName, userSummary, competitorSummary), &resp); err != nil {
		log.Printf("rivalscope standouts_failed analysis=%s err=%q fallback=empty", a.ID, err.Error())
		return nil
	}

	var items []analysis.GapItem
	for _, s := range resp.Standouts {
		if strings.TrimSpace(s.Title) == "" {
			continue
		}
		if len(items) == maxStandouts {
			break
		}
		score := int(math.Round(clamp(s.Opportunity, 0, 10) * 10))
		items = append(items, analysis.GapItem{
			ID:               uuid.NewString(),
			AnalysisID:       a.ID,
			Kind:             analysis.GapStandout,
			Title:            strings.TrimSpace(s.Title),
			Description:      s.Description,
			OpportunityScore: &score,
		})
	}
	return items
}

func (p *Pipeline) findBlueOcean(ctx context.Context, a *analysis.Analysis, items []analysis.GapItem, competitors []analysis.Competitor) analysis.BlueOcean {
	var gapSummary strings.Builder
	for _, g := range items {
		fmt.Fprintf(&gapSummary, "- [%s] %s: %s\n", g.Kind, g.Title, g.Description)
	}
	var landscape strings.Builder
	for _, c := range competitors {
		fmt.Fprintf(&landscape, "- %s (%s): %s\n", c.Name, c.Type, c.Description)
	}

	var resp blueOceanResponse
	err := p.llm.Complete(ctx, "blue_ocean", systemPrompt,
		fmt.Sprintf(blueOceanPromptTemplate, a.AppName, gapSummary.String(), landscape.String()), &resp)
	if err != nil || strings.TrimSpace(resp.Title) == "" {
		if err != nil {
			log.Printf("rivalscope blue_ocean_failed analysis=%s err=%q fallback=default", a.ID, err.Error())
		}
		return defaultBlueOcean(a)
	}

	return analysis.BlueOcean{
		ID:          uuid.NewString(),
		AnalysisID:  a.ID,
		Title:       strings.TrimSpace(resp.Title),
		Description: resp.Description,
		Opportunity: parseOpportunity(resp.Opportunity),
		Difficulty:  parseDifficulty(resp.Difficulty),
	}
}

func defaultBlueOcean(a *analysis.Analysis) analysis.BlueOcean {
	return analysis.BlueOcean{
		ID:          uuid.NewString(),
		AnalysisID:  a.ID,
		Title:       "Underserved niche within the target audience",
		Description: fmt.Sprintf("No distinct blue-ocean segment could be derived from the available data. The nearest opportunity is to serve %s with a focused subset of the planned features before broadening scope.", a.Audience),
		Opportunity: analysis.OpportunityMedium,
		Difficulty:  analysis.DifficultyMedium,
	}
}

func parseSeverity(s string) analysis.Severity {
	switch analysis.Severity(strings.ToLower(strings.TrimSpace(s))) {
	case analysis.SeverityLow:
		return analysis.SeverityLow
	case analysis.SeverityHigh:
		return analysis.SeverityHigh
	case analysis.SeverityCritical:
		return analysis.SeverityCritical
	default:
		return analysis.SeverityMedium
	}
}

func parseOpportunity(s string) analysis.OpportunityLevel {
	switch analysis.OpportunityLevel(strings.ToLower(strings.TrimSpace(s))) {
	case analysis.OpportunityLow:
		return analysis.OpportunityLow
	case analysis.OpportunityHigh:
		return analysis.OpportunityHigh
	default:
		return analysis.OpportunityMedium
	}
}

func parseDifficulty(s string) analysis.DifficultyLevel {
	switch analysis.DifficultyLevel(strings.ToLower(strings.TrimSpace(s))) {
	case analysis.DifficultyLow:
		return analysis.DifficultyLow
	case analysis.DifficultyHigh:
		return analysis.DifficultyHigh
	default:
		return analysis.DifficultyMedium
	}
}

func formatUserFeatures(features []analysis.UserFeature) string {
	var sb strings.Builder
	for _, f := range features {
		fmt.Fprintf(&sb, "- %s", f.Name)
		if f.Description != "" {
			fmt.Fprintf(&sb, ": %s", f.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatCompetitorFeatures(competitors []analysis.Competitor, features []analysis.CompetitorFeature) string {
	byCompetitor := map[string][]string{}
	for _, f := range features {
		byCompetitor[f.CompetitorID] = append(byCompetitor[f.CompetitorID], f.Name)
	}
	var sb strings.Builder
	for _, c := range competitors {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Name, strings.Join(byCompetitor[c.ID], ", "))
	}
	return sb.String()
}
