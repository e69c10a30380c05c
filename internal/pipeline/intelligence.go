package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

const intelligencePromptTemplate = `Write a market intelligence report for %s (%s), aimed at %s.

Competitive landscape:
%s

Gap analysis:
%s

Required JSON schema:
{
  "summary": "2-3 sentence executive summary",
  "market_overview": "one paragraph on the market's size, dynamics, and buyers",
  "trends": ["3-5 current market trends"],
  "barriers": ["2-4 barriers to entry"],
  "recommendations": ["3-5 strategic recommendations"],
  "outlook": "one paragraph forward-looking assessment"
}`

type intelligenceResponse struct {
	Summary         string   `json:"summary"`
	MarketOverview  string   `json:"market_overview"`
	Trends          []string `json:"trends"`
	Barriers        []string `json:"barriers"`
	Recommendations []string `json:"recommendations"`
	Outlook         string   `json:"outlook"`
}

// runIntelligence produces the final long-form report. A failed or empty
// response degrades to a placeholder so the analysis still completes.
func (p *Pipeline) runIntelligence(ctx context.Context, a *analysis.Analysis) error {
	if err := p.setStage(a.ID, StageIntelligence); err != nil {
		return err
	}

	competitors, err := p.store.ListCompetitors(a.ID)
	if err != nil {
		return fmt.Errorf("list competitors: %w", err)
	}
	gapItems, err := p.store.ListGapItems(a.ID)
	if err != nil {
		return fmt.Errorf("list gap items: %w", err)
	}

	mi := p.synthesizeIntelligence(ctx, a, competitors, gapItems)
	if err := p.store.InsertMarketIntelligence(mi); err != nil {
		return fmt.Errorf("insert market intelligence: %w", err)
	}
	return p.setStage(a.ID, StageIntelligenceComplete)
}

func (p *Pipeline) synthesizeIntelligence(ctx context.Context, a *analysis.Analysis, competitors []analysis.Competitor, gapItems []analysis.GapItem) analysis.MarketIntelligence {
	var landscape strings.Builder
	for _, c := range competitors {
		fmt.Fprintf(&landscape, "- %s (%s): %s\n", c.Name, c.Type, c.Description)
	}
	var gaps strings.Builder
	for _, g := range gapItems {
		fmt.Fprintf(&gaps, "- [%s] %s: %s\n", g.Kind, g.Title, g.Description)
	}

	var resp intelligenceResponse
	err := p.llm.Complete(ctx, "market_intelligence", systemPrompt,
		fmt.Sprintf(intelligencePromptTemplate, a.AppName, a.Description, a.Audience, landscape.String(), gaps.String()), &resp)
	if err != nil || strings.TrimSpace(resp.Summary) == "" {
		if err != nil {
			log.Printf("rivalscope intelligence_failed analysis=%s err=%q fallback=placeholder", a.ID, err.Error())
		}
		return placeholderIntelligence(a)
	}

	return analysis.MarketIntelligence{
		ID:              uuid.NewString(),
		AnalysisID:      a.ID,
		Summary:         resp.Summary,
		MarketOverview:  resp.MarketOverview,
		Trends:          resp.Trends,
		Barriers:        resp.Barriers,
		Recommendations: resp.Recommendations,
		Outlook:         resp.Outlook,
	}
}

func placeholderIntelligence(a *analysis.Analysis) analysis.MarketIntelligence {
	return analysis.MarketIntelligence{
		ID:             uuid.NewString(),
		AnalysisID:     a.ID,
		Summary:        fmt.Sprintf("A full market intelligence report for %s could not be generated from the available data.", a.AppName),
		MarketOverview: fmt.Sprintf("Insufficient competitive data was gathered to characterize the market serving %s. Rerun the analysis once discovery succeeds.", a.Audience),
		Outlook:        "Outlook unavailable; this section will populate on a successful rerun.",
	}
}
