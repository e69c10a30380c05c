package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

const positioningPromptTemplate = `Place every entity on a market positioning map with two axes, each 0 to 10:
- value: how much user value the product delivers
- complexity: how complex the product is to adopt and operate

Entities:
%s

Use the exact entity names given, one entry per entity.

Required JSON schema:
{
  "entities": [
    {"name": "exact entity name", "value": number, "complexity": number}
  ]
}`

type positioningResponse struct {
	Entities []struct {
		Name       string  `json:"name"`
		Value      float64 `json:"value"`
		Complexity float64 `json:"complexity"`
	} `json:"entities"`
}

// Quadrant classifies a value/complexity pair. Derived deterministically by
// the pipeline, never taken from the model.
func Quadrant(value, complexity float64) string {
	switch {
	case value >= 7 && complexity < 5:
		return "High Value, Low Complexity (Sweet Spot)"
	case value >= 7:
		return "High Value, High Complexity (Feature Rich)"
	case complexity < 5:
		return "Low Value, Low Complexity (Basic Tools)"
	default:
		return "Low Value, High Complexity (Bloated)"
	}
}

// runPositioning scores the user app and every competitor on value and
// complexity in a single batched call, joining the answers back by
// case-insensitive name. Names that match nothing are counted and logged, not
// silently dropped. A failed or empty response degrades to the fixed
// synthetic layout.
func (p *Pipeline) runPositioning(ctx context.Context, a *analysis.Analysis) error {
	if err := p.setStage(a.ID, StagePositioning); err != nil {
		return err
	}

	competitors, err := p.store.ListCompetitors(a.ID)
	if err != nil {
		return fmt.Errorf("list competitors: %w", err)
	}

	rows := p.positionEntities(ctx, a, competitors)
	if err := p.store.InsertPositioning(rows); err != nil {
		return fmt.Errorf("insert positioning: %w", err)
	}
	return p.setStage(a.ID, StagePositioningComplete)
}

func (p *Pipeline) positionEntities(ctx context.Context, a *analysis.Analysis, competitors []analysis.Competitor) []analysis.Positioning {
	var entityList strings.Builder
	fmt.Fprintf(&entityList, "- %s (the user's app): %s\n", a.AppName, a.Description)
	for _, c := range competitors {
		fmt.Fprintf(&entityList, "- %s: %s\n", c.Name, c.Description)
	}

	var resp positioningResponse
	if err := p.llm.Complete(ctx, "position_entities", systemPrompt,
		fmt.Sprintf(positioningPromptTemplate, entityList.String()), &resp); err != nil {
		log.Printf("rivalscope positioning_failed analysis=%s err=%q fallback=synthetic", a.ID, err.Error())
		return syntheticLayout(a, competitors)
	}

	byName := make(map[string]analysis.Competitor, len(competitors))
	for _, c := range competitors {
		byName[strings.ToLower(c.Name)] = c
	}

	var rows []analysis.Positioning
	placed := map[string]bool{}
	unmatched := 0
	for _, e := range resp.Entities {
		name := strings.TrimSpace(e.Name)
		key := strings.ToLower(name)
		value := clamp(e.Value, 0, 10)
		complexity := clamp(e.Complexity, 0, 10)

		switch {
		case key == strings.ToLower(a.AppName) && !placed[""]:
			placed[""] = true
			rows = append(rows, analysis.Positioning{
				ID: uuid.NewString(), AnalysisID: a.ID,
				EntityName: a.AppName, Value: value, Complexity: complexity,
				Quadrant: Quadrant(value, complexity),
			})
		default:
			c, ok := byName[key]
			if !ok || placed[c.ID] {
				unmatched++
				log.Printf("rivalscope positioning_unmatched analysis=%s name=%q", a.ID, name)
				continue
			}
			placed[c.ID] = true
			id := c.ID
			rows = append(rows, analysis.Positioning{
				ID: uuid.NewString(), AnalysisID: a.ID, CompetitorID: &id,
				EntityName: c.Name, Value: value, Complexity: complexity,
				Quadrant: Quadrant(value, complexity),
			})
		}
	}
	if unmatched > 0 {
		log.Printf("rivalscope positioning_unmatched_total analysis=%s count=%d", a.ID, unmatched)
	}
	if len(rows) == 0 {
		log.Printf("rivalscope positioning_empty analysis=%s fallback=synthetic", a.ID)
		return syntheticLayout(a, competitors)
	}
	return rows
}

// syntheticOffsets spreads competitors across the map when no real scores are
// available: one entry per index modulo 3.
var syntheticOffsets = [3]struct{ value, complexity float64 }{
	{6, 4},
	{5, 6},
	{8, 6},
}

// syntheticLayout centers the user app at (7,5) and places competitors at
// fixed offsets so the map is never empty. The user row's quadrant label is
// part of the fixed layout, not derived: (7,5) sits exactly on the complexity
// boundary and the optimistic label is intentional for the no-data case.
func syntheticLayout(a *analysis.Analysis, competitors []analysis.Competitor) []analysis.Positioning {
	rows := []analysis.Positioning{{
		ID: uuid.NewString(), AnalysisID: a.ID,
		EntityName: a.AppName, Value: 7, Complexity: 5,
		Quadrant: "High Value, Low Complexity (Sweet Spot)",
	}}
	for i, c := range competitors {
		off := syntheticOffsets[i%3]
		id := c.ID
		rows = append(rows, analysis.Positioning{
			ID: uuid.NewString(), AnalysisID: a.ID, CompetitorID: &id,
			EntityName: c.Name, Value: off.value, Complexity: off.complexity,
			Quadrant: Quadrant(off.value, off.complexity),
		})
	}
	return rows
}
